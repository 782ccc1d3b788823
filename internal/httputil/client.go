package httputil

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds a single request. Historical KL archives run to tens
// of megabytes, so this is generous; callers bound whole operations with a
// context.
const DefaultTimeout = 5 * time.Minute

const UserAgent = "klima/1.0 (+https://github.com/lox/klima)"

// NewClient returns an HTTP client with standard timeout configuration that
// identifies itself to upstream servers.
func NewClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &userAgentTransport{base: http.DefaultTransport},
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", UserAgent)
	return t.base.RoundTrip(r)
}
