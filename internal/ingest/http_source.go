package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lox/klima/internal/httputil"
	"github.com/lox/klima/internal/metrics"
)

// DefaultBaseURL is the DWD open data directory of historical daily KL files.
const DefaultBaseURL = "https://opendata.dwd.de/climate_environment/CDC/observations_germany/climate/daily/kl/historical/"

var errCircuitOpen = errors.New("circuit breaker open")

// HTTPSource reads a directory served as an HTML index.
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxElapsed time.Duration
}

func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = httputil.NewClient()
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dwd-http",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		maxElapsed: 2 * time.Minute,
	}
}

func (s *HTTPSource) Name() string { return "dwd" }

func (s *HTTPSource) List(ctx context.Context) ([]Entry, error) {
	body, err := s.get(ctx, s.baseURL, "list")
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	return ParseListing(string(body)), nil
}

func (s *HTTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	u, err := url.JoinPath(s.baseURL, name)
	if err != nil {
		return nil, err
	}
	body, err := s.get(ctx, u, "fetch")
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	return body, nil
}

// get retries rate limits and server errors with exponential backoff. Every
// attempt passes through the circuit breaker.
func (s *HTTPSource) get(ctx context.Context, rawURL, operation string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.SourceFetchLatency.WithLabelValues("http", operation).Observe(time.Since(start).Seconds())
	}()

	var body []byte
	attempt := func() error {
		result, err := s.breaker.Execute(func() (interface{}, error) {
			return s.do(ctx, rawURL)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: %v", errCircuitOpen, err))
		}
		if err != nil {
			return err
		}
		body = result.([]byte)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.maxElapsed
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		metrics.SourceFetches.WithLabelValues("http", operation, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}
	metrics.SourceFetches.WithLabelValues("http", operation, "ok").Inc()
	return body, nil
}

func (s *HTTPSource) do(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
