package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/lox/klima/internal/metrics"
)

const (
	DefaultFTPHost = "opendata.dwd.de:21"
	DefaultFTPDir  = "/climate_environment/CDC/observations_germany/climate/daily/kl/historical"
)

// FTPSource reads the same directory over anonymous FTP. FTP listings carry
// exact sizes and modification times.
type FTPSource struct {
	host    string
	dir     string
	timeout time.Duration
}

func NewFTPSource(host, dir string) *FTPSource {
	if host == "" {
		host = DefaultFTPHost
	}
	if dir == "" {
		dir = DefaultFTPDir
	}
	return &FTPSource{host: host, dir: dir, timeout: 30 * time.Second}
}

func (s *FTPSource) Name() string { return "dwd" }

func (s *FTPSource) List(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	defer func() {
		metrics.SourceFetchLatency.WithLabelValues("ftp", "list").Observe(time.Since(start).Seconds())
	}()

	var entries []Entry
	err := s.withConn(ctx, func(conn *ftp.ServerConn) error {
		list, err := conn.List(s.dir)
		if err != nil {
			return fmt.Errorf("ftp list: %w", err)
		}
		for _, e := range list {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			entries = append(entries, Entry{Name: e.Name, Size: int64(e.Size), LastModified: e.Time.UTC()})
		}
		return nil
	})
	if err != nil {
		metrics.SourceFetches.WithLabelValues("ftp", "list", "error").Inc()
		return nil, err
	}
	metrics.SourceFetches.WithLabelValues("ftp", "list", "ok").Inc()
	return entries, nil
}

func (s *FTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.SourceFetchLatency.WithLabelValues("ftp", "fetch").Observe(time.Since(start).Seconds())
	}()

	var body []byte
	err := s.withConn(ctx, func(conn *ftp.ServerConn) error {
		resp, err := conn.Retr(path.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("ftp retr %s: %w", name, err)
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		metrics.SourceFetches.WithLabelValues("ftp", "fetch", "error").Inc()
		return nil, err
	}
	metrics.SourceFetches.WithLabelValues("ftp", "fetch", "ok").Inc()
	return body, nil
}

// withConn dials, logs in anonymously and runs fn. Cancelling ctx closes the
// connection, which unblocks any transfer in progress.
func (s *FTPSource) withConn(ctx context.Context, fn func(*ftp.ServerConn) error) error {
	conn, err := ftp.Dial(s.host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Quit() })
	defer func() {
		if stop() {
			conn.Quit()
		}
	}()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}
	if err := fn(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}
