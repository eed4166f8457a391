package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Timeouts bounds each phase of an HTTP exchange.
// A zero field falls back to the default for that phase.
type Timeouts struct {
	Dial           time.Duration
	TLSHandshake   time.Duration
	ResponseHeader time.Duration
	Idle           time.Duration
	// Overall caps the whole exchange including the body. Zero means no cap,
	// which is what long transfers want.
	Overall time.Duration
}

// DefaultTimeouts returns the transport timeouts used for upstream servers.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Dial:           30 * time.Second,
		TLSHandshake:   15 * time.Second,
		ResponseHeader: 30 * time.Second,
		Idle:           90 * time.Second,
	}
}

// NewHTTPClient creates a hardened HTTP client for untrusted upstream content.
// Compression is disabled so Content-Length describes the bytes on disk.
func NewHTTPClient(t Timeouts) *http.Client {
	d := DefaultTimeouts()
	if t.Dial <= 0 {
		t.Dial = d.Dial
	}
	if t.TLSHandshake <= 0 {
		t.TLSHandshake = d.TLSHandshake
	}
	if t.ResponseHeader <= 0 {
		t.ResponseHeader = d.ResponseHeader
	}
	if t.Idle <= 0 {
		t.Idle = d.Idle
	}
	return &http.Client{
		Timeout: t.Overall,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: t.Dial}).DialContext,
			TLSHandshakeTimeout:   t.TLSHandshake,
			ResponseHeaderTimeout: t.ResponseHeader,
			IdleConnTimeout:       t.Idle,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			DisableCompression:    true,
		},
	}
}

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateHTTPURL ensures the URL parses as HTTP(S) and contains no userinfo.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}
