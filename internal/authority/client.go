package authority

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/safety"
)

const maxResponseBytes = 1 << 20

// Response values sent by the licensing endpoint.
const (
	responseAllowed    = "allowed"
	responseNotAllowed = "not_allowed"
	responseError      = "error"
)

type checkRequest struct {
	Package     string `json:"package"`
	VersionCode int    `json:"version_code"`
	DeviceID    string `json:"device_id,omitempty"`
	SaltHash    string `json:"salt_hash,omitempty"`
}

type checkResponse struct {
	Response string `json:"response"`
	Reason   int    `json:"reason"`
	Code     int    `json:"code"`
	Files    []File `json:"files"`
}

// Client asks an HTTP licensing endpoint for access and the file manifest.
// The manifest from the most recent allowed check is served through the
// expansion.ManifestAuthority methods.
type Client struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger

	mu    sync.RWMutex
	files manifest
}

var (
	_ expansion.EntitlementGate   = (*Client)(nil)
	_ expansion.ManifestAuthority = (*Client)(nil)
)

// NewClient creates a Client for endpoint.
func NewClient(endpoint, userAgent string, timeouts safety.Timeouts, logger *slog.Logger) (*Client, error) {
	if _, err := safety.ValidateHTTPURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid license endpoint: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if userAgent == "" {
		userAgent = "expansiond/1.0"
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: safety.NewHTTPClient(timeouts),
		userAgent:  userAgent,
		logger:     logger,
	}, nil
}

// SetHTTPClient replaces the client used to reach the endpoint.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// CheckAccess queries the endpoint. Every call goes to the network; a
// previous verdict is never reused.
//
// An unreachable endpoint is reported as a not-allowed verdict with the
// retry reason, which is what a licensing client does when it cannot get an
// answer. Non-2xx replies become an error verdict carrying the HTTP status.
func (c *Client) CheckAccess(ctx context.Context, cfg expansion.DownloaderConfig) (expansion.Access, error) {
	payload, err := json.Marshal(newCheckRequest(cfg))
	if err != nil {
		return expansion.Access{}, fmt.Errorf("encoding license request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return expansion.Access{}, fmt.Errorf("creating license request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("checking license", "endpoint", c.endpoint, "package", cfg.PackageName, "version_code", cfg.VersionCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return expansion.Access{}, ctx.Err()
		}
		c.logger.Warn("license endpoint unreachable", "endpoint", c.endpoint, "error", err)
		return expansion.Access{Verdict: expansion.VerdictNotAllowed, Reason: expansion.ReasonRetry}, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("license endpoint returned an error", "status", resp.StatusCode)
		return expansion.Access{Verdict: expansion.VerdictError, Code: resp.StatusCode}, nil
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return expansion.Access{}, fmt.Errorf("license response exceeded %d bytes: %w", maxResponseBytes, err)
		}
		return expansion.Access{}, fmt.Errorf("reading license response: %w", err)
	}

	var cr checkResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return expansion.Access{}, fmt.Errorf("decoding license response: %w", err)
	}

	switch cr.Response {
	case responseAllowed:
		if err := checkFileCount(cr.Files); err != nil {
			return expansion.Access{}, err
		}
		c.mu.Lock()
		c.files = cr.Files
		c.mu.Unlock()
		c.logger.Info("license check allowed", "files", len(cr.Files))
		return expansion.Access{Verdict: expansion.VerdictAllowed, Reason: cr.Reason}, nil
	case responseNotAllowed:
		c.logger.Info("license check denied", "reason", fmt.Sprintf("0x%04x", cr.Reason))
		return expansion.Access{Verdict: expansion.VerdictNotAllowed, Reason: cr.Reason}, nil
	case responseError:
		c.logger.Warn("license check error", "code", cr.Code)
		return expansion.Access{Verdict: expansion.VerdictError, Code: cr.Code}, nil
	default:
		return expansion.Access{}, fmt.Errorf("unknown license response %q", cr.Response)
	}
}

func newCheckRequest(cfg expansion.DownloaderConfig) checkRequest {
	r := checkRequest{
		Package:     cfg.PackageName,
		VersionCode: cfg.VersionCode,
		DeviceID:    cfg.DeviceID,
	}
	if len(cfg.Salt) > 0 {
		sum := sha256.Sum256(cfg.Salt)
		r.SaltHash = hex.EncodeToString(sum[:])
	}
	return r
}

func (c *Client) ExpansionURLCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files.ExpansionURLCount()
}

func (c *Client) FileName(i int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files.FileName(i)
}

func (c *Client) FileSize(i int) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files.FileSize(i)
}

func (c *Client) URL(i int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files.URL(i)
}
