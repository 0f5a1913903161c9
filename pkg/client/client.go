package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/auditledger/internal/hashchain"
	"github.com/jmerrifield20/auditledger/internal/health"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/signer"
)

// maxResponseBytes bounds response bodies. Exports carry every receipt.
const maxResponseBytes = 256 << 20

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
}

// IsBusy reports whether err is the ledger's lock-timeout response.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && apiErr.RetryAfter > 0
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Overview is the response of GET /api/v1/ledger.
type Overview struct {
	Height     int    `json:"height"`
	Root       string `json:"root"`
	SigningKID string `json:"signing_kid"`
	Status     string `json:"status"`
}

// BackupResult is the response of POST /api/v1/ledger/export.
type BackupResult struct {
	Location string `json:"location"`
	Height   int    `json:"height"`
	Root     string `json:"root"`
}

// Client talks to one ledgerd instance.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// New creates a Client for the ledgerd at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Overview returns the ledger height, root and signing key.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Append records ev and returns its signed receipt.
func (c *Client) Append(ctx context.Context, ev ledger.Event) (*ledger.Receipt, error) {
	var out ledger.Receipt
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/events", ev, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReceipt fetches one receipt by id.
func (c *Client) GetReceipt(ctx context.Context, id string) (*ledger.Receipt, error) {
	var out ledger.Receipt
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/receipts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReceipts returns up to limit receipts, newest first.
func (c *Client) ListReceipts(ctx context.Context, limit int) ([]ledger.Receipt, error) {
	path := "/api/v1/ledger/receipts"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Receipts []ledger.Receipt `json:"receipts"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}

// VerifyReceipt asks the ledger to check both the inclusion proof and the
// signature of r.
func (c *Client) VerifyReceipt(ctx context.Context, r ledger.Receipt) (*ledger.VerificationResult, error) {
	var out ledger.VerificationResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/receipts/verify", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain runs a full chain audit on the server.
func (c *Client) VerifyChain(ctx context.Context) (*hashchain.Report, error) {
	var out hashchain.Report
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeyStatus returns the signing key rotation status.
func (c *Client) KeyStatus(ctx context.Context) (*keyring.RotationStatus, error) {
	var out keyring.RotationStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/keys/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export downloads the full export bundle.
func (c *Client) Export(ctx context.Context) (*ledger.ExportBundle, error) {
	var out ledger.ExportBundle
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/export", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Backup asks the server to write an export to its backup store.
func (c *Client) Backup(ctx context.Context) (*BackupResult, error) {
	var out BackupResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/export", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeySet fetches the published JWK set.
func (c *Client) KeySet(ctx context.Context) (keyring.JWKSet, error) {
	var out keyring.JWKSet
	err := c.call(ctx, http.MethodGet, "/.well-known/jwks.json", nil, &out)
	return out, err
}

// Key fetches a single published key.
func (c *Client) Key(ctx context.Context, kid string) (*signer.JWK, error) {
	var out signer.JWK
	if err := c.call(ctx, http.MethodGet, "/.well-known/jwks/"+url.PathEscape(kid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health runs the server's health check. An unhealthy ledger answers 503
// with a report, which is returned alongside the APIError.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	status, body, err := c.doRaw(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return nil, err
	}
	var out health.Report
	if jerr := json.Unmarshal(body, &out); jerr != nil {
		return nil, fmt.Errorf("decode health report: %w", jerr)
	}
	if status >= 300 {
		return &out, &APIError{StatusCode: status, Message: out.Status}
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return newAPIError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRaw returns the status and body without treating non-2xx as an error.
func (c *Client) doRaw(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		e.Message = payload.Error
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
