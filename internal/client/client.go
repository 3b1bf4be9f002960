// Package client talks to a provenanced instance over its HTTP API.
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
	"strings"
	"sync"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/intake"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/verify"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("client: not found")

// maxResponse bounds how much of a response body is read. Snapshot bundles
// carry every evidence item, so this is far above the API's request limit.
const maxResponse = 64 << 20

// StatusError is returned for any other non-success response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Client is a provenanced API client.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *bundleCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches snapshot bundles fetched by id for ttl. Archived
// bundles never change, so only "latest" bypasses the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newBundleCache(ttl)
		return nil
	}
}

// New creates a Client for the provenanced instance at base, for example
// "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Verify runs a verification request on the server.
func (c *Client) Verify(ctx context.Context, req verify.Request) (*verify.Result, error) {
	var res verify.Result
	if _, err := c.call(ctx, http.MethodPost, "/provenance/verify", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Snapshot fetches an archived bundle. id "latest" returns the newest one.
func (c *Client) Snapshot(ctx context.Context, id string) (*snapshot.Bundle, error) {
	cacheable := c.cache != nil && id != "latest"
	if cacheable {
		if b, ok := c.cache.get(id); ok {
			return b, nil
		}
	}
	var b snapshot.Bundle
	if _, err := c.call(ctx, http.MethodGet, "/snapshots/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, err
	}
	if cacheable {
		c.cache.set(id, &b)
	}
	return &b, nil
}

// Snapshots lists every archived commitment, oldest first.
func (c *Client) Snapshots(ctx context.Context) ([]*snapshot.DatasetCommitment, error) {
	var body struct {
		Commitments []*snapshot.DatasetCommitment `json:"commitments"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/snapshots", nil, &body); err != nil {
		return nil, err
	}
	return body.Commitments, nil
}

// Proof fetches the inclusion proof for firmID in snapshot id.
func (c *Client) Proof(ctx context.Context, id, firmID string) (*merkle.Proof, error) {
	var body struct {
		Proof *merkle.Proof `json:"proof"`
	}
	path := "/snapshots/" + url.PathEscape(id) + "/proofs/" + url.PathEscape(firmID)
	if _, err := c.call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Proof, nil
}

// SubmitEvidence sends one raw item through validation. A rejected item is
// returned without error; check Outcome.Committed. held reports that the
// item is waiting for validators to come back.
func (c *Client) SubmitEvidence(ctx context.Context, it *evidence.Item) (out *intake.Outcome, held bool, err error) {
	out = &intake.Outcome{}
	code, err := c.call(ctx, http.MethodPost, "/evidence", it, out)
	if err != nil {
		return nil, false, err
	}
	return out, code == http.StatusAccepted, nil
}

// Evidence fetches the current state of one item.
func (c *Client) Evidence(ctx context.Context, id string) (*evidence.Item, error) {
	var it evidence.Item
	if _, err := c.call(ctx, http.MethodGet, "/evidence/"+url.PathEscape(id), nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// LedgerValid asks the server to walk its evidence ledger. The returned
// string is the server's reason when the chain is broken.
func (c *Client) LedgerValid(ctx context.Context) (bool, string, error) {
	var body struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/ledger/verify", nil, &body); err != nil {
		return false, "", err
	}
	return body.Valid, body.Error, nil
}

// call performs one JSON round trip and returns the status code.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) (int, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// --- bundle cache ---

type cacheEntry struct {
	bundle    *snapshot.Bundle
	expiresAt time.Time
}

type bundleCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newBundleCache(ttl time.Duration) *bundleCache {
	return &bundleCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (bc *bundleCache) get(key string) (*snapshot.Bundle, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	e, ok := bc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.bundle, true
}

func (bc *bundleCache) set(key string, b *snapshot.Bundle) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.entries[key] = &cacheEntry{bundle: b, expiresAt: time.Now().Add(bc.ttl)}
}
