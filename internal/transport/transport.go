// Package transport ships the default HTTP implementation of the engine's
// Connection interface. It normalizes the handful of response headers the
// protocol cares about (Replay-Nonce, Location, Link, Retry-After) so the
// engine never touches net/http directly.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tdowling7/acmewire/internal/metrics"
	"github.com/tdowling7/acmewire/pkg/acme"
)

// maxBodySize caps how much of a response body is buffered.
const maxBodySize = 1 << 20 // 1 MiB

// Conn is a stateful connection: the accessors expose metadata of the most
// recent response. It is not safe for concurrent use; confine it to the
// Session that owns it.
type Conn struct {
	httpClient *http.Client
	logger     *zap.Logger
	userAgent  string

	lastStatus int
	lastHeader http.Header
	lastBody   []byte
	lastURL    *url.URL
	receivedAt time.Time
}

// Option configures a Conn.
type Option func(*Conn)

// WithHTTPClient sets a custom http.Client, e.g. to pin TLS roots.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Conn) { c.httpClient = hc }
}

// WithLogger sets the logger for wire-level debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Conn) { c.userAgent = ua }
}

// New returns a connection backed by net/http with a 30 second timeout.
func New(opts ...Option) *Conn {
	c := &Conn{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
		userAgent:  "acmewire",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get performs a plain GET against uri.
func (c *Conn) Get(ctx context.Context, uri string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

// PostSigned posts a signed envelope to uri.
func (c *Conn) PostSigned(ctx context.Context, uri string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Conn) do(req *http.Request) (int, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordTransportError()
		return 0, &acme.TransportError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		metrics.RecordTransportError()
		return 0, &acme.TransportError{URL: req.URL.String(), Err: err}
	}

	c.lastStatus = resp.StatusCode
	c.lastHeader = resp.Header
	c.lastBody = body
	c.lastURL = req.URL
	c.receivedAt = time.Now()

	metrics.RecordRequest(req.Method, resp.StatusCode, time.Since(start))
	c.logger.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(body)),
	)
	return resp.StatusCode, nil
}

// ReadJSON decodes the last response body into a generic map.
func (c *Conn) ReadJSON() (map[string]any, error) {
	if len(c.lastBody) == 0 {
		return nil, fmt.Errorf("response has no body")
	}
	var doc map[string]any
	if err := json.Unmarshal(c.lastBody, &doc); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return doc, nil
}

// Location returns the Location header of the last response resolved against
// the request URL, or "" when absent.
func (c *Conn) Location() string {
	return c.resolve(c.header(acme.HeaderLocation))
}

// Link returns the target of the Link header carrying the given relation on
// the last response, or "" when absent.
func (c *Conn) Link(relation string) string {
	if c.lastHeader == nil {
		return ""
	}
	for _, value := range c.lastHeader.Values(acme.HeaderLink) {
		for _, link := range strings.Split(value, ",") {
			target, rel := parseLink(link)
			if target != "" && rel == relation {
				return c.resolve(target)
			}
		}
	}
	return ""
}

// RetryAfter returns the Retry-After hint of the last response, normalized
// to an absolute timestamp. Both delta-seconds and HTTP-date forms are
// accepted.
func (c *Conn) RetryAfter() (time.Time, bool) {
	raw := c.header(acme.HeaderRetryAfter)
	if raw == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return c.receivedAt.Add(time.Duration(secs) * time.Second), true
	}
	if when, err := http.ParseTime(raw); err == nil {
		return when, true
	}
	return time.Time{}, false
}

// Nonce returns the replay nonce of the last response, or "".
func (c *Conn) Nonce() string {
	return c.header(acme.HeaderReplayNonce)
}

func (c *Conn) header(name string) string {
	if c.lastHeader == nil {
		return ""
	}
	return c.lastHeader.Get(name)
}

// resolve turns a possibly relative reference into an absolute URI using the
// last request URL as base.
func (c *Conn) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	if c.lastURL == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.lastURL.ResolveReference(parsed).String()
}

// parseLink splits one `<target>; rel="relation"` link-value into its target
// and relation.
func parseLink(link string) (target, rel string) {
	parts := strings.Split(link, ";")
	head := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(head, "<") || !strings.HasSuffix(head, ">") {
		return "", ""
	}
	target = strings.TrimSuffix(strings.TrimPrefix(head, "<"), ">")
	for _, param := range parts[1:] {
		param = strings.TrimSpace(param)
		if v, ok := strings.CutPrefix(param, "rel="); ok {
			return target, strings.Trim(v, `"`)
		}
	}
	return target, ""
}
