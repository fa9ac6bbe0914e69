// Package selfcheck probes whether a challenge's proof material is already
// visible from this host before the server is asked to validate it. The
// probes are advisory: publishing the record or serving the token is the
// caller's responsibility, and a failed probe only means triggering now
// would likely waste the attempt.
package selfcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tdowling7/acmewire/pkg/acme"
)

// TXTResolver looks up TXT records. *net.Resolver satisfies it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Checker runs readiness probes for challenges.
type Checker struct {
	resolver   TXTResolver
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the probe logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client used for http-01 probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) { c.httpClient = hc }
}

// WithResolver replaces the DNS resolver used for dns-01 probes.
func WithResolver(r TXTResolver) Option {
	return func(c *Checker) {
		if r != nil {
			c.resolver = r
		}
	}
}

// New returns a Checker using the system resolver and a short HTTP timeout.
func New(opts ...Option) *Checker {
	c := &Checker{
		resolver:   &net.Resolver{},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckDNS01 verifies that the validation TXT record for domain carries the
// challenge's expected record value.
func (c *Checker) CheckDNS01(ctx context.Context, domain string, ch *acme.DNS01Challenge) error {
	want, err := ch.RecordValue()
	if err != nil {
		return err
	}
	host := acme.DNSRecordName(domain)

	txts, err := c.resolver.LookupTXT(ctx, host)
	if err != nil {
		return fmt.Errorf("TXT lookup for %s: %w", host, err)
	}
	for _, txt := range txts {
		if txt == want {
			c.logger.Debug("dns-01 record visible", zap.String("host", host))
			return nil
		}
	}
	return fmt.Errorf("TXT record at %s does not carry the expected value", host)
}

// CheckHTTP01 verifies that the key authorization is served at the
// challenge's well-known path on domain.
func (c *Checker) CheckHTTP01(ctx context.Context, domain string, ch *acme.HTTP01Challenge) error {
	want, err := ch.KeyAuthorization()
	if err != nil {
		return err
	}
	probeURL := "http://" + domain + ch.WellKnownPath()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", probeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %d", probeURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read probe response: %w", err)
	}
	if got := strings.TrimSpace(string(body)); got != want {
		return fmt.Errorf("probe %s served the wrong key authorization", probeURL)
	}
	c.logger.Debug("http-01 token visible", zap.String("url", probeURL))
	return nil
}
