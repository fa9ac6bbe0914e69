// Package poller drives a challenge's Update loop for callers that do not
// want to schedule polls themselves. The engine never polls on its own; this
// package is the one place that sleeps.
package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tdowling7/acmewire/internal/metrics"
	"github.com/tdowling7/acmewire/pkg/acme"
)

// defaultInterval is the poll spacing used when the server gives no
// Retry-After hint.
const defaultInterval = 3 * time.Second

// Poller repeatedly updates a challenge until it reaches a terminal status.
type Poller struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the minimum spacing between polls when the server does
// not suggest one.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLogger sets the poll logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a Poller with a 3 second default interval.
func New(opts ...Option) *Poller {
	p := &Poller{
		limiter: rate.NewLimiter(rate.Every(defaultInterval), 1),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Wait polls ch until it becomes valid or invalid, honoring server
// Retry-After hints and rate-capping hint-less polls. It returns the
// terminal status, or the context error if ctx ends first.
func (p *Poller) Wait(ctx context.Context, ch acme.Challenge) (acme.Status, error) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return ch.Status(), err
		}

		err := ch.Update(ctx)
		metrics.RecordChallengePoll(string(ch.Status()))

		if ra, ok := acme.IsRetryAfter(err); ok {
			// The body update has already been applied; a terminal status
			// can arrive together with the hint.
			if ra.Status != acme.StatusPending {
				return ra.Status, nil
			}
			p.logger.Debug("server requested backoff",
				zap.Time("resume_at", ra.RetryAfter),
			)
			if err := sleepUntil(ctx, ra.RetryAfter); err != nil {
				return ch.Status(), err
			}
			continue
		}
		if err != nil {
			return ch.Status(), fmt.Errorf("poll challenge: %w", err)
		}
		if status := ch.Status(); status != acme.StatusPending {
			return status, nil
		}
	}
}

func sleepUntil(ctx context.Context, when time.Time) error {
	d := time.Until(when)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
