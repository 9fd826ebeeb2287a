package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultAttempts  = 5
	defaultBaseDelay = 2 * time.Second
	defaultCooldown  = time.Hour
)

// Caller runs calls against one upstream client. It owns the client's
// re-initialization procedure and its quota cooldown state.
type Caller struct {
	name     string
	reinit   func(ctx context.Context) error
	attempts int
	base     time.Duration
	cooldown time.Duration
	limiter  *rate.Limiter
	alerter  Alerter
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	stalledUntil time.Time
}

// Option configures a Caller.
type Option func(*Caller)

// WithAttempts sets the maximum number of attempts per call, including the first.
func WithAttempts(n int) Option {
	return func(c *Caller) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBaseDelay sets the backoff delay before the second attempt.
// Later attempts double it.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Caller) { c.base = d }
}

// WithCooldown sets how long calls short-circuit after a quota rejection.
func WithCooldown(d time.Duration) Option {
	return func(c *Caller) { c.cooldown = d }
}

// WithLimiter paces every attempt through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Caller) { c.limiter = l }
}

// WithAlerter sets where operator alerts go.
func WithAlerter(a Alerter) Option {
	return func(c *Caller) { c.alerter = a }
}

// WithObserver records call outcomes.
func WithObserver(o Observer) Option {
	return func(c *Caller) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.log = l }
}

// WithClock overrides the time source used for the quota cooldown.
func WithClock(now func() time.Time) Option {
	return func(c *Caller) { c.now = now }
}

// NewCaller creates a Caller for the named client. reinit may be nil.
func NewCaller(name string, reinit func(ctx context.Context) error, opts ...Option) *Caller {
	c := &Caller{
		name:     name,
		reinit:   reinit,
		attempts: defaultAttempts,
		base:     defaultBaseDelay,
		cooldown: defaultCooldown,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.base <= 0 {
		c.base = time.Millisecond
	}
	return c
}

// Name returns the client name used in alerts.
func (c *Caller) Name() string {
	return c.name
}

// Stalled reports whether calls are short-circuited by a quota cooldown.
func (c *Caller) Stalled() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.stalledUntil) {
		return c.stalledUntil, true
	}
	return time.Time{}, false
}

// Reinit re-establishes the client. Concurrent calls share one run.
func (c *Caller) Reinit(ctx context.Context) error {
	if c.reinit == nil {
		return nil
	}
	_, err, _ := c.group.Do("reinit", func() (any, error) {
		return nil, c.reinit(ctx)
	})
	return err
}

// Call runs fn through c. The first attempt runs immediately. A quota
// rejection stops at once with an alert and starts the cooldown. Other
// failures back off exponentially and re-initialize the client before the
// next attempt. When every attempt fails an alert is sent and the returned
// error wraps ErrUnavailable. Malformed payloads and context errors are
// returned without retrying, as are 4xx rejections other than auth failures.
func Call[T any](ctx context.Context, c *Caller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	if until, stalled := c.Stalled(); stalled {
		c.observe("stalled")
		return result, fmt.Errorf("%s %s: %w: %w: cooling down until %s",
			c.name, op, ErrUnavailable, ErrQuotaExhausted, until.Format(time.RFC3339))
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewExponential(c.base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if err := c.Reinit(ctx); err != nil {
				c.log.Warn("reinit failed", "client", c.name, "attempt", attempt, "error", err)
				c.observe("retry")
				return retry.RetryableError(err)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		v, err := fn(ctx)
		if err == nil {
			result = v
			return nil
		}
		if IsQuota(err) || isPermanent(err) {
			return err
		}
		c.log.Warn("upstream call failed",
			"client", c.name, "op", op, "attempt", attempt, "max_attempts", c.attempts, "error", err)
		c.observe("retry")
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		c.observe("ok")
		return result, nil
	case ctx.Err() != nil:
		return result, ctx.Err()
	case IsQuota(err):
		c.observe("quota")
		c.startCooldown(ctx, op, err)
		return result, fmt.Errorf("%s %s: %w: %w: %v", c.name, op, ErrUnavailable, ErrQuotaExhausted, err)
	case errors.Is(err, ErrMalformedPayload):
		c.observe("malformed")
		return result, fmt.Errorf("%s %s: %w", c.name, op, err)
	case isPermanent(err):
		c.observe("rejected")
		return result, fmt.Errorf("%s %s: %w", c.name, op, err)
	}

	c.observe("unavailable")
	msg := fmt.Sprintf("%s %s failed after %d attempts: %v", c.name, op, attempt, err)
	c.log.Error("upstream unavailable", "client", c.name, "op", op, "attempts", attempt, "error", err)
	c.alert(ctx, msg)
	return result, fmt.Errorf("%s %s: %w after %d attempts: %v", c.name, op, ErrUnavailable, attempt, err)
}

func (c *Caller) startCooldown(ctx context.Context, op string, err error) {
	c.mu.Lock()
	already := c.now().Before(c.stalledUntil)
	until := c.now().Add(c.cooldown)
	if !already {
		c.stalledUntil = until
	}
	c.mu.Unlock()
	if already {
		return
	}

	c.log.Error("upstream quota exhausted",
		"client", c.name, "op", op, "cooldown_until", until.Format(time.RFC3339), "error", err)
	c.alert(ctx, fmt.Sprintf("%s quota exhausted during %s; calls paused until %s: %v",
		c.name, op, until.Format(time.RFC3339), err))
}

func (c *Caller) alert(ctx context.Context, msg string) {
	if c.alerter == nil {
		return
	}
	// The cycle context may already be cancelled; alerts still go out.
	c.alerter.Alert(context.WithoutCancel(ctx), c.name, msg)
}

func (c *Caller) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveCall(c.name, outcome)
	}
}
