// Package scheduler runs one poll loop per platform.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"socialrelay/internal/engine"
	"socialrelay/internal/metrics"
	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/storage"
	"socialrelay/internal/upstream"
)

const secondsPerDay = 24 * 60 * 60

// IntervalFunc returns the sleep duration before the next cycle.
type IntervalFunc func(ctx context.Context) time.Duration

// FixedInterval always sleeps d.
func FixedInterval(d time.Duration) IntervalFunc {
	return func(context.Context) time.Duration { return d }
}

// ChannelCounter counts followed channels with subscribers.
type ChannelCounter interface {
	CountFollowedChannels(ctx context.Context, platforms ...model.Platform) (int, error)
}

// QuotaInterval spreads a daily request quota over the day. Each cycle is
// assumed to cost unitsPerChannel for every followed channel of the given
// platforms plus one. The result is never below minimum.
func QuotaInterval(counter ChannelCounter, dailyQuota, unitsPerChannel int, buffer float64, minimum time.Duration, log *slog.Logger, platforms ...model.Platform) IntervalFunc {
	return func(ctx context.Context) time.Duration {
		n, err := counter.CountFollowedChannels(ctx, platforms...)
		if err != nil {
			log.Warn("count followed channels", "error", err)
			return minimum
		}
		return quotaInterval(n*max(unitsPerChannel, 1), dailyQuota, buffer, minimum)
	}
}

// quotaInterval rounds up so the cycles per day never exceed the budget.
func quotaInterval(units, dailyQuota int, buffer float64, minimum time.Duration) time.Duration {
	budget := math.Floor(float64(dailyQuota) * (1 - buffer))
	cycles := math.Floor(budget / float64(units+1))
	if cycles < 1 {
		return max(minimum, secondsPerDay*time.Second)
	}
	d := time.Duration(math.Ceil(secondsPerDay/cycles)) * time.Second
	return max(minimum, d)
}

// Poller repeatedly processes every followed channel of one platform.
type Poller struct {
	adapter  platform.Adapter
	engine   *engine.Engine
	store    storage.Storage
	interval IntervalFunc
	log      *slog.Logger
	metrics  *metrics.Metrics

	silentStart bool
	onReady     func(model.Platform)
	warm        atomic.Bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithSilentStart suppresses delivery during the first completed cycle.
func WithSilentStart(silent bool) PollerOption {
	return func(p *Poller) { p.silentStart = silent }
}

// WithOnReady registers a callback run once the silent first cycle is done.
func WithOnReady(fn func(model.Platform)) PollerOption {
	return func(p *Poller) { p.onReady = fn }
}

// WithMetrics records cycle statistics.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a poller for the adapter's platform.
func NewPoller(adapter platform.Adapter, eng *engine.Engine, store storage.Storage, interval IntervalFunc, log *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		adapter:  adapter,
		engine:   eng,
		store:    store,
		interval: interval,
		log:      log.With("platform", adapter.Platform()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Platform returns the platform this poller serves.
func (p *Poller) Platform() model.Platform {
	return p.adapter.Platform()
}

// Run loops until ctx is cancelled. It never returns early on channel errors.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", "silent_start", p.silentStart && !p.warm.Load())
	defer p.log.Info("poller stopped")

	for {
		p.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		d := p.interval(ctx)
		p.metrics.ObserveInterval(string(p.Platform()), d)
		p.log.Debug("sleeping", "interval", d)

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// CycleStats summarizes one pass over all channels.
type CycleStats struct {
	Channels  int
	Failed    int
	Delivered int
	Silent    bool
	Stalled   bool
}

// RunCycle processes every followed channel once.
func (p *Poller) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	silent := p.silentStart && !p.warm.Load()
	log := p.log.With("cycle", uuid.NewString())
	stats := CycleStats{Silent: silent}

	if cp, ok := p.adapter.(platform.CallerProvider); ok {
		if until, stalled := cp.Caller().Stalled(); stalled {
			log.Warn("quota cooldown, skipping cycle", "until", until.Format(time.RFC3339))
			stats.Stalled = true
			return stats
		}
	}

	channels, err := p.store.ListFollowedChannels(ctx, p.Platform())
	if err != nil {
		log.Error("list followed channels", "error", err)
		return stats
	}
	stats.Channels = len(channels)
	log.Debug("cycle started", "channels", len(channels), "silent", silent)

	for _, ch := range channels {
		if ctx.Err() != nil {
			return stats
		}
		res, err := p.engine.ProcessChannel(ctx, p.adapter, ch, silent)
		stats.Delivered += res.Delivered
		if err == nil {
			continue
		}
		stats.Failed++
		if errors.Is(err, context.Canceled) {
			return stats
		}
		if errors.Is(err, upstream.ErrQuotaExhausted) {
			log.Warn("quota exhausted, skipping rest of cycle", "channel_id", ch.ID, "external_id", ch.ExternalID)
			break
		}
		log.Error("process channel", "channel_id", ch.ID, "external_id", ch.ExternalID, "error", err)
	}

	p.metrics.ObserveCycle(string(p.Platform()), len(channels), time.Since(start))
	log.Debug("cycle finished", "duration", time.Since(start), "failed", stats.Failed, "delivered", stats.Delivered)

	if silent {
		p.warm.Store(true)
		log.Info("silent start cycle complete")
		if p.onReady != nil {
			p.onReady(p.Platform())
		}
	}
	return stats
}
