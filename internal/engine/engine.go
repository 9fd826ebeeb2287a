// Package engine decides which fetched items are new for a followed channel
// and fans them out to every subscribed notification target.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"socialrelay/internal/metrics"
	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/storage"
)

// Defaults for the fetch window and new-channel backfill.
const (
	DefaultFetchCount = 5
	DefaultBackfill   = 1
)

// Delivery outcomes reported to metrics.
const (
	statusSent       = "sent"
	statusFailed     = "failed"
	statusSilent     = "silent"
	statusSuppressed = "suppressed"
)

// Sink delivers a rendered notification to one target. An error affects
// only that target.
type Sink interface {
	Notify(ctx context.Context, target model.NotificationTarget, n model.Notification) error
}

// Result summarizes one channel's processing.
type Result struct {
	Fetched    int
	New        int
	Delivered  int
	Failed     int
	Suppressed int
}

// Engine is the deduplication and delivery engine.
type Engine struct {
	store      storage.Storage
	sink       Sink
	log        *slog.Logger
	metrics    *metrics.Metrics
	fetchCount int
	backfill   int
	now        func() time.Time

	// Serializes the poll and webhook paths on one channel.
	channelLocks sync.Map
}

// historyLimiter is implemented by stores with a bounded delivered ring.
type historyLimiter interface {
	HistoryLimit() int
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetchCount sets how many recent items are requested per channel.
func WithFetchCount(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fetchCount = n
		}
	}
}

// WithBackfill limits how many items are delivered for a channel with no
// history. Older items are recorded without notifying. Zero delivers all.
func WithBackfill(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.backfill = n
		}
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the delivery timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(store storage.Storage, sink Sink, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		sink:       sink,
		log:        log,
		fetchCount: DefaultFetchCount,
		backfill:   DefaultBackfill,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	// A cycle must not evict keys it still needs to recognize the window.
	if h, ok := store.(historyLimiter); ok {
		if limit := h.HistoryLimit(); limit < e.fetchCount*platform.MaxKeysPerItem {
			n := max(limit/platform.MaxKeysPerItem, 1)
			log.Warn("history too small for fetch window, narrowing it",
				"history_limit", limit, "fetch_count", e.fetchCount, "narrowed_to", n)
			e.fetchCount = n
		}
	}
	return e
}

func (e *Engine) lockChannel(id int64) func() {
	v, _ := e.channelLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// FetchCount returns the configured fetch window.
func (e *Engine) FetchCount() int {
	return e.fetchCount
}

// ProcessChannel fetches recent items for ch and ingests them. When silent
// is set, new items are recorded but no notification is sent.
func (e *Engine) ProcessChannel(ctx context.Context, adapter platform.Adapter, ch model.FollowedChannel, silent bool) (Result, error) {
	items, err := adapter.FetchRecent(ctx, ch.ExternalID, e.fetchCount)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s %s: %w", ch.Platform, ch.ExternalID, err)
	}
	if len(items) > e.fetchCount {
		items = items[:e.fetchCount]
	}
	return e.Ingest(ctx, adapter, ch, items, silent)
}

type pending struct {
	item model.CandidateItem
	kind model.ItemKind
	key  string
}

// Ingest runs dedup and delivery over items given newest first. Calls for
// the same channel run one at a time.
func (e *Engine) Ingest(ctx context.Context, adapter platform.Adapter, ch model.FollowedChannel, items []model.CandidateItem, silent bool) (Result, error) {
	defer e.lockChannel(ch.ID)()

	res := Result{Fetched: len(items)}
	log := e.log.With("platform", ch.Platform, "channel_id", ch.ID, "external_id", ch.ExternalID)

	history, err := e.store.DeliveredItems(ctx, ch.ID)
	if err != nil {
		return res, fmt.Errorf("load history: %w", err)
	}
	delivered := make(map[string]bool, len(history))
	for _, h := range history {
		delivered[h.ItemID] = true
	}

	now := e.now()
	var records []model.DeliveredItem
	record := func(key, content string) {
		records = append(records, model.DeliveredItem{ChannelID: ch.ID, ItemID: key, Content: content, DeliveredAt: now})
		delivered[key] = true
	}

	ordered := slices.Clone(items)
	slices.Reverse(ordered)

	var fresh []pending
	for _, item := range ordered {
		if item.ID == "" {
			log.Warn("skipping item without id")
			continue
		}
		kind := adapter.Classify(item)
		key := platform.DeliveryKey(item, kind)
		if delivered[key] {
			continue
		}
		if isUpload(kind) && delivered[platform.PhaseKey(item.ID, platform.SuffixLive)] {
			log.Debug("upload of delivered live stream suppressed", "item_id", item.ID)
			record(key, item.Text)
			res.Suppressed++
			e.metrics.ObserveDelivery(string(ch.Platform), string(kind), statusSuppressed)
			continue
		}
		// Guards against duplicates inside one fetched batch.
		delivered[key] = true
		fresh = append(fresh, pending{item: item, kind: kind, key: key})
	}
	res.New = len(fresh)
	if len(fresh) == 0 {
		return res, e.commit(ctx, ch.ID, records)
	}

	quiet := 0
	if len(history) == 0 && e.backfill > 0 && len(fresh) > e.backfill {
		quiet = len(fresh) - e.backfill
		log.Info("new channel backfill", "recorded_silently", quiet, "delivering", e.backfill)
	}

	var targets []model.NotificationTarget
	var profile model.Profile
	if !silent {
		targets, err = e.store.ListTargetsForChannel(ctx, ch.ID)
		if err != nil {
			return res, fmt.Errorf("list targets: %w", err)
		}
		if len(targets) > 0 {
			profile = e.refreshProfile(ctx, adapter, &ch, log)
		}
	}

	emittedParents := make(map[string]bool)
	for i, p := range fresh {
		if ctx.Err() != nil {
			log.Info("cycle cancelled, committing delivered items", "remaining", len(fresh)-i)
			break
		}
		notify := !silent && i >= quiet

		if parent := p.item.ReplyParent; p.kind == model.KindReply && parent != nil && !emittedParents[parent.ID] {
			emittedParents[parent.ID] = true
			ctxKey := platform.ContextKey(parent.ID)
			if !delivered[ctxKey] && !delivered[parent.ID] {
				ref := e.resolveParent(ctx, adapter, *parent, log)
				if notify {
					n := e.contextNotification(ch, ref)
					e.fanOut(ctx, targets, n, log, &res)
				}
				record(ctxKey, ref.Text)
			}
		}

		if notify {
			e.fanOut(ctx, targets, e.notification(ch, profile, p), log, &res)
		} else {
			e.metrics.ObserveDelivery(string(ch.Platform), string(p.kind), statusSilent)
		}
		record(p.key, p.item.Text)
	}

	if res.Delivered > 0 {
		log.Info("delivered notifications", "items", len(fresh), "deliveries", res.Delivered, "failed", res.Failed)
	}
	return res, e.commit(ctx, ch.ID, records)
}

func (e *Engine) commit(ctx context.Context, channelID int64, records []model.DeliveredItem) error {
	if len(records) == 0 {
		return nil
	}
	// Deliveries already happened, so the record must survive cancellation.
	if err := e.store.RecordDeliveries(context.WithoutCancel(ctx), channelID, records); err != nil {
		return fmt.Errorf("record deliveries: %w", err)
	}
	return nil
}

func (e *Engine) fanOut(ctx context.Context, targets []model.NotificationTarget, n model.Notification, log *slog.Logger, res *Result) {
	for _, t := range targets {
		n.MentionRole = t.MentionRole
		if err := e.sink.Notify(ctx, t, n); err != nil {
			log.Warn("deliver notification", "target_id", t.ID, "item_id", n.ItemID, "kind", n.Kind, "error", err)
			res.Failed++
			e.metrics.ObserveDelivery(string(n.Platform), string(n.Kind), statusFailed)
			continue
		}
		res.Delivered++
		e.metrics.ObserveDelivery(string(n.Platform), string(n.Kind), statusSent)
	}
}

// refreshProfile resolves display metadata and updates the cached channel
// name when it changed. Failures only lose the avatar.
func (e *Engine) refreshProfile(ctx context.Context, adapter platform.Adapter, ch *model.FollowedChannel, log *slog.Logger) model.Profile {
	profile, err := adapter.ResolveProfile(ctx, ch.ExternalID)
	if err != nil {
		log.Warn("resolve profile", "error", err)
	}
	if profile.DisplayName != "" && profile.DisplayName != ch.Name {
		if err := e.store.UpdateChannelName(ctx, ch.ID, profile.DisplayName); err != nil {
			log.Warn("update channel name", "error", err)
		}
		ch.Name = profile.DisplayName
	}
	return profile
}

func (e *Engine) resolveParent(ctx context.Context, adapter platform.Adapter, ref model.ItemRef, log *slog.Logger) model.ItemRef {
	if ref.Text != "" || ref.AuthorName != "" {
		return ref
	}
	resolver, ok := adapter.(platform.ItemResolver)
	if !ok {
		return ref
	}
	full, err := resolver.ResolveItem(ctx, ref.ID)
	if err != nil {
		log.Warn("resolve reply parent", "item_id", ref.ID, "error", err)
		return ref
	}
	return full
}

func (e *Engine) notification(ch model.FollowedChannel, profile model.Profile, p pending) model.Notification {
	return model.Notification{
		Platform:    ch.Platform,
		Kind:        p.kind,
		ChannelName: ch.DisplayName(),
		ChannelURL:  ch.URL(),
		AvatarURL:   profile.AvatarURL,
		ItemID:      p.item.ID,
		Text:        p.item.Text,
		URL:         p.item.URL,
		Media:       p.item.Media,
		Links:       p.item.Links,
		Quoted:      p.item.Quoted,
		RepostOf:    p.item.RepostOf,
		ReplyParent: p.item.ReplyParent,
		ScheduledAt: p.item.ScheduledAt,
		MembersOnly: p.item.MembersOnly,
	}
}

func (e *Engine) contextNotification(ch model.FollowedChannel, parent model.ItemRef) model.Notification {
	name := parent.AuthorName
	if name == "" {
		name = parent.AuthorID
	}
	return model.Notification{
		Platform:    ch.Platform,
		Kind:        model.KindRoot,
		Context:     true,
		ChannelName: name,
		ChannelURL:  ch.Platform.ChannelURL(parent.AuthorID),
		ItemID:      parent.ID,
		Text:        parent.Text,
		URL:         parent.URL,
		Media:       parent.Media,
	}
}

func isUpload(kind model.ItemKind) bool {
	return kind == model.KindVideoUpload || kind == model.KindMembersOnly
}
