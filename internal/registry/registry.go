// Package registry implements the subscription commands shared by every
// chat front end.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/storage"
)

var (
	// ErrUnsupportedPlatform is returned for platforms without a configured adapter.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrChannelNotFound is returned when the platform knows no such channel.
	ErrChannelNotFound = platform.ErrChannelNotFound
	// ErrNotSubscribed is returned when unsubscribing from a channel the target does not follow.
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrAlreadySubscribed is returned when the target already follows the channel.
	ErrAlreadySubscribed = storage.ErrAlreadySubscribed
)

// FollowHook runs after a subscription is created, e.g. to register a push
// subscription with the platform. Its errors are logged only.
type FollowHook func(ctx context.Context, p model.Platform, externalID string) error

// Registry validates user input against the platform adapters and keeps
// followed channels and subscriptions consistent.
type Registry struct {
	store    storage.Storage
	adapters map[model.Platform]platform.Adapter
	log      *slog.Logger
	onFollow FollowHook
}

// Option configures a Registry.
type Option func(*Registry)

// WithFollowHook sets the hook run after each subscribe.
func WithFollowHook(fn FollowHook) Option {
	return func(r *Registry) { r.onFollow = fn }
}

// New creates a Registry for the given adapters.
func New(store storage.Storage, adapters []platform.Adapter, log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		adapters: make(map[model.Platform]platform.Adapter, len(adapters)),
		log:      log,
	}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Platforms returns the enabled platforms in display order.
func (r *Registry) Platforms() []model.Platform {
	var out []model.Platform
	for _, p := range model.Platforms {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) adapter(p model.Platform) (platform.Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	return a, nil
}

// Subscribe verifies input on platform p and subscribes target to it. A
// previously unknown channel is registered first.
func (r *Registry) Subscribe(ctx context.Context, target model.NotificationTarget, p model.Platform, input string) (model.FollowedChannel, error) {
	a, err := r.adapter(p)
	if err != nil {
		return model.FollowedChannel{}, err
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return model.FollowedChannel{}, ErrChannelNotFound
	}

	externalID, err := a.VerifyChannel(ctx, input)
	if err != nil {
		return model.FollowedChannel{}, fmt.Errorf("verify %s %q: %w", p, input, err)
	}

	profile, err := a.ResolveProfile(ctx, externalID)
	if err != nil {
		r.log.Warn("resolve profile", "platform", p, "external_id", externalID, "error", err)
	}

	if err := r.store.UpsertTarget(ctx, &target); err != nil {
		return model.FollowedChannel{}, fmt.Errorf("upsert target: %w", err)
	}
	id, err := r.store.AddFollowedChannel(ctx, p, externalID, profile.DisplayName)
	if err != nil {
		return model.FollowedChannel{}, fmt.Errorf("add followed channel: %w", err)
	}
	ch, err := r.store.GetFollowedChannel(ctx, id)
	if err != nil {
		return model.FollowedChannel{}, fmt.Errorf("get followed channel: %w", err)
	}
	if err := r.store.AddSubscription(ctx, target.ID, id); err != nil {
		return *ch, err
	}

	r.log.Info("subscribed", "target_id", target.ID, "platform", p, "external_id", externalID, "channel_id", id)
	if r.onFollow != nil {
		if err := r.onFollow(ctx, p, externalID); err != nil {
			r.log.Warn("follow hook", "platform", p, "external_id", externalID, "error", err)
		}
	}
	return *ch, nil
}

// Unsubscribe removes the target's subscription to a channel and deletes
// the channel when no subscriber remains.
func (r *Registry) Unsubscribe(ctx context.Context, targetID int64, p model.Platform, input string) (model.FollowedChannel, error) {
	ch, err := r.findChannel(ctx, p, strings.TrimSpace(input))
	if err != nil {
		return model.FollowedChannel{}, err
	}

	if err := r.store.RemoveSubscription(ctx, targetID, ch.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return *ch, ErrNotSubscribed
		}
		return *ch, fmt.Errorf("remove subscription: %w", err)
	}
	r.log.Info("unsubscribed", "target_id", targetID, "platform", p, "external_id", ch.ExternalID)

	if err := r.cleanup(ctx, ch.ID); err != nil {
		return *ch, err
	}
	return *ch, nil
}

// UnsubscribeAll removes every subscription of the target and returns how
// many were removed.
func (r *Registry) UnsubscribeAll(ctx context.Context, targetID int64) (int, error) {
	ids, err := r.store.RemoveAllSubscriptions(ctx, targetID)
	if err != nil {
		return 0, fmt.Errorf("remove subscriptions: %w", err)
	}
	for _, id := range ids {
		if err := r.cleanup(ctx, id); err != nil {
			return len(ids), err
		}
	}
	r.log.Info("unsubscribed from all", "target_id", targetID, "count", len(ids))
	return len(ids), nil
}

// List returns the target's followed channels. An empty platform lists all.
func (r *Registry) List(ctx context.Context, targetID int64, p model.Platform) ([]model.FollowedChannel, error) {
	channels, err := r.store.ListSubscriptions(ctx, targetID, p)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return channels, nil
}

// SetRole sets the mention role prefixed to the target's notifications.
func (r *Registry) SetRole(ctx context.Context, target model.NotificationTarget, role string) error {
	if err := r.store.UpsertTarget(ctx, &target); err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	if err := r.store.SetMentionRole(ctx, target.ID, strings.TrimSpace(role)); err != nil {
		return fmt.Errorf("set mention role: %w", err)
	}
	return nil
}

// ClearRole removes the target's mention role.
func (r *Registry) ClearRole(ctx context.Context, targetID int64) error {
	if err := r.store.SetMentionRole(ctx, targetID, ""); err != nil {
		return fmt.Errorf("clear mention role: %w", err)
	}
	return nil
}

// Role returns the target's mention role, or "" when none is set.
func (r *Registry) Role(ctx context.Context, targetID int64) (string, error) {
	return r.store.MentionRole(ctx, targetID)
}

// findChannel matches input against stored channels, first verbatim and
// then through the adapter, so a handle finds a channel stored by id.
func (r *Registry) findChannel(ctx context.Context, p model.Platform, input string) (*model.FollowedChannel, error) {
	ch, err := r.store.FindFollowedChannel(ctx, p, input)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("find channel: %w", err)
	}

	a, err := r.adapter(p)
	if err != nil {
		return nil, err
	}
	externalID, err := a.VerifyChannel(ctx, input)
	if err != nil {
		if errors.Is(err, platform.ErrChannelNotFound) {
			return nil, ErrNotSubscribed
		}
		return nil, fmt.Errorf("verify %s %q: %w", p, input, err)
	}
	ch, err = r.store.FindFollowedChannel(ctx, p, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotSubscribed
	}
	if err != nil {
		return nil, fmt.Errorf("find channel: %w", err)
	}
	return ch, nil
}

// cleanup removes a followed channel, with its delivery history, once no
// target subscribes to it.
func (r *Registry) cleanup(ctx context.Context, channelID int64) error {
	targets, err := r.store.ListTargetsForChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	if len(targets) > 0 {
		return nil
	}
	if err := r.store.RemoveFollowedChannel(ctx, channelID); err != nil {
		return fmt.Errorf("remove followed channel: %w", err)
	}
	r.log.Info("removed unfollowed channel", "channel_id", channelID)
	return nil
}
