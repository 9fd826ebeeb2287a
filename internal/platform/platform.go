// Package platform defines the contract every content-platform adapter implements.
package platform

import (
	"context"
	"errors"

	"socialrelay/internal/model"
	"socialrelay/internal/upstream"
)

// ErrChannelNotFound is returned by VerifyChannel when the input names no account.
var ErrChannelNotFound = errors.New("channel not found")

// Adapter fetches and normalizes content for one platform. Adapters never
// touch persistence.
type Adapter interface {
	Platform() model.Platform
	// FetchRecent returns up to max candidate items, newest first. Zero items is not an error.
	FetchRecent(ctx context.Context, externalID string, max int) ([]model.CandidateItem, error)
	// Classify derives the item kind from the candidate's fields.
	Classify(item model.CandidateItem) model.ItemKind
	// ResolveProfile returns display metadata. On partial failure it returns
	// what it has together with the error.
	ResolveProfile(ctx context.Context, externalID string) (model.Profile, error)
	// VerifyChannel resolves user input to a native channel id. It returns
	// ErrChannelNotFound when no such account exists.
	VerifyChannel(ctx context.Context, input string) (string, error)
}

// ItemResolver is implemented by adapters that can look up a single item,
// used to fill in reply parents for context notifications.
type ItemResolver interface {
	ResolveItem(ctx context.Context, id string) (model.ItemRef, error)
}

// Enricher is implemented by adapters that can complete items received
// from a push source (such as a webhook) before classification.
type Enricher interface {
	Enrich(ctx context.Context, items []model.CandidateItem) ([]model.CandidateItem, error)
}

// CallerProvider is implemented by adapters whose upstream calls go through
// an upstream.Caller. Pollers skip a cycle while that caller is stalled.
type CallerProvider interface {
	Caller() *upstream.Caller
}

// Delivery key suffixes distinguishing lifecycle phases of one native id.
const (
	SuffixScheduled = "scheduled"
	SuffixLive      = "live"
	SuffixRepost    = "repost"
	SuffixContext   = "context"
)

const keySep = ":"

// MaxKeysPerItem bounds the history keys one fetched item can leave behind
// while it stays in the fetch window: a scheduled, a live and a suppressed
// upload key for a broadcast, or an item and a context key for a reply.
const MaxKeysPerItem = 3

// DeliveryKey returns the history key recording that an item of kind was delivered.
func DeliveryKey(item model.CandidateItem, kind model.ItemKind) string {
	switch kind {
	case model.KindLiveStreamScheduled:
		return PhaseKey(item.ID, SuffixScheduled)
	case model.KindLiveStreamNow:
		return PhaseKey(item.ID, SuffixLive)
	case model.KindRepost:
		return PhaseKey(item.ID, SuffixRepost)
	}
	return item.ID
}

// ContextKey returns the history key of a context notification for parentID.
func ContextKey(parentID string) string {
	return PhaseKey(parentID, SuffixContext)
}

// PhaseKey joins a native id and a phase suffix.
func PhaseKey(id, suffix string) string {
	return id + keySep + suffix
}
