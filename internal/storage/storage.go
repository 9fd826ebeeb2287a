// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"socialrelay/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySubscribed is returned when a subscription row already exists.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	AddFollowedChannel(ctx context.Context, platform model.Platform, externalID, name string) (int64, error)
	GetFollowedChannel(ctx context.Context, id int64) (*model.FollowedChannel, error)
	FindFollowedChannel(ctx context.Context, platform model.Platform, externalID string) (*model.FollowedChannel, error)
	RemoveFollowedChannel(ctx context.Context, id int64) error
	UpdateChannelName(ctx context.Context, id int64, name string) error
	ListFollowedChannels(ctx context.Context, platform model.Platform) ([]model.FollowedChannel, error)
	CountFollowedChannels(ctx context.Context, platforms ...model.Platform) (int, error)

	UpsertTarget(ctx context.Context, target *model.NotificationTarget) error
	GetTarget(ctx context.Context, id int64) (*model.NotificationTarget, error)
	SetMentionRole(ctx context.Context, targetID int64, role string) error
	MentionRole(ctx context.Context, targetID int64) (string, error)

	AddSubscription(ctx context.Context, targetID, channelID int64) error
	RemoveSubscription(ctx context.Context, targetID, channelID int64) error
	RemoveAllSubscriptions(ctx context.Context, targetID int64) ([]int64, error)
	RemoveSubscriptionsForChannel(ctx context.Context, channelID int64) error
	ListSubscriptions(ctx context.Context, targetID int64, platform model.Platform) ([]model.FollowedChannel, error)
	ListTargetsForChannel(ctx context.Context, channelID int64) ([]model.NotificationTarget, error)
	IsSubscribed(ctx context.Context, targetID, channelID int64) (bool, error)

	RecordDelivery(ctx context.Context, channelID int64, itemID, content string, at time.Time) error
	RecordDeliveries(ctx context.Context, channelID int64, items []model.DeliveredItem) error
	DeliveredItems(ctx context.Context, channelID int64) ([]model.DeliveredItem, error)
	LatestDeliveredID(ctx context.Context, channelID int64) (string, error)
	IsDelivered(ctx context.Context, channelID int64, itemID string) (bool, error)

	Close() error
}
