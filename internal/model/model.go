// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies an external content platform.
type Platform string

// Supported platforms.
const (
	PlatformBluesky        Platform = "bluesky"
	PlatformYouTube        Platform = "youtube"
	PlatformYouTubeMembers Platform = "youtube_members"
	PlatformTwitch         Platform = "twitch"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{PlatformBluesky, PlatformYouTube, PlatformYouTubeMembers, PlatformTwitch}

// ParsePlatform converts user input into a Platform, accepting common aliases.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bluesky", "bsky":
		return PlatformBluesky, nil
	case "youtube", "yt":
		return PlatformYouTube, nil
	case "youtube_members", "ytm", "members":
		return PlatformYouTubeMembers, nil
	case "twitch":
		return PlatformTwitch, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Label returns a human-readable platform name.
func (p Platform) Label() string {
	switch p {
	case PlatformBluesky:
		return "Bluesky"
	case PlatformYouTube:
		return "YouTube"
	case PlatformYouTubeMembers:
		return "YouTube (members)"
	case PlatformTwitch:
		return "Twitch"
	}
	return string(p)
}

// ChannelURL returns the public profile URL for an external channel id.
func (p Platform) ChannelURL(externalID string) string {
	switch p {
	case PlatformBluesky:
		return "https://bsky.app/profile/" + externalID
	case PlatformYouTube, PlatformYouTubeMembers:
		return "https://www.youtube.com/channel/" + externalID
	case PlatformTwitch:
		return "https://www.twitch.tv/" + externalID
	}
	return ""
}

// FollowedChannel is an external account monitored for new content.
type FollowedChannel struct {
	ID         int64
	Platform   Platform
	ExternalID string
	Name       string
	CreatedAt  time.Time
}

// URL returns the public URL of the followed channel.
func (c FollowedChannel) URL() string {
	return c.Platform.ChannelURL(c.ExternalID)
}

// DisplayName returns the cached name, falling back to the external id.
func (c FollowedChannel) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ExternalID
}

// NotificationTarget is a chat room that receives notifications.
type NotificationTarget struct {
	ID          int64
	Name        string
	MentionRole string
	CreatedAt   time.Time
}

// Subscription links a notification target to a followed channel.
type Subscription struct {
	TargetID  int64
	ChannelID int64
	CreatedAt time.Time
}

// DeliveredItem records a content item already delivered for a followed channel.
type DeliveredItem struct {
	ChannelID   int64
	ItemID      string
	Content     string
	DeliveredAt time.Time
}

// Profile is display metadata for an external channel.
type Profile struct {
	NativeID    string
	DisplayName string
	AvatarURL   string
}
