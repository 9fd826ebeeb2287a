package model

import "time"

// ItemKind classifies a candidate item.
type ItemKind string

// Supported item kinds.
const (
	KindRoot                ItemKind = "root"
	KindReply               ItemKind = "reply"
	KindSelfReply           ItemKind = "self_reply"
	KindRepost              ItemKind = "repost"
	KindQuote               ItemKind = "quote"
	KindVideoUpload         ItemKind = "video_upload"
	KindLiveStreamScheduled ItemKind = "live_stream_scheduled"
	KindLiveStreamNow       ItemKind = "live_stream_now"
	KindMembersOnly         ItemKind = "members_only_content"
)

// LiveStatus is the broadcast state reported by a video or streaming platform.
type LiveStatus string

// Broadcast states. An empty status means the item is not a broadcast.
const (
	LiveNone     LiveStatus = ""
	LiveUpcoming LiveStatus = "upcoming"
	LiveNow      LiveStatus = "live"
)

// ItemRef points at another item referenced by a candidate (reply parent,
// quoted post or reposted original). Only ID is guaranteed to be set.
type ItemRef struct {
	ID         string
	AuthorID   string
	AuthorName string
	Text       string
	URL        string
	Media      []string
}

// CandidateItem is a content unit returned by an adapter before dedup.
type CandidateItem struct {
	ID string
	// ChannelID is the native id of the followed account that surfaced the item.
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Text        string
	URL         string
	Media       []string
	Links       []string
	PublishedAt time.Time

	ReplyParent *ItemRef
	Quoted      *ItemRef
	RepostOf    *ItemRef

	Live        LiveStatus
	ScheduledAt time.Time
	MembersOnly bool
}

// Notification is what the sink renders for one target.
type Notification struct {
	Platform    Platform
	Kind        ItemKind
	Context     bool
	ChannelName string
	ChannelURL  string
	AvatarURL   string
	ItemID      string
	Text        string
	URL         string
	Media       []string
	Links       []string
	Quoted      *ItemRef
	RepostOf    *ItemRef
	ReplyParent *ItemRef
	ScheduledAt time.Time
	// MembersOnly marks content restricted to channel members, whatever its kind.
	MembersOnly bool
	MentionRole string
}
