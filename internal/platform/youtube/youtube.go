// Package youtube implements the platform adapter for YouTube channels,
// covering public uploads and live broadcasts as well as members-only
// playlists.
//
// Every list call costs one quota unit; live status is looked up with one
// batched videos.list call per fetch.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/upstream"
)

const videoBatchSize = 50

// QuotaUnitsPerChannel is what one FetchRecent costs at most: a list call
// for the channel's uploads or members playlist and one videos.list call.
const QuotaUnitsPerChannel = 2

// Config holds the YouTube adapter settings.
type Config struct {
	APIKey string
	// Members switches the adapter to members-only playlists.
	Members       bool
	ClientOptions []option.ClientOption
	Logger        *slog.Logger
	CallerOpts    []upstream.Option
}

// session is the API client and call wrapper. The public and members
// adapters share one so they draw on, and stall on, the same key quota.
type session struct {
	opts   []option.ClientOption
	caller *upstream.Caller

	mu  sync.RWMutex
	svc *yt.Service
}

func (s *session) reinit(ctx context.Context) error {
	svc, err := yt.NewService(ctx, s.opts...)
	if err != nil {
		return fmt.Errorf("create youtube service: %w", err)
	}
	s.mu.Lock()
	s.svc = svc
	s.mu.Unlock()
	return nil
}

func (s *session) service() *yt.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc
}

// Adapter fetches YouTube channel activity.
type Adapter struct {
	session *session
	members bool
	log     *slog.Logger
}

var (
	_ platform.Adapter        = (*Adapter)(nil)
	_ platform.Enricher       = (*Adapter)(nil)
	_ platform.CallerProvider = (*Adapter)(nil)
)

// New creates a YouTube adapter.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	s := &session{opts: append(opts, cfg.ClientOptions...)}

	name := "youtube"
	if cfg.Members {
		name = "youtube_members"
	}
	callerOpts := append([]upstream.Option{upstream.WithLogger(log)}, cfg.CallerOpts...)
	s.caller = upstream.NewCaller(name, s.reinit, callerOpts...)

	if err := s.reinit(ctx); err != nil {
		return nil, err
	}
	return &Adapter{session: s, members: cfg.Members, log: log}, nil
}

// Members returns a members-only adapter on a's client and call wrapper.
// A nil log keeps a's logger.
func (a *Adapter) Members(log *slog.Logger) *Adapter {
	if log == nil {
		log = a.log
	}
	return &Adapter{session: a.session, members: true, log: log}
}

func (a *Adapter) service() *yt.Service {
	return a.session.service()
}

// Platform returns youtube, or youtube_members in members mode.
func (a *Adapter) Platform() model.Platform {
	if a.members {
		return model.PlatformYouTubeMembers
	}
	return model.PlatformYouTube
}

// Caller exposes the call wrapper shared with sibling adapters.
func (a *Adapter) Caller() *upstream.Caller {
	return a.session.caller
}

// FetchRecent lists the newest uploads (or members-only videos) of a channel,
// with live status filled in.
func (a *Adapter) FetchRecent(ctx context.Context, externalID string, max int) ([]model.CandidateItem, error) {
	var items []model.CandidateItem
	var err error
	if a.members {
		items, err = a.fetchMembers(ctx, externalID, max)
	} else {
		items, err = a.fetchUploads(ctx, externalID, max)
	}
	if err != nil {
		return nil, err
	}
	return a.Enrich(ctx, items)
}

func (a *Adapter) fetchUploads(ctx context.Context, channelID string, max int) ([]model.CandidateItem, error) {
	resp, err := upstream.Call(ctx, a.session.caller, "activities.list", func(ctx context.Context) (*yt.ActivityListResponse, error) {
		r, err := a.service().Activities.List([]string{"snippet", "contentDetails"}).
			ChannelId(channelID).
			MaxResults(int64(max)).
			Context(ctx).
			Do()
		return r, convertError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("list activities %s: %w", channelID, err)
	}

	seen := make(map[string]bool)
	var items []model.CandidateItem
	for _, act := range resp.Items {
		if act.ContentDetails == nil || act.ContentDetails.Upload == nil || act.ContentDetails.Upload.VideoId == "" {
			continue
		}
		id := act.ContentDetails.Upload.VideoId
		if seen[id] {
			continue
		}
		seen[id] = true

		item := model.CandidateItem{ID: id, ChannelID: channelID, AuthorID: channelID, URL: VideoURL(id)}
		if s := act.Snippet; s != nil {
			item.Text = s.Title
			item.AuthorName = s.ChannelTitle
			item.PublishedAt = parseTime(s.PublishedAt)
			item.Media = thumbnail(s.Thumbnails)
		}
		items = append(items, item)
	}
	return items, nil
}

func (a *Adapter) fetchMembers(ctx context.Context, channelID string, max int) ([]model.CandidateItem, error) {
	playlist, err := MembersPlaylistID(channelID)
	if err != nil {
		return nil, err
	}
	resp, err := upstream.Call(ctx, a.session.caller, "playlistItems.list", func(ctx context.Context) (*yt.PlaylistItemListResponse, error) {
		r, err := a.service().PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(playlist).
			MaxResults(int64(max)).
			Context(ctx).
			Do()
		return r, convertError(err)
	})
	if err != nil {
		// A channel without memberships has no such playlist.
		var se *upstream.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list members playlist %s: %w", channelID, err)
	}

	var items []model.CandidateItem
	for _, pi := range resp.Items {
		if pi.ContentDetails == nil || pi.ContentDetails.VideoId == "" {
			continue
		}
		id := pi.ContentDetails.VideoId
		item := model.CandidateItem{
			ID:          id,
			ChannelID:   channelID,
			AuthorID:    channelID,
			URL:         VideoURL(id),
			MembersOnly: true,
			PublishedAt: parseTime(pi.ContentDetails.VideoPublishedAt),
		}
		if s := pi.Snippet; s != nil {
			item.Text = s.Title
			item.AuthorName = s.VideoOwnerChannelTitle
			item.Media = thumbnail(s.Thumbnails)
		}
		items = append(items, item)
	}
	return items, nil
}

// Enrich looks up live status, schedule and missing metadata for items in
// batches of 50 ids. Items the API no longer returns are kept as they are.
func (a *Adapter) Enrich(ctx context.Context, items []model.CandidateItem) ([]model.CandidateItem, error) {
	if len(items) == 0 {
		return items, nil
	}
	videos := make(map[string]*yt.Video, len(items))
	for start := 0; start < len(items); start += videoBatchSize {
		end := min(start+videoBatchSize, len(items))
		ids := make([]string, 0, end-start)
		for _, it := range items[start:end] {
			ids = append(ids, it.ID)
		}

		resp, err := upstream.Call(ctx, a.session.caller, "videos.list", func(ctx context.Context) (*yt.VideoListResponse, error) {
			r, err := a.service().Videos.List([]string{"snippet", "liveStreamingDetails"}).
				Id(ids...).
				Context(ctx).
				Do()
			return r, convertError(err)
		})
		if err != nil {
			return nil, fmt.Errorf("list videos: %w", err)
		}
		for _, v := range resp.Items {
			videos[v.Id] = v
		}
	}

	out := make([]model.CandidateItem, len(items))
	for i, it := range items {
		if v, ok := videos[it.ID]; ok {
			applyVideo(&it, v)
		} else {
			a.log.Debug("video not returned by videos.list", "item_id", it.ID)
		}
		out[i] = it
	}
	return out, nil
}

func applyVideo(it *model.CandidateItem, v *yt.Video) {
	if s := v.Snippet; s != nil {
		if it.Text == "" {
			it.Text = s.Title
		}
		if it.AuthorName == "" {
			it.AuthorName = s.ChannelTitle
		}
		if it.AuthorID == "" {
			it.AuthorID = s.ChannelId
		}
		if it.PublishedAt.IsZero() {
			it.PublishedAt = parseTime(s.PublishedAt)
		}
		if len(it.Media) == 0 {
			it.Media = thumbnail(s.Thumbnails)
		}
		switch strings.ToLower(s.LiveBroadcastContent) {
		case "upcoming":
			it.Live = model.LiveUpcoming
		case "live":
			it.Live = model.LiveNow
		default:
			it.Live = model.LiveNone
		}
	}
	if d := v.LiveStreamingDetails; d != nil {
		it.ScheduledAt = parseTime(d.ScheduledStartTime)
	}
}

// Classify maps live status to the scheduled and live kinds; everything else
// is an upload, split by the playlist that surfaced it.
func (a *Adapter) Classify(item model.CandidateItem) model.ItemKind {
	switch item.Live {
	case model.LiveUpcoming:
		return model.KindLiveStreamScheduled
	case model.LiveNow:
		return model.KindLiveStreamNow
	}
	if item.MembersOnly {
		return model.KindMembersOnly
	}
	return model.KindVideoUpload
}

// ResolveProfile returns the channel title and avatar.
func (a *Adapter) ResolveProfile(ctx context.Context, externalID string) (model.Profile, error) {
	ch, err := a.channel(ctx, externalID, "")
	if err != nil {
		return model.Profile{NativeID: externalID}, err
	}
	p := model.Profile{NativeID: ch.Id}
	if ch.Snippet != nil {
		p.DisplayName = ch.Snippet.Title
		if media := thumbnail(ch.Snippet.Thumbnails); len(media) > 0 {
			p.AvatarURL = media[0]
		}
	}
	return p, nil
}

// VerifyChannel accepts a UC channel id, an @handle or a channel URL and
// returns the channel id.
func (a *Adapter) VerifyChannel(ctx context.Context, input string) (string, error) {
	id, handle := parseChannelInput(input)
	if id == "" && handle == "" {
		return "", platform.ErrChannelNotFound
	}
	ch, err := a.channel(ctx, id, handle)
	if err != nil {
		return "", err
	}
	return ch.Id, nil
}

func (a *Adapter) channel(ctx context.Context, id, handle string) (*yt.Channel, error) {
	resp, err := upstream.Call(ctx, a.session.caller, "channels.list", func(ctx context.Context) (*yt.ChannelListResponse, error) {
		call := a.service().Channels.List([]string{"snippet"})
		if handle != "" {
			call = call.ForHandle(handle)
		} else {
			call = call.Id(id)
		}
		r, err := call.Context(ctx).Do()
		return r, convertError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, platform.ErrChannelNotFound
	}
	return resp.Items[0], nil
}

// MembersPlaylistID returns the members-only playlist of a UC channel id.
func MembersPlaylistID(channelID string) (string, error) {
	if !strings.HasPrefix(channelID, "UC") || len(channelID) < 3 {
		return "", fmt.Errorf("channel id %q: %w", channelID, platform.ErrChannelNotFound)
	}
	return "UUMO" + channelID[2:], nil
}

// VideoURL returns the watch URL of a video.
func VideoURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func parseChannelInput(input string) (id, handle string) {
	s := strings.TrimSpace(input)
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		path := strings.Trim(u.Path, "/")
		switch {
		case strings.HasPrefix(path, "channel/"):
			s = strings.TrimPrefix(path, "channel/")
		case strings.HasPrefix(path, "@"):
			s = path
		default:
			return "", ""
		}
		s, _, _ = strings.Cut(s, "/")
	}
	switch {
	case strings.HasPrefix(s, "@"):
		return "", s
	case strings.HasPrefix(s, "UC"):
		return s, ""
	}
	return "", ""
}

// convertError maps googleapi errors onto upstream.StatusError so the call
// wrapper can classify quota rejections.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		se := &upstream.StatusError{Code: ge.Code, Body: ge.Message}
		if len(ge.Errors) > 0 {
			se.Reason = ge.Errors[0].Reason
		}
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", upstream.ErrTransient, err)
}

func thumbnail(t *yt.ThumbnailDetails) []string {
	if t == nil {
		return nil
	}
	for _, th := range []*yt.Thumbnail{t.Maxres, t.Standard, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return []string{th.Url}
		}
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
