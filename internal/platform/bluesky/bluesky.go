// Package bluesky implements the platform adapter for Bluesky over AT Protocol XRPC.
package bluesky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/upstream"
)

const (
	// PublicBaseURL serves unauthenticated app-view reads.
	PublicBaseURL = "https://public.api.bsky.app"
	// SessionBaseURL is the PDS entryway used when logging in.
	SessionBaseURL = "https://bsky.social"
)

// Config holds the Bluesky adapter settings.
type Config struct {
	BaseURL     string
	Identifier  string
	AppPassword string
	HTTPClient  HTTPClient
	Logger      *slog.Logger
	CallerOpts  []upstream.Option
}

// Adapter fetches Bluesky author feeds.
type Adapter struct {
	xrpc   *xrpc
	caller *upstream.Caller
	log    *slog.Logger
}

var (
	_ platform.Adapter        = (*Adapter)(nil)
	_ platform.ItemResolver   = (*Adapter)(nil)
	_ platform.CallerProvider = (*Adapter)(nil)
)

// New creates a Bluesky adapter. Login is attempted lazily on the first call
// when an identifier and app password are configured.
func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = PublicBaseURL
		if cfg.Identifier != "" && cfg.AppPassword != "" {
			base = SessionBaseURL
		}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		xrpc: &xrpc{
			baseURL:    strings.TrimRight(base, "/"),
			http:       hc,
			identifier: cfg.Identifier,
			password:   cfg.AppPassword,
		},
		log: log,
	}
	opts := append([]upstream.Option{upstream.WithLogger(log)}, cfg.CallerOpts...)
	a.caller = upstream.NewCaller("bluesky", a.xrpc.reinit, opts...)
	return a
}

// Platform returns model.PlatformBluesky.
func (a *Adapter) Platform() model.Platform {
	return model.PlatformBluesky
}

// Caller exposes the adapter's call wrapper.
func (a *Adapter) Caller() *upstream.Caller {
	return a.caller
}

// FetchRecent returns the newest posts, replies and reposts of an account.
// Pinned posts and entries that cannot be parsed are skipped.
func (a *Adapter) FetchRecent(ctx context.Context, externalID string, max int) ([]model.CandidateItem, error) {
	params := url.Values{
		"actor":  {externalID},
		"limit":  {strconv.Itoa(max)},
		"filter": {"posts_with_replies"},
	}
	resp, err := upstream.Call(ctx, a.caller, "getAuthorFeed", func(ctx context.Context) (feedResponse, error) {
		var out feedResponse
		err := a.xrpc.query(ctx, "app.bsky.feed.getAuthorFeed", params, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch author feed %s: %w", externalID, err)
	}

	items := make([]model.CandidateItem, 0, len(resp.Feed))
	for _, fv := range resp.Feed {
		if isPinned(fv) {
			continue
		}
		item, err := parseFeedItem(fv, externalID)
		if err != nil {
			a.log.Warn("skipping malformed post",
				"external_id", externalID, "uri", fv.Post.URI, "error", err)
			continue
		}
		items = append(items, item)
		if len(items) == max {
			break
		}
	}
	return items, nil
}

// Classify derives the kind of a Bluesky post.
func (a *Adapter) Classify(item model.CandidateItem) model.ItemKind {
	switch {
	case item.RepostOf != nil:
		return model.KindRepost
	case item.ReplyParent != nil:
		if item.ReplyParent.AuthorID != "" && item.ReplyParent.AuthorID == item.AuthorID {
			return model.KindSelfReply
		}
		return model.KindReply
	case item.Quoted != nil:
		return model.KindQuote
	}
	return model.KindRoot
}

// ResolveProfile returns the display name and avatar of an account.
func (a *Adapter) ResolveProfile(ctx context.Context, externalID string) (model.Profile, error) {
	prof, err := a.profile(ctx, externalID)
	if err != nil {
		return model.Profile{NativeID: externalID}, err
	}
	return model.Profile{
		NativeID:    prof.DID,
		DisplayName: prof.name(),
		AvatarURL:   prof.Avatar,
	}, nil
}

// VerifyChannel resolves a handle, DID or profile URL to a DID.
func (a *Adapter) VerifyChannel(ctx context.Context, input string) (string, error) {
	actor := normalizeActor(input)
	if actor == "" {
		return "", platform.ErrChannelNotFound
	}

	if strings.HasPrefix(actor, "did:") {
		prof, err := a.profile(ctx, actor)
		if err != nil {
			return "", notFound(err)
		}
		return prof.DID, nil
	}

	var out struct {
		DID string `json:"did"`
	}
	_, err := upstream.Call(ctx, a.caller, "resolveHandle", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.xrpc.query(ctx, "com.atproto.identity.resolveHandle", url.Values{"handle": {actor}}, &out)
	})
	if err != nil {
		return "", notFound(err)
	}
	if out.DID == "" {
		return "", platform.ErrChannelNotFound
	}
	return out.DID, nil
}

// ResolveItem fetches a single post by its at:// URI.
func (a *Adapter) ResolveItem(ctx context.Context, id string) (model.ItemRef, error) {
	resp, err := upstream.Call(ctx, a.caller, "getPosts", func(ctx context.Context) (postsResponse, error) {
		var out postsResponse
		err := a.xrpc.query(ctx, "app.bsky.feed.getPosts", url.Values{"uris": {id}}, &out)
		return out, err
	})
	if err != nil {
		return model.ItemRef{}, fmt.Errorf("get post %s: %w", id, err)
	}
	if len(resp.Posts) == 0 {
		return model.ItemRef{}, fmt.Errorf("get post %s: %w", id, platform.ErrChannelNotFound)
	}
	return postRef(resp.Posts[0])
}

func (a *Adapter) profile(ctx context.Context, actor string) (profileView, error) {
	return upstream.Call(ctx, a.caller, "getProfile", func(ctx context.Context) (profileView, error) {
		var out profileView
		err := a.xrpc.query(ctx, "app.bsky.actor.getProfile", url.Values{"actor": {actor}}, &out)
		if err == nil && out.DID == "" {
			err = upstream.Malformed("profile has no did")
		}
		return out, err
	})
}

// notFound maps a 400 from the app view (unknown actor or handle) to
// platform.ErrChannelNotFound and passes other errors through.
func notFound(err error) error {
	var se *upstream.StatusError
	if errors.As(err, &se) && (se.Code == http.StatusBadRequest || se.Code == http.StatusNotFound) {
		return fmt.Errorf("%w: %v", platform.ErrChannelNotFound, err)
	}
	return err
}

func normalizeActor(input string) string {
	s := strings.TrimSpace(input)
	if rest, ok := strings.CutPrefix(s, "https://bsky.app/profile/"); ok {
		s, _, _ = strings.Cut(rest, "/")
	}
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}
