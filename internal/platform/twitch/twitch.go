// Package twitch implements the platform adapter for Twitch live streams
// using the Helix API with an app access token.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/upstream"
)

const (
	// HelixURL is the Twitch Helix API root.
	HelixURL = "https://api.twitch.tv/helix"
	// TokenURL issues app access tokens.
	TokenURL = "https://id.twitch.tv/oauth2/token"

	thumbnailSize = "1280x720"
	maxBody       = 1024 * 1024
)

var loginRegex = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// Config holds the Twitch adapter settings.
type Config struct {
	ClientID     string
	ClientSecret string
	HelixURL     string
	TokenURL     string
	// HTTPClient is the base client used for token and API requests.
	HTTPClient *http.Client
	Logger     *slog.Logger
	CallerOpts []upstream.Option
}

// Adapter reports live streams of Twitch channels. The followed channel's
// external id is its login name.
type Adapter struct {
	cfg    Config
	caller *upstream.Caller

	mu     sync.RWMutex
	client *http.Client
}

var (
	_ platform.Adapter        = (*Adapter)(nil)
	_ platform.CallerProvider = (*Adapter)(nil)
)

type helixUser struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

type helixStream struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	UserLogin    string `json:"user_login"`
	UserName     string `json:"user_name"`
	GameName     string `json:"game_name"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	StartedAt    string `json:"started_at"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type helixResponse[T any] struct {
	Data []T `json:"data"`
}

// New creates a Twitch adapter. Tokens are fetched on first use and
// refreshed automatically when they expire.
func New(cfg Config) *Adapter {
	if cfg.HelixURL == "" {
		cfg.HelixURL = HelixURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = TokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{cfg: cfg}
	opts := append([]upstream.Option{upstream.WithLogger(log)}, cfg.CallerOpts...)
	a.caller = upstream.NewCaller("twitch", a.reinit, opts...)
	a.client = a.newClient()
	return a
}

func (a *Adapter) newClient() *http.Client {
	cc := &clientcredentials.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		TokenURL:     a.cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.cfg.HTTPClient)
	client := cc.Client(ctx)
	client.Timeout = a.cfg.HTTPClient.Timeout
	return client
}

// reinit discards the cached token so the next request fetches a new one.
func (a *Adapter) reinit(context.Context) error {
	client := a.newClient()
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

func (a *Adapter) httpClient() *http.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// Platform returns model.PlatformTwitch.
func (a *Adapter) Platform() model.Platform {
	return model.PlatformTwitch
}

// Caller exposes the adapter's call wrapper.
func (a *Adapter) Caller() *upstream.Caller {
	return a.caller
}

// FetchRecent returns the channel's current stream, if it is live.
func (a *Adapter) FetchRecent(ctx context.Context, externalID string, max int) ([]model.CandidateItem, error) {
	if max <= 0 {
		return nil, nil
	}
	streams, err := upstream.Call(ctx, a.caller, "streams", func(ctx context.Context) ([]helixStream, error) {
		return get[helixStream](ctx, a, "streams", url.Values{"user_login": {externalID}})
	})
	if err != nil {
		return nil, fmt.Errorf("get streams %s: %w", externalID, err)
	}

	var items []model.CandidateItem
	for _, s := range streams {
		if s.ID == "" || s.Type != "live" {
			continue
		}
		login := s.UserLogin
		if login == "" {
			login = externalID
		}
		item := model.CandidateItem{
			ID:          s.ID,
			ChannelID:   externalID,
			AuthorID:    s.UserID,
			AuthorName:  s.UserName,
			Text:        s.Title,
			URL:         model.PlatformTwitch.ChannelURL(login),
			Live:        model.LiveNow,
			PublishedAt: parseTime(s.StartedAt),
		}
		if s.GameName != "" {
			item.Links = []string{"https://www.twitch.tv/directory/category/" + url.PathEscape(categorySlug(s.GameName))}
		}
		if s.ThumbnailURL != "" {
			thumb := strings.NewReplacer("{width}x{height}", thumbnailSize, "{width}", "1280", "{height}", "720").Replace(s.ThumbnailURL)
			item.Media = []string{thumb}
		}
		items = append(items, item)
		if len(items) == max {
			break
		}
	}
	return items, nil
}

// Classify reports every Twitch item as a live stream.
func (a *Adapter) Classify(model.CandidateItem) model.ItemKind {
	return model.KindLiveStreamNow
}

// ResolveProfile returns the display name and avatar of a login.
func (a *Adapter) ResolveProfile(ctx context.Context, externalID string) (model.Profile, error) {
	u, err := a.user(ctx, externalID)
	if err != nil {
		return model.Profile{NativeID: externalID}, err
	}
	return model.Profile{
		NativeID:    u.Login,
		DisplayName: u.DisplayName,
		AvatarURL:   u.ProfileImageURL,
	}, nil
}

// VerifyChannel accepts a login, @login or twitch.tv URL and returns the
// canonical login.
func (a *Adapter) VerifyChannel(ctx context.Context, input string) (string, error) {
	login := normalizeLogin(input)
	if !loginRegex.MatchString(login) {
		return "", platform.ErrChannelNotFound
	}
	u, err := a.user(ctx, login)
	if err != nil {
		return "", err
	}
	return u.Login, nil
}

func (a *Adapter) user(ctx context.Context, login string) (helixUser, error) {
	users, err := upstream.Call(ctx, a.caller, "users", func(ctx context.Context) ([]helixUser, error) {
		return get[helixUser](ctx, a, "users", url.Values{"login": {login}})
	})
	if err != nil {
		return helixUser{}, fmt.Errorf("get user %s: %w", login, err)
	}
	if len(users) == 0 || users[0].Login == "" {
		return helixUser{}, fmt.Errorf("user %s: %w", login, platform.ErrChannelNotFound)
	}
	return users[0], nil
}

func get[T any](ctx context.Context, a *Adapter, endpoint string, params url.Values) ([]T, error) {
	u := strings.TrimRight(a.cfg.HelixURL, "/") + "/" + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Client-Id", a.cfg.ClientID)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("helix %s: %w: %w", endpoint, upstream.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %w", upstream.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		var he struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &he)
		return nil, fmt.Errorf("helix %s: %w", endpoint, &upstream.StatusError{Code: resp.StatusCode, Reason: he.Error, Body: he.Message})
	}

	var out helixResponse[T]
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, upstream.Malformed("helix %s: %v", endpoint, err)
	}
	return out.Data, nil
}

func normalizeLogin(input string) string {
	s := strings.TrimSpace(input)
	for _, prefix := range []string{"https://", "http://", "www.", "twitch.tv/"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s, _, _ = strings.Cut(s, "/")
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

func categorySlug(game string) string {
	return strings.ToLower(strings.ReplaceAll(game, " ", "-"))
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
