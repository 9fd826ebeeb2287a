package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"socialrelay/internal/model"
	"socialrelay/internal/storage"
	"socialrelay/internal/upstream"
)

// DefaultHubURL is the public WebSub hub used by YouTube.
const DefaultHubURL = "https://pubsubhubbub.appspot.com/subscribe"

// DefaultLease is the subscription lifetime requested from the hub.
const DefaultLease = 5 * 24 * time.Hour

const topicFormat = "https://www.youtube.com/xml/feeds/videos.xml?channel_id=%s"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Topic returns the feed URL a channel's push subscription is keyed by.
func Topic(channelID string) string {
	return fmt.Sprintf(topicFormat, url.QueryEscape(channelID))
}

// Hub subscribes callback URLs to channel topics on a WebSub hub.
type Hub struct {
	url      string
	callback string
	secret   string
	lease    time.Duration
	client   HTTPClient
	caller   *upstream.Caller
	log      *slog.Logger
}

// HubConfig holds the Hub settings.
type HubConfig struct {
	URL        string
	Callback   string
	Secret     string
	Lease      time.Duration
	HTTPClient HTTPClient
	Logger     *slog.Logger
	CallerOpts []upstream.Option
}

// NewHub creates a hub client.
func NewHub(cfg HubConfig) *Hub {
	if cfg.URL == "" {
		cfg.URL = DefaultHubURL
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	opts := append([]upstream.Option{upstream.WithLogger(log)}, cfg.CallerOpts...)
	return &Hub{
		url:      cfg.URL,
		callback: cfg.Callback,
		secret:   cfg.Secret,
		lease:    cfg.Lease,
		client:   cfg.HTTPClient,
		caller:   upstream.NewCaller("websub", nil, opts...),
		log:      log,
	}
}

// Subscribe asks the hub to push new videos of channelID to the callback.
// The hub verifies the request asynchronously through GET /webhook.
func (h *Hub) Subscribe(ctx context.Context, channelID string) error {
	form := url.Values{
		"hub.callback":      {h.callback},
		"hub.topic":         {Topic(channelID)},
		"hub.verify":        {"async"},
		"hub.mode":          {"subscribe"},
		"hub.lease_seconds": {strconv.Itoa(int(h.lease.Seconds()))},
	}
	if h.secret != "" {
		form.Set("hub.secret", h.secret)
	}

	_, err := upstream.Call(ctx, h.caller, "subscribe", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.post(ctx, form)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channelID, err)
	}
	h.log.Debug("hub subscription requested", "channel_id", channelID)
	return nil
}

func (h *Hub) post(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post hub: %w: %w", upstream.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &upstream.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// Follow adapts Subscribe to the registry follow hook. Only YouTube
// channels have push subscriptions.
func (h *Hub) Follow(ctx context.Context, p model.Platform, externalID string) error {
	if p != model.PlatformYouTube && p != model.PlatformYouTubeMembers {
		return nil
	}
	return h.Subscribe(ctx, externalID)
}

// RenewLeases resubscribes every followed YouTube channel. It returns the
// number of channels renewed.
func (h *Hub) RenewLeases(ctx context.Context, store storage.Storage) (int, error) {
	seen := make(map[string]bool)
	var failed int
	for _, p := range []model.Platform{model.PlatformYouTube, model.PlatformYouTubeMembers} {
		channels, err := store.ListFollowedChannels(ctx, p)
		if err != nil {
			return len(seen), fmt.Errorf("list %s channels: %w", p, err)
		}
		for _, ch := range channels {
			if seen[ch.ExternalID] {
				continue
			}
			seen[ch.ExternalID] = true
			if err := h.Subscribe(ctx, ch.ExternalID); err != nil {
				if ctx.Err() != nil {
					return len(seen), ctx.Err()
				}
				h.log.Warn("renew lease", "channel_id", ch.ExternalID, "error", err)
				failed++
			}
		}
	}
	h.log.Info("hub leases renewed", "channels", len(seen), "failed", failed)
	return len(seen) - failed, nil
}

// RunRenewal renews leases immediately and then every interval until ctx
// is cancelled.
func (h *Hub) RunRenewal(ctx context.Context, store storage.Storage, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := h.RenewLeases(ctx, store); err != nil && ctx.Err() == nil {
			h.log.Error("renew leases", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
