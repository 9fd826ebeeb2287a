package youtube

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"

	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/upstream"
)

type fakeYouTube struct {
	mu       sync.Mutex
	calls    map[string]int
	videoIDs []string
	status   int
	body     string
}

func (f *fakeYouTube) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	q := r.URL.Query()

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	if op == "videos" {
		f.videoIDs = append(f.videoIDs, q["id"]...)
	}
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}

	switch op {
	case "activities":
		_, _ = io.WriteString(w, `{"items": [
			{"id": "a3", "snippet": {"type": "upload", "title": "Live now", "channelTitle": "Chan", "publishedAt": "2025-03-01T12:00:00Z"},
			 "contentDetails": {"upload": {"videoId": "v3"}}},
			{"id": "a2", "snippet": {"type": "upload", "title": "Premiere soon", "channelTitle": "Chan", "publishedAt": "2025-03-01T11:00:00Z"},
			 "contentDetails": {"upload": {"videoId": "v2"}}},
			{"id": "ax", "snippet": {"type": "like", "title": "liked something"}, "contentDetails": {"like": {}}},
			{"id": "a1", "snippet": {"type": "upload", "title": "Old upload", "channelTitle": "Chan", "publishedAt": "2025-03-01T10:00:00Z",
			 "thumbnails": {"high": {"url": "https://i.ytimg.com/vi/v1/hqdefault.jpg"}}},
			 "contentDetails": {"upload": {"videoId": "v1"}}}
		]}`)
	case "videos":
		_, _ = io.WriteString(w, `{"items": [
			{"id": "v1", "snippet": {"title": "Old upload", "liveBroadcastContent": "none"}},
			{"id": "v2", "snippet": {"title": "Premiere soon", "liveBroadcastContent": "upcoming"},
			 "liveStreamingDetails": {"scheduledStartTime": "2025-03-02T18:00:00Z"}},
			{"id": "v3", "snippet": {"title": "Live now", "liveBroadcastContent": "live"}},
			{"id": "v9", "snippet": {"title": "Pushed video", "channelId": "UCchan", "channelTitle": "Chan",
			 "publishedAt": "2025-03-03T09:00:00Z", "liveBroadcastContent": "none",
			 "thumbnails": {"default": {"url": "https://i.ytimg.com/vi/v9/default.jpg"}}}}
		]}`)
	case "playlistItems":
		if q.Get("playlistId") != "UUMOchan" {
			w.WriteHeader(404)
			_, _ = io.WriteString(w, `{"error": {"code": 404, "message": "playlist not found", "errors": [{"reason": "playlistNotFound"}]}}`)
			return
		}
		_, _ = io.WriteString(w, `{"items": [
			{"snippet": {"title": "Members stream", "videoOwnerChannelTitle": "Chan"},
			 "contentDetails": {"videoId": "m1", "videoPublishedAt": "2025-03-01T09:00:00Z"}}
		]}`)
	case "channels":
		id, handle := q.Get("id"), q.Get("forHandle")
		if id == "UCchan" || handle == "@chan" {
			_, _ = io.WriteString(w, `{"items": [{"id": "UCchan", "snippet": {"title": "Chan",
				"thumbnails": {"default": {"url": "https://yt3.ggpht.com/avatar.jpg"}}}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"items": []}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeYouTube) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeYouTube) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeYouTube) reject(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func newTestAdapter(t *testing.T, h http.Handler, members bool) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), Config{
		Members: members,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(srv.URL + "/"),
			option.WithHTTPClient(srv.Client()),
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		CallerOpts: []upstream.Option{
			upstream.WithBaseDelay(time.Millisecond),
			upstream.WithAttempts(2),
		},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestFetchRecentUploads(t *testing.T) {
	fake := &fakeYouTube{}
	a := newTestAdapter(t, fake, false)

	items, err := a.FetchRecent(context.Background(), "UCchan", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	type summary struct {
		ID    string
		Title string
		Kind  model.ItemKind
	}
	var got []summary
	for _, it := range items {
		got = append(got, summary{ID: it.ID, Title: it.Text, Kind: a.Classify(it)})
	}
	want := []summary{
		{ID: "v3", Title: "Live now", Kind: model.KindLiveStreamNow},
		{ID: "v2", Title: "Premiere soon", Kind: model.KindLiveStreamScheduled},
		{ID: "v1", Title: "Old upload", Kind: model.KindVideoUpload},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchRecent mismatch (-want +got):\n%s", diff)
	}

	if !items[1].ScheduledAt.Equal(time.Date(2025, 3, 2, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("ScheduledAt = %v", items[1].ScheduledAt)
	}
	if diff := cmp.Diff([]string{"https://i.ytimg.com/vi/v1/hqdefault.jpg"}, items[2].Media); diff != "" {
		t.Errorf("thumbnail mismatch (-want +got):\n%s", diff)
	}
	if items[2].URL != "https://www.youtube.com/watch?v=v1" {
		t.Errorf("URL = %q", items[2].URL)
	}

	// One batched lookup for all three videos.
	if fake.count("videos") != 1 {
		t.Errorf("videos.list calls = %d, want 1", fake.count("videos"))
	}
}

func TestFetchRecentMembers(t *testing.T) {
	fake := &fakeYouTube{}
	a := newTestAdapter(t, fake, true)

	if a.Platform() != model.PlatformYouTubeMembers {
		t.Errorf("Platform = %q", a.Platform())
	}

	items, err := a.FetchRecent(context.Background(), "UCchan", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if !items[0].MembersOnly {
		t.Error("MembersOnly = false")
	}
	if kind := a.Classify(items[0]); kind != model.KindMembersOnly {
		t.Errorf("kind = %q, want %q", kind, model.KindMembersOnly)
	}
	if fake.count("activities") != 0 {
		t.Error("members mode must not list activities")
	}
}

func TestFetchRecentMembersNoPlaylist(t *testing.T) {
	a := newTestAdapter(t, &fakeYouTube{}, true)

	items, err := a.FetchRecent(context.Background(), "UCother", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestFetchRecentQuotaExceeded(t *testing.T) {
	fake := &fakeYouTube{
		status: 403,
		body:   `{"error": {"code": 403, "message": "The request cannot be completed because you have exceeded your quota.", "errors": [{"reason": "quotaExceeded", "domain": "youtube.quota"}]}}`,
	}
	a := newTestAdapter(t, fake, false)

	_, err := a.FetchRecent(context.Background(), "UCchan", 5)
	if !errors.Is(err, upstream.ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
	if fake.count("activities") != 1 {
		t.Errorf("activities calls = %d, want 1", fake.count("activities"))
	}

	// The cooldown keeps further calls off the API.
	_, _ = a.FetchRecent(context.Background(), "UCchan", 5)
	if fake.count("activities") != 1 {
		t.Errorf("activities calls after cooldown = %d, want 1", fake.count("activities"))
	}
}

func TestFetchCycleQuotaCost(t *testing.T) {
	tests := []struct {
		name    string
		members bool
	}{
		{name: "uploads"},
		{name: "members", members: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeYouTube{}
			a := newTestAdapter(t, fake, tt.members)

			const channels = 10
			for range channels {
				if _, err := a.FetchRecent(context.Background(), "UCchan", 5); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if got, limit := fake.total(), channels*QuotaUnitsPerChannel; got > limit {
				t.Errorf("list calls for %d channels = %d, want at most %d", channels, got, limit)
			}
		})
	}
}

func TestMembersSharesCaller(t *testing.T) {
	fake := &fakeYouTube{}
	public := newTestAdapter(t, fake, false)
	members := public.Members(nil)

	if members.Platform() != model.PlatformYouTubeMembers {
		t.Errorf("Platform = %q, want %q", members.Platform(), model.PlatformYouTubeMembers)
	}
	if members.Caller() != public.Caller() {
		t.Fatal("members adapter has its own caller")
	}

	fake.reject(403, `{"error": {"code": 403, "message": "quota", "errors": [{"reason": "quotaExceeded"}]}}`)
	if _, err := members.FetchRecent(context.Background(), "UCchan", 5); !errors.Is(err, upstream.ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
	if _, stalled := public.Caller().Stalled(); !stalled {
		t.Error("public adapter not stalled after members quota rejection")
	}

	before := fake.total()
	if _, err := public.FetchRecent(context.Background(), "UCchan", 5); !errors.Is(err, upstream.ErrQuotaExhausted) {
		t.Errorf("err = %v, want ErrQuotaExhausted", err)
	}
	if fake.total() != before {
		t.Errorf("public adapter reached the API during the cooldown")
	}
}

func TestEnrich(t *testing.T) {
	fake := &fakeYouTube{}
	a := newTestAdapter(t, fake, false)

	items, err := a.Enrich(context.Background(), []model.CandidateItem{{ID: "v9", ChannelID: "UCchan"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []model.CandidateItem{{
		ID:          "v9",
		ChannelID:   "UCchan",
		AuthorID:    "UCchan",
		AuthorName:  "Chan",
		Text:        "Pushed video",
		Media:       []string{"https://i.ytimg.com/vi/v9/default.jpg"},
		PublishedAt: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
	}}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("Enrich mismatch (-want +got):\n%s", diff)
	}
}

func TestEnrichBatches(t *testing.T) {
	fake := &fakeYouTube{}
	a := newTestAdapter(t, fake, false)

	var in []model.CandidateItem
	for i := range 120 {
		in = append(in, model.CandidateItem{ID: "x" + string(rune('a'+i%26)) + strings.Repeat("0", i/26)})
	}
	if _, err := a.Enrich(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.count("videos") != 3 {
		t.Errorf("videos.list calls = %d, want 3", fake.count("videos"))
	}
}

func TestVerifyChannel(t *testing.T) {
	a := newTestAdapter(t, &fakeYouTube{}, false)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "channel id", input: "UCchan", want: "UCchan"},
		{name: "handle", input: "@chan", want: "UCchan"},
		{name: "channel url", input: "https://www.youtube.com/channel/UCchan", want: "UCchan"},
		{name: "handle url", input: "https://www.youtube.com/@chan/videos", want: "UCchan"},
		{name: "unknown id", input: "UCnope", wantErr: platform.ErrChannelNotFound},
		{name: "garbage", input: "hello", wantErr: platform.ErrChannelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.VerifyChannel(context.Background(), tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveProfile(t *testing.T) {
	a := newTestAdapter(t, &fakeYouTube{}, false)

	got, err := a.ResolveProfile(context.Background(), "UCchan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := model.Profile{NativeID: "UCchan", DisplayName: "Chan", AvatarURL: "https://yt3.ggpht.com/avatar.jpg"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveProfile mismatch (-want +got):\n%s", diff)
	}

	partial, err := a.ResolveProfile(context.Background(), "UCgone")
	if err == nil {
		t.Fatal("expected error")
	}
	if partial.NativeID != "UCgone" {
		t.Errorf("partial NativeID = %q", partial.NativeID)
	}
}

func TestMembersPlaylistID(t *testing.T) {
	got, err := MembersPlaylistID("UCabc123")
	if err != nil || got != "UUMOabc123" {
		t.Errorf("MembersPlaylistID = %q, %v", got, err)
	}
	if _, err := MembersPlaylistID("@handle"); err == nil {
		t.Error("expected error for non-UC id")
	}
}

func TestConvertError(t *testing.T) {
	if convertError(nil) != nil {
		t.Error("nil error converted to non-nil")
	}
	err := convertError(errors.New("dial tcp: connection refused"))
	if !errors.Is(err, upstream.ErrTransient) {
		t.Errorf("network error = %v, want ErrTransient", err)
	}
	if err := convertError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("context error = %v", err)
	}
}
