package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/upstream"
)

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fakeAppView struct {
	feed string

	mu       sync.Mutex
	requests []string
}

func (f *fakeAppView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.Path)
	f.mu.Unlock()

	q := r.URL.Query()
	switch r.URL.Path {
	case "/xrpc/app.bsky.feed.getAuthorFeed":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.feed)
	case "/xrpc/app.bsky.actor.getProfile":
		switch q.Get("actor") {
		case "did:plc:alice", "alice.bsky.social":
			writeJSON(w, 200, map[string]string{
				"did": "did:plc:alice", "handle": "alice.bsky.social",
				"displayName": "Alice", "avatar": "https://cdn.example/alice.jpg",
			})
		default:
			writeJSON(w, 400, map[string]string{"error": "InvalidRequest", "message": "Profile not found"})
		}
	case "/xrpc/com.atproto.identity.resolveHandle":
		if q.Get("handle") == "alice.bsky.social" {
			writeJSON(w, 200, map[string]string{"did": "did:plc:alice"})
			return
		}
		writeJSON(w, 400, map[string]string{"error": "InvalidRequest", "message": "Unable to resolve handle"})
	case "/xrpc/app.bsky.feed.getPosts":
		writeJSON(w, 200, map[string]any{"posts": []any{map[string]any{
			"uri":    q.Get("uris"),
			"author": map[string]string{"did": "did:plc:bob", "handle": "bob.bsky.social", "displayName": "Bob"},
			"record": map[string]string{"$type": "app.bsky.feed.post", "text": "parent text"},
		}}})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAppView) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.requests {
		if p == path {
			n++
		}
	}
	return n
}

func newTestAdapter(t *testing.T, h http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		CallerOpts: []upstream.Option{
			upstream.WithBaseDelay(time.Millisecond),
			upstream.WithAttempts(3),
		},
	})
}

func TestFetchRecent(t *testing.T) {
	fake := &fakeAppView{feed: loadFixture(t, "../../../testdata/bluesky_author_feed.json")}
	a := newTestAdapter(t, fake)

	items, err := a.FetchRecent(context.Background(), "did:plc:alice", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	type summary struct {
		ID   string
		Kind model.ItemKind
	}
	var got []summary
	for _, it := range items {
		got = append(got, summary{ID: it.ID, Kind: a.Classify(it)})
	}
	want := []summary{
		{ID: "at://did:plc:alice/app.bsky.feed.post/root1", Kind: model.KindRoot},
		{ID: "at://did:plc:alice/app.bsky.feed.post/reply1", Kind: model.KindReply},
		{ID: "at://did:plc:alice/app.bsky.feed.post/thread2", Kind: model.KindSelfReply},
		{ID: "at://did:plc:carol/app.bsky.feed.post/c1", Kind: model.KindRepost},
		{ID: "at://did:plc:alice/app.bsky.feed.post/quote1", Kind: model.KindQuote},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchRecent mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRecentFields(t *testing.T) {
	fake := &fakeAppView{feed: loadFixture(t, "../../../testdata/bluesky_author_feed.json")}
	a := newTestAdapter(t, fake)

	items, err := a.FetchRecent(context.Background(), "did:plc:alice", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) < 5 {
		t.Fatalf("got %d items, want 5", len(items))
	}

	root := items[0]
	wantRoot := model.CandidateItem{
		ID:          "at://did:plc:alice/app.bsky.feed.post/root1",
		ChannelID:   "did:plc:alice",
		AuthorID:    "did:plc:alice",
		AuthorName:  "Alice",
		Text:        "new blog post example.com/blog...",
		URL:         "https://bsky.app/profile/did:plc:alice/post/root1",
		Media:       []string{"https://cdn.bsky.app/img/feed_fullsize/plain/did:plc:alice/img1@jpeg"},
		Links:       []string{"https://example.com/blog/post-1"},
		PublishedAt: time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(wantRoot, root); diff != "" {
		t.Errorf("root post mismatch (-want +got):\n%s", diff)
	}

	reply := items[1]
	wantParent := &model.ItemRef{
		ID:         "at://did:plc:bob/app.bsky.feed.post/p1",
		AuthorID:   "did:plc:bob",
		AuthorName: "Bob",
		Text:       "hot take",
		URL:        "https://bsky.app/profile/did:plc:bob/post/p1",
	}
	if diff := cmp.Diff(wantParent, reply.ReplyParent); diff != "" {
		t.Errorf("reply parent mismatch (-want +got):\n%s", diff)
	}

	repost := items[3]
	if repost.AuthorID != "did:plc:alice" {
		t.Errorf("repost author = %q, want the reposting account", repost.AuthorID)
	}
	if repost.RepostOf == nil || repost.RepostOf.AuthorName != "carol.bsky.social" {
		t.Errorf("repost original = %+v, want carol's post", repost.RepostOf)
	}

	quote := items[4]
	if diff := cmp.Diff(&model.ItemRef{
		ID:         "at://did:plc:dave/app.bsky.feed.post/d1",
		AuthorID:   "did:plc:dave",
		AuthorName: "Dave",
		Text:       "quoted text",
		URL:        "https://bsky.app/profile/did:plc:dave/post/d1",
	}, quote.Quoted); diff != "" {
		t.Errorf("quoted mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRecentRespectsMax(t *testing.T) {
	fake := &fakeAppView{feed: loadFixture(t, "../../../testdata/bluesky_author_feed.json")}
	a := newTestAdapter(t, fake)

	items, err := a.FetchRecent(context.Background(), "did:plc:alice", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("got %d items, want 2", len(items))
	}
}

func TestFetchRecentEmptyFeed(t *testing.T) {
	a := newTestAdapter(t, &fakeAppView{feed: `{"feed": []}`})

	items, err := a.FetchRecent(context.Background(), "did:plc:alice", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestFetchRecentServerError(t *testing.T) {
	var calls int
	var mu sync.Mutex
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeJSON(w, 502, map[string]string{"error": "UpstreamFailure"})
	}))

	_, err := a.FetchRecent(context.Background(), "did:plc:alice", 5)
	if !errors.Is(err, upstream.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestVerifyChannel(t *testing.T) {
	a := newTestAdapter(t, &fakeAppView{})

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "handle", input: "alice.bsky.social", want: "did:plc:alice"},
		{name: "handle with at sign", input: "@Alice.bsky.social", want: "did:plc:alice"},
		{name: "profile url", input: "https://bsky.app/profile/alice.bsky.social", want: "did:plc:alice"},
		{name: "did", input: "did:plc:alice", want: "did:plc:alice"},
		{name: "unknown handle", input: "nobody.bsky.social", wantErr: platform.ErrChannelNotFound},
		{name: "unknown did", input: "did:plc:nobody", wantErr: platform.ErrChannelNotFound},
		{name: "empty", input: "  ", wantErr: platform.ErrChannelNotFound},
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
	a := newTestAdapter(t, &fakeAppView{})

	got, err := a.ResolveProfile(context.Background(), "did:plc:alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := model.Profile{NativeID: "did:plc:alice", DisplayName: "Alice", AvatarURL: "https://cdn.example/alice.jpg"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveProfile mismatch (-want +got):\n%s", diff)
	}

	partial, err := a.ResolveProfile(context.Background(), "did:plc:gone")
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
	if partial.NativeID != "did:plc:gone" {
		t.Errorf("partial NativeID = %q, want the input id", partial.NativeID)
	}
}

func TestResolveItem(t *testing.T) {
	a := newTestAdapter(t, &fakeAppView{})

	got, err := a.ResolveItem(context.Background(), "at://did:plc:bob/app.bsky.feed.post/p9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := model.ItemRef{
		ID:         "at://did:plc:bob/app.bsky.feed.post/p9",
		AuthorID:   "did:plc:bob",
		AuthorName: "Bob",
		Text:       "parent text",
		URL:        "https://bsky.app/profile/did:plc:bob/post/p9",
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("ResolveItem mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionRefreshOnExpiredToken(t *testing.T) {
	var mu sync.Mutex
	logins, refreshes := 0, 0
	token := "access-1"

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			logins++
			writeJSON(w, 200, session{DID: "did:plc:me", AccessJWT: token, RefreshJWT: "refresh-1"})
		case "/xrpc/com.atproto.server.refreshSession":
			refreshes++
			if r.Header.Get("Authorization") != "Bearer refresh-1" {
				writeJSON(w, 401, map[string]string{"error": "InvalidToken"})
				return
			}
			token = "access-2"
			writeJSON(w, 200, session{DID: "did:plc:me", AccessJWT: token, RefreshJWT: "refresh-2"})
		case "/xrpc/app.bsky.feed.getAuthorFeed":
			if r.Header.Get("Authorization") != "Bearer access-2" {
				writeJSON(w, 400, map[string]string{"error": "ExpiredToken", "message": "Token has expired"})
				return
			}
			_, _ = io.WriteString(w, `{"feed": []}`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	a := New(Config{
		BaseURL:     srv.URL,
		Identifier:  "me.bsky.social",
		AppPassword: "app-pass",
		HTTPClient:  srv.Client(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		CallerOpts:  []upstream.Option{upstream.WithBaseDelay(time.Millisecond)},
	})

	if _, err := a.FetchRecent(context.Background(), "did:plc:alice", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if logins != 1 {
		t.Errorf("logins = %d, want 1", logins)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

func TestPostURL(t *testing.T) {
	tests := map[string]string{
		"at://did:plc:x/app.bsky.feed.post/abc":   "https://bsky.app/profile/did:plc:x/post/abc",
		"at://did:plc:x/app.bsky.feed.like/abc":   "",
		"https://bsky.app/profile/x/post/abc":     "",
		"at://did:plc:x/app.bsky.feed.post/a/b/c": "",
	}
	for in, want := range tests {
		if got := PostURL(in); got != want {
			t.Errorf("PostURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBlobMediaFallback(t *testing.T) {
	raw := `{"$type":"app.bsky.feed.post","text":"pic","embed":{"$type":"app.bsky.embed.images","images":[{"image":{"ref":{"$link":"bafk1"},"mimeType":"image/png"}}]}}`
	fv := feedViewPost{Post: postView{
		URI:    "at://did:plc:alice/app.bsky.feed.post/x",
		Author: profileView{DID: "did:plc:alice"},
		Record: json.RawMessage(raw),
	}}

	item, err := parseFeedItem(fv, "did:plc:alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://cdn.bsky.app/img/feed_fullsize/plain/did:plc:alice/bafk1@png"}
	if diff := cmp.Diff(want, item.Media); diff != "" {
		t.Errorf("media mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFeedItemFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		fv   feedViewPost
	}{
		{name: "no uri", fv: feedViewPost{Post: postView{Record: json.RawMessage(`{"text":"x"}`)}}},
		{name: "no record", fv: feedViewPost{Post: postView{URI: "at://did:plc:a/app.bsky.feed.post/1"}}},
		{name: "wrong record type", fv: feedViewPost{Post: postView{
			URI:    "at://did:plc:a/app.bsky.feed.post/1",
			Record: json.RawMessage(`{"$type":"app.bsky.feed.like"}`),
		}}},
		{name: "undecodable record", fv: feedViewPost{Post: postView{
			URI:    "at://did:plc:a/app.bsky.feed.post/1",
			Record: json.RawMessage(`"text"`),
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFeedItem(tt.fv, "did:plc:a"); err == nil {
				t.Error("expected error")
			}
		})
	}
}
