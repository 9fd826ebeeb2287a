package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"socialrelay/internal/model"
)

func TestParseChannelArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    ChannelArgs
		wantErr bool
	}{
		{
			name: "bluesky handle",
			args: "bluesky alice.bsky.social",
			want: ChannelArgs{Platform: model.PlatformBluesky, Channel: "alice.bsky.social"},
		},
		{
			name: "alias and extra spaces",
			args: "  yt   @creator ",
			want: ChannelArgs{Platform: model.PlatformYouTube, Channel: "@creator"},
		},
		{
			name: "members alias",
			args: "ytm UC1234567890123456789012",
			want: ChannelArgs{Platform: model.PlatformYouTubeMembers, Channel: "UC1234567890123456789012"},
		},
		{
			name:    "missing channel",
			args:    "twitch",
			wantErr: true,
		},
		{
			name:    "too many args",
			args:    "twitch a b",
			wantErr: true,
		},
		{
			name:    "unknown platform",
			args:    "myspace tom",
			wantErr: true,
		},
		{
			name:    "empty args",
			args:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannelArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePlatformFilter(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    model.Platform
		wantErr bool
	}{
		{name: "empty means all", args: "", want: ""},
		{name: "platform", args: "twitch", want: model.PlatformTwitch},
		{name: "alias", args: " bsky ", want: model.PlatformBluesky},
		{name: "unknown", args: "vine", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlatformFilter(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRoleArg(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    string
		wantErr bool
	}{
		{name: "with at", args: "@moderators", want: "@moderators"},
		{name: "bare word", args: " here ", want: "@here"},
		{name: "empty", args: "", wantErr: true},
		{name: "only at", args: "@", wantErr: true},
		{name: "two words", args: "@a @b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoleArg(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatNotification(t *testing.T) {
	tests := []struct {
		name string
		n    model.Notification
		want string
	}{
		{
			name: "bluesky root post with links",
			n: model.Notification{
				Platform:    model.PlatformBluesky,
				Kind:        model.KindRoot,
				ChannelName: "Alice",
				Text:        "new blog post",
				URL:         "https://bsky.app/profile/did:plc:alice/post/3k",
				Links:       []string{"https://alice.dev/post"},
			},
			want: "🦋 New Bluesky post from Alice\n\nnew blog post\n🔗 https://alice.dev/post\n\nhttps://bsky.app/profile/did:plc:alice/post/3k",
		},
		{
			name: "mention prefix",
			n: model.Notification{
				Platform:    model.PlatformTwitch,
				Kind:        model.KindLiveStreamNow,
				ChannelName: "Streamer",
				Text:        "speedrun",
				URL:         "https://www.twitch.tv/streamer",
				MentionRole: "@here",
			},
			want: "@here\n🔴 Streamer is live on Twitch\n\nspeedrun\n\nhttps://www.twitch.tv/streamer",
		},
		{
			name: "reply names the parent author",
			n: model.Notification{
				Platform:    model.PlatformBluesky,
				Kind:        model.KindReply,
				ChannelName: "Alice",
				Text:        "agreed",
				ReplyParent: &model.ItemRef{ID: "at://p", AuthorName: "Bob"},
			},
			want: "💬 Alice replied to Bob\n\nagreed",
		},
		{
			name: "context notification",
			n: model.Notification{
				Platform:    model.PlatformBluesky,
				Kind:        model.KindRoot,
				Context:     true,
				ChannelName: "Bob",
				Text:        "what do you think?",
			},
			want: "↩️ In reply to Bob:\n\nwhat do you think?",
		},
		{
			name: "repost",
			n: model.Notification{
				Platform:    model.PlatformBluesky,
				Kind:        model.KindRepost,
				ChannelName: "Alice",
				Text:        "original",
				RepostOf:    &model.ItemRef{ID: "at://o", AuthorName: "Carol"},
			},
			want: "🔁 Alice reposted Carol\n\noriginal",
		},
		{
			name: "quote",
			n: model.Notification{
				Platform:    model.PlatformBluesky,
				Kind:        model.KindQuote,
				ChannelName: "Alice",
				Text:        "this",
				Quoted:      &model.ItemRef{ID: "at://q", AuthorID: "did:plc:dan", Text: "hot take", URL: "https://bsky.app/q"},
			},
			want: "💬 Alice quoted a post\n\nthis\n\n❝ did:plc:dan: hot take\nhttps://bsky.app/q",
		},
		{
			name: "scheduled stream",
			n: model.Notification{
				Platform:    model.PlatformYouTube,
				Kind:        model.KindLiveStreamScheduled,
				ChannelName: "Creator",
				Text:        "Q&A",
				URL:         "https://www.youtube.com/watch?v=abc",
				ScheduledAt: time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC),
			},
			want: "📢 Creator scheduled a live stream\n\nQ&A\n\nStarts: 2025-03-01 18:00 UTC\n\nhttps://www.youtube.com/watch?v=abc",
		},
		{
			name: "upload",
			n: model.Notification{
				Platform:    model.PlatformYouTube,
				Kind:        model.KindVideoUpload,
				ChannelName: "Creator",
				Text:        "Vlog",
				URL:         "https://www.youtube.com/watch?v=v1",
			},
			want: "🎬 Creator uploaded a new video\n\nVlog\n\nhttps://www.youtube.com/watch?v=v1",
		},
		{
			name: "members only",
			n: model.Notification{
				Platform:    model.PlatformYouTubeMembers,
				Kind:        model.KindMembersOnly,
				ChannelName: "Creator",
				URL:         "https://www.youtube.com/watch?v=m1",
			},
			want: "🔒 Creator posted members-only content\n\nhttps://www.youtube.com/watch?v=m1",
		},
		{
			name: "members-only live stream",
			n: model.Notification{
				Platform:    model.PlatformYouTubeMembers,
				Kind:        model.KindLiveStreamScheduled,
				ChannelName: "Creator",
				Text:        "Members Q&A",
				URL:         "https://www.youtube.com/watch?v=m2",
				MembersOnly: true,
			},
			want: "📢 Creator scheduled a live stream\n🔒 Members only\n\nMembers Q&A\n\nhttps://www.youtube.com/watch?v=m2",
		},
		{
			name: "link equal to url not repeated",
			n: model.Notification{
				Platform:    model.PlatformBluesky,
				Kind:        model.KindSelfReply,
				ChannelName: "Alice",
				URL:         "https://x.test",
				Links:       []string{"https://x.test"},
			},
			want: "🧵 Alice continued a thread\n\nhttps://x.test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatNotification(tt.n)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatSubscriptionList(t *testing.T) {
	tests := []struct {
		name     string
		channels []model.FollowedChannel
		filter   model.Platform
		contains []string
		excludes []string
	}{
		{
			name:     "empty",
			contains: []string{"No subscriptions yet"},
		},
		{
			name:     "empty filtered",
			filter:   model.PlatformTwitch,
			contains: []string{"No Twitch subscriptions", "/subscribe twitch"},
		},
		{
			name: "grouped in platform order",
			channels: []model.FollowedChannel{
				{Platform: model.PlatformTwitch, ExternalID: "streamer", Name: "Streamer"},
				{Platform: model.PlatformBluesky, ExternalID: "did:plc:alice"},
			},
			contains: []string{
				"Bluesky:\n  • did:plc:alice  https://bsky.app/profile/did:plc:alice",
				"Twitch:\n  • Streamer  https://www.twitch.tv/streamer",
			},
			excludes: []string{"YouTube"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatSubscriptionList(tt.channels, tt.filter)
			for _, want := range tt.contains {
				requireContains(t, got, want)
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("output should not contain %q, got:\n%s", s, got)
				}
			}
		})
	}

	t.Run("bluesky listed before twitch", func(t *testing.T) {
		got := FormatSubscriptionList([]model.FollowedChannel{
			{Platform: model.PlatformTwitch, ExternalID: "s"},
			{Platform: model.PlatformBluesky, ExternalID: "b"},
		}, "")
		if strings.Index(got, "Bluesky") > strings.Index(got, "Twitch") {
			t.Errorf("platforms out of order:\n%s", got)
		}
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		s     string
		limit int
		want  string
	}{
		{name: "short", s: "hello", limit: 10, want: "hello"},
		{name: "exact", s: "hello", limit: 5, want: "hello"},
		{name: "cut", s: "hello world", limit: 6, want: "hello…"},
		{name: "multibyte", s: "привет мир", limit: 4, want: "при…"},
		{name: "emoji counted as two units", s: "😀😀😀", limit: 4, want: "😀…"},
		{name: "emoji fit exactly", s: "😀😀", limit: 4, want: "😀😀"},
		{name: "cut before surrogate pair", s: "ab😀cd", limit: 4, want: "ab…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, truncate(tt.s, tt.limit)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
