package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"socialrelay/internal/config"
	"socialrelay/internal/engine"
	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/storage"
	"socialrelay/internal/upstream"
)

func runRoot(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	if err := runRoot(t, "migrate", "--db", path, "up"); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var tables []string
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('followed_channels', 'targets', 'subscriptions', 'delivered_items') ORDER BY name`)
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		tables = append(tables, name)
	}
	want := []string{"delivered_items", "followed_channels", "subscriptions", "targets"}
	if diff := cmp.Diff(want, tables); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}

	if err := runRoot(t, "migrate", "--db", path, "reset"); err != nil {
		t.Fatalf("migrate reset: %v", err)
	}
}

func TestMigrateCommandArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"migrate", "--db", path, "sideways"}},
		{name: "missing command", args: []string{"migrate", "--db", path}},
		{name: "too many commands", args: []string{"migrate", "--db", path, "up", "down"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runRoot(t, tt.args...); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestServeRequiresToken(t *testing.T) {
	t.Setenv(config.FileEnv, "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	if err := runRoot(t, "serve"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		FetchCount:  5,
		HistorySize: 20,
		SilentStart: true,
		Retry: config.RetryConfig{
			MaxAttempts:   2,
			BaseDelay:     time.Millisecond,
			QuotaCooldown: time.Minute,
		},
		Bluesky: config.BlueskyConfig{Enabled: true, PollInterval: 30 * time.Second},
		YouTube: config.YouTubeConfig{
			APIKey:         "test-key",
			DailyQuota:     10000,
			QuotaBuffer:    0.05,
			MinInterval:    time.Minute,
			MembersEnabled: true,
		},
		Twitch: config.TwitchConfig{ClientID: "cid", ClientSecret: "secret", PollInterval: time.Minute},
	}
}

func TestBuildAdapters(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerter := upstream.AlerterFunc(func(context.Context, string, string) {})

	tests := []struct {
		name   string
		modify func(*config.Config)
		want   []model.Platform
	}{
		{
			name: "everything enabled",
			want: []model.Platform{model.PlatformBluesky, model.PlatformYouTube, model.PlatformYouTubeMembers, model.PlatformTwitch},
		},
		{
			name: "members disabled",
			modify: func(c *config.Config) {
				c.YouTube.MembersEnabled = false
			},
			want: []model.Platform{model.PlatformBluesky, model.PlatformYouTube, model.PlatformTwitch},
		},
		{
			name: "credentials missing",
			modify: func(c *config.Config) {
				c.YouTube.APIKey = ""
				c.Twitch.ClientSecret = ""
			},
			want: []model.Platform{model.PlatformBluesky},
		},
		{
			name: "bluesky disabled",
			modify: func(c *config.Config) {
				c.Bluesky.Enabled = false
				c.YouTube.APIKey = ""
			},
			want: []model.Platform{model.PlatformTwitch},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.modify != nil {
				tt.modify(cfg)
			}
			adapters, err := buildAdapters(ctx, cfg, log, alerter, nil)
			if err != nil {
				t.Fatalf("buildAdapters: %v", err)
			}
			var got []model.Platform
			for _, a := range adapters {
				got = append(got, a.Platform())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("platforms mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildPollers(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerter := upstream.AlerterFunc(func(context.Context, string, string) {})

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig()
	adapters, err := buildAdapters(ctx, cfg, log, alerter, nil)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	eng := engine.New(store, nil, log)

	pollers := buildPollers(cfg, adapters, eng, store, nil, log)
	var got []model.Platform
	for _, p := range pollers {
		got = append(got, p.Platform())
	}
	want := []model.Platform{model.PlatformBluesky, model.PlatformYouTube, model.PlatformYouTubeMembers, model.PlatformTwitch}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pollers mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff("bluesky,youtube,youtube_members,twitch", platformNames(adapters)); diff != "" {
		t.Errorf("platform names mismatch (-want +got):\n%s", diff)
	}
	if adapterFor(adapters, model.PlatformYouTube) == nil {
		t.Error("youtube adapter not found")
	}
}

func TestYouTubeAdaptersShareCaller(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerter := upstream.AlerterFunc(func(context.Context, string, string) {})

	adapters, err := buildAdapters(context.Background(), testConfig(), log, alerter, nil)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	public, ok := adapterFor(adapters, model.PlatformYouTube).(platform.CallerProvider)
	if !ok {
		t.Fatal("youtube adapter exposes no caller")
	}
	members, ok := adapterFor(adapters, model.PlatformYouTubeMembers).(platform.CallerProvider)
	if !ok {
		t.Fatal("youtube members adapter exposes no caller")
	}
	if public.Caller() != members.Caller() {
		t.Error("youtube and youtube_members use separate callers")
	}
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "INFO", want: slog.LevelInfo},
		{level: "warn", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
		{level: "bogus", want: slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := newLogger(tt.level)
			if !log.Enabled(ctx, tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if log.Enabled(ctx, tt.want-1) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}
