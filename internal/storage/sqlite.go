package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"socialrelay/internal/model"
	"socialrelay/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// DefaultHistoryLimit is the number of delivered items kept per followed channel.
const DefaultHistoryLimit = 20

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db           *sql.DB
	historyLimit int
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithHistoryLimit sets the size of the per-channel delivered-item ring.
func WithHistoryLimit(n int) Option {
	return func(s *SQLite) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	memory := strings.Contains(dsn, ":memory:")
	if !memory {
		dsn = withPragma(dsn, "busy_timeout(5000)")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLite{db: db, historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func withPragma(dsn, pragma string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_pragma=" + pragma
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// HistoryLimit reports the configured delivered-item ring size.
func (s *SQLite) HistoryLimit() int {
	return s.historyLimit
}

// AddFollowedChannel registers an external channel and returns its id.
// Registering an existing (platform, external id) pair returns the existing id
// and refreshes the cached name when a non-empty one is given.
func (s *SQLite) AddFollowedChannel(ctx context.Context, platform model.Platform, externalID, name string) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO followed_channels (platform, external_id, display_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (platform, external_id) DO UPDATE SET
		   display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END`,
		string(platform), externalID, name, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert followed channel: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM followed_channels WHERE platform = ? AND external_id = ?`,
		string(platform), externalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select followed channel id: %w", err)
	}
	return id, nil
}

// GetFollowedChannel returns a single followed channel by its id.
func (s *SQLite) GetFollowedChannel(ctx context.Context, id int64) (*model.FollowedChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, external_id, display_name, created_at
		 FROM followed_channels WHERE id = ?`, id,
	)
	return scanChannel(row)
}

// FindFollowedChannel looks up a followed channel by platform and external id.
func (s *SQLite) FindFollowedChannel(ctx context.Context, platform model.Platform, externalID string) (*model.FollowedChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, external_id, display_name, created_at
		 FROM followed_channels WHERE platform = ? AND external_id = ?`,
		string(platform), externalID,
	)
	return scanChannel(row)
}

// RemoveFollowedChannel removes a channel and its subscriptions and delivered items.
func (s *SQLite) RemoveFollowedChannel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM delivered_items WHERE channel_id = ?`, id); err != nil {
		return fmt.Errorf("delete delivered_items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE channel_id = ?`, id); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM followed_channels WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete followed channel: %w", err)
	}
	return tx.Commit()
}

// UpdateChannelName refreshes the cached display name of a channel.
func (s *SQLite) UpdateChannelName(ctx context.Context, id int64, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE followed_channels SET display_name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("update channel name: %w", err)
	}
	return nil
}

// ListFollowedChannels returns the channels of a platform that have at least one subscriber.
func (s *SQLite) ListFollowedChannels(ctx context.Context, platform model.Platform) ([]model.FollowedChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.platform, c.external_id, c.display_name, c.created_at
		 FROM followed_channels c
		 JOIN subscriptions s ON s.channel_id = c.id
		 WHERE c.platform = ?
		 ORDER BY c.id`, string(platform),
	)
	if err != nil {
		return nil, fmt.Errorf("query followed channels: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

// CountFollowedChannels counts subscribed channels across the given platforms.
func (s *SQLite) CountFollowedChannels(ctx context.Context, platforms ...model.Platform) (int, error) {
	if len(platforms) == 0 {
		return 0, nil
	}
	args := make([]any, len(platforms))
	for i, p := range platforms {
		args[i] = string(p)
	}
	query := `SELECT COUNT(DISTINCT c.id)
		 FROM followed_channels c
		 JOIN subscriptions s ON s.channel_id = c.id
		 WHERE c.platform IN (?` + strings.Repeat(", ?", len(platforms)-1) + `)`

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count followed channels: %w", err)
	}
	return n, nil
}

// UpsertTarget creates a notification target or refreshes its cached name.
// The mention role is left untouched; use SetMentionRole to change it.
func (s *SQLite) UpsertTarget(ctx context.Context, target *model.NotificationTarget) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, name, mention_role, created_at) VALUES (?, ?, '', ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END`,
		target.ID, target.Name, now,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}

	got, err := s.GetTarget(ctx, target.ID)
	if err != nil {
		return err
	}
	*target = *got
	return nil
}

// GetTarget returns a notification target by its id.
func (s *SQLite) GetTarget(ctx context.Context, id int64) (*model.NotificationTarget, error) {
	var t model.NotificationTarget
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, mention_role, created_at FROM targets WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.MentionRole, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan target: %w", err)
	}
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return &t, nil
}

// SetMentionRole sets (or with an empty role, clears) the mention role of a target.
func (s *SQLite) SetMentionRole(ctx context.Context, targetID int64, role string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, name, mention_role, created_at) VALUES (?, '', ?, ?)
		 ON CONFLICT (id) DO UPDATE SET mention_role = excluded.mention_role`,
		targetID, role, now,
	)
	if err != nil {
		return fmt.Errorf("set mention role: %w", err)
	}
	return nil
}

// MentionRole returns the mention role of a target, or "" when none is set.
func (s *SQLite) MentionRole(ctx context.Context, targetID int64) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT mention_role FROM targets WHERE id = ?`, targetID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query mention role: %w", err)
	}
	return role, nil
}

// AddSubscription links a target to a followed channel.
func (s *SQLite) AddSubscription(ctx context.Context, targetID, channelID int64) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (target_id, channel_id, created_at) VALUES (?, ?, ?)`,
		targetID, channelID, now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadySubscribed
	}
	return nil
}

// RemoveSubscription removes a single target/channel link.
func (s *SQLite) RemoveSubscription(ctx context.Context, targetID, channelID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE target_id = ? AND channel_id = ?`, targetID, channelID,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %d/%d: %w", targetID, channelID, ErrNotFound)
	}
	return nil
}

// RemoveAllSubscriptions removes every subscription of a target and returns
// the ids of the channels it was subscribed to.
func (s *SQLite) RemoveAllSubscriptions(ctx context.Context, targetID int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT channel_id FROM subscriptions WHERE target_id = ? ORDER BY channel_id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE target_id = ?`, targetID); err != nil {
		return nil, fmt.Errorf("delete subscriptions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// RemoveSubscriptionsForChannel removes every subscription to a channel.
func (s *SQLite) RemoveSubscriptionsForChannel(ctx context.Context, channelID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	return nil
}

// ListSubscriptions returns the channels a target is subscribed to.
// An empty platform returns subscriptions across all platforms.
func (s *SQLite) ListSubscriptions(ctx context.Context, targetID int64, platform model.Platform) ([]model.FollowedChannel, error) {
	query := `SELECT c.id, c.platform, c.external_id, c.display_name, c.created_at
		 FROM followed_channels c
		 JOIN subscriptions s ON s.channel_id = c.id
		 WHERE s.target_id = ?`
	args := []any{targetID}
	if platform != "" {
		query += ` AND c.platform = ?`
		args = append(args, string(platform))
	}
	query += ` ORDER BY c.platform, c.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

// ListTargetsForChannel returns every target subscribed to a channel.
func (s *SQLite) ListTargetsForChannel(ctx context.Context, channelID int64) ([]model.NotificationTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.target_id, COALESCE(t.name, ''), COALESCE(t.mention_role, ''), COALESCE(t.created_at, s.created_at)
		 FROM subscriptions s
		 LEFT JOIN targets t ON t.id = s.target_id
		 WHERE s.channel_id = ?
		 ORDER BY s.target_id`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []model.NotificationTarget
	for rows.Next() {
		var t model.NotificationTarget
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &t.MentionRole, &created); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.CreatedAt, _ = time.Parse(timeLayout, created)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// IsSubscribed reports whether a target is subscribed to a channel.
func (s *SQLite) IsSubscribed(ctx context.Context, targetID, channelID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE target_id = ? AND channel_id = ?`,
		targetID, channelID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return count > 0, nil
}

// RecordDelivery appends one delivered item to the channel's history.
func (s *SQLite) RecordDelivery(ctx context.Context, channelID int64, itemID, content string, at time.Time) error {
	return s.RecordDeliveries(ctx, channelID, []model.DeliveredItem{{
		ChannelID:   channelID,
		ItemID:      itemID,
		Content:     content,
		DeliveredAt: at,
	}})
}

// RecordDeliveries appends delivered items in order and evicts the oldest
// entries beyond the history limit. Items already present are ignored.
func (s *SQLite) RecordDeliveries(ctx context.Context, channelID int64, items []model.DeliveredItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		at := item.DeliveredAt
		if at.IsZero() {
			at = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO delivered_items (channel_id, item_id, content, delivered_at) VALUES (?, ?, ?, ?)`,
			channelID, item.ItemID, item.Content, at.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert delivered item: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM delivered_items
		 WHERE channel_id = ?
		   AND id NOT IN (SELECT id FROM delivered_items WHERE channel_id = ? ORDER BY id DESC LIMIT ?)`,
		channelID, channelID, s.historyLimit,
	)
	if err != nil {
		return fmt.Errorf("prune delivered items: %w", err)
	}
	return tx.Commit()
}

// DeliveredItems returns the channel's delivered history, oldest first.
func (s *SQLite) DeliveredItems(ctx context.Context, channelID int64) ([]model.DeliveredItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, item_id, content, delivered_at FROM delivered_items WHERE channel_id = ? ORDER BY id`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivered items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.DeliveredItem
	for rows.Next() {
		var it model.DeliveredItem
		var at string
		if err := rows.Scan(&it.ChannelID, &it.ItemID, &it.Content, &at); err != nil {
			return nil, fmt.Errorf("scan delivered item: %w", err)
		}
		it.DeliveredAt, _ = time.Parse(timeLayout, at)
		items = append(items, it)
	}
	return items, rows.Err()
}

// LatestDeliveredID returns the most recently delivered item id, or "" if none.
func (s *SQLite) LatestDeliveredID(ctx context.Context, channelID int64) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id FROM delivered_items WHERE channel_id = ? ORDER BY id DESC LIMIT 1`, channelID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest delivered: %w", err)
	}
	return id, nil
}

// IsDelivered checks whether an item id is in the channel's delivered history.
func (s *SQLite) IsDelivered(ctx context.Context, channelID int64, itemID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivered_items WHERE channel_id = ? AND item_id = ?`,
		channelID, itemID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanChannel(row scannable) (*model.FollowedChannel, error) {
	var c model.FollowedChannel
	var platform, created string
	err := row.Scan(&c.ID, &platform, &c.ExternalID, &c.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("followed channel: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan followed channel: %w", err)
	}
	c.Platform = model.Platform(platform)
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}

func scanChannels(rows *sql.Rows) ([]model.FollowedChannel, error) {
	var channels []model.FollowedChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}
