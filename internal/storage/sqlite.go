package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"transit_relay/internal/model"
	"transit_relay/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas are per-connection and writes serialize anyway; a single
	// pooled connection keeps both predictable.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSource inserts a new source and populates its ID and CreatedAt.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (kind, name, endpoint, interval_seconds, active_start, active_end, is_active, cursor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(src.Kind), src.Name, src.Endpoint, src.IntervalSeconds,
		src.ActiveStart, src.ActiveEnd, boolToInt(src.IsActive), src.Cursor, now,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	src.ID = id
	src.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, endpoint, interval_seconds, active_start, active_end, is_active, cursor, last_poll_at, created_at
		 FROM sources WHERE id = ?`, id,
	)
	return scanSource(row)
}

// ListSources returns all sources ordered by ID.
func (s *SQLite) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, endpoint, interval_seconds, active_start, active_end, is_active, cursor, last_poll_at, created_at
		 FROM sources ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// ListDueSources returns all active sources that are due for polling.
func (s *SQLite) ListDueSources(ctx context.Context) ([]model.Source, error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, endpoint, interval_seconds, active_start, active_end, is_active, cursor, last_poll_at, created_at
		 FROM sources
		 WHERE is_active = 1
		   AND (last_poll_at IS NULL
		        OR datetime(last_poll_at, '+' || interval_seconds || ' seconds') <= datetime(?))`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// UpdateSource persists changes to an existing source. The cursor is
// owned by the poller and advanced through AdvanceCursor instead.
func (s *SQLite) UpdateSource(ctx context.Context, src *model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET kind = ?, name = ?, endpoint = ?, interval_seconds = ?,
		        active_start = ?, active_end = ?, is_active = ?
		 WHERE id = ?`,
		string(src.Kind), src.Name, src.Endpoint, src.IntervalSeconds,
		src.ActiveStart, src.ActiveEnd, boolToInt(src.IsActive), src.ID,
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return nil
}

// DeleteSource removes a source. Its announcements are kept for the
// dedup history until the retention pruner drops them.
func (s *SQLite) DeleteSource(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

// AdvanceCursor stores the poller's new cursor and stamps the poll time.
func (s *SQLite) AdvanceCursor(ctx context.Context, id int64, cursor string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET cursor = ?, last_poll_at = ? WHERE id = ?`, cursor, now, id,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// TouchSource stamps the poll time without moving the cursor, so a
// failed cycle keeps its cadence but re-observes the same items.
func (s *SQLite) TouchSource(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_poll_at = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	return nil
}

// AdmitAnnouncement inserts the announcement if its (source_id,
// external_id) pair is unseen. The check and the insert are one atomic
// statement, so concurrent admissions resolve to exactly one winner.
// Returns true if this call admitted the announcement.
func (s *SQLite) AdmitAnnouncement(ctx context.Context, a *model.Announcement) (bool, error) {
	media, err := json.Marshal(stringsOrEmpty(a.MediaRefs))
	if err != nil {
		return false, fmt.Errorf("marshal media refs: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements (source_id, external_id, text, permalink, media_refs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_id, external_id) DO NOTHING`,
		a.SourceID, a.ExternalID, a.Text, a.Permalink, string(media), now,
	)
	if err != nil {
		return false, fmt.Errorf("insert announcement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// GetAnnouncement returns a single announcement by its ID.
func (s *SQLite) GetAnnouncement(ctx context.Context, id int64) (*model.Announcement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, external_id, text, permalink, media_refs, created_at
		 FROM announcements WHERE id = ?`, id,
	)
	var a model.Announcement
	var media, created string
	err := row.Scan(&a.ID, &a.SourceID, &a.ExternalID, &a.Text, &a.Permalink, &media, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan announcement: %w", err)
	}
	if err := json.Unmarshal([]byte(media), &a.MediaRefs); err != nil {
		return nil, fmt.Errorf("unmarshal media refs: %w", err)
	}
	if len(a.MediaRefs) == 0 {
		a.MediaRefs = nil
	}
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	return &a, nil
}

// PruneAnnouncements deletes dedup history older than the cutoff.
// Uniqueness for live sources is unaffected as long as the retention
// horizon exceeds the upstream feed depth.
func (s *SQLite) PruneAnnouncements(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM announcements WHERE created_at < ?`, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune announcements: %w", err)
	}
	return res.RowsAffected()
}

// UpsertSubscriber creates the subscriber or re-enables an existing one.
// Subscribing twice is a no-op.
func (s *SQLite) UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (destination_id, platform, enabled, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (destination_id) DO UPDATE SET enabled = excluded.enabled`,
		sub.DestinationID, string(sub.Platform), boolToInt(sub.Enabled), now,
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// SetSubscriberEnabled toggles delivery for a destination.
func (s *SQLite) SetSubscriberEnabled(ctx context.Context, destinationID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET enabled = ? WHERE destination_id = ?`,
		boolToInt(enabled), destinationID,
	)
	if err != nil {
		return fmt.Errorf("set subscriber enabled: %w", err)
	}
	return nil
}

// GetSubscriber returns a single subscriber by destination ID.
func (s *SQLite) GetSubscriber(ctx context.Context, destinationID string) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT destination_id, platform, enabled, created_at FROM subscribers WHERE destination_id = ?`,
		destinationID,
	)
	var sub model.Subscriber
	var platform, created string
	var enabled int
	err := row.Scan(&sub.DestinationID, &platform, &enabled, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	sub.Platform = model.Platform(platform)
	sub.Enabled = enabled == 1
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return &sub, nil
}

// ListSubscribers returns subscribers, optionally only enabled ones.
func (s *SQLite) ListSubscribers(ctx context.Context, onlyEnabled bool) ([]model.Subscriber, error) {
	q := `SELECT destination_id, platform, enabled, created_at FROM subscribers`
	if onlyEnabled {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY destination_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscriber
	for rows.Next() {
		var sub model.Subscriber
		var platform, created string
		var enabled int
		if err := rows.Scan(&sub.DestinationID, &platform, &enabled, &created); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.Platform = model.Platform(platform)
		sub.Enabled = enabled == 1
		sub.CreatedAt, _ = time.Parse(timeLayout, created)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AddKeyword attaches a filter keyword to a subscriber. Adding an
// existing keyword again is a no-op, not an error.
func (s *SQLite) AddKeyword(ctx context.Context, destinationID string, kind model.KeywordKind, keyword string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO filter_keywords (destination_id, kind, keyword, created_at) VALUES (?, ?, ?, ?)`,
		destinationID, string(kind), keyword, now,
	)
	if err != nil {
		return fmt.Errorf("add keyword: %w", err)
	}
	return nil
}

// RemoveKeyword deletes a keyword from both include and exclude lists.
func (s *SQLite) RemoveKeyword(ctx context.Context, destinationID, keyword string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM filter_keywords WHERE destination_id = ? AND keyword = ?`,
		destinationID, keyword,
	)
	if err != nil {
		return fmt.Errorf("remove keyword: %w", err)
	}
	return nil
}

// ListKeywords returns all filter keywords for a destination.
func (s *SQLite) ListKeywords(ctx context.Context, destinationID string) ([]model.FilterKeyword, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT destination_id, kind, keyword, created_at FROM filter_keywords
		 WHERE destination_id = ? ORDER BY kind, keyword`, destinationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var kws []model.FilterKeyword
	for rows.Next() {
		var kw model.FilterKeyword
		var kind, created string
		if err := rows.Scan(&kw.DestinationID, &kind, &kw.Keyword, &created); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		kw.Kind = model.KeywordKind(kind)
		kw.CreatedAt, _ = time.Parse(timeLayout, created)
		kws = append(kws, kw)
	}
	return kws, rows.Err()
}

// CreateTaggingRule inserts a new tagging rule and populates its ID.
func (s *SQLite) CreateTaggingRule(ctx context.Context, r *model.TaggingRule) error {
	include, err := json.Marshal(stringsOrEmpty(r.IncludeKeywords))
	if err != nil {
		return fmt.Errorf("marshal include keywords: %w", err)
	}
	exclude, err := json.Marshal(stringsOrEmpty(r.ExcludeKeywords))
	if err != nil {
		return fmt.Errorf("marshal exclude keywords: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tagging_rules (account, include_keywords, exclude_keywords, active_start, active_end, enabled, paused, paused_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Account, string(include), string(exclude), r.ActiveStart, r.ActiveEnd,
		boolToInt(r.Enabled), boolToInt(r.Paused), timePtrToString(r.PausedUntil), now,
	)
	if err != nil {
		return fmt.Errorf("insert tagging rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetTaggingRule returns a single tagging rule by its ID.
func (s *SQLite) GetTaggingRule(ctx context.Context, id int64) (*model.TaggingRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account, include_keywords, exclude_keywords, active_start, active_end, enabled, paused, paused_until, created_at
		 FROM tagging_rules WHERE id = ?`, id,
	)
	r, err := scanTaggingRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListTaggingRules returns all tagging rules ordered by ID.
func (s *SQLite) ListTaggingRules(ctx context.Context) ([]model.TaggingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account, include_keywords, exclude_keywords, active_start, active_end, enabled, paused, paused_until, created_at
		 FROM tagging_rules ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query tagging rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.TaggingRule
	for rows.Next() {
		r, err := scanTaggingRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// UpdateTaggingRule persists changes to an existing rule.
func (s *SQLite) UpdateTaggingRule(ctx context.Context, r *model.TaggingRule) error {
	include, err := json.Marshal(stringsOrEmpty(r.IncludeKeywords))
	if err != nil {
		return fmt.Errorf("marshal include keywords: %w", err)
	}
	exclude, err := json.Marshal(stringsOrEmpty(r.ExcludeKeywords))
	if err != nil {
		return fmt.Errorf("marshal exclude keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tagging_rules SET account = ?, include_keywords = ?, exclude_keywords = ?,
		        active_start = ?, active_end = ?, enabled = ?, paused = ?, paused_until = ?
		 WHERE id = ?`,
		r.Account, string(include), string(exclude), r.ActiveStart, r.ActiveEnd,
		boolToInt(r.Enabled), boolToInt(r.Paused), timePtrToString(r.PausedUntil), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update tagging rule: %w", err)
	}
	return nil
}

// DeleteTaggingRule removes a rule by its ID.
func (s *SQLite) DeleteTaggingRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tagging_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tagging rule: %w", err)
	}
	return nil
}

// EnsurePending creates a pending dispatch record if none exists and
// returns the current record. Terminal records are returned unchanged,
// which is the dispatcher's idempotency check.
func (s *SQLite) EnsurePending(ctx context.Context, announcementID int64, destinationID string) (*model.DispatchRecord, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dispatch_records (announcement_id, destination_id, status, attempted_at)
		 VALUES (?, ?, ?, ?)`,
		announcementID, destinationID, string(model.DispatchPending), now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure pending dispatch: %w", err)
	}
	return s.GetDispatch(ctx, announcementID, destinationID)
}

// RecordDispatchAttempt bumps the attempt counter of a pending record
// before a delivery attempt, so the audit trail and the attempt ceiling
// survive deferrals and crashes. Terminal records are left alone.
func (s *SQLite) RecordDispatchAttempt(ctx context.Context, announcementID int64, destinationID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_records SET attempts = attempts + 1, attempted_at = ?
		 WHERE announcement_id = ? AND destination_id = ? AND status = ?`,
		now, announcementID, destinationID, string(model.DispatchPending),
	)
	if err != nil {
		return fmt.Errorf("record dispatch attempt: %w", err)
	}
	return nil
}

// GetDispatch returns the dispatch record for one pair, or ErrNotFound.
func (s *SQLite) GetDispatch(ctx context.Context, announcementID int64, destinationID string) (*model.DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT announcement_id, destination_id, status, reason, attempts, attempted_at
		 FROM dispatch_records WHERE announcement_id = ? AND destination_id = ?`,
		announcementID, destinationID,
	)
	r, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarkDispatch transitions a pending record to the given status.
// Terminal records are never overwritten, so re-marking after a race is
// harmless. Attempts are counted by RecordDispatchAttempt, one per
// actual delivery attempt.
func (s *SQLite) MarkDispatch(ctx context.Context, announcementID int64, destinationID string, status model.DispatchStatus, reason string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_records
		 SET status = ?, reason = ?, attempted_at = ?
		 WHERE announcement_id = ? AND destination_id = ? AND status = ?`,
		string(status), reason, now, announcementID, destinationID, string(model.DispatchPending),
	)
	if err != nil {
		return fmt.Errorf("mark dispatch: %w", err)
	}
	return nil
}

// ListPendingDispatches returns records left pending by a crash or a
// deferred delivery, oldest first.
func (s *SQLite) ListPendingDispatches(ctx context.Context) ([]model.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT announcement_id, destination_id, status, reason, attempts, attempted_at
		 FROM dispatch_records WHERE status = ? ORDER BY attempted_at`,
		string(model.DispatchPending),
	)
	if err != nil {
		return nil, fmt.Errorf("query pending dispatches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.DispatchRecord
	for rows.Next() {
		r, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// PruneDispatchRecords deletes audit rows older than the cutoff.
func (s *SQLite) PruneDispatchRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_records WHERE attempted_at < ?`, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch records: %w", err)
	}
	return res.RowsAffected()
}

// GetQuota returns the cached quota entry for a resource, or ErrNotFound.
func (s *SQLite) GetQuota(ctx context.Context, resourceKey string) (*model.QuotaEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT resource_key, value, refreshed_at FROM quota_cache WHERE resource_key = ?`, resourceKey,
	)
	var e model.QuotaEntry
	var refreshed string
	err := row.Scan(&e.ResourceKey, &e.Value, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quota entry: %w", err)
	}
	e.RefreshedAt, _ = time.Parse(timeLayout, refreshed)
	return &e, nil
}

// PutQuota stores or replaces the cached quota entry for a resource.
func (s *SQLite) PutQuota(ctx context.Context, entry *model.QuotaEntry) error {
	refreshed := entry.RefreshedAt
	if refreshed.IsZero() {
		refreshed = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO quota_cache (resource_key, value, refreshed_at) VALUES (?, ?, ?)`,
		entry.ResourceKey, entry.Value, refreshed.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put quota entry: %w", err)
	}
	return nil
}

// AppendEvent records a dispatch outcome received over the event bridge.
func (s *SQLite) AppendEvent(ctx context.Context, ev model.DispatchEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log (ts, announcement_id, destination_id, status) VALUES (?, ?, ?, ?)`,
		ts.UTC().Format(timeLayout), ev.AnnouncementID, ev.DestinationID, ev.Status,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest dispatch outcomes, newest first.
func (s *SQLite) RecentEvents(ctx context.Context, limit int) ([]model.DispatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, announcement_id, destination_id, status FROM event_log ORDER BY ts DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.DispatchEvent
	for rows.Next() {
		var ev model.DispatchEvent
		var ts string
		if err := rows.Scan(&ts, &ev.AnnouncementID, &ev.DestinationID, &ev.Status); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(timeLayout, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes event log rows older than the cutoff.
func (s *SQLite) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_log WHERE ts < ?`, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

// stringsOrEmpty keeps JSON columns as '[]' instead of 'null'.
func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var kind string
	var isActive int
	var lastPoll, created sql.NullString
	err := row.Scan(&src.ID, &kind, &src.Name, &src.Endpoint, &src.IntervalSeconds,
		&src.ActiveStart, &src.ActiveEnd, &isActive, &src.Cursor, &lastPoll, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Kind = model.SourceKind(kind)
	src.IsActive = isActive == 1
	if lastPoll.Valid {
		t, _ := time.Parse(timeLayout, lastPoll.String)
		src.LastPollAt = &t
	}
	if created.Valid {
		src.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &src, nil
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

func scanTaggingRule(row scannable) (*model.TaggingRule, error) {
	var r model.TaggingRule
	var include, exclude, created string
	var enabled, paused int
	var pausedUntil sql.NullString
	err := row.Scan(&r.ID, &r.Account, &include, &exclude, &r.ActiveStart, &r.ActiveEnd,
		&enabled, &paused, &pausedUntil, &created)
	if err != nil {
		return nil, fmt.Errorf("scan tagging rule: %w", err)
	}
	if err := json.Unmarshal([]byte(include), &r.IncludeKeywords); err != nil {
		return nil, fmt.Errorf("unmarshal include keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(exclude), &r.ExcludeKeywords); err != nil {
		return nil, fmt.Errorf("unmarshal exclude keywords: %w", err)
	}
	if len(r.IncludeKeywords) == 0 {
		r.IncludeKeywords = nil
	}
	if len(r.ExcludeKeywords) == 0 {
		r.ExcludeKeywords = nil
	}
	r.Enabled = enabled == 1
	r.Paused = paused == 1
	if pausedUntil.Valid {
		t, _ := time.Parse(timeLayout, pausedUntil.String)
		r.PausedUntil = &t
	}
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return &r, nil
}

func scanDispatch(row scannable) (*model.DispatchRecord, error) {
	var r model.DispatchRecord
	var status, attempted string
	err := row.Scan(&r.AnnouncementID, &r.DestinationID, &status, &r.Reason, &r.Attempts, &attempted)
	if err != nil {
		return nil, fmt.Errorf("scan dispatch record: %w", err)
	}
	r.Status = model.DispatchStatus(status)
	r.AttemptedAt, _ = time.Parse(timeLayout, attempted)
	return &r, nil
}

// Ensure the Storage interface is satisfied.
var _ Storage = (*SQLite)(nil)
