// Package model defines the domain types used across the application.
package model

import "time"

// SourceKind identifies which adapter polls a source.
type SourceKind string

// Supported source kinds.
const (
	// SourceScrape consumes the rendered RSS endpoint of a scraped
	// social timeline (one account per source).
	SourceScrape SourceKind = "scrape"
	// SourceFeed consumes a plain syndication feed URL.
	SourceFeed SourceKind = "feed"
)

// Source is one independently polled upstream origin of announcements.
type Source struct {
	ID              int64
	Kind            SourceKind
	Name            string
	Endpoint        string
	IntervalSeconds int
	ActiveStart     string // "HH:MM", empty means no window
	ActiveEnd       string
	IsActive        bool
	Cursor          string
	LastPollAt      *time.Time
	CreatedAt       time.Time
}

// RawItem is one item yielded by a source poll. It is never persisted;
// the normalizer turns it into an Announcement.
type RawItem struct {
	SourceID    int64
	ExternalID  string
	Title       string
	Content     string // HTML fragment as delivered by the feed
	Link        string
	Author      string
	PublishedAt time.Time
}

// Announcement is the canonical, deduplicated unit of content.
// (SourceID, ExternalID) is globally unique.
type Announcement struct {
	ID         int64
	SourceID   int64
	ExternalID string
	Text       string
	Permalink  string
	MediaRefs  []string
	CreatedAt  time.Time
}

// Platform identifies the sink implementation for a destination.
type Platform string

// Supported delivery platforms.
const (
	PlatformTelegram Platform = "telegram"
	PlatformMastodon Platform = "mastodon"
)

// Subscriber is a destination together with its filter configuration.
type Subscriber struct {
	DestinationID string
	Platform      Platform
	Enabled       bool
	CreatedAt     time.Time
}

// KeywordKind defines whether a filter keyword whitelists or blacklists.
type KeywordKind string

// Supported keyword kinds.
const (
	KeywordInclude KeywordKind = "include"
	KeywordExclude KeywordKind = "exclude"
)

// FilterKeyword is a single keyword rule attached to a subscriber.
// Include keywords use OR logic, exclude keywords use AND-not logic,
// matching is case-insensitive substring.
type FilterKeyword struct {
	DestinationID string
	Kind          KeywordKind
	Keyword       string
	CreatedAt     time.Time
}

// TaggingRule mentions an account when an announcement matches its
// keywords. Rules can be paused indefinitely or until a deadline, and
// can carry a daily active window.
type TaggingRule struct {
	ID              int64
	Account         string
	IncludeKeywords []string
	ExcludeKeywords []string
	ActiveStart     string // "HH:MM", empty means always
	ActiveEnd       string
	Enabled         bool
	Paused          bool
	PausedUntil     *time.Time
	CreatedAt       time.Time
}

// DispatchStatus is the state of one delivery attempt chain.
type DispatchStatus string

// Dispatch record states. Pending records may be retried; sent and
// failed are terminal.
const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchSent || s == DispatchFailed
}

// DispatchRecord is the idempotency guard and audit row for one
// (announcement, destination) pair. At most one row exists per pair.
type DispatchRecord struct {
	AnnouncementID int64
	DestinationID  string
	Status         DispatchStatus
	Reason         string
	Attempts       int
	AttemptedAt    time.Time
}

// QuotaEntry is arbitrary external-service bookkeeping with bounded
// staleness, keyed by resource.
type QuotaEntry struct {
	ResourceKey string
	Value       string
	RefreshedAt time.Time
}

// DispatchEvent is the payload carried over the event bridge after a
// dispatch reaches a terminal state.
type DispatchEvent struct {
	AnnouncementID int64     `json:"announcement_id"`
	DestinationID  string    `json:"destination_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}
