// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"transit_relay/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	ListDueSources(ctx context.Context) ([]model.Source, error)
	UpdateSource(ctx context.Context, src *model.Source) error
	DeleteSource(ctx context.Context, id int64) error
	AdvanceCursor(ctx context.Context, id int64, cursor string) error
	TouchSource(ctx context.Context, id int64) error

	AdmitAnnouncement(ctx context.Context, a *model.Announcement) (bool, error)
	GetAnnouncement(ctx context.Context, id int64) (*model.Announcement, error)
	PruneAnnouncements(ctx context.Context, before time.Time) (int64, error)

	UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error
	SetSubscriberEnabled(ctx context.Context, destinationID string, enabled bool) error
	GetSubscriber(ctx context.Context, destinationID string) (*model.Subscriber, error)
	ListSubscribers(ctx context.Context, onlyEnabled bool) ([]model.Subscriber, error)

	AddKeyword(ctx context.Context, destinationID string, kind model.KeywordKind, keyword string) error
	RemoveKeyword(ctx context.Context, destinationID, keyword string) error
	ListKeywords(ctx context.Context, destinationID string) ([]model.FilterKeyword, error)

	CreateTaggingRule(ctx context.Context, r *model.TaggingRule) error
	GetTaggingRule(ctx context.Context, id int64) (*model.TaggingRule, error)
	ListTaggingRules(ctx context.Context) ([]model.TaggingRule, error)
	UpdateTaggingRule(ctx context.Context, r *model.TaggingRule) error
	DeleteTaggingRule(ctx context.Context, id int64) error

	EnsurePending(ctx context.Context, announcementID int64, destinationID string) (*model.DispatchRecord, error)
	RecordDispatchAttempt(ctx context.Context, announcementID int64, destinationID string) error
	GetDispatch(ctx context.Context, announcementID int64, destinationID string) (*model.DispatchRecord, error)
	MarkDispatch(ctx context.Context, announcementID int64, destinationID string, status model.DispatchStatus, reason string) error
	ListPendingDispatches(ctx context.Context) ([]model.DispatchRecord, error)
	PruneDispatchRecords(ctx context.Context, before time.Time) (int64, error)

	GetQuota(ctx context.Context, resourceKey string) (*model.QuotaEntry, error)
	PutQuota(ctx context.Context, entry *model.QuotaEntry) error

	AppendEvent(ctx context.Context, ev model.DispatchEvent) error
	RecentEvents(ctx context.Context, limit int) ([]model.DispatchEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
