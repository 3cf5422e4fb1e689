package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"transit_relay/internal/model"
)

var ignoreSourceTS = cmpopts.IgnoreFields(model.Source{}, "CreatedAt", "LastPollAt")
var ignoreSubscriberTS = cmpopts.IgnoreFields(model.Subscriber{}, "CreatedAt")
var ignoreRuleTS = cmpopts.IgnoreFields(model.TaggingRule{}, "CreatedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSourceCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		name string
		src  model.Source
	}{
		{
			name: "scrape source with active window",
			src: model.Source{
				Kind:            model.SourceScrape,
				Name:            "citytransit",
				Endpoint:        "https://scraper.example.net",
				IntervalSeconds: 300,
				ActiveStart:     "06:00",
				ActiveEnd:       "22:00",
				IsActive:        true,
			},
		},
		{
			name: "inactive feed source",
			src: model.Source{
				Kind:            model.SourceFeed,
				Name:            "operator-news",
				Endpoint:        "https://transit.example.org/rss",
				IntervalSeconds: 900,
				IsActive:        false,
				Cursor:          "guid-41",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.src
			if err := s.CreateSource(ctx, &src); err != nil {
				t.Fatalf("create: %v", err)
			}
			if src.ID == 0 {
				t.Fatal("expected non-zero ID")
			}

			got, err := s.GetSource(ctx, src.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			want := tt.src
			want.ID = src.ID
			if diff := cmp.Diff(want, *got, ignoreSourceTS); diff != "" {
				t.Errorf("GetSource mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpdateSourceKeepsCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	src := model.Source{Kind: model.SourceFeed, Name: "n", Endpoint: "https://e", IntervalSeconds: 60, IsActive: true}
	if err := s.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AdvanceCursor(ctx, src.ID, "cursor-7"); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}

	src.Name = "renamed"
	src.Cursor = "should-be-ignored"
	if err := s.UpdateSource(ctx, &src); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSource(ctx, src.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", got.Name)
	}
	if got.Cursor != "cursor-7" {
		t.Errorf("Cursor = %q, want cursor-7", got.Cursor)
	}
	if got.LastPollAt == nil {
		t.Error("expected LastPollAt after AdvanceCursor")
	}
}

func TestListDueSources(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	never := model.Source{Kind: model.SourceFeed, Name: "never-polled", Endpoint: "https://a", IntervalSeconds: 60, IsActive: true}
	fresh := model.Source{Kind: model.SourceFeed, Name: "just-polled", Endpoint: "https://b", IntervalSeconds: 3600, IsActive: true}
	inactive := model.Source{Kind: model.SourceFeed, Name: "inactive", Endpoint: "https://c", IntervalSeconds: 60, IsActive: false}
	for _, src := range []*model.Source{&never, &fresh, &inactive} {
		if err := s.CreateSource(ctx, src); err != nil {
			t.Fatalf("create %s: %v", src.Name, err)
		}
	}
	if err := s.TouchSource(ctx, fresh.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	due, err := s.ListDueSources(ctx)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != never.ID {
		t.Fatalf("expected only %q due, got %d sources", never.Name, len(due))
	}
}

func TestAdmitAnnouncementDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	a := model.Announcement{
		SourceID:   1,
		ExternalID: "100000000000000003",
		Text:       "Delay on line U5",
		Permalink:  "https://x.com/citytransit/status/100000000000000003",
		MediaRefs:  []string{"https://pics.example.net/a.jpg"},
	}

	fresh, err := s.AdmitAnnouncement(ctx, &a)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !fresh {
		t.Fatal("first admission should be fresh")
	}
	if a.ID == 0 {
		t.Fatal("expected non-zero ID")
	}

	dup := model.Announcement{SourceID: 1, ExternalID: "100000000000000003", Text: "Delay on line U5 (edited)"}
	fresh, err = s.AdmitAnnouncement(ctx, &dup)
	if err != nil {
		t.Fatalf("admit duplicate: %v", err)
	}
	if fresh {
		t.Fatal("duplicate admission should not be fresh")
	}

	other := model.Announcement{SourceID: 2, ExternalID: "100000000000000003", Text: "Same id, other source"}
	fresh, err = s.AdmitAnnouncement(ctx, &other)
	if err != nil {
		t.Fatalf("admit other source: %v", err)
	}
	if !fresh {
		t.Fatal("same external id under another source should be fresh")
	}

	got, err := s.GetAnnouncement(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "Delay on line U5" {
		t.Errorf("Text = %q, duplicate must not overwrite", got.Text)
	}
	if diff := cmp.Diff(a.MediaRefs, got.MediaRefs); diff != "" {
		t.Errorf("MediaRefs mismatch (-want +got):\n%s", diff)
	}
}

func TestAdmitAnnouncementConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([]bool, goroutines)

	for i := 0; i < goroutines; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := model.Announcement{SourceID: 1, ExternalID: "race", Text: "racing item"}
			fresh, err := s.AdmitAnnouncement(ctx, &a)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			results[i] = fresh
		}()
	}
	wg.Wait()

	winners := 0
	for _, fresh := range results {
		if fresh {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	sub := model.Subscriber{DestinationID: "12345", Platform: model.PlatformTelegram, Enabled: true}
	if err := s.UpsertSubscriber(ctx, &sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Subscribing twice is a no-op.
	if err := s.UpsertSubscriber(ctx, &sub); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := s.GetSubscriber(ctx, "12345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(sub, *got, ignoreSubscriberTS); diff != "" {
		t.Errorf("GetSubscriber mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetSubscriberEnabled(ctx, "12345", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, err := s.ListSubscribers(ctx, true)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("expected no enabled subscribers, got %d", len(enabled))
	}
	all, err := s.ListSubscribers(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 subscriber, got %d", len(all))
	}

	// Re-subscribing re-enables.
	if err := s.UpsertSubscriber(ctx, &model.Subscriber{DestinationID: "12345", Platform: model.PlatformTelegram, Enabled: true}); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	got, err = s.GetSubscriber(ctx, "12345")
	if err != nil {
		t.Fatalf("get after re-subscribe: %v", err)
	}
	if !got.Enabled {
		t.Error("expected subscriber re-enabled")
	}
}

func TestKeywords(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	dest := "12345"
	if err := s.AddKeyword(ctx, dest, model.KeywordInclude, "U5"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Adding the same keyword again is a no-op.
	if err := s.AddKeyword(ctx, dest, model.KeywordInclude, "U5"); err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if err := s.AddKeyword(ctx, dest, model.KeywordExclude, "elevator"); err != nil {
		t.Fatalf("add exclude: %v", err)
	}

	kws, err := s.ListKeywords(ctx, dest)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d", len(kws))
	}

	if err := s.RemoveKeyword(ctx, dest, "U5"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	kws, err = s.ListKeywords(ctx, dest)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(kws) != 1 || kws[0].Keyword != "elevator" {
		t.Fatalf("expected only exclude keyword left, got %+v", kws)
	}
}

func TestTaggingRuleCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	until := time.Date(2025, 8, 29, 10, 0, 0, 0, time.UTC)
	r := model.TaggingRule{
		Account:         "commuters",
		IncludeKeywords: []string{"U5", "N12"},
		ExcludeKeywords: []string{"test"},
		ActiveStart:     "06:00",
		ActiveEnd:       "22:00",
		Enabled:         true,
		PausedUntil:     &until,
	}
	if err := s.CreateTaggingRule(ctx, &r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.ID == 0 {
		t.Fatal("expected non-zero ID")
	}

	got, err := s.GetTaggingRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(r, *got, ignoreRuleTS); diff != "" {
		t.Errorf("GetTaggingRule mismatch (-want +got):\n%s", diff)
	}

	got.Paused = true
	got.PausedUntil = nil
	got.IncludeKeywords = nil
	if err := s.UpdateTaggingRule(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, err := s.GetTaggingRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if !got2.Paused || got2.PausedUntil != nil {
		t.Errorf("pause state not persisted: %+v", got2)
	}
	if got2.IncludeKeywords != nil {
		t.Errorf("IncludeKeywords = %v, want nil", got2.IncludeKeywords)
	}

	if err := s.DeleteTaggingRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTaggingRule(ctx, r.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDispatchIdempotence(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	rec, err := s.EnsurePending(ctx, 1, "12345")
	if err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	if rec.Status != model.DispatchPending || rec.Attempts != 0 {
		t.Fatalf("unexpected fresh record: %+v", rec)
	}

	if err := s.RecordDispatchAttempt(ctx, 1, "12345"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := s.MarkDispatch(ctx, 1, "12345", model.DispatchSent, ""); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	// A second EnsurePending must return the terminal record untouched.
	rec, err = s.EnsurePending(ctx, 1, "12345")
	if err != nil {
		t.Fatalf("ensure pending again: %v", err)
	}
	if rec.Status != model.DispatchSent || rec.Attempts != 1 {
		t.Fatalf("terminal record changed: %+v", rec)
	}

	// Terminal records never regress.
	if err := s.MarkDispatch(ctx, 1, "12345", model.DispatchFailed, "late failure"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	rec, err = s.GetDispatch(ctx, 1, "12345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != model.DispatchSent {
		t.Errorf("Status = %q, terminal state must not regress", rec.Status)
	}
}

func TestRecordDispatchAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.EnsurePending(ctx, 1, "12345"); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}

	// Every delivery attempt bumps the counter while the record is
	// pending, even across separate attempt chains.
	for i := 1; i <= 3; i++ {
		if err := s.RecordDispatchAttempt(ctx, 1, "12345"); err != nil {
			t.Fatalf("record attempt %d: %v", i, err)
		}
		rec, err := s.GetDispatch(ctx, 1, "12345")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Attempts != i {
			t.Fatalf("Attempts = %d after %d attempts", rec.Attempts, i)
		}
	}

	if err := s.MarkDispatch(ctx, 1, "12345", model.DispatchFailed, "down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Terminal records keep their count.
	if err := s.RecordDispatchAttempt(ctx, 1, "12345"); err != nil {
		t.Fatalf("record attempt on terminal record: %v", err)
	}
	rec, err := s.GetDispatch(ctx, 1, "12345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Attempts != 3 {
		t.Errorf("Attempts = %d, terminal records must keep their count", rec.Attempts)
	}
}

func TestListPendingDispatches(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.EnsurePending(ctx, 1, "a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.EnsurePending(ctx, 2, "b"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.MarkDispatch(ctx, 2, "b", model.DispatchFailed, "gone"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	pending, err := s.ListPendingDispatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].AnnouncementID != 1 {
		t.Fatalf("expected one pending record for announcement 1, got %+v", pending)
	}
}

func TestQuotaCache(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.GetQuota(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entry := model.QuotaEntry{ResourceKey: "describer:model:x", Value: `{"status":"quota_exceeded"}`}
	if err := s.PutQuota(ctx, &entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetQuota(ctx, "describer:model:x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != entry.Value {
		t.Errorf("Value = %q, want %q", got.Value, entry.Value)
	}
	if got.RefreshedAt.IsZero() {
		t.Error("expected RefreshedAt to be stamped")
	}

	// Replacing is allowed.
	entry.Value = `{"status":"ok"}`
	if err := s.PutQuota(ctx, &entry); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err = s.GetQuota(ctx, "describer:model:x")
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if got.Value != `{"status":"ok"}` {
		t.Errorf("Value = %q after replace", got.Value)
	}
}

func TestEventLog(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	base := time.Date(2025, 8, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := model.DispatchEvent{
			AnnouncementID: int64(i + 1),
			DestinationID:  "12345",
			Status:         "sent",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].AnnouncementID != 3 {
		t.Errorf("expected newest event first, got announcement %d", events[0].AnnouncementID)
	}

	n, err := s.PruneEvents(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d events, want 1", n)
	}
}
