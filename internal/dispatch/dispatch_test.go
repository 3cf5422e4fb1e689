package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"transit_relay/internal/bridge"
	"transit_relay/internal/describer"
	"transit_relay/internal/model"
	"transit_relay/internal/sink"
	"transit_relay/internal/storage"
)

// recordingSink fails the i-th Send with errs[i]; calls beyond the
// slice succeed.
type recordingSink struct {
	mu   sync.Mutex
	sent []sink.Message
	at   []time.Time
	errs []error
}

func (r *recordingSink) Send(_ context.Context, msg sink.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := len(r.sent)
	r.sent = append(r.sent, msg)
	r.at = append(r.at, time.Now())
	if call < len(r.errs) && r.errs[call] != nil {
		return "", r.errs[call]
	}
	return "ok", nil
}

func (r *recordingSink) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type mapResolver struct {
	sinks map[string]sink.Sink
}

func (m *mapResolver) Resolve(sub model.Subscriber) (sink.Sink, error) {
	s, ok := m.sinks[sub.DestinationID]
	if !ok {
		return nil, errors.New("no sink")
	}
	return s, nil
}

type fixedDescriber struct{ text string }

func (f fixedDescriber) Describe(context.Context, string) (string, error) {
	return f.text, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestDispatcher(t *testing.T, store storage.Storage, resolver Resolver, desc describer.Describer) *Dispatcher {
	t.Helper()
	notifier := bridge.NewNotifier("127.0.0.1", 0, false, testLogger())
	return New(store, resolver, desc, notifier, Options{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		RatePerSecond: 1000,
		RateBurst:     1000,
	}, testLogger())
}

func addSubscriber(t *testing.T, store storage.Storage, dest string, platform model.Platform, includes ...string) {
	t.Helper()
	ctx := context.Background()
	sub := &model.Subscriber{DestinationID: dest, Platform: platform, Enabled: true}
	if err := store.UpsertSubscriber(ctx, sub); err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	for _, kw := range includes {
		if err := store.AddKeyword(ctx, dest, model.KeywordInclude, kw); err != nil {
			t.Fatalf("add keyword: %v", err)
		}
	}
}

func admit(t *testing.T, store storage.Storage, a *model.Announcement) {
	t.Helper()
	fresh, err := store.AdmitAnnouncement(context.Background(), a)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !fresh {
		t.Fatal("announcement not fresh")
	}
}

func TestDispatchFansOutByFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	matching := &recordingSink{}
	other := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": matching, "y": other}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram, "U5")
	addSubscriber(t, store, "y", model.PlatformTelegram, "U2")

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if matching.calls() != 1 {
		t.Errorf("matching subscriber got %d sends, want 1", matching.calls())
	}
	if other.calls() != 0 {
		t.Errorf("non-matching subscriber got %d sends, want 0", other.calls())
	}

	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchSent {
		t.Errorf("Status = %q, want sent", rec.Status)
	}
	if _, err := store.GetDispatch(ctx, a.ID, "y"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no record for filtered-out destination, got %v", err)
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}

	if rs.calls() != 1 {
		t.Errorf("sink called %d times, want 1", rs.calls())
	}
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{errs: []error{errors.New("flaky"), errors.New("still flaky")}}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if rs.calls() != 3 {
		t.Errorf("sink called %d times, want 3", rs.calls())
	}
	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchSent {
		t.Errorf("Status = %q, want sent after retries", rec.Status)
	}
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if rs.calls() != 3 {
		t.Errorf("sink called %d times, want MaxAttempts=3", rs.calls())
	}
	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
}

func TestDispatchAuditsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{errs: []error{errors.New("flaky"), errors.New("still flaky")}}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchSent {
		t.Fatalf("Status = %q, want sent", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Errorf("Attempts = %d, want one per delivery attempt (3)", rec.Attempts)
	}
}

func TestRetryPendingEnforcesAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	// A record whose attempt budget was spent by earlier interrupted
	// chains must settle as failed instead of being attempted again.
	if _, err := store.EnsurePending(ctx, a.ID, "x"); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordDispatchAttempt(ctx, a.ID, "x"); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	if err := d.RetryPending(ctx); err != nil {
		t.Fatalf("retry pending: %v", err)
	}

	if rs.calls() != 0 {
		t.Errorf("sink called %d times past the attempt ceiling, want 0", rs.calls())
	}
	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchFailed || rec.Reason != "attempts exhausted" {
		t.Errorf("record = %+v, want failed with attempts exhausted", rec)
	}
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{errs: []error{sink.Permanent(errors.New("chat not found"))}}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if rs.calls() != 1 {
		t.Errorf("sink called %d times, permanent errors must not retry", rs.calls())
	}
	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
}

func TestDispatchMediaAltText(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, fixedDescriber{text: "A crowded platform"})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{
		SourceID:   1,
		ExternalID: "123",
		Text:       "Crowding at Central",
		MediaRefs:  []string{"https://pics.example.net/a.jpg"},
	}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if diff := cmp.Diff([]string{"A crowded platform"}, rs.sent[0].MediaAlts); diff != "" {
		t.Errorf("MediaAlts mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchFallbackAltText(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{
		SourceID:   1,
		ExternalID: "123",
		Text:       "Crowding at Central",
		MediaRefs:  []string{"https://pics.example.net/a.jpg"},
	}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if diff := cmp.Diff([]string{describer.FallbackAltText}, rs.sent[0].MediaAlts); diff != "" {
		t.Errorf("MediaAlts mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchVideoSkipsDescriber(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, fixedDescriber{text: "A crowded platform"})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{
		SourceID:   1,
		ExternalID: "123",
		Text:       "Crowding at Central",
		MediaRefs:  []string{"https://pics.example.net/a.jpg", "https://pics.example.net/clip.mp4"},
	}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"A crowded platform", describer.FallbackAltText}
	if diff := cmp.Diff(want, rs.sent[0].MediaAlts); diff != "" {
		t.Errorf("MediaAlts mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchPacesDeliveriesPerDestination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	notifier := bridge.NewNotifier("127.0.0.1", 0, false, testLogger())

	// 10 deliveries/second with a burst of 2: after the burst, tokens
	// arrive every 100ms.
	const (
		perSecond = 10
		burst     = 2
		sends     = 6
	)
	d := New(store, resolver, describer.Disabled{}, notifier, Options{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		RatePerSecond: perSecond,
		RateBurst:     burst,
	}, testLogger())

	addSubscriber(t, store, "x", model.PlatformTelegram)

	for i := 0; i < sends; i++ {
		a := &model.Announcement{SourceID: 1, ExternalID: fmt.Sprintf("id-%d", i), Text: "Delay on line U5"}
		admit(t, store, a)
		if err := d.Dispatch(ctx, a); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if rs.calls() != sends {
		t.Fatalf("sink called %d times, want %d", rs.calls(), sends)
	}

	interval := time.Second / perSecond

	// Only the burst may go out before the first token refill.
	early := 0
	for _, at := range rs.at {
		if at.Sub(rs.at[0]) < interval/2 {
			early++
		}
	}
	if early > burst {
		t.Errorf("%d deliveries within %s, burst allows %d", early, interval/2, burst)
	}

	// Sustained demand is paced at the configured rate: the deliveries
	// past the burst take at least one token interval each.
	minSpan := time.Duration(sends-burst) * interval
	if span := rs.at[sends-1].Sub(rs.at[0]); span < minSpan-interval/2 {
		t.Errorf("%d deliveries spanned %s, want at least %s", sends, span, minSpan)
	}
}

func TestDispatchMentionsOnlyToMastodon(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tgSink := &recordingSink{}
	mastoSink := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"chat": tgSink, "acct": mastoSink}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "chat", model.PlatformTelegram)
	addSubscriber(t, store, "acct", model.PlatformMastodon)

	if err := store.CreateTaggingRule(ctx, &model.TaggingRule{
		Account:         "commuters",
		IncludeKeywords: []string{"U5"},
		Enabled:         true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	if err := d.Dispatch(ctx, a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if diff := cmp.Diff([]string{"commuters"}, mastoSink.sent[0].Mentions); diff != "" {
		t.Errorf("mastodon mentions mismatch (-want +got):\n%s", diff)
	}
	if len(tgSink.sent[0].Mentions) != 0 {
		t.Errorf("telegram message carries mentions: %v", tgSink.sent[0].Mentions)
	}
}

func TestRetryPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)

	// A crash between admission and delivery leaves a pending record.
	if _, err := store.EnsurePending(ctx, a.ID, "x"); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}

	if err := d.RetryPending(ctx); err != nil {
		t.Fatalf("retry pending: %v", err)
	}

	if rs.calls() != 1 {
		t.Errorf("sink called %d times, want 1", rs.calls())
	}
	rec, err := store.GetDispatch(ctx, a.ID, "x")
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != model.DispatchSent {
		t.Errorf("Status = %q, want sent", rec.Status)
	}
}

func TestRetryPendingSkipsDisabledSubscribers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rs := &recordingSink{}
	resolver := &mapResolver{sinks: map[string]sink.Sink{"x": rs}}
	d := newTestDispatcher(t, store, resolver, describer.Disabled{})

	addSubscriber(t, store, "x", model.PlatformTelegram)

	a := &model.Announcement{SourceID: 1, ExternalID: "123", Text: "Delay on line U5"}
	admit(t, store, a)
	if _, err := store.EnsurePending(ctx, a.ID, "x"); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	if err := store.SetSubscriberEnabled(ctx, "x", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if err := d.RetryPending(ctx); err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if rs.calls() != 0 {
		t.Errorf("sink called %d times for disabled subscriber, want 0", rs.calls())
	}
}
