// Package dispatch fans one admitted announcement out to every enabled
// subscriber whose filters match, exactly once per (announcement,
// destination) pair.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"transit_relay/internal/bridge"
	"transit_relay/internal/describer"
	"transit_relay/internal/model"
	"transit_relay/internal/normalize"
	"transit_relay/internal/rules"
	"transit_relay/internal/sink"
	"transit_relay/internal/storage"
)

const (
	// Upper bound on how long a delivery waits for a rate token before
	// the record is left pending for the next sweep.
	maxTokenWait = 30 * time.Second

	maxConcurrentDestinations = 8
)

// Resolver maps a subscriber onto its delivery sink. An unresolvable
// destination is a permanent failure.
type Resolver interface {
	Resolve(sub model.Subscriber) (sink.Sink, error)
}

// Options bound retries and pacing.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	RatePerSecond float64
	RateBurst     int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 5
	}
	return o
}

// Dispatcher owns the delivery decision for every subscriber: filter
// evaluation, idempotency, pacing, retries and the terminal status.
type Dispatcher struct {
	store    storage.Storage
	resolver Resolver
	desc     describer.Describer
	notifier *bridge.Notifier
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a dispatcher.
func New(store storage.Storage, resolver Resolver, desc describer.Describer, notifier *bridge.Notifier, opts Options, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		desc:     desc,
		notifier: notifier,
		opts:     opts.withDefaults(),
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch evaluates one announcement against every enabled subscriber
// and delivers where the filters allow. Each destination is attempted
// independently; one failing destination never blocks the others.
func (d *Dispatcher) Dispatch(ctx context.Context, a *model.Announcement) error {
	subs, err := d.store.ListSubscribers(ctx, true)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	taggingRules, err := d.store.ListTaggingRules(ctx)
	if err != nil {
		return fmt.Errorf("list tagging rules: %w", err)
	}
	mentions := rules.EvaluateTags(a, taggingRules, time.Now())
	alts := d.describeMedia(ctx, a.MediaRefs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDestinations)

	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if err := d.dispatchOne(ctx, a, sub, mentions, alts); err != nil {
				d.log.Error("dispatch failed",
					"announcement_id", a.ID,
					"destination", sub.DestinationID,
					"error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a *model.Announcement, sub model.Subscriber, mentions, alts []string) error {
	keywords, err := d.store.ListKeywords(ctx, sub.DestinationID)
	if err != nil {
		return fmt.Errorf("list keywords: %w", err)
	}
	if !rules.Deliver(a, keywords) {
		return nil
	}

	rec, err := d.store.EnsurePending(ctx, a.ID, sub.DestinationID)
	if err != nil {
		return fmt.Errorf("ensure pending: %w", err)
	}
	if rec.Status.Terminal() {
		return nil
	}

	return d.deliver(ctx, a, sub, rec, mentions, alts)
}

// deliver runs the attempt chain for one pending record and settles it.
// A rate-token timeout leaves the record pending; a permanent sink
// error or an exhausted retry budget marks it failed.
func (d *Dispatcher) deliver(ctx context.Context, a *model.Announcement, sub model.Subscriber, rec *model.DispatchRecord, mentions, alts []string) error {
	if rec.Attempts >= d.opts.MaxAttempts {
		return d.settle(ctx, a.ID, sub.DestinationID, model.DispatchFailed, "attempts exhausted")
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxTokenWait)
	err := d.limiter(sub.DestinationID).Wait(waitCtx)
	cancel()
	if err != nil {
		// No token in time; stays pending for the next sweep.
		return nil
	}

	s, err := d.resolver.Resolve(sub)
	if err != nil {
		return d.settle(ctx, a.ID, sub.DestinationID, model.DispatchFailed, err.Error())
	}

	msg := sink.Message{
		Text:      a.Text,
		MediaRefs: a.MediaRefs,
		MediaAlts: alts,
	}
	if sub.Platform == model.PlatformMastodon {
		msg.Mentions = mentions
	}

	// Attempts already on the record (earlier chains that got
	// interrupted) count against the ceiling.
	remaining := d.opts.MaxAttempts - rec.Attempts
	backoff := retry.WithMaxRetries(uint64(remaining-1), retry.NewExponential(d.opts.BaseDelay))
	sendErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.store.RecordDispatchAttempt(ctx, a.ID, sub.DestinationID); err != nil {
			d.log.Warn("record dispatch attempt",
				"announcement_id", a.ID,
				"destination", sub.DestinationID,
				"error", err)
		}
		_, err := s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if sink.IsPermanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})

	if sendErr != nil {
		if ctx.Err() != nil && !sink.IsPermanent(sendErr) {
			// Shutdown mid-chain; the record stays pending.
			return ctx.Err()
		}
		return d.settle(ctx, a.ID, sub.DestinationID, model.DispatchFailed, sendErr.Error())
	}
	return d.settle(ctx, a.ID, sub.DestinationID, model.DispatchSent, "")
}

// settle records the terminal status and announces it on the bridge.
func (d *Dispatcher) settle(ctx context.Context, announcementID int64, destinationID string, status model.DispatchStatus, reason string) error {
	if err := d.store.MarkDispatch(ctx, announcementID, destinationID, status, reason); err != nil {
		return fmt.Errorf("mark dispatch %s: %w", status, err)
	}
	d.log.Info("dispatch settled",
		"announcement_id", announcementID,
		"destination", destinationID,
		"status", status,
		"reason", reason)
	d.notifier.Publish(model.DispatchEvent{
		AnnouncementID: announcementID,
		DestinationID:  destinationID,
		Status:         string(status),
		Timestamp:      time.Now().UTC(),
	})
	return nil
}

// RetryPending re-attempts every record still pending, e.g. after a
// crash between admission and settlement or after rate-token timeouts.
func (d *Dispatcher) RetryPending(ctx context.Context) error {
	pending, err := d.store.ListPendingDispatches(ctx)
	if err != nil {
		return fmt.Errorf("list pending dispatches: %w", err)
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a, err := d.store.GetAnnouncement(ctx, rec.AnnouncementID)
		if err != nil {
			d.log.Error("load announcement for pending dispatch",
				"announcement_id", rec.AnnouncementID, "error", err)
			continue
		}
		sub, err := d.store.GetSubscriber(ctx, rec.DestinationID)
		if err != nil {
			d.log.Error("load subscriber for pending dispatch",
				"destination", rec.DestinationID, "error", err)
			continue
		}
		if !sub.Enabled {
			continue
		}

		taggingRules, err := d.store.ListTaggingRules(ctx)
		if err != nil {
			return fmt.Errorf("list tagging rules: %w", err)
		}
		mentions := rules.EvaluateTags(a, taggingRules, time.Now())
		alts := d.describeMedia(ctx, a.MediaRefs)

		if err := d.deliver(ctx, a, *sub, &rec, mentions, alts); err != nil {
			d.log.Error("retry pending dispatch",
				"announcement_id", rec.AnnouncementID,
				"destination", rec.DestinationID,
				"error", err)
		}
	}
	return nil
}

// describeMedia produces one alt text per media ref, substituting the
// fallback when the describer cannot help. Videos are not sent to the
// describer; it captions still images only. Delivery never waits on a
// broken describer longer than its own timeouts.
func (d *Dispatcher) describeMedia(ctx context.Context, refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	alts := make([]string, len(refs))
	for i, ref := range refs {
		if normalize.IsVideo(ref) {
			alts[i] = describer.FallbackAltText
			continue
		}
		text, err := d.desc.Describe(ctx, ref)
		if err != nil || text == "" {
			alts[i] = describer.FallbackAltText
			continue
		}
		alts[i] = text
	}
	return alts
}

func (d *Dispatcher) limiter(destinationID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[destinationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.opts.RatePerSecond), d.opts.RateBurst)
		d.limiters[destinationID] = lim
	}
	return lim
}
