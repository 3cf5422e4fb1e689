// Package pipeline drives the poll cycle: due sources are polled,
// their items normalized and admitted, and admitted announcements
// handed to the dispatcher. The cursor only advances after a source's
// full cycle succeeded, so a crash re-observes rather than skips.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"transit_relay/internal/dispatch"
	"transit_relay/internal/model"
	"transit_relay/internal/normalize"
	"transit_relay/internal/rules"
	"transit_relay/internal/source"
	"transit_relay/internal/storage"
)

const (
	maxConcurrentSources = 4
	sweepInterval        = 5 * time.Minute
	pruneInterval        = time.Hour
)

// Options tune the scheduler cadence and retention.
type Options struct {
	Tick                  time.Duration
	RetentionDays         int
	EventLogRetentionDays int
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 30 * time.Second
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 90
	}
	if o.EventLogRetentionDays <= 0 {
		o.EventLogRetentionDays = 7
	}
	return o
}

// Pipeline polls sources on their individual cadences and feeds the
// dispatcher.
type Pipeline struct {
	store      storage.Storage
	client     source.HTTPClient
	dispatcher *dispatch.Dispatcher
	opts       Options
	log        *slog.Logger
}

// New creates a pipeline. A nil client falls back to the default one.
func New(store storage.Storage, client source.HTTPClient, dispatcher *dispatch.Dispatcher, opts Options, log *slog.Logger) *Pipeline {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		log:        log,
	}
}

// Run blocks until ctx is cancelled. Pending dispatches left over from
// a previous run are swept first so nothing waits for new content.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.dispatcher.RetryPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Error("initial pending sweep", "error", err)
	}

	tick := time.NewTicker(p.opts.Tick)
	defer tick.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	p.log.Info("pipeline started", "tick", p.opts.Tick)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped")
			return nil
		case <-tick.C:
			if err := p.pollDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("poll cycle", "error", err)
			}
		case <-sweep.C:
			if err := p.dispatcher.RetryPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("pending sweep", "error", err)
			}
		case <-prune.C:
			p.pruneAll(ctx)
		}
	}
}

// pollDue polls every source whose interval elapsed. Sources fail
// independently.
func (p *Pipeline) pollDue(ctx context.Context) error {
	due, err := p.store.ListDueSources(ctx)
	if err != nil {
		return fmt.Errorf("list due sources: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSources)

	for _, src := range due {
		src := src
		g.Go(func() error {
			if err := p.pollSource(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("poll source", "source", src.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// pollSource runs one source's full cycle. A poll error stamps the
// cadence and keeps the cursor so the next cycle re-observes; the
// cursor advances only after every yielded item went through
// admission and dispatch.
func (p *Pipeline) pollSource(ctx context.Context, src model.Source) error {
	window := rules.Window{Start: src.ActiveStart, End: src.ActiveEnd}
	if !window.Contains(time.Now()) {
		return nil
	}

	adapter, err := source.ForKind(src.Kind, p.client)
	if err != nil {
		return err
	}

	items, next, err := adapter.Poll(ctx, src)
	if err != nil {
		if touchErr := p.store.TouchSource(ctx, src.ID); touchErr != nil {
			p.log.Error("touch source", "source", src.Name, "error", touchErr)
		}
		return err
	}

	admitted := 0
	for _, raw := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a, err := normalize.Item(raw, src.Kind)
		if err != nil {
			p.log.Debug("drop malformed item", "source", src.Name, "error", err)
			continue
		}
		fresh, err := p.store.AdmitAnnouncement(ctx, a)
		if err != nil {
			return fmt.Errorf("admit announcement: %w", err)
		}
		if !fresh {
			continue
		}
		admitted++
		if err := p.dispatcher.Dispatch(ctx, a); err != nil {
			return fmt.Errorf("dispatch announcement %d: %w", a.ID, err)
		}
	}

	if err := p.store.AdvanceCursor(ctx, src.ID, next); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if admitted > 0 {
		p.log.Info("poll cycle complete", "source", src.Name, "items", len(items), "admitted", admitted)
	}
	return nil
}

func (p *Pipeline) pruneAll(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := p.store.PruneAnnouncements(ctx, now.AddDate(0, 0, -p.opts.RetentionDays)); err != nil {
		p.log.Error("prune announcements", "error", err)
	} else if n > 0 {
		p.log.Info("pruned announcements", "count", n)
	}

	if n, err := p.store.PruneDispatchRecords(ctx, now.AddDate(0, 0, -p.opts.RetentionDays)); err != nil {
		p.log.Error("prune dispatch records", "error", err)
	} else if n > 0 {
		p.log.Info("pruned dispatch records", "count", n)
	}

	if n, err := p.store.PruneEvents(ctx, now.AddDate(0, 0, -p.opts.EventLogRetentionDays)); err != nil {
		p.log.Error("prune events", "error", err)
	} else if n > 0 {
		p.log.Info("pruned events", "count", n)
	}
}
