package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"transit_relay/internal/model"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	sub := &model.Subscriber{
		DestinationID: destination(chatID),
		Platform:      model.PlatformTelegram,
		Enabled:       true,
	}
	if err := b.store.UpsertSubscriber(ctx, sub); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to subscribe: %v", err))
		return
	}
	b.reply(chatID, `Subscribed to transit announcements.

Quick start:
1. /include <word> — only receive announcements containing the word
2. /exclude <word> — drop announcements containing the word
3. /filters — show your current filters

Use /help for the full command reference.`)
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if err := b.store.SetSubscriberEnabled(ctx, destination(chatID), false); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to unsubscribe: %v", err))
		return
	}
	b.reply(chatID, "Unsubscribed. Use /start to resume delivery.")
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Subscription:
/start — subscribe this chat
/stop — stop delivery to this chat

Filters (for this chat):
/include <word> — whitelist word/phrase
/exclude <word> — blacklist word/phrase
/rmfilter <word> — remove a filter
/filters — show all filters

Sources (polled upstreams, admins only):
/addsource <kind> <endpoint> [name] — add a scrape or feed source
/rmsource <id> — delete a source
/sources — list sources
/interval <id> <duration> — set a source's poll cadence, e.g. /interval 1 5m
/pause <id> — stop polling a source
/resume <id> — resume polling

Tagging rules (mention accounts on matching announcements):
/tagadd <account> <word...> — mention account when a word matches
/tagrm <id> — delete a rule
/tags — list rules
/tagpause <id> [duration] — pause a rule, e.g. /tagpause 3 2h
/tagresume <id> — resume a rule
/tagschedule <id> <HH:MM-HH:MM> — restrict a rule to a daily window

Operations:
/status — recent dispatch outcomes
/broadcast <text> — message all subscribers (admins only)`)
}

func (b *Bot) handleAddKeyword(ctx context.Context, chatID int64, args string, kind model.KeywordKind) {
	keyword, err := ParseKeywordArg(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /%s <word>", kind))
		return
	}

	dest := destination(chatID)
	if _, err := b.store.GetSubscriber(ctx, dest); err != nil {
		b.reply(chatID, "Not subscribed. Use /start first.")
		return
	}

	if err := b.store.AddKeyword(ctx, dest, kind, keyword); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter added: %s %q", kind, keyword))
}

func (b *Bot) handleRmFilter(ctx context.Context, chatID int64, args string) {
	keyword, err := ParseKeywordArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmfilter <word>")
		return
	}

	if err := b.store.RemoveKeyword(ctx, destination(chatID), keyword); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter %q removed.", keyword))
}

func (b *Bot) handleFilters(ctx context.Context, chatID int64) {
	keywords, err := b.store.ListKeywords(ctx, destination(chatID))
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatKeywordList(keywords))
}

// requireAdmin gates commands that change shared state for everyone.
func (b *Bot) requireAdmin(userID, chatID int64) bool {
	if b.cfg.IsAdmin(userID) {
		return true
	}
	b.reply(chatID, "Access denied.")
	return false
}

func (b *Bot) handleAddSource(ctx context.Context, userID, chatID int64, args string) {
	if !b.requireAdmin(userID, chatID) {
		return
	}
	src, err := ParseSourceArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	if err := b.store.CreateSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save source: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source S%d added: [%s] %s (every %s)\n%s",
		src.ID, src.Kind, src.Name,
		time.Duration(src.IntervalSeconds)*time.Second, src.Endpoint))
}

func (b *Bot) handleRmSource(ctx context.Context, userID, chatID int64, args string) {
	if !b.requireAdmin(userID, chatID) {
		return
	}
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmsource <id>")
		return
	}

	src, err := b.store.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source S%d not found.", id))
		return
	}

	if err := b.store.DeleteSource(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source S%d (%s) deleted.", id, src.Name))
}

func (b *Bot) handleSources(ctx context.Context, chatID int64) {
	sources, err := b.store.ListSources(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSourceList(sources))
}

func (b *Bot) handleInterval(ctx context.Context, userID, chatID int64, args string) {
	if !b.requireAdmin(userID, chatID) {
		return
	}
	id, dur, err := ParseIntervalArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	src, err := b.store.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source S%d not found.", id))
		return
	}

	src.IntervalSeconds = int(dur / time.Second)
	if err := b.store.UpdateSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source S%d polls every %s.", id, dur))
}

func (b *Bot) handleSetSourceActive(ctx context.Context, userID, chatID int64, args string, active bool) {
	if !b.requireAdmin(userID, chatID) {
		return
	}
	id, err := ParseIDArg(args)
	if err != nil {
		if active {
			b.reply(chatID, "Usage: /resume <id>")
		} else {
			b.reply(chatID, "Usage: /pause <id>")
		}
		return
	}

	src, err := b.store.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source S%d not found.", id))
		return
	}

	src.IsActive = active
	if err := b.store.UpdateSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if active {
		b.reply(chatID, fmt.Sprintf("Source S%d (%s) resumed.", id, src.Name))
	} else {
		b.reply(chatID, fmt.Sprintf("Source S%d (%s) paused.", id, src.Name))
	}
}

func (b *Bot) handleTagAdd(ctx context.Context, chatID int64, args string) {
	account, keywords, err := ParseTagAddArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	// Re-adding an identical rule is a no-op.
	existing, err := b.store.ListTaggingRules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	for _, r := range existing {
		if strings.EqualFold(r.Account, account) && sameKeywords(r.IncludeKeywords, keywords) {
			b.reply(chatID, fmt.Sprintf("Rule T%d already mentions @%s on %v.", r.ID, r.Account, r.IncludeKeywords))
			return
		}
	}

	r := &model.TaggingRule{
		Account:         account,
		IncludeKeywords: keywords,
		Enabled:         true,
	}
	if err := b.store.CreateTaggingRule(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Rule T%d added: mention @%s on %v", r.ID, account, keywords))
}

// sameKeywords reports whether two keyword lists match, ignoring order
// and case, the way the rule engine matches them.
func sameKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, kw := range a {
		seen[strings.ToLower(kw)]++
	}
	for _, kw := range b {
		key := strings.ToLower(kw)
		if seen[key] == 0 {
			return false
		}
		seen[key]--
	}
	return true
}

func (b *Bot) handleTagRm(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /tagrm <id>")
		return
	}

	r, err := b.store.GetTaggingRule(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Rule T%d not found.", id))
		return
	}

	if err := b.store.DeleteTaggingRule(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Rule T%d (@%s) deleted.", id, r.Account))
}

func (b *Bot) handleTags(ctx context.Context, chatID int64) {
	taggingRules, err := b.store.ListTaggingRules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRuleList(taggingRules, time.Now()))
}

func (b *Bot) handleTagPause(ctx context.Context, chatID int64, args string) {
	id, dur, err := ParsePauseArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	r, err := b.store.GetTaggingRule(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Rule T%d not found.", id))
		return
	}

	if dur > 0 {
		until := time.Now().Add(dur).UTC()
		r.Paused = false
		r.PausedUntil = &until
	} else {
		r.Paused = true
		r.PausedUntil = nil
	}
	if err := b.store.UpdateTaggingRule(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	if dur > 0 {
		b.reply(chatID, fmt.Sprintf("Rule T%d (@%s) paused for %s.", id, r.Account, dur))
	} else {
		b.reply(chatID, fmt.Sprintf("Rule T%d (@%s) paused. Use /tagresume %d to resume.", id, r.Account, id))
	}
}

func (b *Bot) handleTagResume(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /tagresume <id>")
		return
	}

	r, err := b.store.GetTaggingRule(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Rule T%d not found.", id))
		return
	}

	r.Paused = false
	r.PausedUntil = nil
	if err := b.store.UpdateTaggingRule(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Rule T%d (@%s) resumed.", id, r.Account))
}

func (b *Bot) handleTagSchedule(ctx context.Context, chatID int64, args string) {
	id, window, err := ParseScheduleArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	r, err := b.store.GetTaggingRule(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Rule T%d not found.", id))
		return
	}

	r.ActiveStart = window.Start
	r.ActiveEnd = window.End
	if err := b.store.UpdateTaggingRule(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Rule T%d (@%s) active %s-%s.", id, r.Account, window.Start, window.End))
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	events, err := b.store.RecentEvents(ctx, 10)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	subs, err := b.store.ListSubscribers(ctx, true)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatStatus(events, len(subs)))
}

func (b *Bot) handleBroadcast(ctx context.Context, userID, chatID int64, args string) {
	if !b.requireAdmin(userID, chatID) {
		return
	}
	if args == "" {
		b.reply(chatID, "Usage: /broadcast <text>")
		return
	}

	subs, err := b.store.ListSubscribers(ctx, true)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	sent := 0
	for _, sub := range subs {
		if sub.Platform != model.PlatformTelegram {
			continue
		}
		target, err := ParseChatID(sub.DestinationID)
		if err != nil {
			continue
		}
		b.SendMessage(target, args)
		sent++
	}
	b.reply(chatID, fmt.Sprintf("Broadcast sent to %d chat(s).", sent))
}
