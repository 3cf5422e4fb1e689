package control

import (
	"fmt"
	"strings"
	"time"

	"transit_relay/internal/model"
)

// FormatKeywordList formats a subscriber's filters grouped by kind.
func FormatKeywordList(keywords []model.FilterKeyword) string {
	if len(keywords) == 0 {
		return "No filters. Every announcement is delivered.\nUse /include and /exclude to add filters."
	}

	var includes, excludes []string
	for _, kw := range keywords {
		switch kw.Kind {
		case model.KeywordInclude:
			includes = append(includes, kw.Keyword)
		case model.KeywordExclude:
			excludes = append(excludes, kw.Keyword)
		}
	}

	var b strings.Builder
	b.WriteString("Your filters:\n")
	if len(includes) > 0 {
		fmt.Fprintf(&b, "\nInclude (any must match):\n")
		for _, kw := range includes {
			fmt.Fprintf(&b, "  %s\n", kw)
		}
	}
	if len(excludes) > 0 {
		fmt.Fprintf(&b, "\nExclude (none may match):\n")
		for _, kw := range excludes {
			fmt.Fprintf(&b, "  %s\n", kw)
		}
	}
	return b.String()
}

// FormatSourceList formats the polled sources with their cadence.
func FormatSourceList(sources []model.Source) string {
	if len(sources) == 0 {
		return "No sources. Use /addsource <kind> <endpoint> [name] to add one."
	}

	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, src := range sources {
		state := "active"
		if !src.IsActive {
			state = "paused"
		}
		fmt.Fprintf(&b, "\nS%d [%s] %s (every %s, %s)\n",
			src.ID, src.Kind, src.Name,
			time.Duration(src.IntervalSeconds)*time.Second, state)
		fmt.Fprintf(&b, "   %s\n", src.Endpoint)
		if src.ActiveStart != "" && src.ActiveEnd != "" {
			fmt.Fprintf(&b, "   polls %s-%s\n", src.ActiveStart, src.ActiveEnd)
		}
		if src.LastPollAt != nil {
			fmt.Fprintf(&b, "   last poll %s\n", src.LastPollAt.Format("01-02 15:04"))
		}
	}
	return b.String()
}

// FormatRuleList formats the tagging rules with their current state.
func FormatRuleList(taggingRules []model.TaggingRule, now time.Time) string {
	if len(taggingRules) == 0 {
		return "No tagging rules. Use /tagadd <account> <keyword...> to add one."
	}

	var b strings.Builder
	b.WriteString("Tagging rules:\n")
	for _, r := range taggingRules {
		fmt.Fprintf(&b, "\nT%d @%s [%s]\n", r.ID, r.Account, ruleState(r, now))
		if len(r.IncludeKeywords) > 0 {
			fmt.Fprintf(&b, "   include: %s\n", strings.Join(r.IncludeKeywords, ", "))
		}
		if len(r.ExcludeKeywords) > 0 {
			fmt.Fprintf(&b, "   exclude: %s\n", strings.Join(r.ExcludeKeywords, ", "))
		}
		if r.ActiveStart != "" && r.ActiveEnd != "" {
			fmt.Fprintf(&b, "   active %s-%s\n", r.ActiveStart, r.ActiveEnd)
		}
	}
	return b.String()
}

func ruleState(r model.TaggingRule, now time.Time) string {
	switch {
	case !r.Enabled:
		return "disabled"
	case r.Paused:
		return "paused"
	case r.PausedUntil != nil && now.Before(*r.PausedUntil):
		return fmt.Sprintf("paused until %s", r.PausedUntil.Format("2006-01-02 15:04 UTC"))
	default:
		return "active"
	}
}

// FormatStatus formats recent dispatch outcomes and the subscriber count.
func FormatStatus(events []model.DispatchEvent, subscribers int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Enabled subscribers: %d\n", subscribers)

	if len(events) == 0 {
		b.WriteString("\nNo recent dispatches.")
		return b.String()
	}

	b.WriteString("\nRecent dispatches:\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "  %s  #%d -> %s: %s\n",
			ev.Timestamp.Format("01-02 15:04"),
			ev.AnnouncementID, ev.DestinationID, ev.Status)
	}
	return b.String()
}
