// Package rules implements the announcement matching engine.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"transit_relay/internal/model"
)

// Window is a daily wall-clock activity window. End at or before Start
// means the window spans midnight (e.g. 22:00-05:00). The zero value
// is always open.
type Window struct {
	Start string // "HH:MM"
	End   string
}

// ParseWindow validates a "HH:MM-HH:MM" window string.
func ParseWindow(spec string) (Window, error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid window %q, expected HH:MM-HH:MM", spec)
	}
	start := strings.TrimSpace(parts[0])
	end := strings.TrimSpace(parts[1])
	if _, err := parseClock(start); err != nil {
		return Window{}, err
	}
	if _, err := parseClock(end); err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end}, nil
}

// Contains reports whether the instant's local wall-clock time falls
// inside the window. Open (zero-value) windows contain everything;
// malformed bounds fail open so a bad edit never silences a rule.
func (w Window) Contains(now time.Time) bool {
	if w.Start == "" || w.End == "" {
		return true
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(w.End)
	if err != nil {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if end <= start {
		// Spans midnight.
		return minute >= start || minute <= end
	}
	return minute >= start && minute <= end
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// Deliver decides whether an announcement goes to a subscriber with the
// given keyword lists. An empty include list passes everything;
// otherwise at least one include keyword must match. Any exclude match
// blocks delivery. Matching is case-insensitive substring.
func Deliver(a *model.Announcement, keywords []model.FilterKeyword) bool {
	text := strings.ToLower(a.Text)

	hasIncludes := false
	anyIncludeMatched := false

	for _, kw := range keywords {
		switch kw.Kind {
		case model.KeywordInclude:
			hasIncludes = true
			if strings.Contains(text, strings.ToLower(kw.Keyword)) {
				anyIncludeMatched = true
			}
		case model.KeywordExclude:
			if strings.Contains(text, strings.ToLower(kw.Keyword)) {
				return false
			}
		}
	}

	if hasIncludes && !anyIncludeMatched {
		return false
	}
	return true
}

// EvaluateTags returns the accounts to mention for an announcement,
// de-duplicated in first-match order. Disabled rules, paused rules and
// rules outside their active window at the evaluation instant are
// skipped. The result is a pure function of the rule snapshot, the
// announcement and the instant.
func EvaluateTags(a *model.Announcement, taggingRules []model.TaggingRule, now time.Time) []string {
	text := strings.ToLower(a.Text)

	var accounts []string
	seen := make(map[string]bool)

	for _, r := range taggingRules {
		if !r.Enabled || rulePaused(r, now) {
			continue
		}
		if !(Window{Start: r.ActiveStart, End: r.ActiveEnd}).Contains(now) {
			continue
		}
		if !keywordsAllow(text, r.IncludeKeywords, r.ExcludeKeywords) {
			continue
		}
		acct := strings.TrimPrefix(r.Account, "@")
		if acct == "" || seen[acct] {
			continue
		}
		seen[acct] = true
		accounts = append(accounts, acct)
	}
	return accounts
}

func rulePaused(r model.TaggingRule, now time.Time) bool {
	if r.Paused {
		return true
	}
	return r.PausedUntil != nil && now.Before(*r.PausedUntil)
}

func keywordsAllow(text string, includes, excludes []string) bool {
	for _, kw := range excludes {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, kw := range includes {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
