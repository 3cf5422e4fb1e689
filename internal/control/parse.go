package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"transit_relay/internal/model"
	"transit_relay/internal/rules"
)

const (
	defaultPollSeconds = 300
	minPollInterval    = 30 * time.Second
)

// ParseKeywordArg extracts a keyword or phrase from command arguments.
func ParseKeywordArg(args string) (string, error) {
	kw := strings.TrimSpace(args)
	if kw == "" {
		return "", fmt.Errorf("keyword is required")
	}
	return kw, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("rule ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rule ID %q", s)
	}
	return id, nil
}

// ParseChatID parses a telegram destination id.
func ParseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID %q", s)
	}
	return id, nil
}

// ParseSourceArgs extracts a new source from command arguments.
// Format: <kind> <endpoint> [name] — scrape sources need the account
// name whose timeline the endpoint renders.
func ParseSourceArgs(args string) (*model.Source, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return nil, fmt.Errorf("usage: /addsource <kind> <endpoint> [name]")
	}

	kind := model.SourceKind(strings.ToLower(parts[0]))
	switch kind {
	case model.SourceScrape:
		if len(parts) < 3 {
			return nil, fmt.Errorf("scrape sources need an account: /addsource scrape <endpoint> <account>")
		}
	case model.SourceFeed:
	default:
		return nil, fmt.Errorf("unknown source kind %q, use scrape or feed", parts[0])
	}

	src := &model.Source{
		Kind:            kind,
		Endpoint:        parts[1],
		IntervalSeconds: defaultPollSeconds,
		IsActive:        true,
	}
	if len(parts) >= 3 {
		src.Name = strings.TrimPrefix(parts[2], "@")
	} else {
		src.Name = src.Endpoint
	}
	return src, nil
}

// ParseIntervalArgs extracts a source ID and a polling interval.
func ParseIntervalArgs(args string) (int64, time.Duration, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("usage: /interval <id> <duration>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid source ID %q", parts[0])
	}
	dur, err := time.ParseDuration(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid interval %q, e.g. 5m, 1h", parts[1])
	}
	if dur < minPollInterval {
		return 0, 0, fmt.Errorf("interval must be at least %s", minPollInterval)
	}
	return id, dur, nil
}

// ParseTagAddArgs extracts the account and at least one keyword.
// Format: <account> <keyword...> — each further word is one keyword.
func ParseTagAddArgs(args string) (string, []string, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return "", nil, fmt.Errorf("usage: /tagadd <account> <keyword...>")
	}
	account := strings.TrimPrefix(parts[0], "@")
	if account == "" {
		return "", nil, fmt.Errorf("account cannot be empty")
	}
	return account, parts[1:], nil
}

// ParsePauseArgs extracts a rule ID and an optional pause duration.
// Without a duration the pause is indefinite.
func ParsePauseArgs(args string) (int64, time.Duration, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return 0, 0, fmt.Errorf("usage: /tagpause <id> [duration]")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rule ID %q", parts[0])
	}
	if len(parts) == 1 {
		return id, 0, nil
	}
	dur, err := time.ParseDuration(parts[1])
	if err != nil || dur <= 0 {
		return 0, 0, fmt.Errorf("invalid duration %q, e.g. 30m, 2h", parts[1])
	}
	return id, dur, nil
}

// ParseScheduleArgs extracts a rule ID and a daily activity window.
func ParseScheduleArgs(args string) (int64, rules.Window, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, rules.Window{}, fmt.Errorf("usage: /tagschedule <id> <HH:MM-HH:MM>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, rules.Window{}, fmt.Errorf("invalid rule ID %q", parts[0])
	}
	window, err := rules.ParseWindow(parts[1])
	if err != nil {
		return 0, rules.Window{}, err
	}
	return id, window, nil
}
