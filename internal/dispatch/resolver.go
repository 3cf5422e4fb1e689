package dispatch

import (
	"fmt"
	"strconv"

	"transit_relay/internal/model"
	"transit_relay/internal/sink"
)

// SinkResolver maps destinations onto sinks: telegram destinations are
// chat ids served by one shared bot client, mastodon destinations are
// named accounts with their own credentials.
type SinkResolver struct {
	telegram sink.TelegramAPI
	mastodon map[string]sink.Sink
}

// NewSinkResolver creates a resolver over the shared telegram client
// and the configured mastodon accounts, keyed by account name.
func NewSinkResolver(telegram sink.TelegramAPI, mastodon map[string]sink.Sink) *SinkResolver {
	if mastodon == nil {
		mastodon = make(map[string]sink.Sink)
	}
	return &SinkResolver{telegram: telegram, mastodon: mastodon}
}

// Resolve returns the sink for a subscriber. Unknown platforms,
// unparseable chat ids and unconfigured accounts are permanent errors.
func (r *SinkResolver) Resolve(sub model.Subscriber) (sink.Sink, error) {
	switch sub.Platform {
	case model.PlatformTelegram:
		chatID, err := strconv.ParseInt(sub.DestinationID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", sub.DestinationID, err)
		}
		return sink.NewTelegram(r.telegram, chatID), nil
	case model.PlatformMastodon:
		s, ok := r.mastodon[sub.DestinationID]
		if !ok {
			return nil, fmt.Errorf("no credentials for mastodon account %q", sub.DestinationID)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", sub.Platform)
	}
}

var _ Resolver = (*SinkResolver)(nil)
