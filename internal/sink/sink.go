// Package sink defines the destination delivery boundary and one
// implementation per platform.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks delivery failures that must not be retried
// (authorization, validation). Everything else is treated as transient.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is a non-retryable delivery failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Message is one fully resolved delivery: final text, media with their
// alt texts (parallel slices), and accounts to mention where the
// platform supports tagging.
type Message struct {
	Text      string
	MediaRefs []string
	MediaAlts []string
	Mentions  []string
}

// Sink delivers one message to one destination and returns the
// platform's delivery id.
type Sink interface {
	Send(ctx context.Context, msg Message) (string, error)
}
