package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/mattn/go-mastodon"
)

const (
	mastodonMaxLen   = 500
	mastodonMaxMedia = 4
)

var httpStatusRe = regexp.MustCompile(`\b(4\d\d)\b`)

// MastodonAPI is the subset of the client used for delivery.
type MastodonAPI interface {
	PostStatus(ctx context.Context, toot *mastodon.Toot) (*mastodon.Status, error)
	UploadMediaFromMedia(ctx context.Context, media *mastodon.Media) (*mastodon.Attachment, error)
}

// Mastodon delivers announcements to one federated account as unlisted
// statuses. Mentions from tagging rules are appended to the status
// text; media is re-uploaded with its alt text.
type Mastodon struct {
	api    MastodonAPI
	client *http.Client
}

// NewMastodon creates a sink for one account.
func NewMastodon(api MastodonAPI, client *http.Client) *Mastodon {
	if client == nil {
		client = http.DefaultClient
	}
	return &Mastodon{api: api, client: client}
}

// NewMastodonClient builds the underlying API client from credentials.
func NewMastodonClient(server, accessToken string) *mastodon.Client {
	return mastodon.NewClient(&mastodon.Config{
		Server:      server,
		AccessToken: accessToken,
	})
}

// Send uploads the media with alt texts, then posts the status. A media
// upload failure never blocks the text: the attachment is skipped.
func (m *Mastodon) Send(ctx context.Context, msg Message) (string, error) {
	text := msg.Text
	if len(msg.Mentions) > 0 {
		var b strings.Builder
		b.WriteString(text)
		b.WriteString("\n\n")
		for i, acct := range msg.Mentions {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString("@" + acct)
		}
		text = b.String()
	}
	text = truncateRunes(text, mastodonMaxLen)

	var mediaIDs []mastodon.ID
	for i, ref := range msg.MediaRefs {
		if len(mediaIDs) >= mastodonMaxMedia {
			break
		}
		alt := ""
		if i < len(msg.MediaAlts) {
			alt = msg.MediaAlts[i]
		}
		id, err := m.uploadMedia(ctx, ref, alt)
		if err != nil {
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}

	status, err := m.api.PostStatus(ctx, &mastodon.Toot{
		Status:     text,
		MediaIDs:   mediaIDs,
		Visibility: "unlisted",
	})
	if err != nil {
		return "", classifyMastodon(err)
	}
	return string(status.ID), nil
}

func (m *Mastodon) uploadMedia(ctx context.Context, ref, alt string) (mastodon.ID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("create media request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media %s: %w", ref, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media %s: status %d", ref, resp.StatusCode)
	}

	att, err := m.api.UploadMediaFromMedia(ctx, &mastodon.Media{
		File:        io.LimitReader(resp.Body, 16*1024*1024),
		Description: alt,
	})
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return att.ID, nil
}

// classifyMastodon marks 4xx API responses (except rate limiting) as
// permanent. The client surfaces the HTTP status only in the error
// text, so this sniffs the code out of the message.
func classifyMastodon(err error) error {
	if m := httpStatusRe.FindString(err.Error()); m != "" && m != "429" {
		return Permanent(fmt.Errorf("mastodon: %w", err))
	}
	return fmt.Errorf("mastodon: %w", err)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
