package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"transit_relay/internal/normalize"
)

const telegramMaxLen = 4096

// TelegramAPI is the subset of the bot API used for delivery.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers announcements to one chat. The chat has no tagging
// support, so mentions are ignored; media is attached by URL as photos
// or videos.
type Telegram struct {
	api    TelegramAPI
	chatID int64
}

// NewTelegram creates a sink for the given chat.
func NewTelegram(api TelegramAPI, chatID int64) *Telegram {
	return &Telegram{api: api, chatID: chatID}
}

// Send posts the message text, then the media as separate attachments.
// Media failures do not fail the delivery once the text is out.
func (t *Telegram) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The 4096 limit counts characters, so truncate on rune boundaries.
	text := truncateRunes(msg.Text, telegramMaxLen)

	m := tgbotapi.NewMessage(t.chatID, text)
	m.DisableWebPagePreview = true
	sent, err := t.api.Send(m)
	if err != nil {
		return "", classifyTelegram(err)
	}

	for _, ref := range msg.MediaRefs {
		if ref == "" {
			continue
		}
		var media tgbotapi.Chattable
		if normalize.IsVideo(ref) {
			media = tgbotapi.NewVideo(t.chatID, tgbotapi.FileURL(ref))
		} else {
			media = tgbotapi.NewPhoto(t.chatID, tgbotapi.FileURL(ref))
		}
		if _, err := t.api.Send(media); err != nil {
			// Text already delivered; media is best effort.
			continue
		}
	}

	return strconv.Itoa(sent.MessageID), nil
}

// classifyTelegram maps bot API errors onto the retry taxonomy: client
// errors (bad request, forbidden) are permanent, everything else is
// transient.
func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return Permanent(fmt.Errorf("telegram: %w", err))
		}
	}
	return fmt.Errorf("telegram: %w", err)
}
