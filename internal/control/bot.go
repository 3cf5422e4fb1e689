// Package control implements the Telegram control plane: subscription
// and filter management for the invoking chat, tagging rule lifecycle,
// and operational status fed by the event bridge.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"transit_relay/internal/config"
	"transit_relay/internal/model"
	"transit_relay/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the control-plane Telegram bot.
type Bot struct {
	api   telegramAPI
	store storage.Storage
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, and config.
func New(token string, store storage.Storage, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:   api,
		store: store,
		cfg:   cfg,
		log:   log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// HandleEvent records one bridge event so /status can show it.
func (b *Bot) HandleEvent(ctx context.Context, ev model.DispatchEvent) {
	if err := b.store.AppendEvent(ctx, ev); err != nil {
		b.log.Error("append dispatch event", "error", err)
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "stop":
		b.handleStop(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "include":
		b.handleAddKeyword(ctx, chatID, args, model.KeywordInclude)
	case "exclude":
		b.handleAddKeyword(ctx, chatID, args, model.KeywordExclude)
	case "rmfilter":
		b.handleRmFilter(ctx, chatID, args)
	case "filters":
		b.handleFilters(ctx, chatID)
	case "addsource":
		b.handleAddSource(ctx, msg.From.ID, chatID, args)
	case "rmsource":
		b.handleRmSource(ctx, msg.From.ID, chatID, args)
	case "sources":
		b.handleSources(ctx, chatID)
	case "interval":
		b.handleInterval(ctx, msg.From.ID, chatID, args)
	case "pause":
		b.handleSetSourceActive(ctx, msg.From.ID, chatID, args, false)
	case "resume":
		b.handleSetSourceActive(ctx, msg.From.ID, chatID, args, true)
	case "tagadd":
		b.handleTagAdd(ctx, chatID, args)
	case "tagrm":
		b.handleTagRm(ctx, chatID, args)
	case "tags":
		b.handleTags(ctx, chatID)
	case "tagpause":
		b.handleTagPause(ctx, chatID, args)
	case "tagresume":
		b.handleTagResume(ctx, chatID, args)
	case "tagschedule":
		b.handleTagSchedule(ctx, chatID, args)
	case "status":
		b.handleStatus(ctx, chatID)
	case "broadcast":
		b.handleBroadcast(ctx, msg.From.ID, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// destination is the chat's destination id in the subscriber table.
func destination(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
