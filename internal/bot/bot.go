// Package bot is the Telegram front end: it handles subscription commands,
// renders notifications for subscribed chats and forwards operator alerts.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"socialrelay/internal/config"
	"socialrelay/internal/model"
	"socialrelay/internal/registry"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles user commands and sends notifications.
type Bot struct {
	api      telegramAPI
	registry *registry.Registry
	cfg      *config.Config
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token and config. Commands
// are served once a registry is attached with SetRegistry.
func New(token string, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api: api,
		cfg: cfg,
		log: log,
	}, nil
}

// SetRegistry attaches the registry serving commands.
func (b *Bot) SetRegistry(reg *registry.Registry) {
	b.registry = reg
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
			if update.CallbackQuery != nil {
				if update.CallbackQuery.From == nil || !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
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

// Notify delivers one notification to a target chat. A notification with
// media is sent as a photo with the text as caption; if the photo is
// rejected the text is sent alone.
func (b *Bot) Notify(_ context.Context, target model.NotificationTarget, n model.Notification) error {
	text := FormatNotification(n)

	if len(n.Media) > 0 {
		photo := tgbotapi.NewPhoto(target.ID, tgbotapi.FileURL(n.Media[0]))
		photo.Caption = truncate(text, maxCaption)
		_, err := b.api.Send(photo)
		if err == nil {
			return nil
		}
		b.log.Warn("send photo, falling back to text", "chat_id", target.ID, "item_id", n.ItemID, "error", err)
	}

	msg := tgbotapi.NewMessage(target.ID, truncate(text, maxMessage))
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send to chat %d: %w", target.ID, err)
	}
	return nil
}

// Alert sends an operator message to the admin chat. Without an admin chat
// the alert is only logged.
func (b *Bot) Alert(_ context.Context, client, message string) {
	b.log.Error("operator alert", "client", client, "message", message)
	if b.cfg.AdminChatID == 0 {
		return
	}
	b.SendMessage(b.cfg.AdminChatID, fmt.Sprintf("⚠️ [%s] %s", client, message))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "subscribe":
		b.handleSubscribe(ctx, targetOf(msg.Chat), args)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, chatID, args)
	case cmdUnsubscribeAll:
		b.handleUnsubscribeAll(chatID)
	case "list":
		b.handleList(ctx, chatID, args)
	case "role":
		b.handleRole(ctx, targetOf(msg.Chat), args)
	case "norole":
		b.handleNoRole(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// targetOf maps a chat to the notification target it represents.
func targetOf(chat *tgbotapi.Chat) model.NotificationTarget {
	name := chat.Title
	if name == "" {
		name = chat.UserName
	}
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return model.NotificationTarget{ID: chat.ID, Name: name}
}
