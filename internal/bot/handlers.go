package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"socialrelay/internal/model"
	"socialrelay/internal/registry"
	"socialrelay/internal/upstream"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Social Relay!

Follow Bluesky, YouTube and Twitch channels and get their new posts, videos and live streams in this chat.

Quick start:
1. /subscribe bluesky <handle> — follow a Bluesky account
2. /subscribe youtube <@handle or channel id> — follow a YouTube channel
3. /subscribe twitch <login> — get notified when a stream goes live

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	names := make([]string, 0, len(model.Platforms))
	for _, p := range b.registry.Platforms() {
		names = append(names, string(p))
	}
	enabled := "none"
	if len(names) > 0 {
		enabled = strings.Join(names, ", ")
	}

	b.reply(chatID, fmt.Sprintf(`Subscriptions:
/subscribe <platform> <channel> — follow a channel
/unsubscribe <platform> <channel> — stop following a channel
/unsubscribe_all — stop following everything
/list [platform] — show followed channels

Mentions:
/role <mention> — mention someone in every notification
/norole — stop mentioning

Enabled platforms: %s`, enabled))
}

func (b *Bot) handleSubscribe(ctx context.Context, target model.NotificationTarget, args string) {
	parsed, err := ParseChannelArgs(args)
	if err != nil {
		b.reply(target.ID, "Usage: /subscribe <platform> <channel>")
		return
	}

	ch, err := b.registry.Subscribe(ctx, target, parsed.Platform, parsed.Channel)
	switch {
	case errors.Is(err, registry.ErrAlreadySubscribed):
		b.reply(target.ID, fmt.Sprintf("Already subscribed to %s %s.", parsed.Platform.Label(), ch.DisplayName()))
	case err != nil:
		b.log.Warn("subscribe", "chat_id", target.ID, "platform", parsed.Platform, "input", parsed.Channel, "error", err)
		b.reply(target.ID, commandError(parsed.Platform, parsed.Channel, err))
	default:
		b.reply(target.ID, fmt.Sprintf("Subscribed to %s %s\n%s", parsed.Platform.Label(), ch.DisplayName(), ch.URL()))
	}
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseChannelArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe <platform> <channel>")
		return
	}

	ch, err := b.registry.Unsubscribe(ctx, chatID, parsed.Platform, parsed.Channel)
	if err != nil {
		b.log.Warn("unsubscribe", "chat_id", chatID, "platform", parsed.Platform, "input", parsed.Channel, "error", err)
		b.reply(chatID, commandError(parsed.Platform, parsed.Channel, err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed from %s %s.", parsed.Platform.Label(), ch.DisplayName()))
}

func (b *Bot) handleUnsubscribeAll(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "Unsubscribe this chat from every channel? This cannot be undone.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, unsubscribe all", cmdUnsubscribeAll+":confirm"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send unsubscribe confirmation", "error", err)
	}
}

func (b *Bot) unsubscribeAll(ctx context.Context, chatID int64) {
	n, err := b.registry.UnsubscribeAll(ctx, chatID)
	if err != nil {
		b.log.Error("unsubscribe all", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if n == 0 {
		b.reply(chatID, "This chat has no subscriptions.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed from %d channel(s).", n))
}

func (b *Bot) handleList(ctx context.Context, chatID int64, args string) {
	p, err := ParsePlatformFilter(args)
	if err != nil {
		b.reply(chatID, "Usage: /list [platform]")
		return
	}

	channels, err := b.registry.List(ctx, chatID, p)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSubscriptionList(channels, p))
}

func (b *Bot) handleRole(ctx context.Context, target model.NotificationTarget, args string) {
	if args == "" {
		role, err := b.registry.Role(ctx, target.ID)
		if err != nil {
			b.reply(target.ID, fmt.Sprintf("Error: %v", err))
			return
		}
		if role == "" {
			b.reply(target.ID, "No mention set. Usage: /role <mention>")
			return
		}
		b.reply(target.ID, fmt.Sprintf("Notifications mention %s.", role))
		return
	}

	role, err := ParseRoleArg(args)
	if err != nil {
		b.reply(target.ID, err.Error())
		return
	}
	if err := b.registry.SetRole(ctx, target, role); err != nil {
		b.reply(target.ID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(target.ID, fmt.Sprintf("Notifications will mention %s.", role))
}

func (b *Bot) handleNoRole(ctx context.Context, chatID int64) {
	if err := b.registry.ClearRole(ctx, chatID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Notifications will no longer mention anyone.")
}

// commandError turns a registry error into a reply.
func commandError(p model.Platform, input string, err error) string {
	switch {
	case errors.Is(err, registry.ErrUnsupportedPlatform):
		return fmt.Sprintf("%s is not enabled on this relay.", p.Label())
	case errors.Is(err, registry.ErrChannelNotFound):
		return fmt.Sprintf("%s channel %q not found.", p.Label(), input)
	case errors.Is(err, registry.ErrNotSubscribed):
		return fmt.Sprintf("This chat is not subscribed to %s %s.", p.Label(), input)
	case errors.Is(err, upstream.ErrUnavailable):
		return fmt.Sprintf("%s is unavailable right now, try again later.", p.Label())
	}
	return fmt.Sprintf("Error: %v", err)
}
