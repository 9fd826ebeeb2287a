package bot

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"socialrelay/internal/model"
)

// Telegram limits, in UTF-16 code units.
const (
	maxCaption = 1024
	maxMessage = 4096
)

// FormatNotification renders a notification as plain message text.
func FormatNotification(n model.Notification) string {
	var b strings.Builder
	if n.MentionRole != "" {
		b.WriteString(n.MentionRole)
		b.WriteString("\n")
	}
	b.WriteString(headline(n))
	if n.MembersOnly && n.Kind != model.KindMembersOnly {
		b.WriteString("\n🔒 Members only")
	}

	if n.Text != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Text)
	}
	if n.Quoted != nil {
		b.WriteString("\n\n")
		b.WriteString(quoteBlock(n.Quoted))
	}
	if !n.ScheduledAt.IsZero() && n.Kind == model.KindLiveStreamScheduled {
		fmt.Fprintf(&b, "\n\nStarts: %s", n.ScheduledAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	for _, link := range n.Links {
		if link == n.URL {
			continue
		}
		b.WriteString("\n🔗 ")
		b.WriteString(link)
	}
	if n.URL != "" {
		b.WriteString("\n\n")
		b.WriteString(n.URL)
	}
	return b.String()
}

func headline(n model.Notification) string {
	name := n.ChannelName
	if n.Context {
		return fmt.Sprintf("↩️ In reply to %s:", name)
	}

	switch n.Kind {
	case model.KindReply:
		if n.ReplyParent != nil && n.ReplyParent.AuthorName != "" {
			return fmt.Sprintf("💬 %s replied to %s", name, n.ReplyParent.AuthorName)
		}
		return fmt.Sprintf("💬 %s replied", name)
	case model.KindSelfReply:
		return fmt.Sprintf("🧵 %s continued a thread", name)
	case model.KindRepost:
		if n.RepostOf != nil && n.RepostOf.AuthorName != "" {
			return fmt.Sprintf("🔁 %s reposted %s", name, n.RepostOf.AuthorName)
		}
		return fmt.Sprintf("🔁 %s reposted", name)
	case model.KindQuote:
		return fmt.Sprintf("💬 %s quoted a post", name)
	case model.KindVideoUpload:
		return fmt.Sprintf("🎬 %s uploaded a new video", name)
	case model.KindLiveStreamScheduled:
		return fmt.Sprintf("📢 %s scheduled a live stream", name)
	case model.KindLiveStreamNow:
		return fmt.Sprintf("🔴 %s is live on %s", name, n.Platform.Label())
	case model.KindMembersOnly:
		return fmt.Sprintf("🔒 %s posted members-only content", name)
	}
	return fmt.Sprintf("%s New %s post from %s", platformIcon(n.Platform), n.Platform.Label(), name)
}

func platformIcon(p model.Platform) string {
	switch p {
	case model.PlatformBluesky:
		return "🦋"
	case model.PlatformYouTube, model.PlatformYouTubeMembers:
		return "▶️"
	case model.PlatformTwitch:
		return "🟣"
	}
	return "🔔"
}

func quoteBlock(ref *model.ItemRef) string {
	author := ref.AuthorName
	if author == "" {
		author = ref.AuthorID
	}
	var b strings.Builder
	if author != "" {
		fmt.Fprintf(&b, "❝ %s:", author)
	} else {
		b.WriteString("❝")
	}
	if ref.Text != "" {
		b.WriteString(" ")
		b.WriteString(ref.Text)
	}
	if ref.URL != "" {
		b.WriteString("\n")
		b.WriteString(ref.URL)
	}
	return b.String()
}

// FormatSubscriptionList formats a chat's followed channels grouped by
// platform. filter is the platform asked for, or "" for all.
func FormatSubscriptionList(channels []model.FollowedChannel, filter model.Platform) string {
	if len(channels) == 0 {
		if filter != "" {
			return fmt.Sprintf("No %s subscriptions. Use /subscribe %s <channel> to add one.", filter.Label(), filter)
		}
		return "No subscriptions yet. Use /subscribe <platform> <channel> to add one."
	}

	groups := make(map[model.Platform][]model.FollowedChannel)
	for _, ch := range channels {
		groups[ch.Platform] = append(groups[ch.Platform], ch)
	}

	var b strings.Builder
	b.WriteString("Subscriptions:\n")
	for _, p := range model.Platforms {
		chs := groups[p]
		if len(chs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", p.Label())
		for _, ch := range chs {
			fmt.Fprintf(&b, "  • %s  %s\n", ch.DisplayName(), ch.URL())
		}
	}
	return b.String()
}

// truncate cuts s to at most limit UTF-16 code units, marking the cut with
// an ellipsis.
func truncate(s string, limit int) string {
	if utf16Len(s) <= limit {
		return s
	}
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if n+w > limit-1 {
			return s[:i] + "…"
		}
		n += w
	}
	return s
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
