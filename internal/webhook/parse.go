package webhook

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const videoGUIDPrefix = "yt:video:"

// Entry is one video announced by a push notification.
type Entry struct {
	VideoID   string
	ChannelID string
	Title     string
	Link      string
	Published time.Time
}

// ParseNotification extracts video entries from an Atom push body, newest
// first. Deleted-entry notifications yield no entries.
func ParseNotification(body string) ([]Entry, error) {
	feed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		e := Entry{
			VideoID:   ytExtension(item, "videoId"),
			ChannelID: ytExtension(item, "channelId"),
			Title:     item.Title,
			Link:      item.Link,
		}
		if e.VideoID == "" {
			e.VideoID = strings.TrimPrefix(item.GUID, videoGUIDPrefix)
		}
		if e.VideoID == "" || e.ChannelID == "" {
			continue
		}
		switch {
		case item.PublishedParsed != nil:
			e.Published = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			e.Published = item.UpdatedParsed.UTC()
		}
		if e.Link == "" {
			e.Link = "https://www.youtube.com/watch?v=" + e.VideoID
		}
		entries = append(entries, e)
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		return b.Published.Compare(a.Published)
	})
	return entries, nil
}

func ytExtension(item *gofeed.Item, name string) string {
	ext, ok := item.Extensions["yt"][name]
	if !ok || len(ext) == 0 {
		return ""
	}
	return strings.TrimSpace(ext[0].Value)
}
