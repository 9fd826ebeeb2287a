package bluesky

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"socialrelay/internal/model"
)

const (
	typePost          = "app.bsky.feed.post"
	typeReasonRepost  = "app.bsky.feed.defs#reasonRepost"
	typeReasonPin     = "app.bsky.feed.defs#reasonPin"
	typeImagesView    = "app.bsky.embed.images#view"
	typeExternalView  = "app.bsky.embed.external#view"
	typeRecordView    = "app.bsky.embed.record#view"
	typeRecordMedia   = "app.bsky.embed.recordWithMedia#view"
	typeVideoView     = "app.bsky.embed.video#view"
	typeViewRecord    = "app.bsky.embed.record#viewRecord"
	typeImagesRecord  = "app.bsky.embed.images"
	typeFacetLink     = "app.bsky.richtext.facet#link"
	cdnFullsizeFormat = "https://cdn.bsky.app/img/feed_fullsize/plain/%s/%s@%s"
)

var atURIRegex = regexp.MustCompile(`^at://([^/]+)/([^/]+)/([^/]+)$`)

var (
	errNoURI      = errors.New("post has no uri")
	errNotAPost   = errors.New("record is not a post")
	errNoRecord   = errors.New("post has no record")
	errNoAuthorID = errors.New("post has no author did")
)

type feedResponse struct {
	Feed   []feedViewPost `json:"feed"`
	Cursor string         `json:"cursor"`
}

type postsResponse struct {
	Posts []postView `json:"posts"`
}

type feedViewPost struct {
	Post   postView  `json:"post"`
	Reply  *replyRef `json:"reply"`
	Reason *reason   `json:"reason"`
}

type postView struct {
	URI       string          `json:"uri"`
	CID       string          `json:"cid"`
	Author    profileView     `json:"author"`
	Record    json.RawMessage `json:"record"`
	Embed     *embedView      `json:"embed"`
	IndexedAt string          `json:"indexedAt"`
}

type profileView struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

func (p profileView) name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Handle
}

type replyRef struct {
	Parent *replyPost `json:"parent"`
}

// replyPost is a postView, or a notFoundPost/blockedPost carrying only a uri.
type replyPost struct {
	Type   string          `json:"$type"`
	URI    string          `json:"uri"`
	Author *profileView    `json:"author"`
	Record json.RawMessage `json:"record"`
	Embed  *embedView      `json:"embed"`
}

type reason struct {
	Type string      `json:"$type"`
	By   profileView `json:"by"`
}

type postRecord struct {
	Type      string       `json:"$type"`
	Text      string       `json:"text"`
	CreatedAt string       `json:"createdAt"`
	Reply     *recordReply `json:"reply"`
	Embed     *recordEmbed `json:"embed"`
	Facets    []facet      `json:"facets"`
}

type recordReply struct {
	Parent strongRef `json:"parent"`
	Root   strongRef `json:"root"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type recordEmbed struct {
	Type   string `json:"$type"`
	Images []struct {
		Image blob `json:"image"`
	} `json:"images"`
}

type blob struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
}

type facet struct {
	Features []struct {
		Type string `json:"$type"`
		URI  string `json:"uri"`
	} `json:"features"`
}

type embedView struct {
	Type      string        `json:"$type"`
	Images    []imageView   `json:"images"`
	External  *externalView `json:"external"`
	Record    *embedRecord  `json:"record"`
	Media     *embedView    `json:"media"`
	Thumbnail string        `json:"thumbnail"`
}

type imageView struct {
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Alt      string `json:"alt"`
}

type externalView struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
	Thumb string `json:"thumb"`
}

// embedRecord is a viewRecord, or for recordWithMedia a record#view wrapping one.
type embedRecord struct {
	Type   string          `json:"$type"`
	URI    string          `json:"uri"`
	Author *profileView    `json:"author"`
	Value  json.RawMessage `json:"value"`
	Record *embedRecord    `json:"record"`
}

// PostURL converts an at:// post URI into a bsky.app URL. It returns "" for
// URIs that are not posts.
func PostURL(atURI string) string {
	m := atURIRegex.FindStringSubmatch(atURI)
	if m == nil || m[2] != typePost {
		return ""
	}
	return "https://bsky.app/profile/" + m[1] + "/post/" + m[3]
}

// didFromURI extracts the repository DID from an at:// URI.
func didFromURI(atURI string) string {
	rest, ok := strings.CutPrefix(atURI, "at://")
	if !ok {
		return ""
	}
	did, _, _ := strings.Cut(rest, "/")
	return did
}

func decodeRecord(raw json.RawMessage) (postRecord, error) {
	var rec postRecord
	if len(raw) == 0 {
		return rec, errNoRecord
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, err
	}
	if rec.Type != "" && rec.Type != typePost {
		return rec, errNotAPost
	}
	return rec, nil
}

// parseFeedItem normalizes one author-feed entry. Entries missing the fields
// needed to identify and address the post are rejected.
func parseFeedItem(fv feedViewPost, channelID string) (model.CandidateItem, error) {
	p := fv.Post
	if p.URI == "" {
		return model.CandidateItem{}, errNoURI
	}
	authorID := p.Author.DID
	if authorID == "" {
		authorID = didFromURI(p.URI)
	}
	if authorID == "" {
		return model.CandidateItem{}, errNoAuthorID
	}
	rec, err := decodeRecord(p.Record)
	if err != nil {
		return model.CandidateItem{}, err
	}

	item := model.CandidateItem{
		ID:          p.URI,
		ChannelID:   channelID,
		AuthorID:    authorID,
		AuthorName:  p.Author.name(),
		Text:        rec.Text,
		URL:         PostURL(p.URI),
		Links:       recordLinks(rec),
		PublishedAt: parseTime(rec.CreatedAt, p.IndexedAt),
	}
	item.Media, item.Quoted = embedContent(p.Embed, &item.Links)
	if len(item.Media) == 0 {
		item.Media = blobMedia(rec.Embed, authorID)
	}

	if fv.Reason != nil && fv.Reason.Type == typeReasonRepost {
		item.RepostOf = &model.ItemRef{
			ID:         p.URI,
			AuthorID:   authorID,
			AuthorName: p.Author.name(),
			Text:       rec.Text,
			URL:        item.URL,
			Media:      item.Media,
		}
		item.AuthorID = fv.Reason.By.DID
		item.AuthorName = fv.Reason.By.name()
	}

	if rec.Reply != nil && rec.Reply.Parent.URI != "" {
		item.ReplyParent = parentRef(rec.Reply.Parent.URI, fv.Reply)
	}
	return item, nil
}

func parentRef(parentURI string, reply *replyRef) *model.ItemRef {
	ref := &model.ItemRef{
		ID:       parentURI,
		AuthorID: didFromURI(parentURI),
		URL:      PostURL(parentURI),
	}
	if reply == nil || reply.Parent == nil || reply.Parent.URI != parentURI || reply.Parent.Author == nil {
		return ref
	}
	ref.AuthorID = reply.Parent.Author.DID
	ref.AuthorName = reply.Parent.Author.name()
	if rec, err := decodeRecord(reply.Parent.Record); err == nil {
		ref.Text = rec.Text
	}
	var links []string
	ref.Media, _ = embedContent(reply.Parent.Embed, &links)
	return ref
}

func postRef(p postView) (model.ItemRef, error) {
	if p.URI == "" {
		return model.ItemRef{}, errNoURI
	}
	rec, err := decodeRecord(p.Record)
	if err != nil {
		return model.ItemRef{}, err
	}
	authorID := p.Author.DID
	if authorID == "" {
		authorID = didFromURI(p.URI)
	}
	var links []string
	media, _ := embedContent(p.Embed, &links)
	if len(media) == 0 {
		media = blobMedia(rec.Embed, authorID)
	}
	return model.ItemRef{
		ID:         p.URI,
		AuthorID:   authorID,
		AuthorName: p.Author.name(),
		Text:       rec.Text,
		URL:        PostURL(p.URI),
		Media:      media,
	}, nil
}

// embedContent collects image URLs and a quoted post from a hydrated embed.
// External link cards are appended to links.
func embedContent(e *embedView, links *[]string) ([]string, *model.ItemRef) {
	if e == nil {
		return nil, nil
	}
	var media []string
	var quoted *model.ItemRef

	switch e.Type {
	case typeImagesView:
		for _, img := range e.Images {
			if img.Fullsize != "" {
				media = append(media, img.Fullsize)
			} else if img.Thumb != "" {
				media = append(media, img.Thumb)
			}
		}
	case typeVideoView:
		if e.Thumbnail != "" {
			media = append(media, e.Thumbnail)
		}
	case typeExternalView:
		if e.External != nil && e.External.URI != "" {
			*links = appendUnique(*links, e.External.URI)
			if e.External.Thumb != "" {
				media = append(media, e.External.Thumb)
			}
		}
	case typeRecordView:
		quoted = quotedRef(e.Record)
	case typeRecordMedia:
		media, _ = embedContent(e.Media, links)
		if e.Record != nil {
			quoted = quotedRef(e.Record.Record)
		}
	}
	return media, quoted
}

func quotedRef(r *embedRecord) *model.ItemRef {
	if r == nil || r.Type != typeViewRecord || r.URI == "" {
		return nil
	}
	ref := &model.ItemRef{
		ID:       r.URI,
		AuthorID: didFromURI(r.URI),
		URL:      PostURL(r.URI),
	}
	if r.Author != nil {
		ref.AuthorID = r.Author.DID
		ref.AuthorName = r.Author.name()
	}
	if rec, err := decodeRecord(r.Value); err == nil {
		ref.Text = rec.Text
	}
	return ref
}

// blobMedia builds CDN URLs from raw image blobs when no hydrated view is present.
func blobMedia(e *recordEmbed, did string) []string {
	if e == nil || e.Type != typeImagesRecord {
		return nil
	}
	var media []string
	for _, img := range e.Images {
		link := img.Image.Ref.Link
		if link == "" {
			continue
		}
		format := "jpeg"
		if _, sub, ok := strings.Cut(img.Image.MimeType, "/"); ok && sub != "" {
			format = sub
		}
		media = append(media, fmt.Sprintf(cdnFullsizeFormat, did, link, format))
	}
	return media
}

func recordLinks(rec postRecord) []string {
	var links []string
	for _, f := range rec.Facets {
		for _, feat := range f.Features {
			if feat.Type == typeFacetLink && feat.URI != "" {
				links = appendUnique(links, feat.URI)
			}
		}
	}
	return links
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func parseTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func isPinned(fv feedViewPost) bool {
	return fv.Reason != nil && fv.Reason.Type == typeReasonPin
}
