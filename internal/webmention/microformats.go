package webmention

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wpowiertowski/posse/internal/store"
)

// hEntry holds the microformats2 fields §4.L extracts from a verified
// webmention source document.
type hEntry struct {
	authorName  string
	authorURL   string
	content     string
	mentionType store.MentionType
}

// mentionProperties lists the u-*-of / u-in-reply-to classes in the order
// §4.L checks them: the first one present whose value matches the target
// wins.
var mentionProperties = []struct {
	class string
	typ   store.MentionType
}{
	{"u-in-reply-to", store.MentionReply},
	{"in-reply-to", store.MentionReply},
	{"u-like-of", store.MentionLike},
	{"like-of", store.MentionLike},
	{"u-repost-of", store.MentionRepost},
	{"repost-of", store.MentionRepost},
	{"u-bookmark-of", store.MentionBookmark},
	{"bookmark-of", store.MentionBookmark},
}

// parseHEntry walks the DOM for the first h-entry (searched document order,
// recursing into descendants) and extracts its author, content, and the
// mention type implied by which reply/like/repost/bookmark property, if
// any, points at target.
func parseHEntry(html, target string) hEntry {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return hEntry{mentionType: store.MentionMention}
	}

	entry := doc.Find(".h-entry").First()
	if entry.Length() == 0 {
		return hEntry{mentionType: store.MentionMention}
	}

	result := hEntry{mentionType: store.MentionMention}

	if author := firstHCard(entry); author != nil {
		result.authorName = author.name
		result.authorURL = author.url
	}

	if content := entry.Find(".e-content").First(); content.Length() > 0 {
		if htmlContent, err := content.Html(); err == nil {
			result.content = strings.TrimSpace(htmlContent)
		}
		if result.content == "" {
			result.content = strings.TrimSpace(content.Text())
		}
	}

	target = strings.TrimSuffix(target, "/")
	for _, mp := range mentionProperties {
		sel := entry.Find("." + mp.class).First()
		if sel.Length() == 0 {
			continue
		}
		value := sel.AttrOr("href", strings.TrimSpace(sel.Text()))
		if strings.TrimSuffix(value, "/") == target {
			result.mentionType = mp.typ
			break
		}
	}

	return result
}

type hCard struct {
	name string
	url  string
}

// firstHCard extracts p-author h-card fields: p-name and u-url. u-photo is
// not read.
func firstHCard(entry *goquery.Selection) *hCard {
	author := entry.Find(".p-author").First()
	if author.Length() == 0 {
		return nil
	}

	card := &hCard{}
	if name := author.Find(".p-name").First(); name.Length() > 0 {
		card.name = strings.TrimSpace(name.Text())
	}
	if card.name == "" {
		card.name = strings.TrimSpace(author.Text())
	}
	if urlSel := author.Find(".u-url").First(); urlSel.Length() > 0 {
		if href, ok := urlSel.Attr("href"); ok {
			card.url = href
		} else {
			card.url = strings.TrimSpace(urlSel.Text())
		}
	} else if href, ok := author.Attr("href"); ok {
		card.url = href
	}
	return card
}
