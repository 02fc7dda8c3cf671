// Package extract derives the syndication-ready fields from a Ghost
// post.current payload (component E): title, excerpt, tags, and an
// ordered, deduplicated, same-host-filtered list of images with parallel
// alt text.
package extract

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Tag is a Ghost post tag, reduced to the two fields syndication cares
// about.
type Tag struct {
	Name string
	Slug string
}

// Image is one extracted image, already deduplicated and host-filtered.
type Image struct {
	URL string
	Alt string
}

// Post is the derived, syndication-ready shape of a Ghost post.current
// payload.
type Post struct {
	ID            string
	URL           string
	Title         string
	Excerpt       string
	Tags          []Tag
	Images        []Image
	SuppressSplit bool
}

const nosplitTag = "#nosplit"

// FromPayload builds a Post from the decoded post.current map (as
// returned by schema.ValidateGhostWebhook).
func FromPayload(current map[string]any) Post {
	p := Post{
		ID:      stringField(current, "id"),
		URL:     stringField(current, "url"),
		Title:   stringField(current, "title"),
		Excerpt: stringField(current, "custom_excerpt"),
	}

	rawTags, _ := current["tags"].([]any)
	for _, rt := range rawTags {
		tm, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(tm, "name")
		if strings.EqualFold(name, nosplitTag) {
			p.SuppressSplit = true
			continue
		}
		p.Tags = append(p.Tags, Tag{Name: name, Slug: stringField(tm, "slug")})
	}

	html := stringField(current, "html")
	featureImage := stringField(current, "feature_image")
	featureAlt := stringField(current, "feature_image_alt")

	candidates := collectImages(html)
	if featureImage != "" {
		candidates = append([]imageCandidate{{url: featureImage, alt: featureAlt}}, candidates...)
	}

	p.Images = dedupeAndFilter(candidates, featureImage, p.URL)
	return p
}

type imageCandidate struct {
	url string
	alt string
}

// collectImages parses html and gathers every <a>-scope <img src alt?>,
// in document order.
func collectImages(html string) []imageCandidate {
	if html == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var out []imageCandidate
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || src == "" {
			return
		}
		alt, _ := sel.Attr("alt")
		out = append(out, imageCandidate{url: src, alt: alt})
	})
	return out
}

// dedupeAndFilter dedupes candidates by URL, drops any whose host does
// not match postURL's host (when postURL's host is determinable), and
// orders the feature image first, then URL-sorted.
func dedupeAndFilter(candidates []imageCandidate, featureImage, postURL string) []Image {
	postHost := hostOf(postURL)

	seen := make(map[string]bool)
	var kept []imageCandidate
	for _, c := range candidates {
		if seen[c.url] {
			continue
		}
		seen[c.url] = true
		if postHost != "" {
			if h := hostOf(c.url); h != postHost {
				continue
			}
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		iFeature := kept[i].url == featureImage
		jFeature := kept[j].url == featureImage
		if iFeature != jFeature {
			return iFeature
		}
		if iFeature && jFeature {
			return false
		}
		return kept[i].url < kept[j].url
	})

	images := make([]Image, 0, len(kept))
	for _, c := range kept {
		images = append(images, Image{URL: c.url, Alt: c.alt})
	}
	return images
}

// hostOf returns scheme-less host:port for a URL, or "" if unparseable.
func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
