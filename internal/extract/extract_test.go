package extract

import "testing"

func TestFromPayload_BasicFields(t *testing.T) {
	current := map[string]any{
		"id":             "abc123",
		"url":            "https://blog.example.com/hello/",
		"title":          "Hello",
		"custom_excerpt": "An excerpt",
		"html":           `<p>text</p>`,
		"tags": []any{
			map[string]any{"name": "Go", "slug": "go"},
		},
	}
	p := FromPayload(current)
	if p.ID != "abc123" || p.Title != "Hello" || p.Excerpt != "An excerpt" {
		t.Fatalf("unexpected basic fields: %+v", p)
	}
	if len(p.Tags) != 1 || p.Tags[0].Slug != "go" {
		t.Fatalf("unexpected tags: %+v", p.Tags)
	}
	if p.SuppressSplit {
		t.Fatal("did not expect suppress_split")
	}
}

func TestFromPayload_NosplitTagSuppressed(t *testing.T) {
	current := map[string]any{
		"id":  "abc123",
		"url": "https://blog.example.com/hello/",
		"tags": []any{
			map[string]any{"name": "#nosplit", "slug": "nosplit"},
			map[string]any{"name": "Go", "slug": "go"},
		},
	}
	p := FromPayload(current)
	if !p.SuppressSplit {
		t.Fatal("expected suppress_split to be set")
	}
	if len(p.Tags) != 1 || p.Tags[0].Slug != "go" {
		t.Fatalf("expected #nosplit stripped from tag list, got %+v", p.Tags)
	}
}

func TestFromPayload_ImageExtraction_FeatureImageFirst(t *testing.T) {
	current := map[string]any{
		"id":                "abc123",
		"url":               "https://blog.example.com/hello/",
		"feature_image":     "https://blog.example.com/feature.jpg",
		"feature_image_alt": "feature alt",
		"html":              `<img src="https://blog.example.com/b.jpg" alt="b"><img src="https://blog.example.com/a.jpg" alt="a">`,
	}
	p := FromPayload(current)
	if len(p.Images) != 3 {
		t.Fatalf("expected 3 images, got %d: %+v", len(p.Images), p.Images)
	}
	if p.Images[0].URL != "https://blog.example.com/feature.jpg" {
		t.Fatalf("expected feature image first, got %+v", p.Images[0])
	}
	if p.Images[1].URL != "https://blog.example.com/a.jpg" || p.Images[2].URL != "https://blog.example.com/b.jpg" {
		t.Fatalf("expected remaining images URL-sorted, got %+v", p.Images[1:])
	}
}

func TestFromPayload_ExternalHostFiltered(t *testing.T) {
	current := map[string]any{
		"id":   "abc123",
		"url":  "https://blog.example.com/hello/",
		"html": `<img src="https://blog.example.com/local.jpg"><img src="https://cdn.other.com/external.jpg">`,
	}
	p := FromPayload(current)
	if len(p.Images) != 1 || p.Images[0].URL != "https://blog.example.com/local.jpg" {
		t.Fatalf("expected only local-host image to survive, got %+v", p.Images)
	}
}

func TestFromPayload_NoPostHostKeepsAll(t *testing.T) {
	current := map[string]any{
		"id":   "abc123",
		"url":  "not-a-valid-url",
		"html": `<img src="https://cdn.other.com/external.jpg">`,
	}
	p := FromPayload(current)
	if len(p.Images) != 1 {
		t.Fatalf("expected image kept when post host is undeterminable, got %+v", p.Images)
	}
}

func TestFromPayload_DedupesByURL(t *testing.T) {
	current := map[string]any{
		"id":   "abc123",
		"url":  "https://blog.example.com/hello/",
		"html": `<img src="https://blog.example.com/a.jpg"><img src="https://blog.example.com/a.jpg">`,
	}
	p := FromPayload(current)
	if len(p.Images) != 1 {
		t.Fatalf("expected duplicate image URL deduped, got %+v", p.Images)
	}
}
