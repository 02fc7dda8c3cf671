// Package dispatch implements the syndication dispatcher (component F):
// given a published Ghost post, it fans the post out to every matching,
// enabled platform client in parallel, recording a mapping entry for
// each success and releasing cached images once all tasks complete.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wpowiertowski/posse/internal/extract"
	"github.com/wpowiertowski/posse/internal/imagecache"
	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
)

const (
	workerPoolWidth = 10
	fanOutTimeout   = 60 * time.Second
	ellipsisLen     = 3
)

// AltTextGenerator is the capability the alt-text backfill step needs
// from the LLM vision client. Kept as a narrow interface here so this
// package never imports internal/llm directly.
type AltTextGenerator interface {
	GenerateAltText(ctx context.Context, imagePath string) (string, error)
}

// SyncTrigger lets the dispatcher enqueue an immediate high-priority
// interaction sync after a successful fan-out (§4.F step 11), without
// this package importing internal/scheduler directly.
type SyncTrigger interface {
	TriggerManualSync(ghostPostID string)
}

// Event is one item consumed from the event queue: a validated Ghost
// webhook payload plus an optional override restricting which accounts
// receive it (produced by the update-webhook path).
type Event struct {
	Current         map[string]any
	TargetAccounts  map[string]bool // "platform:account" → true; nil means no override
}

// Dispatcher owns the full set of configured platform clients and the
// collaborators needed to extract, format, post, and record a Ghost
// post's syndication fan-out.
type Dispatcher struct {
	clients []social.Client
	cache   *imagecache.Cache
	store   *store.Store
	alt     AltTextGenerator // nil disables alt-text backfill
	sync    SyncTrigger      // nil disables the post-fan-out sync trigger
}

func New(clients []social.Client, cache *imagecache.Cache, st *store.Store, alt AltTextGenerator, sync SyncTrigger) *Dispatcher {
	return &Dispatcher{clients: clients, cache: cache, store: st, alt: alt, sync: sync}
}

// Handle processes one event end to end: extraction, filtering,
// alt-text backfill, parallel posting, mapping persistence, image
// release, and sync-trigger enqueue.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	status, _ := ev.Current["status"].(string)
	if status != "published" {
		return nil
	}

	post := extract.FromPayload(ev.Current)

	candidates := d.matchingClients(post, ev.TargetAccounts)
	if len(candidates) == 0 {
		return nil
	}

	altTexts := make([]string, len(post.Images))
	for i, img := range post.Images {
		altTexts[i] = img.Alt
	}
	if d.alt != nil {
		d.backfillAltText(ctx, post, altTexts)
	}

	imageURLs := make([]string, len(post.Images))
	for i, img := range post.Images {
		imageURLs[i] = img.URL
	}

	tasks := d.buildTasks(candidates, post, imageURLs, altTexts)
	results := d.runTasks(ctx, tasks)

	for _, r := range results {
		if r.err != nil {
			slog.Warn("syndication post failed", "platform", r.task.client.Platform(), "account", r.task.client.AccountName(), "error", r.err)
			continue
		}
		entry := store.PlatformPost{
			PostURL: r.result.PostURL,
		}
		switch r.task.client.Platform() {
		case social.Bluesky:
			entry.PostURI = r.result.StatusIDOrURI
		default:
			entry.StatusID = r.result.StatusIDOrURI
		}
		if r.task.isSplit {
			entry.IsSplit = true
			entry.SplitIndex = r.task.splitIndex
			entry.TotalSplits = r.task.totalSplits
			if len(r.task.mediaURLs) == 1 {
				entry.ImageURL = r.task.mediaURLs[0]
			}
		}
		if err := d.store.PutMappingEntry(post.ID, post.URL, string(r.task.client.Platform()), r.task.client.AccountName(), entry); err != nil {
			slog.Error("failed to record syndication mapping", "ghost_post_id", post.ID, "error", err)
		}
	}

	d.cache.Release(imageURLs)

	if d.sync != nil {
		d.sync.TriggerManualSync(post.ID)
	}
	return nil
}

func (d *Dispatcher) matchingClients(post extract.Post, override map[string]bool) []social.Client {
	var out []social.Client
	for _, c := range d.clients {
		if !c.Enabled() {
			continue
		}
		if !TagsMatch(c.Tags(), post.Tags) {
			continue
		}
		if override != nil {
			key := string(c.Platform()) + ":" + c.AccountName()
			if !override[key] {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// TagsMatch implements the empty-matches-all / case-insensitive-any-slug
// rule from §4.F step 3.
func TagsMatch(clientTags []string, postTags []extract.Tag) bool {
	if len(clientTags) == 0 {
		return true
	}
	for _, ct := range clientTags {
		for _, pt := range postTags {
			if strings.EqualFold(ct, pt.Slug) {
				return true
			}
		}
	}
	return false
}

func (d *Dispatcher) backfillAltText(ctx context.Context, post extract.Post, altTexts []string) {
	needsBackfill := false
	for _, a := range altTexts {
		if a == "" {
			needsBackfill = true
			break
		}
	}
	if !needsBackfill {
		return
	}

	paths := make([]string, len(post.Images))
	for i, img := range post.Images {
		path, err := d.cache.Fetch(img.URL)
		if err != nil {
			continue
		}
		paths[i] = path
	}

	for i, alt := range altTexts {
		if alt != "" || paths[i] == "" {
			continue
		}
		generated, err := d.alt.GenerateAltText(ctx, paths[i])
		if err != nil {
			slog.Warn("alt text generation failed", "image_url", post.Images[i].URL, "error", err)
			continue
		}
		altTexts[i] = generated
	}
}

type task struct {
	client      social.Client
	content     string
	mediaURLs   []string
	altTexts    []string
	isSplit     bool
	splitIndex  int
	totalSplits int
}

// buildTasks formats content per client and applies the multi-image
// split rule (§4.F steps 6-7).
func (d *Dispatcher) buildTasks(clients []social.Client, post extract.Post, imageURLs, altTexts []string) []task {
	var tasks []task
	for _, c := range clients {
		content := formatContent(post, c.MaxPostLength())

		if c.SplitMultiImagePosts() && len(imageURLs) > 1 && !post.SuppressSplit {
			total := len(imageURLs)
			for i := range imageURLs {
				tasks = append(tasks, task{
					client:      c,
					content:     content,
					mediaURLs:   []string{imageURLs[i]},
					altTexts:    []string{altTexts[i]},
					isSplit:     true,
					splitIndex:  i,
					totalSplits: total,
				})
			}
			continue
		}

		tasks = append(tasks, task{
			client:    c,
			content:   content,
			mediaURLs: imageURLs,
			altTexts:  altTexts,
		})
	}
	return tasks
}

// formatContent builds "excerpt-or-title, trimmed + hashtags + link",
// reserving space for the fixed suffix before computing the trim budget.
func formatContent(post extract.Post, maxPostLength int) string {
	var hashtags []string
	for _, tag := range post.Tags {
		hashtags = append(hashtags, "#"+strings.ReplaceAll(tag.Slug, "-", ""))
	}
	hashtags = append(hashtags, "#posse")

	body := post.Excerpt
	if body == "" {
		body = post.Title
	}

	suffix := "\n" + strings.Join(hashtags, " ") + "\n\n🔗 " + post.URL
	budget := maxPostLength - len(suffix)
	if budget < 0 {
		budget = 0
	}
	trimmed := trimToWordBoundary(body, budget)

	return trimmed + suffix
}

func trimToWordBoundary(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	if budget <= ellipsisLen {
		if budget < 0 {
			budget = 0
		}
		return s[:budget]
	}
	cut := budget - ellipsisLen
	trimmed := s[:cut]
	if idx := strings.LastIndexByte(trimmed, ' '); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed + "..."
}

type taskResult struct {
	task   task
	result *social.PostResult
	err    error
}

// runTasks submits one goroutine per task to a width-10 worker pool and
// waits up to fanOutTimeout for all of them to finish.
func (d *Dispatcher) runTasks(ctx context.Context, tasks []task) []taskResult {
	ctx, cancel := context.WithTimeout(ctx, fanOutTimeout)
	defer cancel()

	results := make([]taskResult, len(tasks))
	var mu sync.Mutex
	sem := make(chan struct{}, workerPoolWidth)
	var wg sync.WaitGroup

	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := t.client.Post(ctx, t.content, t.mediaURLs, t.altTexts)
			mu.Lock()
			results[i] = taskResult{task: t, result: res, err: err}
			mu.Unlock()
		}(i, t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("fan-out did not complete within timeout", "pending", len(tasks))
	}

	mu.Lock()
	out := make([]taskResult, len(results))
	copy(out, results)
	mu.Unlock()
	return out
}
