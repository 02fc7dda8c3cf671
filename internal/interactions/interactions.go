// Package interactions implements the interaction sync service
// (component H): for one Ghost post, aggregate counts and reply
// previews across every syndicated platform account, preserving prior
// data whenever a single account's fetch fails.
package interactions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
)

const maxReplyPreviews = 20

// Notifier receives "new reply" events for replies that did not appear
// in the preserved record before this sync. Failures are swallowed by
// the caller, not by the notifier itself.
type Notifier interface {
	NotifyNewReply(ghostPostID string, reply social.ReplyPreview) error
}

// Syncer owns the platform clients (indexed by platform+account) and the
// mapping/interaction store.
type Syncer struct {
	clients  map[string]social.Client // "platform:account" → client
	store    *store.Store
	notifier Notifier // nil disables new-reply notifications
}

func New(clients []social.Client, st *store.Store, notifier Notifier) *Syncer {
	index := make(map[string]social.Client, len(clients))
	for _, c := range clients {
		index[string(c.Platform())+":"+c.AccountName()] = c
	}
	return &Syncer{clients: index, store: st, notifier: notifier}
}

// SyncPostInteractions aggregates interactions for one Ghost post across
// every (platform, account) recorded in its syndication mapping.
func (s *Syncer) SyncPostInteractions(ctx context.Context, ghostPostID string) (*store.InteractionRecord, error) {
	mapping, ok, err := s.store.GetMapping(ghostPostID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &store.InteractionRecord{GhostPostID: ghostPostID}, nil
	}

	existing, hasExisting, err := s.store.GetInteractions(ghostPostID)
	if err != nil {
		return nil, err
	}
	if !hasExisting {
		existing = &store.InteractionRecord{GhostPostID: ghostPostID}
	}
	if existing.Platforms == nil {
		existing.Platforms = map[string]map[string]any{}
	}
	if existing.SyndicationLinks == nil {
		existing.SyndicationLinks = map[string]map[string]any{}
	}

	preservedReplyURLs := collectReplyURLs(existing)

	result := &store.InteractionRecord{
		GhostPostID:      ghostPostID,
		Platforms:        cloneShallow(existing.Platforms),
		SyndicationLinks: cloneShallow(existing.SyndicationLinks),
	}

	var freshReplies []social.ReplyPreview

	for platform, accounts := range mapping.Platforms {
		if result.Platforms[platform] == nil {
			result.Platforms[platform] = map[string]any{}
		}
		if result.SyndicationLinks[platform] == nil {
			result.SyndicationLinks[platform] = map[string]any{}
		}
		for account, raw := range accounts {
			client, ok := s.clients[platform+":"+account]
			if !ok {
				continue
			}
			entries, err := store.DecodeEntries(raw)
			if err != nil {
				slog.Warn("failed to decode mapping entry during sync", "platform", platform, "account", account, "error", err)
				continue
			}

			aggregated, links, err := s.fetchAccountInteractions(ctx, client, entries)
			if err != nil {
				slog.Warn("interaction fetch failed, preserving prior value", "platform", platform, "account", account, "error", err)
				continue
			}
			result.Platforms[platform][account] = aggregated
			result.SyndicationLinks[platform][account] = links

			for _, rp := range aggregated.ReplyPreviews {
				if !preservedReplyURLs[rp.URL] {
					freshReplies = append(freshReplies, rp)
				}
			}
		}
	}

	if err := s.store.PutInteractions(ghostPostID, result); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		for _, rp := range freshReplies {
			if err := s.notifier.NotifyNewReply(ghostPostID, rp); err != nil {
				slog.Warn("new reply notification failed", "ghost_post_id", ghostPostID, "error", err)
			}
		}
	}

	return result, nil
}

type accountInteractions struct {
	Favorites     int                    `json:"favorites"`
	Reposts       int                    `json:"reposts"`
	Replies       int                    `json:"replies"`
	ReplyPreviews []social.ReplyPreview  `json:"reply_previews"`
}

// fetchAccountInteractions handles both single and split mapping
// entries: split entries are summed across all splits, with their reply
// previews merged, sorted by created_at ascending, and trimmed to 20.
func (s *Syncer) fetchAccountInteractions(ctx context.Context, client social.Client, entries []store.PlatformPost) (accountInteractions, any, error) {
	if len(entries) == 1 && !entries[0].IsSplit {
		id := identifierFor(client, entries[0])
		ix, err := client.FetchStatusInteractions(ctx, id)
		if err != nil {
			return accountInteractions{}, nil, err
		}
		return accountInteractions{
			Favorites:     ix.Favorites,
			Reposts:       ix.Reposts,
			Replies:       ix.Replies,
			ReplyPreviews: ix.ReplyPreviews,
		}, entries[0].PostURL, nil
	}

	var agg accountInteractions
	var links []string
	for _, e := range entries {
		id := identifierFor(client, e)
		ix, err := client.FetchStatusInteractions(ctx, id)
		if err != nil {
			return accountInteractions{}, nil, err
		}
		agg.Favorites += ix.Favorites
		agg.Reposts += ix.Reposts
		agg.Replies += ix.Replies
		for _, rp := range ix.ReplyPreviews {
			rp.SplitIndex = intPtr(e.SplitIndex)
			agg.ReplyPreviews = append(agg.ReplyPreviews, rp)
		}
		links = append(links, e.PostURL)
	}

	sort.SliceStable(agg.ReplyPreviews, func(i, j int) bool {
		return agg.ReplyPreviews[i].CreatedAt.Before(agg.ReplyPreviews[j].CreatedAt)
	})
	if len(agg.ReplyPreviews) > maxReplyPreviews {
		agg.ReplyPreviews = agg.ReplyPreviews[:maxReplyPreviews]
	}

	return agg, links, nil
}

func identifierFor(client social.Client, p store.PlatformPost) string {
	if client.Platform() == social.Bluesky {
		return p.PostURI
	}
	return p.StatusID
}

func intPtr(i int) *int { return &i }

func collectReplyURLs(rec *store.InteractionRecord) map[string]bool {
	urls := map[string]bool{}
	for _, accounts := range rec.Platforms {
		for _, raw := range accounts {
			b, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var ai accountInteractions
			if err := json.Unmarshal(b, &ai); err != nil {
				continue
			}
			for _, rp := range ai.ReplyPreviews {
				urls[rp.URL] = true
			}
		}
	}
	return urls
}

func cloneShallow(m map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(m))
	for k, v := range m {
		inner := make(map[string]any, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		out[k] = inner
	}
	return out
}
