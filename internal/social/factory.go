package social

import (
	"context"
	"log/slog"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/imagecache"
)

// BuildClients constructs one Client per configured Mastodon and Bluesky
// account. It does not verify credentials: VerifyAll performs the Mastodon
// check (disabling an account on auth failure), and Bluesky accounts are
// not verified up front since every post re-authenticates regardless.
func BuildClients(cfg *config.Config, cache *imagecache.Cache) []Client {
	var clients []Client

	for _, acc := range cfg.Mastodon.Accounts {
		c := NewMastodonClient(MastodonConfig{
			InstanceURL:          acc.InstanceURL,
			AccessToken:          acc.AccessToken,
			AccountName:          acc.Name,
			Tags:                 acc.Tags,
			MaxPostLength:        acc.MaxPostLength,
			SplitMultiImagePosts: acc.SplitMultiImagePosts,
		}, cache)
		clients = append(clients, c)
	}

	for _, acc := range cfg.Bluesky.Accounts {
		c := NewBlueskyClient(BlueskyConfig{
			InstanceURL:          firstNonEmpty(acc.InstanceURL, "https://bsky.social"),
			Handle:               acc.Handle,
			AppPassword:          acc.AppPassword,
			AccountName:          acc.Name,
			Tags:                 acc.Tags,
			MaxPostLength:        acc.MaxPostLength,
			SplitMultiImagePosts: acc.SplitMultiImagePosts,
		}, cache)
		clients = append(clients, c)
	}

	return clients
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// VerifyAll calls VerifyCredentials on every Mastodon client (the
// construction-time auth check) and logs, but does not fail startup on,
// any disabled account.
func VerifyAll(clients []Client) {
	for _, c := range clients {
		if c.Platform() != Mastodon {
			continue
		}
		if err := c.VerifyCredentials(context.Background()); err != nil {
			slog.Warn("platform account disabled", "platform", c.Platform(), "account", c.AccountName(), "error", err)
		}
	}
}
