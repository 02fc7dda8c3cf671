// posse is a single-binary POSSE bridge: it listens for Ghost publish
// webhooks, syndicates each post to every matching Mastodon/Bluesky
// account, tracks the resulting mapping in SQLite, periodically syncs
// likes/reposts/replies back from each platform, and serves a
// webmention receiver and reply form for the blog's comment surface.
//
// Usage:
//
//	export CONFIG_PATH=/etc/posse/config.yaml
//	./posse
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/discovery"
	"github.com/wpowiertowski/posse/internal/dispatch"
	"github.com/wpowiertowski/posse/internal/ghost"
	"github.com/wpowiertowski/posse/internal/imagecache"
	"github.com/wpowiertowski/posse/internal/interactions"
	"github.com/wpowiertowski/posse/internal/llm"
	"github.com/wpowiertowski/posse/internal/notify"
	"github.com/wpowiertowski/posse/internal/reply"
	"github.com/wpowiertowski/posse/internal/scheduler"
	"github.com/wpowiertowski/posse/internal/server"
	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
	"github.com/wpowiertowski/posse/internal/webmention"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting posse bridge")

	// ─── Configuration ──────────────────────────────────────────────────
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "storage_root", cfg.StorageRoot, "listen_addr", cfg.ListenAddr)

	// ─── Storage ────────────────────────────────────────────────────────
	st, err := store.Open(filepath.Join(cfg.StorageRoot, "interactions.db"), cfg.StorageRoot)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cache := imagecache.New(filepath.Join(os.TempDir(), "posse_image_cache"))

	// ─── Platform clients ───────────────────────────────────────────────
	clients := social.BuildClients(cfg, cache)
	social.VerifyAll(clients)

	// ─── Optional collaborators ─────────────────────────────────────────
	appToken, userKey := cfg.PushoverCreds()
	notifier := notify.New(appToken, userKey, cfg.Pushover.Enabled)

	llmClient := llm.New(cfg.LLM.URL, cfg.LLM.Port, cfg.LLM.Enabled, cfg.LLM.Timeout)

	ghostClient := ghost.New(cfg.Ghost.ContentAPI.URL, cfg.Ghost.ContentAPI.Key, cfg.Ghost.ContentAPI.Version, cfg.Ghost.ContentAPI.Timeout)

	syncer := interactions.New(clients, st, notifier)

	var sched *scheduler.Scheduler
	if cfg.Interactions.Enabled {
		sched = scheduler.New(syncer, st, scheduler.Config{
			HeartbeatIntervalMinutes: cfg.Interactions.SyncIntervalMinutes,
			MaxPostAgeDays:           cfg.Interactions.MaxPostAgeDays,
		})
	}

	var syncTrigger dispatch.SyncTrigger
	if sched != nil {
		syncTrigger = sched
	}
	dispatcher := dispatch.New(clients, cache, st, llmClient, syncTrigger)

	engine := discovery.New(clients, st)

	wmSender := webmention.NewSender(cfg.Webmention.Targets, st)

	var wmReceiver *webmention.Receiver
	if cfg.Webmention.ReceiverEnabled {
		wmReceiver = webmention.NewReceiver(cfg.BaseURL, st)
	}

	var replyHandler *reply.Handler
	if cfg.WebmentionReply.Enabled {
		replyHandler = reply.New(cfg.WebmentionReply, st, wmSender, cfg.BaseURL)
	}

	// ─── HTTP server ────────────────────────────────────────────────────
	srv := server.New(cfg, st, dispatcher, syncer, sched, engine, wmSender, wmReceiver, replyHandler, ghostClient, notifier, clients)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
	}

	if err := srv.Start(ctx, cfg.ListenAddr); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("posse bridge stopped")
}
