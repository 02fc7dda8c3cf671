// Package server implements the HTTP surface (component N): Ghost
// webhook intake, health/readiness, interaction reads and manual sync,
// webmention receipt and query, and the reply form endpoint. Routing,
// middleware, and the async-dispatch-then-202 pattern follow the
// teacher's activity surface; the routes themselves are the bridge's own.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wpowiertowski/posse/internal/apperr"
	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/discovery"
	"github.com/wpowiertowski/posse/internal/dispatch"
	"github.com/wpowiertowski/posse/internal/ghost"
	"github.com/wpowiertowski/posse/internal/interactions"
	"github.com/wpowiertowski/posse/internal/notify"
	"github.com/wpowiertowski/posse/internal/ratelimit"
	"github.com/wpowiertowski/posse/internal/reply"
	"github.com/wpowiertowski/posse/internal/schema"
	"github.com/wpowiertowski/posse/internal/scheduler"
	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
	"github.com/wpowiertowski/posse/internal/webmention"
)

const (
	maxWebhookBodyBytes = 1 << 20 // 1 MiB, matches the teacher's inbox cap
	eventQueueDepth     = 256
	dispatchTimeout     = 60 * time.Second
	discoveryTimeout    = 30 * time.Second
)

var interactionIDPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

// Server owns every collaborator the HTTP surface drives and the bounded
// event queue that decouples webhook intake from syndication fan-out.
type Server struct {
	cfg *config.Config

	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	syncer      *interactions.Syncer
	scheduler   *scheduler.Scheduler // nil disables manual-sync
	engine      *discovery.Engine    // nil disables on-demand discovery
	wmSender    *webmention.Sender
	wmReceiver  *webmention.Receiver // nil disables inbound webmentions
	replyH      *reply.Handler       // nil disables the reply form
	ghostClient *ghost.Client
	notifier    *notify.Pushover
	clients     []social.Client

	ipLimiter         *ratelimit.Limiter
	discoveryLimiter  *ratelimit.Limiter
	discoveryCooldown *ratelimit.Cooldown

	eventQueue chan dispatch.Event
	router     *chi.Mux
	startedAt  time.Time
}

// New wires every collaborator into a ready-to-serve Server. Optional
// collaborators (scheduler, discovery engine, webmention receiver, reply
// handler) may be nil; their routes then degrade per apperr.NotConfigured.
func New(
	cfg *config.Config,
	st *store.Store,
	dispatcher *dispatch.Dispatcher,
	syncer *interactions.Syncer,
	sched *scheduler.Scheduler,
	engine *discovery.Engine,
	wmSender *webmention.Sender,
	wmReceiver *webmention.Receiver,
	replyH *reply.Handler,
	ghostClient *ghost.Client,
	notifier *notify.Pushover,
	clients []social.Client,
) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		dispatcher:  dispatcher,
		syncer:      syncer,
		scheduler:   sched,
		engine:      engine,
		wmSender:    wmSender,
		wmReceiver:  wmReceiver,
		replyH:      replyH,
		ghostClient: ghostClient,
		notifier:    notifier,
		clients:     clients,

		ipLimiter:         ratelimit.New(cfg.Security.RateLimitPerMinute, time.Minute),
		discoveryLimiter:  ratelimit.New(cfg.Security.DiscoveryRateLimit, time.Minute),
		discoveryCooldown: ratelimit.NewCooldown(time.Duration(cfg.Security.DiscoveryCooldownSecs) * time.Second),

		eventQueue: make(chan dispatch.Event, eventQueueDepth),
		startedAt:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start launches the single event-queue consumer and blocks serving HTTP
// on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.consumeEvents(ctx)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server: graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("server: listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// consumeEvents is the event queue's single consumer, per the design
// note that the dispatcher must see events one at a time.
func (s *Server) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.eventQueue:
			dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
			if err := s.dispatcher.Handle(dctx, ev); err != nil {
				slog.Error("server: dispatch failed", "error", err)
				if s.notifier != nil {
					s.notifier.NotifyValidationError(dctx, err.Error())
				}
			} else {
				s.notifyWebmentionTargets(dctx, ev)
			}
			cancel()
		}
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.linkHeaderMiddleware)

	r.Get("/health", s.handleHealth)
	r.Post("/healthcheck", s.handleHealthcheck)

	r.Post("/webhook/ghost", s.handleGhostWebhook)
	r.Post("/webhook/ghost/post-updated", s.handleGhostPostUpdated)

	r.Route("/api", func(r chi.Router) {
		r.Use(noStoreMiddleware)
		r.Get("/interactions/{id}", s.handleGetInteractions)
		r.Post("/interactions/{id}/sync", s.handleTriggerSync)
		r.Get("/webmentions/{path}", s.handleWebmentionsForTarget)
		r.Post("/webmention/reply", s.handleReplySubmit)
	})

	r.Get("/webmention", s.handleWebmentionGet)
	r.Post("/webmention", s.handleWebmentionPost)
	r.Get("/reply/{id}", s.handleReplyRender)

	return r
}

// --- webhooks --------------------------------------------------------------

func (s *Server) handleGhostWebhook(w http.ResponseWriter, r *http.Request) {
	if secret := s.cfg.Security.WebhookSecret; secret != "" {
		if r.Header.Get("X-Webhook-Secret") != secret {
			writeError(w, apperr.Auth("invalid webhook secret"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, apperr.Validation("", "failed to read request body"))
		return
	}

	payload, err := schema.ValidateGhostWebhook(body)
	if err != nil {
		writeError(w, err)
		return
	}

	current := postCurrent(payload)
	if s.notifier != nil {
		title, _ := current["title"].(string)
		id, _ := current["id"].(string)
		s.notifier.NotifyPostReceived(r.Context(), title, id)
	}

	s.enqueue(w, dispatch.Event{Current: current})
}

// handleGhostPostUpdated diffs the post's current tags against its
// existing mapping and skips re-syndication for accounts that already
// have an entry, syndicating only to newly-matching accounts.
func (s *Server) handleGhostPostUpdated(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, apperr.Validation("", "failed to read request body"))
		return
	}

	payload, err := schema.ValidateGhostWebhook(body)
	if err != nil {
		writeError(w, err)
		return
	}

	current := postCurrent(payload)
	status, _ := current["status"].(string)
	if status != "published" {
		jsonResponse(w, map[string]string{"status": "skipped"}, http.StatusOK)
		return
	}

	id, _ := current["id"].(string)
	var postSlugs []string
	if rawTags, ok := current["tags"].([]any); ok {
		for _, rt := range rawTags {
			if tm, ok := rt.(map[string]any); ok {
				if slug, ok := tm["slug"].(string); ok {
					postSlugs = append(postSlugs, slug)
				}
			}
		}
	}

	existing, _, err := s.store.GetMapping(id)
	if err != nil {
		writeError(w, apperr.Internal("reading mapping", err))
		return
	}

	targets := map[string]bool{}
	for _, c := range s.clients {
		if !c.Enabled() {
			continue
		}
		if existing != nil {
			if _, already := existing.Platforms[string(c.Platform())][c.AccountName()]; already {
				continue
			}
		}
		if matchesTags(c.Tags(), postSlugs) {
			targets[string(c.Platform())+":"+c.AccountName()] = true
		}
	}

	if len(targets) == 0 {
		jsonResponse(w, map[string]string{"status": "already_syndicated"}, http.StatusOK)
		return
	}

	s.enqueue(w, dispatch.Event{Current: current, TargetAccounts: targets})
}

// notifyWebmentionTargets fires the outbound webmention notification
// (§4.K) for a successfully-dispatched published post. Skipped for
// unpublished posts and when no sender is configured. Events carrying a
// TargetAccounts override came from the post-updated webhook, so they
// route to NotifyUpdate, which diffs against the previously-recorded
// outbound link set instead of blindly re-sending every current link.
func (s *Server) notifyWebmentionTargets(ctx context.Context, ev dispatch.Event) {
	if s.wmSender == nil {
		return
	}
	status, _ := ev.Current["status"].(string)
	if status != "published" {
		return
	}
	id, _ := ev.Current["id"].(string)
	postURL, _ := ev.Current["url"].(string)
	contentHTML, _ := ev.Current["html"].(string)
	var tags []string
	if rawTags, ok := ev.Current["tags"].([]any); ok {
		for _, rt := range rawTags {
			if tm, ok := rt.(map[string]any); ok {
				if slug, ok := tm["slug"].(string); ok {
					tags = append(tags, slug)
				}
			}
		}
	}
	if ev.TargetAccounts != nil {
		s.wmSender.NotifyUpdate(ctx, id, postURL, contentHTML, tags)
		return
	}
	s.wmSender.NotifyPublish(ctx, id, postURL, contentHTML, tags)
}

func postCurrent(payload map[string]any) map[string]any {
	post, _ := payload["post"].(map[string]any)
	current, _ := post["current"].(map[string]any)
	return current
}

// matchesTags mirrors dispatch.TagsMatch's case-insensitive membership
// check against plain tag slugs, since the update webhook only carries
// slugs, not extract.Tag values.
func matchesTags(clientTags []string, postSlugs []string) bool {
	if len(clientTags) == 0 {
		return true
	}
	for _, ct := range clientTags {
		for _, slug := range postSlugs {
			if strings.EqualFold(ct, slug) {
				return true
			}
		}
	}
	return false
}

func (s *Server) enqueue(w http.ResponseWriter, ev dispatch.Event) {
	select {
	case s.eventQueue <- ev:
		jsonResponse(w, map[string]string{"status": "queued"}, http.StatusAccepted)
	default:
		slog.Error("server: event queue full, dropping event")
		writeError(w, apperr.Internal("event queue is full", nil))
	}
}

// --- health ----------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	}, http.StatusOK)
}

// handleHealthcheck is the deeper, authenticated check: it verifies every
// configured platform client's credentials and pings the notifier. An
// unset internal token fails the endpoint closed (503), matching the
// surface's "unset auth tokens disable, never bypass" invariant.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Security.InternalAPIToken
	if token == "" || r.Header.Get("X-Internal-Token") != token {
		writeError(w, apperr.NotConfigured("internal healthcheck is not available"))
		return
	}

	results := map[string]string{}
	for _, c := range s.clients {
		key := string(c.Platform()) + ":" + c.AccountName()
		if !c.Enabled() {
			results[key] = "disabled"
			continue
		}
		if err := c.VerifyCredentials(r.Context()); err != nil {
			results[key] = "failed: " + err.Error()
			continue
		}
		results[key] = "ok"
	}

	notifyOK := false
	if s.notifier != nil {
		notifyOK = s.notifier.SendTest(r.Context())
	}

	jsonResponse(w, map[string]any{
		"clients":     results,
		"notify_ok":   notifyOK,
		"event_queue": len(s.eventQueue),
	}, http.StatusOK)
}

// --- interactions ------------------------------------------------------------

func (s *Server) handleGetInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !interactionIDPattern.MatchString(id) {
		writeError(w, apperr.Validation("id", "must be a 24-character lowercase hex Ghost post id"))
		return
	}

	if allowed := s.cfg.Security.AllowedReferrers; len(allowed) > 0 {
		if !refererAllowed(r.Referer(), allowed) {
			writeError(w, apperr.Forbidden("referrer is not allowed"))
			return
		}
	}

	if !s.ipLimiter.Allow(clientIP(r)) {
		writeError(w, apperr.RateLimited("too many requests"))
		return
	}

	record, hasRecord, err := s.store.GetInteractions(id)
	if err != nil {
		writeError(w, apperr.Internal("reading interactions", err))
		return
	}
	if hasRecord {
		jsonResponse(w, record, http.StatusOK)
		return
	}

	mapping, hasMapping, err := s.store.GetMapping(id)
	if err != nil {
		writeError(w, apperr.Internal("reading mapping", err))
		return
	}
	if hasMapping {
		jsonResponse(w, mappingLinksRecord(mapping), http.StatusOK)
		return
	}

	if s.engine == nil || s.ghostClient == nil {
		jsonResponse(w, &store.InteractionRecord{GhostPostID: id}, http.StatusOK)
		return
	}

	if !s.discoveryCooldown.Ready(id) || !s.discoveryLimiter.Allow(clientIP(r)) {
		jsonResponse(w, &store.InteractionRecord{GhostPostID: id}, http.StatusOK)
		return
	}

	post, found, err := s.ghostClient.GetPostByID(id)
	if err != nil || !found {
		jsonResponse(w, &store.InteractionRecord{GhostPostID: id}, http.StatusOK)
		return
	}

	dctx, cancel := context.WithTimeout(r.Context(), discoveryTimeout)
	defer cancel()
	if _, err := s.engine.DiscoverMapping(dctx, id, post.URL); err != nil {
		slog.Warn("server: on-demand discovery failed", "ghost_post_id", id, "error", err)
		jsonResponse(w, &store.InteractionRecord{GhostPostID: id}, http.StatusOK)
		return
	}

	rec, err := s.syncer.SyncPostInteractions(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Upstream("interaction sync failed", err))
		return
	}
	jsonResponse(w, rec, http.StatusOK)
}

// mappingLinksRecord builds a links-only InteractionRecord straight from
// a syndication mapping, without fetching live counts from any platform.
func mappingLinksRecord(m *store.Mapping) *store.InteractionRecord {
	rec := &store.InteractionRecord{
		GhostPostID:      m.GhostPostID,
		SyndicationLinks: map[string]map[string]any{},
	}
	for platform, accounts := range m.Platforms {
		rec.SyndicationLinks[platform] = map[string]any{}
		for account, raw := range accounts {
			entries, err := store.DecodeEntries(raw)
			if err != nil || len(entries) == 0 {
				continue
			}
			if len(entries) == 1 {
				rec.SyndicationLinks[platform][account] = entries[0].PostURL
				continue
			}
			links := make([]string, len(entries))
			for i, e := range entries {
				links[i] = e.PostURL
			}
			rec.SyndicationLinks[platform][account] = links
		}
	}
	return rec
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Security.InternalAPIToken
	if token == "" || r.Header.Get("X-Internal-Token") != token {
		writeError(w, apperr.NotConfigured("manual sync is not available"))
		return
	}
	if s.scheduler == nil {
		writeError(w, apperr.NotConfigured("scheduler is not running"))
		return
	}
	id := chi.URLParam(r, "id")
	s.scheduler.TriggerManualSync(id)
	jsonResponse(w, map[string]string{"status": "scheduled"}, http.StatusAccepted)
}

// --- webmentions -------------------------------------------------------------

func (s *Server) handleWebmentionPost(w http.ResponseWriter, r *http.Request) {
	if s.wmReceiver == nil {
		writeError(w, apperr.NotConfigured("webmention receiver is disabled"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.Validation("", "invalid form body"))
		return
	}
	source := r.FormValue("source")
	target := r.FormValue("target")

	wm, err := s.wmReceiver.Accept(source, target)
	if err != nil {
		writeError(w, apperr.Validation("", err.Error()))
		return
	}
	go s.wmReceiver.Verify(context.Background(), wm.Source, wm.Target)
	jsonResponse(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}

func (s *Server) handleWebmentionGet(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"endpoint": "webmention"}, http.StatusOK)
}

func (s *Server) handleWebmentionsForTarget(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	mentions, err := s.store.WebmentionsForTarget(path)
	if err != nil {
		writeError(w, apperr.Internal("reading webmentions", err))
		return
	}
	jsonResponse(w, mentions, http.StatusOK)
}

// --- reply form --------------------------------------------------------------

func (s *Server) handleReplySubmit(w http.ResponseWriter, r *http.Request) {
	if s.replyH == nil {
		writeError(w, apperr.NotConfigured("reply form is disabled"))
		return
	}

	var sub reply.Submission
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBodyBytes)).Decode(&sub); err != nil {
			writeError(w, apperr.Validation("", "invalid JSON body"))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, apperr.Validation("", "invalid form body"))
			return
		}
		sub = reply.Submission{
			Website:        r.FormValue("website"),
			AuthorName:     r.FormValue("author_name"),
			AuthorURL:      r.FormValue("author_url"),
			Content:        r.FormValue("content"),
			Target:         r.FormValue("target"),
			TurnstileToken: r.FormValue("cf-turnstile-response"),
		}
	}

	result, err := s.replyH.Submit(r.Context(), sub, clientIP(r))
	if err != nil {
		if reply.IsHoneypot(err) {
			jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
			return
		}
		if reply.IsRateLimited(err) {
			writeError(w, apperr.RateLimited("too many replies from this address"))
			return
		}
		writeError(w, apperr.Validation("", err.Error()))
		return
	}
	jsonResponse(w, result, http.StatusCreated)
}

func (s *Server) handleReplyRender(w http.ResponseWriter, r *http.Request) {
	if s.replyH == nil {
		http.NotFound(w, r)
		return
	}
	id := chi.URLParam(r, "id")
	html, ok, err := s.replyH.Render(id)
	if err != nil {
		writeError(w, apperr.Internal("rendering reply", err))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}

// --- helpers -----------------------------------------------------------------

func refererAllowed(referer string, allowed []string) bool {
	if referer == "" {
		return false
	}
	for _, a := range allowed {
		if strings.Contains(referer, a) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := apperr.StatusAndMessage(err)
	jsonResponse(w, map[string]string{"error": msg}, status)
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: failed to encode response", "error", err)
	}
}

func noStoreMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) linkHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `</webmention>; rel="webmention"`)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORS.Enabled {
			origin := "*"
			if len(s.cfg.CORS.Origins) > 0 {
				origin = strings.Join(s.cfg.CORS.Origins, ", ")
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Webhook-Secret, X-Internal-Token")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
