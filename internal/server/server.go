// Package server provides the JSON API consumed by the reader UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/localrss/internal/config"
	"github.com/bryan-buckman/localrss/internal/database"
	"github.com/bryan-buckman/localrss/internal/model"
	"github.com/bryan-buckman/localrss/internal/opml"
	"github.com/bryan-buckman/localrss/internal/update"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
)

// Server is the HTTP surface over the store and the update orchestrator.
type Server struct {
	store  database.Store
	orch   *update.Orchestrator
	sched  *update.Scheduler
	cfg    config.Config
	logger *slog.Logger
	router chi.Router
}

// New creates the server and its routes.
func New(store database.Store, orch *update.Orchestrator, sched *update.Scheduler, cfg config.Config, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		orch:   orch,
		sched:  sched,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/items", s.handleItems)
		r.Post("/mark_read", s.handleMarkRead)
		r.Post("/toggle_bookmark", s.handleToggleBookmark)
		r.Get("/stats", s.handleStats)
		r.Get("/config", s.handleConfig)

		r.Get("/feeds", s.handleFeeds)
		r.Get("/feed/{feedID}", s.handleFeedGet)
		r.Post("/feed_create", s.handleFeedCreate)
		r.Post("/feed_update", s.handleFeedUpdate)
		r.Post("/feed_delete", s.handleFeedDelete)

		r.Post("/update_start", s.handleUpdateStart)
		r.Get("/update_progress", s.handleUpdateProgress)
		r.Post("/update_cancel", s.handleUpdateCancel)
		r.Post("/scheduler", s.handleScheduler)

		r.Get("/opml_export", s.handleExportOPML)
		r.Post("/opml_import", s.handleImportOPML)
	})

	s.router = r
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// updateActive reports whether a run is in flight; feed mutations are
// rejected while one is.
func (s *Server) updateActive() bool {
	state := s.orch.Status().State
	return state == model.RunRunning || state == model.RunCancelling
}

func (s *Server) rejectDuringUpdate(w http.ResponseWriter) bool {
	if s.updateActive() {
		s.writeError(w, http.StatusConflict, "cannot modify feeds while an update is running")
		return true
	}
	return false
}

// refreshFeedAsync fetches one feed in the background so a new or re-pointed
// subscription fills in without waiting for the scheduler.
func (s *Server) refreshFeedAsync(r *http.Request, feed model.Feed) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.orch.RefreshFeed(ctx, feed); err != nil {
			s.logger.Warn("initial fetch failed", "url", feed.URL, "error", err)
		}
	}()
}

type feedJSON struct {
	ID         int64  `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	LastError  string `json:"last_error,omitempty"`
	LastOK     int64  `json:"last_ok,omitempty"`
	MonthCount int    `json:"month_count"`
}

func toFeedJSON(f model.Feed) feedJSON {
	j := feedJSON{
		ID:         f.ID,
		URL:        f.URL,
		Title:      f.Title,
		LastError:  f.LastError,
		MonthCount: f.MonthCount,
	}
	if !f.LastOK.IsZero() {
		j.LastOK = f.LastOK.Unix()
	}
	return j
}

type entryJSON struct {
	ID          int64  `json:"id"`
	FeedID      int64  `json:"feed_id"`
	Title       string `json:"title"`
	Link        string `json:"link"`
	Published   int64  `json:"published"`
	ContentHTML string `json:"content_html"`
	ReadAt      *int64 `json:"read_at"`
	Bookmarked  bool   `json:"bookmarked"`
}

func toEntryJSON(e model.Entry) entryJSON {
	j := entryJSON{
		ID:          e.ID,
		FeedID:      e.FeedID,
		Title:       e.Title,
		Link:        e.Link,
		Published:   e.Published.Unix(),
		ContentHTML: e.ContentHTML,
		Bookmarked:  e.Bookmarked,
	}
	if e.ReadAt != nil {
		ts := e.ReadAt.Unix()
		j.ReadAt = &ts
	}
	return j
}

// --- Item Handlers ---

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	filter := database.EntryFilter{
		Mode: strings.ToLower(r.URL.Query().Get("filter")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if feedID := r.URL.Query().Get("feed_id"); feedID != "" {
		id, err := strconv.ParseInt(feedID, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid feed_id")
			return
		}
		filter.FeedID = &id
	}

	entries, err := s.store.GetEntries(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	s.writeJSON(w, http.StatusOK, lo.Map(entries, func(e model.Entry, _ int) entryJSON {
		return toEntryJSON(e)
	}))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := s.store.MarkEntryRead(req.ID, time.Now()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleToggleBookmark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	bookmarked, err := s.store.ToggleBookmark(req.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to toggle bookmark")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bookmarked": bookmarked})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"feeds":             stats.Feeds,
		"unread":            stats.Unread,
		"bookmarked":        stats.Bookmarked,
		"retention_days":    s.cfg.RetentionDays,
		"scheduler_enabled": s.sched.Enabled(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"db_path":        s.cfg.DBPath,
		"port":           s.cfg.Port,
		"retention_days": s.cfg.RetentionDays,
		"user_agent":     s.cfg.UserAgent,
		"concurrency":    s.cfg.Concurrency,
	})
}

// --- Feed Handlers ---

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	feeds, err := s.store.SearchFeeds(strings.TrimSpace(r.URL.Query().Get("q")), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"feeds": lo.Map(feeds, func(f model.Feed, _ int) feedJSON {
			return toFeedJSON(f)
		}),
	})
}

func (s *Server) handleFeedGet(w http.ResponseWriter, r *http.Request) {
	feedID, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid feed id")
		return
	}
	feed, err := s.store.GetFeedByID(feedID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	if feed == nil {
		s.writeError(w, http.StatusNotFound, "unknown feed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feed": toFeedJSON(*feed)})
}

func (s *Server) handleFeedCreate(w http.ResponseWriter, r *http.Request) {
	if s.rejectDuringUpdate(w) {
		return
	}
	var req struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.writeError(w, http.StatusBadRequest, "url must start with http:// or https://")
		return
	}

	if existing, err := s.store.GetFeedByURL(req.URL); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to check feed")
		return
	} else if existing != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feed": toFeedJSON(*existing), "existing": true})
		return
	}

	id, err := s.store.CreateFeed(req.URL, strings.TrimSpace(req.Title))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create feed")
		return
	}
	s.refreshFeedAsync(r, model.Feed{ID: id, URL: req.URL})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"feed":     feedJSON{ID: id, URL: req.URL, Title: strings.TrimSpace(req.Title)},
		"existing": false,
	})
}

func (s *Server) handleFeedUpdate(w http.ResponseWriter, r *http.Request) {
	if s.rejectDuringUpdate(w) {
		return
	}
	var req struct {
		ID    int64  `json:"id"`
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}

	existing, err := s.store.GetFeedByID(req.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	if existing == nil {
		s.writeError(w, http.StatusNotFound, "unknown feed")
		return
	}
	if req.URL != existing.URL {
		if other, err := s.store.GetFeedByURL(req.URL); err == nil && other != nil {
			s.writeError(w, http.StatusConflict, "a feed with that URL already exists")
			return
		}
	}
	if err := s.store.UpdateFeed(req.ID, req.URL, strings.TrimSpace(req.Title)); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update feed")
		return
	}
	if req.URL != existing.URL {
		s.refreshFeedAsync(r, model.Feed{ID: req.ID, URL: req.URL})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"feed": feedJSON{ID: req.ID, URL: req.URL, Title: strings.TrimSpace(req.Title)},
	})
}

func (s *Server) handleFeedDelete(w http.ResponseWriter, r *http.Request) {
	if s.rejectDuringUpdate(w) {
		return
	}
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	feed, err := s.store.GetFeedByID(req.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	if feed == nil {
		s.writeError(w, http.StatusNotFound, "unknown feed")
		return
	}
	if err := s.store.DeleteFeed(req.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete feed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Update Handlers ---

func (s *Server) handleUpdateStart(w http.ResponseWriter, r *http.Request) {
	runID, err := s.orch.Start(context.WithoutCancel(r.Context()), false)
	if errors.Is(err, update.ErrAlreadyRunning) {
		// Hand back the active run instead of a second one.
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": s.orch.Status().ID, "existing": true})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to start update")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": runID})
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": s.orch.Status()})
}

func (s *Server) handleUpdateCancel(w http.ResponseWriter, r *http.Request) {
	// No-op ack when no run is active.
	cancelled := s.orch.Cancel()
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelled": cancelled})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	s.sched.SetEnabled(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scheduler_enabled": s.sched.Enabled()})
}

// --- OPML Handlers ---

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.store.GetAllFeeds()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}
	data, err := opml.Export("localrss feeds", lo.Map(feeds, func(f model.Feed, _ int) opml.FeedEntry {
		return opml.FeedEntry{Title: f.Title, URL: f.URL}
	}))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feeds.opml")
	w.Write(data)
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	if s.rejectDuringUpdate(w) {
		return
	}
	file, _, err := r.FormFile("opml")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field 'opml'")
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := strings.ToLower(r.FormValue("mode"))
	if mode == "" {
		mode = "merge"
	}
	if mode != "merge" && mode != "replace" {
		s.writeError(w, http.StatusBadRequest, "unknown mode: "+mode)
		return
	}
	if mode == "replace" {
		existing, err := s.store.GetAllFeeds()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to list feeds")
			return
		}
		for _, f := range existing {
			if err := s.store.DeleteFeed(f.ID); err != nil {
				s.writeError(w, http.StatusInternalServerError, "failed to clear feeds")
				return
			}
		}
	}

	imported, skipped := 0, 0
	for _, e := range entries {
		existing, err := s.store.GetFeedByURL(e.URL)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "import failed")
			return
		}
		if existing != nil {
			skipped++
			continue
		}
		if _, err := s.store.CreateFeed(e.URL, e.Title); err != nil {
			s.writeError(w, http.StatusInternalServerError, "import failed")
			return
		}
		imported++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"mode":     mode,
		"imported": imported,
		"skipped":  skipped,
	})
}
