package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/pipeline"
	"github.com/banshee-data/lanecount/internal/report"
	"github.com/banshee-data/lanecount/internal/tracking"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SnapshotProvider is implemented by *pipeline.Loop.
type SnapshotProvider interface {
	Snapshot() pipeline.Snapshot
}

// ConfigView is the effective counter configuration with defaults applied.
type ConfigView struct {
	MatchDistance float64             `json:"match_distance"`
	MatchPolicy   string              `json:"match_policy"`
	MinRegionArea float64             `json:"min_region_area"`
	FrameHeight   int                 `json:"frame_height"`
	Boundaries    []crossing.Boundary `json:"boundaries"`
	// FrameLayout is set when the boundaries are recomputed from each
	// frame's height; Boundaries is then the frame_height fallback.
	FrameLayout   bool                `json:"frame_layout"`
	EventBuffer   int                 `json:"event_buffer"`
	FlushInterval string              `json:"flush_interval"`
}

// NewConfigView resolves cfg. The tracker config and boundaries are taken as
// given so the view reflects any command-line overrides.
func NewConfigView(cfg *config.CounterConfig, tc tracking.TrackerConfig, boundaries []crossing.Boundary) ConfigView {
	return ConfigView{
		MatchDistance: tc.MatchDistance,
		MatchPolicy:   string(tc.Policy),
		MinRegionArea: cfg.GetMinRegionArea(),
		FrameHeight:   cfg.GetFrameHeight(),
		Boundaries:    boundaries,
		FrameLayout:   !cfg.HasBoundaries(),
		EventBuffer:   cfg.GetEventBuffer(),
		FlushInterval: cfg.GetFlushInterval().String(),
	}
}

type Server struct {
	live   SnapshotProvider
	db     *db.DB
	config ConfigView
}

// NewServer returns a server. live and store may be nil; the endpoints that
// need them then answer 503.
func NewServer(live SnapshotProvider, store *db.DB, cfg ConfigView) *Server {
	return &Server{
		live:   live,
		db:     store,
		config: cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/counts", s.showCounts)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/{id}/events", s.listRunEvents)
	mux.HandleFunc("/api/runs/{id}/counts", s.showRunCounts)
	mux.HandleFunc("/api/runs/{id}/summary", s.showRunSummary)
	mux.HandleFunc("/api/chart", s.showChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// startJSON sets the JSON content type and rejects anything but GET.
func (s *Server) startJSON(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Event store not configured")
		return false
	}
	return true
}

// storeError maps store errors to responses.
func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, db.ErrRunNotFound) {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve %s: %v", what, err))
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	if !s.startJSON(w, r) {
		return
	}
	if s.live == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "No counter running")
		return
	}
	if err := json.NewEncoder(w).Encode(s.live.Snapshot()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write counts")
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !s.startJSON(w, r) {
		return
	}
	if err := json.NewEncoder(w).Encode(s.config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.startJSON(w, r) || !s.requireDB(w) {
		return
	}
	limit, ok := s.parseLimit(w, r, 100)
	if !ok {
		return
	}
	runs, err := s.db.ListRuns(r.Context(), limit)
	if err != nil {
		s.storeError(w, "runs", err)
		return
	}
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write runs")
	}
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return def, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return 0, false
	}
	return n, true
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request) {
	if !s.startJSON(w, r) || !s.requireDB(w) {
		return
	}
	limit, ok := s.parseLimit(w, r, 0)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if _, err := s.db.GetRun(r.Context(), runID); err != nil {
		s.storeError(w, "run", err)
		return
	}
	events, err := s.db.ListEvents(r.Context(), runID, limit)
	if err != nil {
		s.storeError(w, "events", err)
		return
	}
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write events")
	}
}

func (s *Server) showRunCounts(w http.ResponseWriter, r *http.Request) {
	if !s.startJSON(w, r) || !s.requireDB(w) {
		return
	}
	counts, err := s.db.RunCounts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "counts", err)
		return
	}
	if err := json.NewEncoder(w).Encode(counts); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write counts")
	}
}

// runData loads a run's events with the labels to report on: every label
// with a stored count, plus any label seen only in events.
func (s *Server) runData(r *http.Request, runID string) (db.Run, []crossing.Event, []string, error) {
	run, err := s.db.GetRun(r.Context(), runID)
	if err != nil {
		return db.Run{}, nil, nil, err
	}
	events, seen, err := s.db.RunEvents(r.Context(), runID)
	if err != nil {
		return db.Run{}, nil, nil, err
	}
	counts, err := s.db.RunCounts(r.Context(), runID)
	if err != nil {
		return db.Run{}, nil, nil, err
	}
	for _, l := range seen {
		if _, ok := counts.ByLabel[l]; !ok {
			counts.ByLabel[l] = 0
		}
	}
	return run, events, counts.Labels(), nil
}

func (s *Server) showRunSummary(w http.ResponseWriter, r *http.Request) {
	if !s.startJSON(w, r) || !s.requireDB(w) {
		return
	}
	_, events, labels, err := s.runData(r, r.PathValue("id"))
	if err != nil {
		s.storeError(w, "summary", err)
		return
	}
	if err := json.NewEncoder(w).Encode(report.Summarise(events, labels)); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write summary")
	}
}

// showChart renders the cumulative count chart for run_id, or for the most
// recent run when run_id is omitted.
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.requireDB(w) {
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runs, err := s.db.ListRuns(r.Context(), 1)
		if err != nil {
			s.storeError(w, "runs", err)
			return
		}
		if len(runs) == 0 {
			s.writeJSONError(w, http.StatusNotFound, "No runs recorded")
			return
		}
		runID = runs[0].RunID
	}

	run, events, labels, err := s.runData(r, runID)
	if err != nil {
		s.storeError(w, "chart data", err)
		return
	}
	last := run.Frames - 1
	if n := len(events); n > 0 && events[n-1].Frame > last {
		last = events[n-1].Frame
	}
	series := report.CumulativeSeries(events, labels, max(last, 0))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderHTML(w, fmt.Sprintf("Crossings: %s (%s)", run.Source, run.RunID), series); err != nil {
		monitoring.Logf("api: chart for run %s: %v", run.RunID, err)
	}
}
