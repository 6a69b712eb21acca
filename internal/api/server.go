// Package api serves recorded episodes and the running episode over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/scout/internal/db"
	"github.com/banshee-data/scout/internal/episode"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/motion"
	"github.com/banshee-data/scout/internal/report"
)

// EpisodeStore is the read side of the episode database.
type EpisodeStore interface {
	Episodes(ctx context.Context, limit int) ([]db.EpisodeRow, error)
	Episode(ctx context.Context, id string) (db.EpisodeRow, error)
	Steps(ctx context.Context, episodeID string) ([]db.StepRow, error)
}

// Live reports the episode currently being stepped. ok is false when no
// controller is running.
type Live interface {
	Current() (ep episode.Episode, last episode.StepRecord, vis *image.RGBA, ok bool)
}

type Server struct {
	store EpisodeStore
	live  Live
	log   *monitoring.Logger
}

// NewServer returns a Server over store. live may be nil.
func NewServer(store EpisodeStore, live Live, log *monitoring.Logger) *Server {
	return &Server{store: store, live: live, log: log}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration to the trace stream.
func LoggingMiddleware(log *monitoring.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Tracef("[%d] %s %s %.2fms", lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/episodes", s.listEpisodes)
	mux.HandleFunc("GET /api/episodes/{id}", s.showEpisode)
	mux.HandleFunc("GET /api/episodes/{id}/chart", s.showStepChart)
	mux.HandleFunc("GET /api/episodes/{id}/trajectory.png", s.showTrajectory)
	mux.HandleFunc("GET /api/live", s.showLive)
	mux.HandleFunc("GET /api/live/vis.png", s.showLiveVis)
	return mux
}

type episodeJSON struct {
	ID        string     `json:"id"`
	GoalLabel string     `json:"goal_label"`
	Goal      int        `json:"goal"`
	Backend   string     `json:"backend"`
	MaxSteps  int        `json:"max_steps"`
	StepCount int        `json:"step_count"`
	Retries   int        `json:"retries"`
	Finished  bool       `json:"finished"`
	EndReason string     `json:"end_reason,omitempty"`
	Started   time.Time  `json:"started"`
	Ended     *time.Time `json:"ended,omitempty"`
}

type stepJSON struct {
	Step      int        `json:"step"`
	At        time.Time  `json:"at"`
	Action    int        `json:"action"`
	ActionStr string     `json:"action_name,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	Pose      [3]float64 `json:"pose"`
	LatencyMs float64    `json:"latency_ms"`
	Attempts  int        `json:"attempts"`
	Finished  bool       `json:"finished"`
	Error     string     `json:"error,omitempty"`
}

func episodeFromRow(r db.EpisodeRow) episodeJSON {
	return episodeJSON{
		ID:        r.ID,
		GoalLabel: r.GoalLabel,
		Goal:      r.Goal,
		Backend:   r.Backend,
		MaxSteps:  r.MaxSteps,
		StepCount: r.StepCount,
		Retries:   r.Retries,
		Finished:  r.Finished,
		EndReason: r.EndReason,
		Started:   r.Started,
		Ended:     r.Ended,
	}
}

func actionName(a int) string {
	if a < 0 {
		return ""
	}
	return motion.Action(a).String()
}

func stepFromRow(r db.StepRow) stepJSON {
	return stepJSON{
		Step:      r.Step,
		At:        r.At,
		Action:    r.Action,
		ActionStr: actionName(r.Action),
		Outcome:   r.Outcome,
		Pose:      [3]float64{r.PoseX, r.PoseY, r.PoseTheta},
		LatencyMs: r.LatencyMs,
		Attempts:  r.Attempts,
		Finished:  r.Finished,
		Error:     r.Error,
	}
}

func stepFromRecord(r episode.StepRecord) stepJSON {
	return stepJSON{
		Step:      r.Step,
		At:        r.At,
		Action:    r.Action,
		ActionStr: actionName(r.Action),
		Outcome:   r.Outcome,
		Pose:      [3]float64{r.Pose.X, r.Pose.Y, r.Pose.Theta},
		LatencyMs: float64(r.Latency.Microseconds()) / 1e3,
		Attempts:  r.Attempts,
		Finished:  r.Finished,
		Error:     r.Err,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Opsf("failed to encode json response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// lookup resolves the {id} path value, writing the error response itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (db.EpisodeRow, []db.StepRow, bool) {
	ep, err := s.store.Episode(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return ep, nil, false
	}
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return ep, nil, false
	}
	steps, err := s.store.Steps(r.Context(), ep.ID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return ep, nil, false
	}
	return ep, steps, true
}

func (s *Server) listEpisodes(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	rows, err := s.store.Episodes(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]episodeJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, episodeFromRow(row))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) showEpisode(w http.ResponseWriter, r *http.Request) {
	ep, steps, ok := s.lookup(w, r)
	if !ok {
		return
	}
	out := struct {
		episodeJSON
		Steps []stepJSON `json:"steps"`
	}{episodeJSON: episodeFromRow(ep), Steps: make([]stepJSON, 0, len(steps))}
	for _, st := range steps {
		out.Steps = append(out.Steps, stepFromRow(st))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) showStepChart(w http.ResponseWriter, r *http.Request) {
	ep, steps, ok := s.lookup(w, r)
	if !ok {
		return
	}
	page, err := report.StepChart(ep, steps)
	if errors.Is(err, report.ErrNoSteps) {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Render(w); err != nil {
		s.log.Opsf("failed to render step chart for %s: %v", ep.ID, err)
	}
}

func (s *Server) showTrajectory(w http.ResponseWriter, r *http.Request) {
	ep, steps, ok := s.lookup(w, r)
	if !ok {
		return
	}
	p, err := report.TrajectoryPlot(ep, steps)
	if errors.Is(err, report.ErrNoSteps) {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		s.log.Opsf("failed to write trajectory for %s: %v", ep.ID, err)
	}
}

func (s *Server) showLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		s.writeJSONError(w, http.StatusNotFound, "no episode running")
		return
	}
	ep, last, _, ok := s.live.Current()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "no episode running")
		return
	}
	out := struct {
		ID        string    `json:"id"`
		GoalLabel string    `json:"goal_label"`
		Backend   string    `json:"backend"`
		MaxSteps  int       `json:"max_steps"`
		StepCount int       `json:"step_count"`
		Retries   int       `json:"retries"`
		Finished  bool      `json:"finished"`
		EndReason string    `json:"end_reason,omitempty"`
		Last      *stepJSON `json:"last,omitempty"`
	}{
		ID:        ep.ID,
		GoalLabel: ep.GoalLabel,
		Backend:   ep.Backend,
		MaxSteps:  ep.MaxSteps,
		StepCount: ep.StepCount,
		Retries:   ep.Retries,
		Finished:  ep.Finished,
		EndReason: ep.EndReason,
	}
	if last.Step > 0 {
		st := stepFromRecord(last)
		out.Last = &st
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) showLiveVis(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		s.writeJSONError(w, http.StatusNotFound, "no episode running")
		return
	}
	_, _, vis, ok := s.live.Current()
	if !ok || vis == nil {
		s.writeJSONError(w, http.StatusNotFound, "no visualization yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, vis); err != nil {
		s.log.Opsf("failed to encode visualization: %v", err)
	}
}
