package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/82deutschmark/arc-explainer-sub014/server/metrics"
	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
	"github.com/82deutschmark/arc-explainer-sub014/server/store"
	"github.com/82deutschmark/arc-explainer-sub014/server/tourney"
)

// api bundles what the handlers need. baseCtx outlives individual
// requests so async batch runs survive the request that started them and
// stop on shutdown.
type api struct {
	st      store.Store
	sched   *tourney.Scheduler
	met     *metrics.Metrics
	reg     *prometheus.Registry
	log     *zap.Logger
	baseCtx context.Context
}

func newRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.instrument)

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ratings/{id}", a.getRating)
	r.Get("/api/leaderboard", a.getLeaderboard)
	r.Get("/api/matrix", a.getMatrix)
	r.Post("/api/participants", a.postParticipant)
	r.Post("/api/results", a.postResult)
	r.Get("/api/next-opponent/{id}", a.getNextOpponent)
	r.Post("/api/batches", a.postBatch)
	r.Get("/api/batches/{id}", a.getBatch)
	r.Get("/api/history/{id}", a.getHistory)
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	return r
}

// instrument emits one structured access line and the HTTP metrics per
// request, labeled by the chi route pattern rather than the raw path.
func (a *api) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		a.met.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		a.met.HTTPDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
		a.log.Info("http",
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed))
	})
}

func (a *api) getRating(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := a.st.GetParticipant(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	lo, hi := rating.UncertaintyBand(p)
	writeJSON(w, http.StatusOK, struct {
		ID           int64            `json:"id"`
		Name         string           `json:"name"`
		Mu           float64          `json:"mu"`
		Sigma        float64          `json:"sigma"`
		ExposedScore float64          `json:"exposed_score"`
		DisplayScore float64          `json:"display_score"`
		Games        int              `json:"games"`
		Placement    rating.Placement `json:"placement"`
		BandLo       float64          `json:"band_lo"`
		BandHi       float64          `json:"band_hi"`
		GamesLeft    int              `json:"placement_games_remaining"`
	}{p.ID, p.Name, p.Mu, p.Sigma, p.ExposedScore(), p.DisplayScore(),
		p.Games, p.Placement, lo, hi, rating.GamesRemaining(p)})
}

func (a *api) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := buildLeaderboard(r.Context(), a.st)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (a *api) getMatrix(w http.ResponseWriter, r *http.Request) {
	pairs, err := a.st.Matrix(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func (a *api) postParticipant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "body must be {\"name\": ...}", http.StatusBadRequest)
		return
	}
	p, err := a.st.UpsertParticipant(r.Context(), body.Name)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) postResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ParticipantA   int64             `json:"participant_a"`
		ParticipantB   int64             `json:"participant_b"`
		Outcome        rating.RawOutcome `json:"outcome"`
		CostUSD        *float64          `json:"cost_usd"`
		IdempotencyKey string            `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	rec, err := a.sched.SubmitResult(r.Context(), body.ParticipantA, body.ParticipantB,
		body.Outcome, body.CostUSD, body.IdempotencyKey)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) getNextOpponent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	prop, err := a.sched.NextOpponent(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (a *api) postBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PoolIDs []int64 `json:"pool_ids"`
		Size    int     `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	id, err := a.sched.ScheduleBatch(r.Context(), body.PoolIDs, body.Size)
	if err != nil {
		a.writeError(w, err)
		return
	}
	// The run outlives this request; it stops when the process drains.
	go func() {
		if err := a.sched.Run(a.baseCtx, id, nil); err != nil {
			a.log.Warn("batch run stopped", zap.Int64("batch_id", id), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": id})
}

func (a *api) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := a.sched.Status(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 200 {
		limit = 200
	}
	beforeID, _ := strconv.ParseInt(r.URL.Query().Get("before_id"), 10, 64)
	recs, err := a.st.History(r.Context(), id, limit, beforeID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var next int64
	if len(recs) == limit {
		next = recs[len(recs)-1].ID
	}
	writeJSON(w, http.StatusOK, struct {
		Records      []store.MatchRecord `json:"records"`
		NextBeforeID int64               `json:"next_before_id,omitempty"`
	}{recs, next})
}

// writeError maps the engine's error taxonomy onto status codes.
func (a *api) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, pairing.ErrUnknownParticipant),
		errors.Is(err, tourney.ErrUnknownBatch):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, rating.ErrMalformedOutcome):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pairing.ErrInsufficientPool):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tourney.ErrParticipantLocked):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
