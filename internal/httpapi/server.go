package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"dnspick/internal/domain"
	"dnspick/internal/export"
	"dnspick/internal/health"
	"dnspick/internal/httpapi/middleware"
	"dnspick/internal/notify"
	"dnspick/internal/repo"
	"dnspick/internal/resolver"
)

// Runner triggers one pipeline pass.
type Runner interface {
	Run(ctx context.Context, domains []string) (*domain.Run, error)
}

// StatsSource reports resolver query counters.
type StatsSource interface {
	Stats() resolver.Stats
}

type Server struct {
	Logger   *zap.Logger
	Runs     repo.RunStore
	Runner   Runner
	Health   *health.Registry
	Resolver StatsSource
	Notify   notify.Notifier

	// RateLimit is requests per minute per client IP, 0 disables.
	RateLimit int
	Burst     int
}

func NewServer(l *zap.Logger, runs repo.RunStore, runner Runner, reg *health.Registry, stats StatsSource) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{Logger: l, Runs: runs, Runner: runner, Health: reg, Resolver: stats}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)
	r.Use(middleware.RateLimit(s.RateLimit, s.Burst))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/api/runs", s.handleStartRun)
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{id}", s.handleGetRun)
	r.Get("/api/runs/{id}/hosts", s.handleRunHosts)
	r.Get("/api/servers", s.handleServers)

	return r
}

type runPayload struct {
	Domains []string `json:"domains"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var p runPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || len(p.Domains) == 0 {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	run, err := s.Runner.Run(r.Context(), p.Domains)
	if err != nil && run == nil {
		s.Logger.Warn("run_failed", zap.Error(err))
		http.Error(w, "run failed", http.StatusBadGateway)
		return
	}
	if err := s.Runs.Save(r.Context(), run); err != nil {
		s.Logger.Warn("run_save_error", zap.String("run_id", string(run.ID)), zap.Error(err))
	}
	if s.Notify != nil {
		if err := s.Notify.RunCompleted(r.Context(), run); err != nil {
			s.Logger.Warn("notify_error", zap.String("run_id", string(run.ID)), zap.Error(err))
		}
	}

	s.Logger.Info("run_completed",
		zap.String("run_id", string(run.ID)),
		zap.Int("domains", len(run.Domains)),
		zap.Int("ranked", len(run.Results)),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := s.Runs.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

func (s *Server) handleRunHosts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	mode, err := export.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, "bad mode", http.StatusBadRequest)
		return
	}

	m := export.Build(run.Domains, run.Results, run.Candidates, mode)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(m.Render(time.Now().UTC())))
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*domain.Run, bool) {
	id := domain.RunID(chi.URLParam(r, "id"))
	run, err := s.Runs.Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "get error", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

type serversPayload struct {
	Servers []health.ServerRecord `json:"servers"`
	Stats   resolver.Stats        `json:"stats"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	out := serversPayload{Servers: s.Health.Snapshot()}
	if s.Resolver != nil {
		out.Stats = s.Resolver.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
