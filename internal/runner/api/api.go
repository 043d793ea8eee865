// Package api implements the Agent Runner's Control API:
// status/cycles/errors/metrics/mailboxes/memory, plus authenticated
// override and config endpoints. Routes are grouped into per-resource
// sub-routers behind a shared middleware stack; the status endpoint
// reports gopsutil-backed system stats.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/cryptonhq/crypton/internal/runner/artifacts"
	"github.com/cryptonhq/crypton/internal/runner/cycle"
	"github.com/cryptonhq/crypton/internal/runner/mailbox"
	"github.com/cryptonhq/crypton/internal/runner/state"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Overrider applies operator overrides to the running cycle controller.
type Overrider interface {
	Pause() error
	Resume() error
	Abort() error
	ForceCycle() error
	Inject(agent, message string) error
}

// ConfigStore exposes the live-tunable cycle interval.
type ConfigStore interface {
	CycleInterval() time.Duration
	SetCycleInterval(time.Duration)
}

// Server wires the chi router for the Agent Runner's HTTP surface.
type Server struct {
	log        zerolog.Logger
	machine    *state.Machine
	mailboxes  *mailbox.System
	bus        *eventlog.Bus
	ring       *eventlog.Ring
	store      *artifacts.Store
	recordsDir string
	overrider  Overrider
	cfg        ConfigStore
	authToken  string
	router     chi.Router
	startedAt  time.Time
}

// Config bundles Server's dependencies. RecordsDir is the directory the
// Cycle Controller persists its per-cycle records into.
type Config struct {
	Log         zerolog.Logger
	Machine     *state.Machine
	Mailboxes   *mailbox.System
	Bus         *eventlog.Bus
	Ring        *eventlog.Ring
	Store       *artifacts.Store
	RecordsDir  string
	Overrider   Overrider
	ConfigStore ConfigStore
	AuthToken   string
	DevMode     bool
}

// New builds a Server with all routes registered.
func New(cfg Config) *Server {
	s := &Server{
		log:        cfg.Log.With().Str("component", "runner_api").Logger(),
		machine:    cfg.Machine,
		mailboxes:  cfg.Mailboxes,
		bus:        cfg.Bus,
		ring:       cfg.Ring,
		store:      cfg.Store,
		recordsDir: cfg.RecordsDir,
		overrider:  cfg.Overrider,
		cfg:        cfg.ConfigStore,
		authToken:  cfg.AuthToken,
		startedAt:  time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	if !cfg.DevMode {
		r.Use(middleware.Compress(5))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/cycles", s.handleCycles)
		r.Get("/cycles/{id}", s.handleCycleByID)
		r.Get("/errors", s.handleErrors)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/mailboxes", s.handleMailboxes)
		r.Get("/memory/{agent}", s.handleMemory)

		r.Route("/override", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/pause", s.handleOverridePause)
			r.Post("/resume", s.handleOverrideResume)
			r.Post("/abort", s.handleOverrideAbort)
			r.Post("/force-cycle", s.handleOverrideForceCycle)
			r.Post("/inject", s.handleOverrideInject)
		})

		r.Route("/config/cycle-interval", func(r chi.Router) {
			r.Get("/", s.handleGetCycleInterval)
			r.With(s.requireAuth).Post("/", s.handleSetCycleInterval)
		})
	})

	s.router = r
	return s
}

func (s *Server) Router() chi.Router { return s.router }

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" || r.Header.Get("Authorization") != "Bearer "+s.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cur, ctx := s.machine.Current()

	cpuPct, _ := cpu.Percent(100*time.Millisecond, false)
	vm, _ := mem.VirtualMemory()

	var cpuUsed float64
	if len(cpuPct) > 0 {
		cpuUsed = cpuPct[0]
	}
	var memUsed float64
	if vm != nil {
		memUsed = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":        cur,
		"cycleId":      ctx.CycleID,
		"startedAt":    ctx.StartedAt,
		"retryCount":   ctx.RetryCount,
		"restartCount": ctx.RestartCount,
		"uptimeSec":    time.Since(s.startedAt).Seconds(),
		"cpuPercent":   cpuUsed,
		"memPercent":   memUsed,
	})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	records, err := cycle.ListRecords(s.recordsDir)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []cycle.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCycleByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := cycle.LoadRecord(s.recordsDir, id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cycle " + id})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	events := s.ring.Recent(200)
	var errs []eventlog.Event
	for _, e := range events {
		if e.EventType == eventlog.EventStepFailed {
			errs = append(errs, e)
		}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	cur, _ := s.machine.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":        cur,
		"recentEvents": len(s.ring.Recent(1000)),
	})
}

func (s *Server) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	out := map[string][]mailbox.Message{}
	for _, agent := range []string{mailbox.AgentPlan, mailbox.AgentResearch, mailbox.AgentAnalyze, mailbox.AgentSynthesize, mailbox.AgentEvaluation} {
		out[agent] = s.mailboxes.Snapshot(agent)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	memory, err := s.store.ReadAgentMemory(agent)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "memory": memory})
}

func (s *Server) handleOverridePause(w http.ResponseWriter, r *http.Request) {
	s.applyOverride(w, s.overrider.Pause)
}

func (s *Server) handleOverrideResume(w http.ResponseWriter, r *http.Request) {
	s.applyOverride(w, s.overrider.Resume)
}

func (s *Server) handleOverrideAbort(w http.ResponseWriter, r *http.Request) {
	s.applyOverride(w, s.overrider.Abort)
}

func (s *Server) handleOverrideForceCycle(w http.ResponseWriter, r *http.Request) {
	s.applyOverride(w, s.overrider.ForceCycle)
}

type injectRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

func (s *Server) handleOverrideInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	s.applyOverride(w, func() error { return s.overrider.Inject(req.Agent, req.Message) })
}

func (s *Server) applyOverride(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventOverrideApplied})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetCycleInterval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"cycleInterval": s.cfg.CycleInterval().String()})
}

type cycleIntervalRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) handleSetCycleInterval(w http.ResponseWriter, r *http.Request) {
	var req cycleIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid duration"})
		return
	}
	s.cfg.SetCycleInterval(d)
	writeJSON(w, http.StatusOK, map[string]string{"cycleInterval": d.String()})
}
