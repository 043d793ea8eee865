// Package api implements the Execution Service's Control API:
// read-only status/strategy/positions/orders/trades/metrics/events
// endpoints, SSE streaming, and authenticated operator actions. Same
// chi router, sub-router, and requireAuth pattern as
// internal/runner/api.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/marketdata"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/execution/resilience"
	"github.com/cryptonhq/crypton/internal/execution/strategy"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// RiskStatus is what the Risk Enforcer exposes for the status endpoint.
type RiskStatus interface {
	EntriesSuspended() bool
}

// Config bundles Server's dependencies.
type Config struct {
	Log         zerolog.Logger
	StrategySvc *strategy.Service
	Hub         *marketdata.Hub
	Registry    *registry.Registry
	ModeStore   *resilience.ModeStore
	SafeMode    *resilience.SafeMode
	Risk        RiskStatus
	Bus         *eventlog.Bus
	Ring        *eventlog.Ring
	StreamHub   *eventlog.Hub
	AuthToken   string
	DevMode     bool
	AssetsFn    func() []domain.Asset
}

// Server wires the chi router for the Execution Service's HTTP surface.
type Server struct {
	log       zerolog.Logger
	strategy  *strategy.Service
	hub       *marketdata.Hub
	registry  *registry.Registry
	modeStore *resilience.ModeStore
	safeMode  *resilience.SafeMode
	risk      RiskStatus
	bus       *eventlog.Bus
	ring      *eventlog.Ring
	stream    *eventlog.Hub
	authToken string
	assetsFn  func() []domain.Asset
	router    chi.Router
	startedAt time.Time
}

// New builds a Server with all routes registered.
func New(cfg Config) *Server {
	s := &Server{
		log:       cfg.Log.With().Str("component", "execution_api").Logger(),
		strategy:  cfg.StrategySvc,
		hub:       cfg.Hub,
		registry:  cfg.Registry,
		modeStore: cfg.ModeStore,
		safeMode:  cfg.SafeMode,
		risk:      cfg.Risk,
		bus:       cfg.Bus,
		ring:      cfg.Ring,
		stream:    cfg.StreamHub,
		authToken: cfg.AuthToken,
		assetsFn:  cfg.AssetsFn,
		startedAt: time.Now().UTC(),
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
		r.Get("/strategy", s.handleStrategy)
		r.Get("/positions", s.handlePositions)
		r.Get("/positions/{id}", s.handlePositionByID)
		r.Get("/orders", s.handleOrders)
		r.Get("/trades", s.handleTrades)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/events", s.handleEvents)
		r.Get("/health/live", s.handleHealthLive)

		r.Route("/stream", func(r chi.Router) {
			r.Get("/status", s.stream.ServeChannel(eventlog.ChannelStatusUpdate, 5*time.Second, s.statusHeartbeat).ServeHTTP)
			r.Get("/metrics", s.stream.ServeChannel(eventlog.ChannelMetricsUpdate, 5*time.Second, s.metricsHeartbeat).ServeHTTP)
			r.Get("/events", s.stream.ServeChannel(eventlog.ChannelEventLog, 0, nil).ServeHTTP)
			r.Get("/positions", s.stream.ServeChannel(eventlog.ChannelPositionUpdate, 0, nil).ServeHTTP)
		})

		r.Route("/operator", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/safe-mode/activate", s.handleSafeModeActivate)
			r.Post("/safe-mode/deactivate", s.handleSafeModeDeactivate)
			r.Post("/mode/promote-to-live", s.handlePromoteToLive)
			r.Post("/mode/demote-to-paper", s.handleDemoteToPaper)
			r.Post("/strategy/reload", s.handleStrategyReload)
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
	writeJSON(w, http.StatusOK, s.statusHeartbeat())
}

func (s *Server) statusHeartbeat() interface{} {
	_, lifecycle := s.strategy.Active()

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

	return map[string]interface{}{
		"mode":             s.modeStore.Current(),
		"strategyState":    lifecycle,
		"safeModeActive":   s.safeMode.Active(),
		"entriesSuspended": s.risk.EntriesSuspended(),
		"uptimeSec":        time.Since(s.startedAt).Seconds(),
		"cpuPercent":       cpuUsed,
		"memPercent":       memUsed,
	}
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	compiled, lifecycle := s.strategy.Active()
	if compiled == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": lifecycle})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       compiled.ID,
		"state":    lifecycle,
		"document": compiled.Document,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.OpenPositions())
}

func (s *Server) handlePositionByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, ok := s.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "position not found"})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	events := s.ring.Recent(500)
	var orders []eventlog.Event
	for _, e := range events {
		switch e.EventType {
		case eventlog.EventOrderDispatched, eventlog.EventOrderFilled, eventlog.EventOrderRejected:
			orders = append(orders, e)
		}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ClosedTrades())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metricsHeartbeat())
}

func (s *Server) metricsHeartbeat() interface{} {
	open := s.registry.OpenPositions()
	var unrealized float64
	for _, p := range open {
		unrealized += p.UnrealizedPnl
	}
	trades := s.registry.ClosedTrades()
	var realized float64
	for _, t := range trades {
		realized += t.RealizedPnl
	}
	return map[string]interface{}{
		"openPositionCount": len(open),
		"closedTradeCount":  len(trades),
		"unrealizedPnl":     unrealized,
		"realizedPnl":       realized,
		"recentEvents":      len(s.ring.Recent(1000)),
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.ring.Recent(limit))
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSafeModeActivate(w http.ResponseWriter, r *http.Request) {
	s.safeMode.Activate("operator_requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSafeModeDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.safeMode.Deactivate(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePromoteToLive(w http.ResponseWriter, r *http.Request) {
	if err := s.modeStore.PromoteToLive(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(domain.ModeLive)})
}

func (s *Server) handleDemoteToPaper(w http.ResponseWriter, r *http.Request) {
	if err := s.modeStore.DemoteToPaper(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(domain.ModePaper)})
}

func (s *Server) handleStrategyReload(w http.ResponseWriter, r *http.Request) {
	s.strategy.Reload()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
