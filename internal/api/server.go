// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/orchestrator"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const defaultHistoryLimit = 500

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	orch       *orchestrator.Orchestrator
	gatherer   prometheus.Gatherer
}

// NewServer creates a server over orch. gatherer backs /metrics; nil uses
// the default prometheus registry.
func NewServer(logger *zap.Logger, config *types.ServerConfig, orch *orchestrator.Orchestrator, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}

	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		orch:     orch,
		gatherer: gatherer,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.hub = NewHub(logger, s.handleRequest)
	go s.hub.Run()

	orch.SetNotifier(func(method string, payload any) {
		s.hub.Publish(method, jobID(payload), payload)
	})

	s.setupRoutes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/data/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/data/history/{symbol}", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/data/quality/{symbol}", s.handleGetQuality).Methods("GET")

	api.HandleFunc("/scripts", s.handleGetScripts).Methods("GET")
	api.HandleFunc("/modes", s.handleGetModes).Methods("GET")
	api.HandleFunc("/jobs", s.handleGetJobs).Methods("GET")

	api.HandleFunc("/backtest/run", s.handleRunBacktest).Methods("POST")
	api.HandleFunc("/backtest/{id}", s.handleGetBacktest).Methods("GET")
	api.HandleFunc("/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	api.HandleFunc("/backtest/{id}/report", s.handleGetBacktestReport).Methods("GET")
	api.HandleFunc("/backtest/{id}/montecarlo", s.handleMonteCarlo).Methods("POST")
	api.HandleFunc("/backtest/{id}/cancel", s.handleCancel).Methods("POST")

	api.HandleFunc("/optimize", s.handleStartOptimization).Methods("POST")
	api.HandleFunc("/optimize/{id}", s.handleGetOptimization).Methods("GET")
	api.HandleFunc("/optimize/{id}/cancel", s.handleCancel).Methods("POST")

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Router returns the CORS-wrapped handler
func (s *Server) Router() http.Handler { return s.handler }

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop disconnects WebSocket clients and gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, "*") || slices.Contains(s.config.AllowedOrigins, origin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps lab errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound), errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, data.ErrUnusable):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"clients": s.hub.ClientCount(),
		"metrics": s.orch.GetMetrics(),
	})
}

// handleGetSymbols returns the symbols with stored data
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.orch.Store().Symbols()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func queryInterval(r *http.Request) types.Timeframe {
	if v := r.URL.Query().Get("interval"); v != "" {
		return types.Timeframe(v)
	}
	return types.Timeframe1h
}

// handleGetHistory returns the latest bars of a symbol
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	interval := queryInterval(r)

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	series, err := s.orch.Store().Load(r.Context(), symbol, interval)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	bars := series.Range(series.Len()-limit, series.Len()).Bars()

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   symbol,
		"interval": interval,
		"bars":     bars,
		"count":    len(bars),
	})
}

// handleGetQuality returns the quality report of a symbol
func (s *Server) handleGetQuality(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	store := s.orch.Store()

	series, err := store.Load(r.Context(), symbol, queryInterval(r))
	if errors.Is(err, data.ErrUnusable) {
		if report, ok := store.Report(symbol); ok {
			writeJSON(w, http.StatusOK, report)
			return
		}
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, store.Validator().Validate(series, symbol))
}

// handleGetScripts lists the registered scripts
func (s *Server) handleGetScripts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scripts": s.orch.Scripts()})
}

// handleGetModes lists the market modes
func (s *Server) handleGetModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modes": s.orch.Modes()})
}

// handleGetJobs lists tracked jobs
func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.orch.Jobs()})
}

// handleRunBacktest starts a new backtest
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	job, err := s.orch.StartBacktest(r.Context(), spec)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Info())
}

// job looks up the {id} job of the request and checks its kind
func (s *Server) job(w http.ResponseWriter, r *http.Request, kind orchestrator.JobKind) (*orchestrator.Job, bool) {
	job, err := s.orch.Job(mux.Vars(r)["id"])
	if err == nil && job.Kind() != kind {
		err = orchestrator.ErrJobNotFound
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return nil, false
	}
	return job, true
}

// finished returns the result of a completed backtest job
func (s *Server) finished(w http.ResponseWriter, r *http.Request) (*types.SimulationResult, bool) {
	job, ok := s.job(w, r, orchestrator.JobBacktest)
	if !ok {
		return nil, false
	}
	result := job.Result()
	if result == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("backtest %s is %s", job.ID(), job.Status()))
		return nil, false
	}
	return result, true
}

// handleGetBacktest returns the status and result of a backtest
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r, orchestrator.JobBacktest)
	if !ok {
		return
	}

	response := map[string]any{"job": job.Info()}
	if result := job.Result(); result != nil {
		response["result"] = result
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetBacktestTrades returns the trades of a finished backtest
func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	result, ok := s.finished(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     result.ID,
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

// handleGetBacktestReport returns the statistics of a finished backtest
func (s *Server) handleGetBacktestReport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r, orchestrator.JobBacktest)
	if !ok {
		return
	}
	result := job.Result()
	if result == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("backtest %s is %s", job.ID(), job.Status()))
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Report(result, job.Series()))
}

type monteCarloRequest struct {
	Runs int `json:"runs"`
}

// handleMonteCarlo resamples the trades of a finished backtest
func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	result, ok := s.finished(w, r)
	if !ok {
		return
	}

	var req monteCarloRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	mc, err := s.orch.MonteCarlo(r.Context(), result, req.Runs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

// handleCancel cancels a running backtest or optimization
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Cancel(id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "cancelling"})
}

// handleStartOptimization starts an optimization job
func (s *Server) handleStartOptimization(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.OptimizeSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	job, err := s.orch.StartOptimization(r.Context(), spec)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Info())
}

// handleGetOptimization returns the status and best results of a job
func (s *Server) handleGetOptimization(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r, orchestrator.JobOptimize)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     job.Info(),
		"outcome": job.Outcome(),
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if limit := s.config.MaxConnections; limit > 0 && s.hub.ClientCount() >= limit {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := s.hub.Serve(conn)
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))
}

type jobRequest struct {
	ID string `json:"id"`
}

// handleRequest serves WebSocket requests
func (s *Server) handleRequest(c *Client, msg *Message) (any, error) {
	// background jobs outlive the connection that started them
	ctx := context.Background()

	switch msg.Method {
	case "backtest:run":
		var spec orchestrator.RunSpec
		if err := json.Unmarshal(msg.Payload, &spec); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		job, err := s.orch.StartBacktest(ctx, spec)
		if err != nil {
			return nil, err
		}
		return job.Info(), nil

	case "optimize:start":
		var spec orchestrator.OptimizeSpec
		if err := json.Unmarshal(msg.Payload, &spec); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		job, err := s.orch.StartOptimization(ctx, spec)
		if err != nil {
			return nil, err
		}
		return job.Info(), nil

	case "backtest:status", "optimize:status", "backtest:cancel", "optimize:cancel":
		var req jobRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		job, err := s.orch.Job(req.ID)
		if err != nil {
			return nil, err
		}
		if msg.Method == "backtest:cancel" || msg.Method == "optimize:cancel" {
			if err := s.orch.Cancel(req.ID); err != nil {
				return nil, err
			}
		}
		return job.Info(), nil
	}

	return nil, fmt.Errorf("unknown method %q", msg.Method)
}

// jobID extracts the job a notification belongs to
func jobID(payload any) string {
	switch p := payload.(type) {
	case types.Event:
		return p.RunID
	case orchestrator.Point:
		return p.JobID
	case map[string]any:
		id, _ := p["id"].(string)
		return id
	}
	return ""
}
