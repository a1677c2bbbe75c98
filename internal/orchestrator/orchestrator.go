// Package orchestrator is the central integration point of the lab. It
// resolves market modes and scripts, loads price series from the data store,
// runs simulations and optimizations, and tracks background jobs for the API.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/analysis"
	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/modes"
	"github.com/atlas-desktop/strategy-lab/internal/montecarlo"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Orchestrator coordinates the lab components
type Orchestrator struct {
	logger   *zap.Logger
	config   Config
	store    *data.Store
	registry *strategy.Registry
	modes    modes.Set
	path     backtester.PricePath

	optMetrics *optimization.Metrics
	runs       *prometheus.CounterVec
	jobGauge   *prometheus.GaugeVec

	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string
	notifier Notifier

	metrics Metrics
}

// Config configures the orchestrator
type Config struct {
	DefaultMode string                `json:"defaultMode"`
	PricePath   string                `json:"pricePath"` // olhc, ohlc or close
	Optimizer   types.OptimizerConfig `json:"optimizer"`
	MaxJobs     int                   `json:"maxJobs"` // finished jobs kept for status queries
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultMode: "alts",
		PricePath:   "olhc",
		Optimizer:   types.DefaultOptimizerConfig(),
		MaxJobs:     100,
	}
}

// Metrics counts orchestrator activity
type Metrics struct {
	BacktestsStarted atomic.Int64
	BacktestsFailed  atomic.Int64
	OptimizationsRun atomic.Int64
	MonteCarloRuns   atomic.Int64
	SeriesLoaded     atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	BacktestsStarted int64 `json:"backtestsStarted"`
	BacktestsFailed  int64 `json:"backtestsFailed"`
	OptimizationsRun int64 `json:"optimizationsRun"`
	MonteCarloRuns   int64 `json:"monteCarloRuns"`
	SeriesLoaded     int64 `json:"seriesLoaded"`
	ActiveJobs       int   `json:"activeJobs"`
}

// Notifier receives job events. method is one of the Event* constants.
type Notifier func(method string, payload any)

// Event methods sent to the notifier
const (
	EventBacktestStart    = "backtest:start"
	EventBacktestProgress = "backtest:progress"
	EventBacktestComplete = "backtest:complete"
	EventOptimizeResult   = "optimize:result"
	EventOptimizeComplete = "optimize:complete"
)

// RunSpec describes a backtest in terms of a mode and a script. Settings,
// SimSettings and Symbols replace the mode's values when set.
type RunSpec struct {
	Mode        string                    `json:"mode"`
	Script      string                    `json:"script"`
	Symbols     []string                  `json:"symbols,omitempty"`
	Overrides   types.Solution            `json:"overrides,omitempty"`
	Settings    *types.Settings           `json:"settings,omitempty"`
	SimSettings *types.SimulationSettings `json:"simSettings,omitempty"`
}

// New creates an orchestrator. reg receives the prometheus collectors; it
// may be nil.
func New(logger *zap.Logger, config Config, store *data.Store, registry *strategy.Registry, set modes.Set, reg prometheus.Registerer) (*Orchestrator, error) {
	if store == nil || registry == nil {
		return nil, errors.New("orchestrator needs a data store and a script registry")
	}
	if set == nil {
		set = modes.Builtin()
	}
	if config.MaxJobs <= 0 {
		config.MaxJobs = DefaultConfig().MaxJobs
	}

	path, err := backtester.PathByName(config.PricePath)
	if err != nil {
		return nil, err
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strategylab",
		Name:      "backtests_total",
		Help:      "Backtests by final status",
	}, []string{"status"})
	jobGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strategylab",
		Name:      "jobs_running",
		Help:      "Background jobs in progress",
	}, []string{"kind"})
	if reg != nil {
		reg.MustRegister(runs, jobGauge)
	}

	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		config:     config,
		store:      store,
		registry:   registry,
		modes:      set,
		path:       path,
		optMetrics: optimization.NewMetrics(reg),
		runs:       runs,
		jobGauge:   jobGauge,
		jobs:       make(map[string]*Job),
	}, nil
}

// SetNotifier installs the job event sink
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

func (o *Orchestrator) notify(method string, payload any) {
	o.mu.RLock()
	n := o.notifier
	o.mu.RUnlock()
	if n != nil {
		n(method, payload)
	}
}

// Store returns the data store
func (o *Orchestrator) Store() *data.Store { return o.store }

// Scripts returns the registered scripts
func (o *Orchestrator) Scripts() []*strategy.Script { return o.registry.List() }

// Modes returns the known modes sorted by name
func (o *Orchestrator) Modes() []modes.Mode { return o.modes.List() }

// Mode resolves name, falling back to the default mode when empty
func (o *Orchestrator) Mode(name string) (modes.Mode, error) {
	if strings.TrimSpace(name) == "" {
		name = o.config.DefaultMode
	}
	return o.modes.Get(name)
}

// Prepare resolves spec into a run request with its series loaded
func (o *Orchestrator) Prepare(ctx context.Context, spec RunSpec) (*backtester.RunRequest, *strategy.Script, error) {
	mode, err := o.Mode(spec.Mode)
	if err != nil {
		return nil, nil, err
	}
	script, err := o.registry.Compile(spec.Script)
	if err != nil {
		return nil, nil, err
	}

	settings := mode.Settings()
	if spec.Settings != nil {
		settings = *spec.Settings
	}
	sim := mode.SimulationSettings()
	if spec.SimSettings != nil {
		sim = *spec.SimSettings
	}
	if len(spec.Symbols) > 0 {
		sim.Symbols = append([]string(nil), spec.Symbols...)
	}
	if len(sim.Symbols) == 0 {
		return nil, nil, fmt.Errorf("%w: no symbols", backtester.ErrInvalidInput)
	}

	series := make(map[string]*candles.Series, len(sim.Symbols))
	for _, symbol := range sim.Symbols {
		s, err := o.loadSeries(ctx, mode, symbol, sim.DataInterval)
		if err != nil {
			return nil, nil, err
		}
		series[symbol] = s
	}

	return &backtester.RunRequest{
		Series:      series,
		Script:      script,
		Overrides:   spec.Overrides.Clone(),
		Settings:    settings,
		SimSettings: sim,
	}, script, nil
}

// loadSeries prefers the mode's file layout and falls back to the store's
// own template
func (o *Orchestrator) loadSeries(ctx context.Context, mode modes.Mode, symbol string, interval types.Timeframe) (*candles.Series, error) {
	var (
		s   *candles.Series
		err error
	)
	if mode.FileTemplate != "" {
		s, err = o.store.LoadFile(ctx, mode.FileName(symbol), symbol, interval)
	}
	if mode.FileTemplate == "" || errors.Is(err, data.ErrNotFound) {
		s, err = o.store.Load(ctx, symbol, interval)
	}
	if err != nil {
		return nil, err
	}
	o.metrics.SeriesLoaded.Add(1)
	return s, nil
}

// Backtest runs spec to completion
func (o *Orchestrator) Backtest(ctx context.Context, spec RunSpec, onEvent backtester.EventHandler) (*types.SimulationResult, error) {
	req, _, err := o.Prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	req.OnEvent = onEvent
	return o.Execute(ctx, req)
}

// Execute runs a prepared request on a fresh engine
func (o *Orchestrator) Execute(ctx context.Context, req *backtester.RunRequest) (*types.SimulationResult, error) {
	return o.run(ctx, backtester.NewEngine(o.logger, o.path), req)
}

func (o *Orchestrator) run(ctx context.Context, engine *backtester.Engine, req *backtester.RunRequest) (*types.SimulationResult, error) {
	o.metrics.BacktestsStarted.Add(1)
	result, err := engine.Run(ctx, req)
	switch {
	case err == nil:
		o.runs.WithLabelValues("completed").Inc()
	case errors.Is(err, backtester.ErrCancelled) || errors.Is(err, context.Canceled):
		o.runs.WithLabelValues("cancelled").Inc()
	default:
		o.metrics.BacktestsFailed.Add(1)
		o.runs.WithLabelValues("failed").Inc()
	}
	return result, err
}

// Report computes the statistics of a finished run. series are the bars it
// ran over; with more than one symbol the report compares their closes.
func (o *Orchestrator) Report(result *types.SimulationResult, series map[string]*candles.Series) *analysis.Report {
	report := analysis.Summarize(result, result.SimSettings)
	report.Correlations = analysis.Correlations(series)
	return report
}

// MonteCarlo resamples the trade performances of a finished run. runs <= 0
// uses the configured count.
func (o *Orchestrator) MonteCarlo(ctx context.Context, result *types.SimulationResult, runs int) (*montecarlo.Result, error) {
	if runs <= 0 {
		runs = o.config.Optimizer.MonteCarloRuns
	}
	sim := montecarlo.NewSimulator(o.logger, &montecarlo.SimulatorConfig{
		NumSimulations:  runs,
		Seed:            o.config.Optimizer.Seed,
		ParallelWorkers: o.config.Optimizer.MonteCarloWorkers(),
	})

	performances := analysis.Performances(analysis.PerformanceTrades(result))
	o.metrics.MonteCarloRuns.Add(1)
	return sim.Run(ctx, performances)
}

// GetMetrics returns current orchestrator metrics
func (o *Orchestrator) GetMetrics() MetricsSnapshot {
	o.mu.RLock()
	active := 0
	for _, j := range o.jobs {
		if j.Status() == JobRunning {
			active++
		}
	}
	o.mu.RUnlock()

	return MetricsSnapshot{
		BacktestsStarted: o.metrics.BacktestsStarted.Load(),
		BacktestsFailed:  o.metrics.BacktestsFailed.Load(),
		OptimizationsRun: o.metrics.OptimizationsRun.Load(),
		MonteCarloRuns:   o.metrics.MonteCarloRuns.Load(),
		SeriesLoaded:     o.metrics.SeriesLoaded.Load(),
		ActiveJobs:       active,
	}
}

// Stop cancels every running job and waits up to timeout for them to end
func (o *Orchestrator) Stop(timeout time.Duration) {
	o.mu.RLock()
	running := make([]*Job, 0)
	for _, j := range o.jobs {
		if j.Status() == JobRunning {
			j.cancel()
			running = append(running, j)
		}
	}
	o.mu.RUnlock()

	deadline := time.After(timeout)
	for _, j := range running {
		select {
		case <-j.done:
		case <-deadline:
			o.logger.Warn("Jobs still running at shutdown", zap.Int("jobs", len(running)))
			return
		}
	}
}
