package optimization

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/analysis"
	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Scorer runs a simulation for a solution and rates the result
type Scorer struct {
	logger       *zap.Logger
	engineLogger *zap.Logger
	template     backtester.RunRequest
	path         backtester.PricePath
	metrics      *Metrics
}

// NewScorer creates a scorer for runs shaped like template. Each evaluation
// copies the template and sets the solution as its overrides.
func NewScorer(logger *zap.Logger, template backtester.RunRequest, path backtester.PricePath, metrics *Metrics) *Scorer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	template.OnEvent = nil

	return &Scorer{
		logger:       logger,
		engineLogger: logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
		template:     template,
		path:         path,
		metrics:      metrics,
	}
}

// Fitness rates a run: sqrt(balance) × (1 - maxDrawdown) × trades^¼
func Fitness(balance, maxDrawdown float64, trades int) float64 {
	if balance <= 0 {
		return 0
	}
	return math.Sqrt(balance) * (1 - maxDrawdown) * math.Sqrt(math.Sqrt(float64(trades)))
}

// Evaluate runs sol and scores it. Failed runs score zero.
func (s *Scorer) Evaluate(ctx context.Context, sol types.Solution) types.Evaluation {
	return s.evaluate(ctx, "evaluate", sol)
}

func (s *Scorer) evaluate(ctx context.Context, optimizer string, sol types.Solution) (ev types.Evaluation) {
	start := time.Now()
	s.metrics.Evaluations.WithLabelValues(optimizer).Inc()
	defer func() {
		s.metrics.Duration.Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			s.fail(optimizer, sol, fmt.Errorf("panic: %v", r))
			ev = types.Evaluation{}
		}
	}()

	req := s.template
	req.ID = ""
	req.Overrides = sol

	result, err := backtester.NewEngine(s.engineLogger, s.path).Run(ctx, &req)
	if err != nil {
		s.fail(optimizer, sol, err)
		return types.Evaluation{}
	}

	return Score(result)
}

// Score rates a finished run
func Score(result *types.SimulationResult) types.Evaluation {
	trades := analysis.PerformanceTrades(result)
	maxDD := analysis.MaxDrawdown(analysis.Performances(trades))
	balance := result.Balance.InexactFloat64()

	return types.Evaluation{
		Fitness:     Fitness(balance, maxDD, len(trades)),
		Balance:     balance,
		Trades:      len(result.Trades),
		MaxDrawdown: maxDD,
	}
}

func (s *Scorer) fail(optimizer string, sol types.Solution, err error) {
	s.metrics.Failures.WithLabelValues(optimizer).Inc()
	s.logger.Debug("evaluation failed",
		zap.String("optimizer", optimizer),
		zap.String("solution", sol.Key()),
		zap.Error(err),
	)
}
