package optimization_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const base = 1609459200 // 2021-01-01T00:00:00Z

// flipper buys "size" units on every other hourly open and sells on the
// next, so on a rising series the balance grows with size
type flipper struct {
	size  decimal.Decimal
	panic bool
}

func (f *flipper) OnTick(_ context.Context, tick *backtester.Tick) error {
	if tick.Time.Minute() != 0 {
		return nil
	}
	if f.panic {
		panic("flipper exploded")
	}

	b := tick.Broker
	if positions := b.Positions(); len(positions) > 0 {
		_, err := b.ClosePosition(positions[0], decimal.Zero, 1, "flip")
		return err
	}
	_, err := b.PlaceOrder(backtester.OrderRequest{
		Pair:      tick.Active[0],
		Direction: types.DirectionLong,
		Market:    true,
		Amount:    f.size,
	})
	return err
}

func flipperScript() *strategy.Script {
	return &strategy.Script{
		Name:     "flipper",
		Defaults: strategy.Options{"size": 1, "mode": "a"},
		Optimize: []types.Parameter{
			{Name: "size", Min: 1, Max: 5, Step: 1},
			{Name: "mode", Values: []any{"a", "b"}},
		},
		New: func(opts strategy.Options) (backtester.Strategy, error) {
			if opts.Bool("fail", false) {
				return nil, os.ErrInvalid
			}
			return &flipper{
				size:  decimal.NewFromFloat(opts.Float("size", 1)),
				panic: opts.Bool("panic", false),
			}, nil
		},
	}
}

func risingSeries(t *testing.T, n int) *candles.Series {
	t.Helper()

	bars := make([]candles.Bar, n)
	for i := range bars {
		p := float32(100 + i)
		bars[i] = candles.Bar{Time: int32(base + i*3600), Open: p, High: p + 0.5, Low: p - 0.5, Close: p + 0.5}
	}
	s, err := candles.NewFromBars(bars, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}
	return s
}

func newScorer(t *testing.T, metrics *optimization.Metrics) (*optimization.Scorer, *strategy.Script) {
	t.Helper()

	script := flipperScript()
	settings := types.DefaultSettings()
	settings.Fee = 0

	template := backtester.RunRequest{
		Series:   map[string]*candles.Series{"BTCUSDT": risingSeries(t, 80)},
		Script:   script,
		Settings: settings,
		SimSettings: types.SimulationSettings{
			Capital:            10000,
			Start:              time.Unix(base+5*3600, 0).UTC(),
			End:                time.Unix(base+60*3600, 0).UTC(),
			DataInterval:       types.Timeframe1h,
			SimulationInterval: types.Timeframe1h,
		},
	}
	return optimization.NewScorer(zap.NewNop(), template, nil, metrics), script
}

func newOptimizer(t *testing.T, cfg *optimization.OptimizerConfig) *optimization.Optimizer {
	t.Helper()

	scorer, script := newScorer(t, nil)
	opt, err := optimization.NewOptimizer(zap.NewNop(), cfg, scorer, script.Optimize, optimization.Defaults(script))
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	return opt
}

func TestEvaluateRewardsSize(t *testing.T) {
	scorer, _ := newScorer(t, nil)

	small := scorer.Evaluate(context.Background(), types.Solution{"size": 1})
	large := scorer.Evaluate(context.Background(), types.Solution{"size": 4})

	if small.Fitness <= 0 || small.Trades == 0 {
		t.Fatalf("small evaluation = %+v", small)
	}
	if large.Fitness <= small.Fitness {
		t.Errorf("fitness %v for size 4 should beat %v for size 1", large.Fitness, small.Fitness)
	}
	if large.MaxDrawdown != 0 {
		t.Errorf("a rising series should have no drawdown, got %v", large.MaxDrawdown)
	}
}

func TestFailedRunsScoreZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := optimization.NewMetrics(reg)
	scorer, _ := newScorer(t, metrics)

	for _, sol := range []types.Solution{{"fail": true}, {"panic": true}} {
		ev := scorer.Evaluate(context.Background(), sol)
		if ev != (types.Evaluation{}) {
			t.Errorf("evaluation of %v = %+v, expected zero", sol, ev)
		}
	}

	if got := testutil.ToFloat64(metrics.Failures.WithLabelValues("evaluate")); got != 2 {
		t.Errorf("failures = %v, expected 2", got)
	}
	if got := testutil.ToFloat64(metrics.Evaluations.WithLabelValues("evaluate")); got != 2 {
		t.Errorf("evaluations = %v, expected 2", got)
	}
}

func TestFitness(t *testing.T) {
	if got := optimization.Fitness(100, 0.5, 16); got != 10 {
		t.Errorf("Fitness = %v, expected 10", got)
	}
	if got := optimization.Fitness(0, 0, 16); got != 0 {
		t.Errorf("Fitness of an empty account = %v", got)
	}
}

func TestListVisitsEveryValue(t *testing.T) {
	opt := newOptimizer(t, nil)

	var mu sync.Mutex
	seen := map[string]int{}
	err := opt.List(context.Background(), func(key string, value any, ev types.Evaluation) {
		mu.Lock()
		seen[key]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if seen["size"] != 5 || seen["mode"] != 2 {
		t.Errorf("evaluations per key = %v, expected size:5 mode:2", seen)
	}
}

func TestGridCoversProduct(t *testing.T) {
	opt := newOptimizer(t, nil)

	count := 0
	err := opt.Grid(context.Background(), "size", "mode", func(a, b any, ev types.Evaluation) {
		count++
	})
	if err != nil {
		t.Fatalf("Grid failed: %v", err)
	}
	if count != 10 {
		t.Errorf("grid evaluations = %d, expected 10", count)
	}

	if err := opt.Grid(context.Background(), "size", "missing", nil); err == nil {
		t.Error("expected an error for an unknown parameter")
	}
}

func TestAnnealingNeverReturnsWorseThanFirst(t *testing.T) {
	cfg := optimization.DefaultOptimizerConfig()
	cfg.Seed = 3
	cfg.Cooling = 0.5
	cfg.MinTemperature = 0.01
	cfg.MaxCycles = 2
	opt := newOptimizer(t, cfg)

	var reported []optimization.Result
	best, err := opt.Annealing(context.Background(), func(r optimization.Result) {
		reported = append(reported, r)
	})
	if err != nil {
		t.Fatalf("Annealing failed: %v", err)
	}
	if len(reported) == 0 {
		t.Fatal("expected at least one best callback")
	}
	if best.Evaluation.Fitness < reported[0].Evaluation.Fitness {
		t.Errorf("best %v is worse than the first solution %v", best.Evaluation.Fitness, reported[0].Evaluation.Fitness)
	}
	for i := 1; i < len(reported); i++ {
		if reported[i].Evaluation.Fitness <= reported[i-1].Evaluation.Fitness {
			t.Errorf("callback %d did not improve on the previous best", i)
		}
	}
}

func TestAnnealingStopsOnContext(t *testing.T) {
	cfg := optimization.DefaultOptimizerConfig()
	cfg.MaxCycles = 0
	opt := newOptimizer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		opt.Annealing(ctx, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("annealing did not stop after the context ended")
	}
}

func TestGeneticFindsGoodSolution(t *testing.T) {
	cfg := optimization.DefaultOptimizerConfig()
	cfg.Seed = 11
	cfg.PopulationSize = 6
	cfg.Generations = 3
	cfg.MaxEpochs = 1
	opt := newOptimizer(t, cfg)

	generations := 0
	epochs := 0
	best, err := opt.Genetic(context.Background(), optimization.GeneticCallbacks{
		Generation: func(epoch, gen int, r optimization.Result) { generations++ },
		Epoch:      func(epoch int, r optimization.Result) { epochs++ },
	})
	if err != nil {
		t.Fatalf("Genetic failed: %v", err)
	}
	if generations != 3 || epochs != 1 {
		t.Errorf("generations = %d, epochs = %d", generations, epochs)
	}
	if best.Evaluation.Fitness <= 0 {
		t.Errorf("best = %+v", best)
	}
}

func TestRuns(t *testing.T) {
	opt := newOptimizer(t, nil)

	evaluations, err := opt.Runs(context.Background(), 3, nil)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(evaluations) != 3 {
		t.Fatalf("got %d evaluations", len(evaluations))
	}
	// flipper is deterministic
	for _, ev := range evaluations[1:] {
		if ev != evaluations[0] {
			t.Errorf("runs differ: %+v vs %+v", ev, evaluations[0])
		}
	}
}

func TestRandomValueStaysOnGrid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := types.Parameter{Name: "x", Min: 2, Max: 4, Step: 0.5}

	for i := 0; i < 200; i++ {
		v := optimization.RandomValue(p, rng).(float64)
		if v < 2 || v >= 4 {
			t.Fatalf("value %v out of range", v)
		}
		if k := (v - 2) / 0.5; k != float64(int(k)) {
			t.Fatalf("value %v is not on the step grid", v)
		}
	}

	values := types.Parameter{Name: "y", Values: []any{"a", "b", "c"}}
	for i := 0; i < 50; i++ {
		switch optimization.RandomValue(values, rng) {
		case "a", "b", "c":
		default:
			t.Fatal("value not from the list")
		}
	}
}

func TestRandomNeighbourStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	space := []types.Parameter{
		{Name: "x", Min: 0, Max: 10, Step: 1},
		{Name: "y", Values: []any{1, 2, 3}},
	}
	start := types.Solution{"x": 0.0, "y": 1, "other": "kept"}

	for i := 0; i < 200; i++ {
		n := optimization.RandomNeighbour(start, space, rng)
		x := n["x"].(float64)
		if x < 0 || x > 10 {
			t.Fatalf("x = %v out of bounds", x)
		}
		switch n["y"] {
		case 1, 2, 3:
		default:
			t.Fatalf("y = %v not from the list", n["y"])
		}
		if n["other"] != "kept" {
			t.Fatal("options outside the space must be kept")
		}
	}
	if start["x"] != 0.0 {
		t.Error("RandomNeighbour modified its input")
	}
}

func TestLoadSpace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "space.yaml")
	content := `parameters:
  - name: period
    min: 5
    max: 50
    step: 5
  - name: mode
    values: [fast, slow]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write space: %v", err)
	}

	space, err := optimization.LoadSpace(path)
	if err != nil {
		t.Fatalf("LoadSpace failed: %v", err)
	}
	if len(space) != 2 || space[0].Name != "period" || space[0].Step != 5 || len(space[1].Values) != 2 {
		t.Errorf("space = %+v", space)
	}

	dup := filepath.Join(dir, "dup.yaml")
	os.WriteFile(dup, []byte("parameters:\n  - name: a\n  - name: a\n"), 0o644)
	if _, err := optimization.LoadSpace(dup); err == nil {
		t.Error("expected an error for duplicate parameters")
	}
}
