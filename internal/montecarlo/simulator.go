// Package montecarlo estimates the drawdown distribution of a strategy by
// bootstrapping its trade performances.
package montecarlo

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/analysis"
)

// DefaultCutPoints are the worst-case shares reported by a run
var DefaultCutPoints = []float64{0.01, 0.05, 0.10, 0.25, 0.50, 0.75, 0.90, 0.95, 0.99}

// Simulator performs Monte Carlo simulations
type Simulator struct {
	logger *zap.Logger
	config *SimulatorConfig
	mu     sync.Mutex
}

// SimulatorConfig configures the simulator
type SimulatorConfig struct {
	NumSimulations  int       `json:"numSimulations" yaml:"numSimulations" mapstructure:"numSimulations"`
	Seed            int64     `json:"seed" yaml:"seed" mapstructure:"seed"` // 0 for time-based
	CutPoints       []float64 `json:"cutPoints" yaml:"cutPoints" mapstructure:"cutPoints"`
	ParallelWorkers int       `json:"parallelWorkers" yaml:"parallelWorkers" mapstructure:"parallelWorkers"`
}

// DefaultSimulatorConfig returns sensible defaults
func DefaultSimulatorConfig() *SimulatorConfig {
	return &SimulatorConfig{
		NumSimulations:  1000,
		Seed:            0,
		CutPoints:       DefaultCutPoints,
		ParallelWorkers: 8,
	}
}

// NewSimulator creates a new Monte Carlo simulator
func NewSimulator(logger *zap.Logger, config *SimulatorConfig) *Simulator {
	if config == nil {
		config = DefaultSimulatorConfig()
	}
	if len(config.CutPoints) == 0 {
		config.CutPoints = DefaultCutPoints
	}
	if config.ParallelWorkers <= 0 {
		config.ParallelWorkers = 1
	}

	return &Simulator{
		logger: logger,
		config: config,
	}
}

// Bucket is the mean max drawdown of the worst Percent of the resamples
type Bucket struct {
	Percent  float64 `json:"percent"`
	Drawdown float64 `json:"drawdown"`
}

// Result contains Monte Carlo simulation results
type Result struct {
	NumSimulations   int      `json:"numSimulations"`
	NumTrades        int      `json:"numTrades"`
	OriginalDrawdown float64  `json:"originalDrawdown"`
	WorstDrawdown    float64  `json:"worstDrawdown"`
	MedianDrawdown   float64  `json:"medianDrawdown"`
	MeanDrawdown     float64  `json:"meanDrawdown"`
	Buckets          []Bucket `json:"buckets"`
	Duration         string   `json:"duration"`
}

// Run draws NumSimulations resamples of performances with replacement and
// reports the drawdown buckets. It returns ctx.Err() if ctx ends first.
func (s *Simulator) Run(ctx context.Context, performances []float64) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	runs := max(s.config.NumSimulations, 1)

	s.logger.Info("starting Monte Carlo simulation",
		zap.Int("num_simulations", runs),
		zap.Int("num_trades", len(performances)),
	)

	drawdowns, err := s.runParallel(ctx, performances, runs)
	if err != nil {
		return nil, err
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(drawdowns)))

	result := &Result{
		NumSimulations:   runs,
		NumTrades:        len(performances),
		OriginalDrawdown: analysis.MaxDrawdown(performances),
		WorstDrawdown:    drawdowns[0],
		MedianDrawdown:   drawdowns[len(drawdowns)/2],
		MeanDrawdown:     average(drawdowns),
		Buckets:          make([]Bucket, len(s.config.CutPoints)),
	}

	for i, p := range s.config.CutPoints {
		n := max(1, int(float64(runs)*p))
		n = min(n, len(drawdowns))
		result.Buckets[i] = Bucket{Percent: p, Drawdown: average(drawdowns[:n])}
	}

	result.Duration = time.Since(start).String()

	s.logger.Info("Monte Carlo simulation complete",
		zap.Float64("worst_drawdown", result.WorstDrawdown),
		zap.Float64("median_drawdown", result.MedianDrawdown),
		zap.Duration("duration", time.Since(start)),
	)

	return result, nil
}

// runParallel computes the max drawdown of every resample
func (s *Simulator) runParallel(ctx context.Context, performances []float64, runs int) ([]float64, error) {
	results := make([]float64, runs)

	seed := s.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	jobs := make(chan int, runs)
	var wg sync.WaitGroup

	for w := 0; w < s.config.ParallelWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			// each worker gets its own RNG
			rng := rand.New(rand.NewSource(seed + int64(workerID)))

			for idx := range jobs {
				if ctx.Err() != nil {
					continue
				}
				results[idx] = analysis.MaxDrawdown(Resample(performances, rng))
			}
		}(w)
	}

	for i := 0; i < runs; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Resample draws len(performances) values with replacement
func Resample(performances []float64, rng *rand.Rand) []float64 {
	out := make([]float64, len(performances))
	for i := range out {
		out[i] = performances[rng.Intn(len(performances))]
	}
	return out
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
