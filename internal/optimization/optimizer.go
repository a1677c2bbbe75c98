// Package optimization searches the option space of a trading script for
// the configuration with the best fitness.
package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Method names an optimization algorithm
type Method string

const (
	MethodList      Method = "list"
	MethodGrid      Method = "grid"
	MethodAnnealing Method = "annealing"
	MethodGenetic   Method = "genetic"
	MethodRuns      Method = "runs"
)

// Optimizer performs strategy parameter optimization
type Optimizer struct {
	logger   *zap.Logger
	config   *OptimizerConfig
	scorer   *Scorer
	space    []types.Parameter
	defaults types.Solution
	metrics  *Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

// OptimizerConfig configures the optimizer
type OptimizerConfig struct {
	Concurrency int   `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	Seed        int64 `json:"seed" yaml:"seed" mapstructure:"seed"` // 0 for time-based

	// Annealing
	InitialTemperature float64 `json:"initialTemperature" yaml:"initialTemperature" mapstructure:"initialTemperature"`
	Cooling            float64 `json:"cooling" yaml:"cooling" mapstructure:"cooling"`
	MinTemperature     float64 `json:"minTemperature" yaml:"minTemperature" mapstructure:"minTemperature"`
	MaxCycles          int     `json:"maxCycles" yaml:"maxCycles" mapstructure:"maxCycles"` // 0 runs until ctx ends

	// Genetic algorithm
	PopulationSize int `json:"populationSize" yaml:"populationSize" mapstructure:"populationSize"`
	Generations    int `json:"generations" yaml:"generations" mapstructure:"generations"`
	MaxEpochs      int `json:"maxEpochs" yaml:"maxEpochs" mapstructure:"maxEpochs"` // 0 runs until ctx ends
	UniqueAttempts int `json:"uniqueAttempts" yaml:"uniqueAttempts" mapstructure:"uniqueAttempts"`
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		Concurrency:        10,
		InitialTemperature: 1,
		Cooling:            0.99,
		MinTemperature:     0.001,
		MaxCycles:          1,
		PopulationSize:     30,
		Generations:        20,
		MaxEpochs:          1,
		UniqueAttempts:     100,
	}
}

// ConfigFrom converts the application optimizer settings
func ConfigFrom(c types.OptimizerConfig) *OptimizerConfig {
	cfg := DefaultOptimizerConfig()
	if c.ParallelWorkers > 0 {
		cfg.Concurrency = c.ParallelWorkers
	}
	if c.InitialTemperature > 0 {
		cfg.InitialTemperature = c.InitialTemperature
	}
	if c.CoolingRate > 0 {
		cfg.Cooling = c.CoolingRate
	}
	if c.MinTemperature > 0 {
		cfg.MinTemperature = c.MinTemperature
	}
	if c.PopulationSize > 0 {
		cfg.PopulationSize = c.PopulationSize
	}
	if c.Generations > 0 {
		cfg.Generations = c.Generations
	}
	cfg.Seed = c.Seed
	cfg.MaxCycles = c.MaxCycles
	cfg.MaxEpochs = c.MaxEpochs
	return cfg
}

// Result is a solution with its evaluation
type Result struct {
	Solution   types.Solution   `json:"solution"`
	Evaluation types.Evaluation `json:"evaluation"`
}

// NewOptimizer creates an optimizer over space. defaults fill in every
// option not in space.
func NewOptimizer(logger *zap.Logger, config *OptimizerConfig, scorer *Scorer, space []types.Parameter, defaults types.Solution) (*Optimizer, error) {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if err := ValidateSpace(space); err != nil {
		return nil, fmt.Errorf("invalid parameter space: %w", err)
	}
	if scorer == nil {
		return nil, fmt.Errorf("no scorer")
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Optimizer{
		logger:   logger,
		config:   config,
		scorer:   scorer,
		space:    space,
		defaults: defaults.Clone(),
		metrics:  scorer.metrics,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Space returns the parameters being searched
func (o *Optimizer) Space() []types.Parameter {
	return o.space
}

func (o *Optimizer) param(name string) (types.Parameter, error) {
	for _, p := range o.space {
		if p.Name == name {
			return p, nil
		}
	}
	return types.Parameter{}, fmt.Errorf("unknown parameter %q", name)
}

// randomSolution and randomNeighbour draw from the shared rng under mu
func (o *Optimizer) randomSolution() types.Solution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RandomSolution(o.defaults, o.space, o.rng)
}

func (o *Optimizer) randomNeighbour(sol types.Solution) types.Solution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RandomNeighbour(sol, o.space, o.rng)
}

func (o *Optimizer) float() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rng.Float64()
}

// fanOut evaluates every solution on a pool of n workers and calls report
// with each result. Calls to report are serialized.
func (o *Optimizer) fanOut(ctx context.Context, method Method, n int, solutions []types.Solution, report func(i int, ev types.Evaluation)) ([]types.Evaluation, error) {
	pool := workers.NewPool(o.logger, &workers.PoolConfig{
		Name:            string(method),
		NumWorkers:      max(1, n),
		QueueSize:       max(1, n),
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()
	defer pool.Stop()

	evaluations := make([]types.Evaluation, len(solutions))
	var mu sync.Mutex

	err := pool.ForEach(ctx, len(solutions), func(i int) error {
		ev := o.scorer.evaluate(ctx, string(method), solutions[i])
		evaluations[i] = ev

		if report != nil {
			mu.Lock()
			report(i, ev)
			mu.Unlock()
		}
		return nil
	})

	stats := pool.Stats()
	o.logger.Debug("evaluations finished",
		zap.String("optimizer", string(method)),
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Duration("p99", stats.P99Latency),
	)
	return evaluations, err
}

// List varies each parameter over its whole range while the others keep
// their defaults
func (o *Optimizer) List(ctx context.Context, cb func(key string, value any, ev types.Evaluation)) error {
	var keys []string
	var values []any
	var solutions []types.Solution

	for _, p := range o.space {
		for _, v := range p.Points() {
			sol := o.defaults.Clone()
			sol[p.Name] = v
			keys = append(keys, p.Name)
			values = append(values, v)
			solutions = append(solutions, sol)
		}
	}

	o.logger.Info("starting list optimization", zap.Int("evaluations", len(solutions)))

	_, err := o.fanOut(ctx, MethodList, o.config.Concurrency, solutions, func(i int, ev types.Evaluation) {
		if cb != nil {
			cb(keys[i], values[i], ev)
		}
	})
	return err
}

// Grid evaluates the cartesian product of two parameters
func (o *Optimizer) Grid(ctx context.Context, keyA, keyB string, cb func(a, b any, ev types.Evaluation)) error {
	pa, err := o.param(keyA)
	if err != nil {
		return err
	}
	pb, err := o.param(keyB)
	if err != nil {
		return err
	}

	var as, bs []any
	var solutions []types.Solution
	for _, a := range pa.Points() {
		for _, b := range pb.Points() {
			sol := o.defaults.Clone()
			sol[keyA] = a
			sol[keyB] = b
			as = append(as, a)
			bs = append(bs, b)
			solutions = append(solutions, sol)
		}
	}

	o.logger.Info("starting grid optimization",
		zap.String("x", keyA),
		zap.String("y", keyB),
		zap.Int("evaluations", len(solutions)),
	)

	_, err = o.fanOut(ctx, MethodGrid, o.config.Concurrency, solutions, func(i int, ev types.Evaluation) {
		if cb != nil {
			cb(as[i], bs[i], ev)
		}
	})
	return err
}

// cost maps fitness to an energy to minimize. Zero fitness is infinitely
// expensive.
func cost(fitness float64) float64 {
	if fitness <= 0 {
		return math.Inf(1)
	}
	return 1 / fitness
}

// Annealing runs simulated annealing cycles from random starting points
// until ctx ends or MaxCycles cycles complete. cb is called with every new
// best. The best result ever seen is returned.
func (o *Optimizer) Annealing(ctx context.Context, cb func(best Result)) (Result, error) {
	var best Result
	started := false

	report := func(r Result) {
		if started && r.Evaluation.Fitness <= best.Evaluation.Fitness {
			return
		}
		started = true
		best = r
		o.metrics.BestFitness.WithLabelValues(string(MethodAnnealing)).Set(r.Evaluation.Fitness)
		o.logger.Info("new best solution",
			zap.String("optimizer", string(MethodAnnealing)),
			zap.Float64("fitness", r.Evaluation.Fitness),
			zap.Float64("balance", r.Evaluation.Balance),
			zap.String("solution", r.Solution.Key()),
		)
		if cb != nil {
			cb(r)
		}
	}

	for cycle := 0; o.config.MaxCycles <= 0 || cycle < o.config.MaxCycles; cycle++ {
		if ctx.Err() != nil {
			break
		}
		o.anneal(ctx, report)
	}

	if !started {
		return best, ctx.Err()
	}
	return best, nil
}

// anneal runs one cooling schedule
func (o *Optimizer) anneal(ctx context.Context, report func(Result)) {
	method := string(MethodAnnealing)

	current := Result{Solution: o.randomSolution()}
	current.Evaluation = o.scorer.evaluate(ctx, method, current.Solution)
	cycleBest := current
	report(current)

	cooling := o.config.Cooling
	if cooling <= 0 || cooling >= 1 {
		cooling = 0.99
	}

	for t := o.config.InitialTemperature; t > o.config.MinTemperature; t *= cooling {
		if ctx.Err() != nil {
			return
		}

		neighbour := Result{Solution: o.randomNeighbour(current.Solution)}
		neighbour.Evaluation = o.scorer.evaluate(ctx, method, neighbour.Solution)

		delta := cost(neighbour.Evaluation.Fitness) - cost(current.Evaluation.Fitness)
		if math.IsNaN(delta) {
			// both solutions failed
			delta = 0
		}
		if delta < 0 || o.float() < math.Exp(-delta/t) {
			current = neighbour
		}

		if current.Evaluation.Fitness > cycleBest.Evaluation.Fitness {
			cycleBest = current
			report(current)
		}

		if cycleBest.Evaluation.Fitness*0.5 > current.Evaluation.Fitness {
			current = cycleBest
		}
	}
}

// GeneticCallbacks receive the progress of a genetic search
type GeneticCallbacks struct {
	// Generation is called with the best individual of each generation
	Generation func(epoch, generation int, best Result)
	// Epoch is called with the best individual after the last generation
	Epoch func(epoch int, best Result)
}

type individual struct {
	Result
	scored bool
}

// Genetic evolves populations of solutions. Each epoch starts from a random
// population and runs Generations generations; the next epoch reseeds.
// Epochs repeat until ctx ends or MaxEpochs epochs complete.
func (o *Optimizer) Genetic(ctx context.Context, cb GeneticCallbacks) (Result, error) {
	size := max(3, o.config.PopulationSize)
	third := size / 3
	concurrency := max(1, size/3*2)
	generations := max(1, o.config.Generations)

	var best Result
	started := false

	for epoch := 0; o.config.MaxEpochs <= 0 || epoch < o.config.MaxEpochs; epoch++ {
		if ctx.Err() != nil {
			break
		}

		population := make([]individual, size)
		for i := range population {
			population[i].Solution = o.randomSolution()
		}

		for gen := 0; gen < generations; gen++ {
			if ctx.Err() != nil {
				break
			}

			var pending []types.Solution
			var index []int
			for i, ind := range population {
				if !ind.scored {
					pending = append(pending, ind.Solution)
					index = append(index, i)
				}
			}

			evaluations, err := o.fanOut(ctx, MethodGenetic, concurrency, pending, nil)
			if err != nil && ctx.Err() == nil {
				return best, fmt.Errorf("failed to evaluate generation %d: %w", gen, err)
			}
			for j, ev := range evaluations {
				population[index[j]].Evaluation = ev
				population[index[j]].scored = true
			}

			sort.SliceStable(population, func(i, j int) bool {
				return population[i].Evaluation.Fitness > population[j].Evaluation.Fitness
			})

			top := population[0].Result
			if !started || top.Evaluation.Fitness > best.Evaluation.Fitness {
				started = true
				best = top
				o.metrics.BestFitness.WithLabelValues(string(MethodGenetic)).Set(top.Evaluation.Fitness)
			}
			if cb.Generation != nil {
				cb.Generation(epoch, gen, top)
			}

			if gen < generations-1 {
				population = o.breed(population, third)
			}
		}

		if len(population) > 0 && population[0].scored {
			o.logger.Info("genetic epoch complete",
				zap.Int("epoch", epoch),
				zap.Float64("fitness", population[0].Evaluation.Fitness),
				zap.String("solution", population[0].Solution.Key()),
			)
			if cb.Epoch != nil {
				cb.Epoch(epoch, population[0].Result)
			}
		}
	}

	if !started {
		return best, ctx.Err()
	}
	return best, nil
}

// breed keeps the top third of a sorted population and refills it with
// neighbours of the survivors and fresh random solutions, skipping
// duplicates
func (o *Optimizer) breed(sorted []individual, third int) []individual {
	next := make([]individual, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))

	for _, ind := range sorted[:third] {
		next = append(next, ind)
		seen[ind.Solution.Key()] = true
	}

	attempts := max(1, o.config.UniqueAttempts)
	add := func(draw func() types.Solution) {
		for a := 0; a < attempts; a++ {
			sol := draw()
			if key := sol.Key(); !seen[key] {
				seen[key] = true
				next = append(next, individual{Result: Result{Solution: sol}})
				return
			}
		}
	}

	for i := 0; i < third; i++ {
		parent := sorted[i%third].Solution
		add(func() types.Solution { return o.randomNeighbour(parent) })
	}
	for len(next) < len(sorted) {
		before := len(next)
		add(o.randomSolution)
		if len(next) == before {
			// the space is exhausted
			break
		}
	}

	return next
}

// Runs evaluates the defaults n times. Scripts that draw random numbers
// give a different result on every run.
func (o *Optimizer) Runs(ctx context.Context, n int, cb func(i int, ev types.Evaluation)) ([]types.Evaluation, error) {
	solutions := make([]types.Solution, n)
	for i := range solutions {
		solutions[i] = o.defaults.Clone()
	}

	return o.fanOut(ctx, MethodRuns, o.config.Concurrency, solutions, func(i int, ev types.Evaluation) {
		if cb != nil {
			cb(i, ev)
		}
	})
}
