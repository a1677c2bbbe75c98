package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// topResults is the number of best solutions an outcome keeps
const topResults = 10

// OptimizeSpec describes an optimization job. Space defaults to the
// parameters the script marks for optimization.
type OptimizeSpec struct {
	RunSpec
	Method  optimization.Method           `json:"method"`
	Space   []types.Parameter             `json:"space,omitempty"`
	KeyA    string                        `json:"keyA,omitempty"` // grid axes
	KeyB    string                        `json:"keyB,omitempty"`
	Runs    int                           `json:"runs,omitempty"`
	Seconds int                           `json:"seconds,omitempty"` // time limit, 0 uses the configured timeout
	Config  *optimization.OptimizerConfig `json:"config,omitempty"`
}

// Point is one evaluated solution reported while an optimization runs.
// Label describes where the point sits: the parameter value for list,
// both axes for grid, the epoch and generation for genetic.
type Point struct {
	JobID      string           `json:"jobId,omitempty"`
	Method     string           `json:"method"`
	Label      map[string]any   `json:"label,omitempty"`
	Solution   types.Solution   `json:"solution"`
	Evaluation types.Evaluation `json:"evaluation"`
}

// Outcome is the result of an optimization
type Outcome struct {
	Method   string                `json:"method"`
	Points   int                   `json:"points"`
	Best     []optimization.Result `json:"best"`
	Runs     []types.Evaluation    `json:"runs,omitempty"`
	Duration string                `json:"duration"`
}

func (o *Outcome) clone() *Outcome {
	c := *o
	c.Best = append([]optimization.Result(nil), o.Best...)
	c.Runs = append([]types.Evaluation(nil), o.Runs...)
	return &c
}

// add keeps the best solutions sorted by fitness
func (o *Outcome) add(r optimization.Result) {
	o.Points++
	key := r.Solution.Key()
	for _, b := range o.Best {
		if b.Solution.Key() == key {
			return
		}
	}
	o.Best = append(o.Best, r)
	sort.SliceStable(o.Best, func(i, j int) bool {
		return o.Best[i].Evaluation.Fitness > o.Best[j].Evaluation.Fitness
	})
	if len(o.Best) > topResults {
		o.Best = o.Best[:topResults]
	}
}

// Optimize runs spec to completion. onPoint receives every reported
// solution; it is never called concurrently.
func (o *Orchestrator) Optimize(ctx context.Context, spec OptimizeSpec, onPoint func(Point)) (*Outcome, error) {
	opt, defaults, err := o.optimizer(ctx, spec)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	outcome := &Outcome{Method: string(spec.Method)}
	runs, took, err := o.optimize(ctx, spec, opt, defaults, func(p Point) {
		mu.Lock()
		defer mu.Unlock()
		outcome.add(optimization.Result{Solution: p.Solution, Evaluation: p.Evaluation})
		if onPoint != nil {
			onPoint(p)
		}
	})
	outcome.Runs = runs
	outcome.Duration = took.String()
	return outcome, err
}

// StartOptimization validates spec and runs it in the background
func (o *Orchestrator) StartOptimization(ctx context.Context, spec OptimizeSpec) (*Job, error) {
	opt, defaults, err := o.optimizer(ctx, spec)
	if err != nil {
		return nil, err
	}

	job, jobCtx := o.newJob(JobOptimize, spec, nil)
	job.mu.Lock()
	job.outcome = &Outcome{Method: string(spec.Method)}
	job.mu.Unlock()

	go func() {
		runs, took, err := o.optimize(jobCtx, spec, opt, defaults, func(p Point) {
			p.JobID = job.id
			job.mu.Lock()
			job.outcome.add(optimization.Result{Solution: p.Solution, Evaluation: p.Evaluation})
			job.mu.Unlock()
			o.notify(EventOptimizeResult, p)
		})
		job.mu.Lock()
		job.outcome.Runs = runs
		job.outcome.Duration = took.String()
		job.mu.Unlock()
		o.endJob(job, err)

		o.notify(EventOptimizeComplete, map[string]any{
			"id":      job.id,
			"status":  job.Status(),
			"outcome": job.Outcome(),
		})
	}()

	return job, nil
}

func (o *Orchestrator) optimizer(ctx context.Context, spec OptimizeSpec) (*optimization.Optimizer, types.Solution, error) {
	switch spec.Method {
	case optimization.MethodList, optimization.MethodGrid, optimization.MethodAnnealing,
		optimization.MethodGenetic, optimization.MethodRuns:
	default:
		return nil, nil, fmt.Errorf("unknown optimization method %q", spec.Method)
	}
	if spec.Method == optimization.MethodGrid && (spec.KeyA == "" || spec.KeyB == "") {
		return nil, nil, errors.New("grid optimization needs keyA and keyB")
	}

	req, script, err := o.Prepare(ctx, spec.RunSpec)
	if err != nil {
		return nil, nil, err
	}

	space := spec.Space
	if len(space) == 0 {
		space = script.Optimize
	}
	if len(space) == 0 && spec.Method != optimization.MethodRuns {
		return nil, nil, fmt.Errorf("script %s has no parameters to optimize", script.Name)
	}

	defaults := optimization.Defaults(script)
	for k, v := range req.Overrides {
		defaults[k] = v
	}

	cfg := spec.Config
	if cfg == nil {
		cfg = optimization.ConfigFrom(o.config.Optimizer)
	}

	scorer := optimization.NewScorer(o.logger, *req, o.path, o.optMetrics)
	opt, err := optimization.NewOptimizer(o.logger, cfg, scorer, space, defaults)
	return opt, defaults, err
}

// optimize runs the method of spec and returns the evaluations of a runs
// job and the time taken
func (o *Orchestrator) optimize(ctx context.Context, spec OptimizeSpec, opt *optimization.Optimizer, defaults types.Solution, report func(Point)) ([]types.Evaluation, time.Duration, error) {
	limit := o.config.Optimizer.Timeout
	if spec.Seconds > 0 {
		limit = time.Duration(spec.Seconds) * time.Second
	}
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	o.metrics.OptimizationsRun.Add(1)
	began := time.Now()
	method := string(spec.Method)

	o.logger.Info("Starting optimization",
		zap.String("method", method),
		zap.String("script", spec.Script),
		zap.Int("parameters", len(opt.Space())),
	)

	var (
		runs []types.Evaluation
		err  error
	)
	switch spec.Method {
	case optimization.MethodList:
		err = opt.List(ctx, func(key string, value any, ev types.Evaluation) {
			sol := defaults.Clone()
			sol[key] = value
			report(Point{Method: method, Label: map[string]any{key: value}, Solution: sol, Evaluation: ev})
		})

	case optimization.MethodGrid:
		err = opt.Grid(ctx, spec.KeyA, spec.KeyB, func(a, b any, ev types.Evaluation) {
			sol := defaults.Clone()
			sol[spec.KeyA] = a
			sol[spec.KeyB] = b
			report(Point{Method: method, Label: map[string]any{spec.KeyA: a, spec.KeyB: b}, Solution: sol, Evaluation: ev})
		})

	case optimization.MethodAnnealing:
		_, err = opt.Annealing(ctx, func(best optimization.Result) {
			report(Point{Method: method, Solution: best.Solution, Evaluation: best.Evaluation})
		})

	case optimization.MethodGenetic:
		_, err = opt.Genetic(ctx, optimization.GeneticCallbacks{
			Generation: func(epoch, generation int, best optimization.Result) {
				report(Point{
					Method:     method,
					Label:      map[string]any{"epoch": epoch, "generation": generation},
					Solution:   best.Solution,
					Evaluation: best.Evaluation,
				})
			},
		})

	case optimization.MethodRuns:
		n := spec.Runs
		if n <= 0 {
			n = 10
		}
		runs, err = opt.Runs(ctx, n, func(i int, ev types.Evaluation) {
			report(Point{Method: method, Label: map[string]any{"run": i}, Solution: defaults.Clone(), Evaluation: ev})
		})
	}

	if err == nil && errors.Is(ctx.Err(), context.Canceled) {
		err = ctx.Err()
	}
	// a time limit is the normal end of the open-ended searches
	if errors.Is(err, context.DeadlineExceeded) &&
		(spec.Method == optimization.MethodAnnealing || spec.Method == optimization.MethodGenetic) {
		err = nil
	}
	return runs, time.Since(began).Round(time.Millisecond), err
}
