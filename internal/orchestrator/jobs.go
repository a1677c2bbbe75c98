package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// JobKind identifies what a job runs
type JobKind string

const (
	JobBacktest JobKind = "backtest"
	JobOptimize JobKind = "optimize"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

var (
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already ended
	ErrJobFinished = errors.New("job is not running")
)

// Job is a backtest or optimization running in the background
type Job struct {
	id      string
	kind    JobKind
	spec    any
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	engine  *backtester.Engine // backtest jobs only

	mu       sync.RWMutex
	status   JobStatus
	finished time.Time
	progress int
	err      error
	result   *types.SimulationResult
	series   map[string]*candles.Series
	outcome  *Outcome
}

// JobInfo is the JSON view of a job
type JobInfo struct {
	ID       string     `json:"id"`
	Kind     JobKind    `json:"kind"`
	Status   JobStatus  `json:"status"`
	Progress int        `json:"progress"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Error    string     `json:"error,omitempty"`
	Spec     any        `json:"spec"`
}

// ID returns the job id
func (j *Job) ID() string { return j.id }

// Kind returns what the job runs
func (j *Job) Kind() JobKind { return j.kind }

// Status returns the current status
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Info returns a snapshot of the job
func (j *Job) Info() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()

	info := JobInfo{
		ID:       j.id,
		Kind:     j.kind,
		Status:   j.status,
		Progress: j.progress,
		Started:  j.started,
		Spec:     j.spec,
	}
	if j.engine != nil && j.status == JobRunning && j.engine.Running() {
		info.Progress = j.engine.Progress()
	}
	if !j.finished.IsZero() {
		finished := j.finished
		info.Finished = &finished
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

// Result returns the simulation result of a completed backtest job
func (j *Job) Result() *types.SimulationResult {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// Series returns the bars a finished backtest ran over
func (j *Job) Series() map[string]*candles.Series {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.series
}

// Outcome returns the results of an optimization job. It is updated while
// the job runs.
func (j *Job) Outcome() *Outcome {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.outcome == nil {
		return nil
	}
	return j.outcome.clone()
}

// Done is closed when the job ends
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job ends or ctx is done
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.RLock()
		defer j.mu.RUnlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	switch {
	case err == nil:
		j.status = JobCompleted
		j.progress = 100
	case errors.Is(err, context.Canceled) || errors.Is(err, backtester.ErrCancelled):
		j.status = JobCancelled
		err = nil
	default:
		j.status = JobFailed
	}
	j.err = err
	j.finished = time.Now()
	j.mu.Unlock()

	j.cancel()
	close(j.done)
}

func (o *Orchestrator) newJob(kind JobKind, spec any, engine *backtester.Engine) (*Job, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		id:      uuid.NewString(),
		kind:    kind,
		spec:    spec,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		engine:  engine,
		status:  JobRunning,
	}

	o.mu.Lock()
	o.jobs[j.id] = j
	o.order = append(o.order, j.id)
	o.evict()
	o.mu.Unlock()

	o.jobGauge.WithLabelValues(string(kind)).Inc()
	return j, ctx
}

func (o *Orchestrator) endJob(j *Job, err error) {
	j.finish(err)
	o.jobGauge.WithLabelValues(string(j.kind)).Dec()

	info := j.Info()
	o.logger.Info("Job finished",
		zap.String("id", info.ID),
		zap.String("kind", string(info.Kind)),
		zap.String("status", string(info.Status)),
		zap.Duration("duration", info.Finished.Sub(info.Started)),
	)
}

// evict drops the oldest finished jobs beyond MaxJobs. Callers hold o.mu.
func (o *Orchestrator) evict() {
	excess := len(o.order) - o.config.MaxJobs
	if excess <= 0 {
		return
	}

	kept := o.order[:0]
	for _, id := range o.order {
		if excess > 0 && o.jobs[id].Status() != JobRunning {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

// Job returns a tracked job
func (o *Orchestrator) Job(id string) (*Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Jobs returns every tracked job, oldest first
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]JobInfo, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id].Info())
	}
	return out
}

// Cancel stops a running job
func (o *Orchestrator) Cancel(id string) error {
	j, err := o.Job(id)
	if err != nil {
		return err
	}
	if j.Status() != JobRunning {
		return ErrJobFinished
	}
	// the engine stops at its next bar; the context covers a run that has
	// not started yet
	if j.engine != nil {
		j.engine.Cancel()
	}
	j.cancel()
	return nil
}

// StartBacktest prepares spec and runs it in the background. Preparation
// errors are returned directly; run errors end up in the job.
func (o *Orchestrator) StartBacktest(ctx context.Context, spec RunSpec) (*Job, error) {
	req, _, err := o.Prepare(ctx, spec)
	if err != nil {
		return nil, err
	}

	engine := backtester.NewEngine(o.logger, o.path)
	job, jobCtx := o.newJob(JobBacktest, spec, engine)
	req.ID = job.id
	req.OnEvent = func(ev types.Event) {
		switch ev.Type {
		case types.EventTypeStart:
			o.notify(EventBacktestStart, ev)
		case types.EventTypeProgress:
			o.notify(EventBacktestProgress, ev)
		}
	}

	go func() {
		result, err := o.run(jobCtx, engine, req)
		if err == nil {
			job.mu.Lock()
			job.result = result
			job.series = req.Series
			job.mu.Unlock()
		}
		o.endJob(job, err)

		payload := map[string]any{"id": job.id, "status": job.Status()}
		if result != nil {
			payload["balance"] = result.Balance
			payload["trades"] = len(result.Trades)
		}
		if info := job.Info(); info.Error != "" {
			payload["error"] = info.Error
		}
		o.notify(EventBacktestComplete, payload)
	}()

	return job, nil
}
