// Package workers provides a bounded goroutine pool for running many
// independent simulations in parallel.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a fixed set of worker goroutines fed from a task queue
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        `json:"name" yaml:"name" mapstructure:"name"`
	NumWorkers      int           `json:"numWorkers" yaml:"numWorkers" mapstructure:"numWorkers"`
	QueueSize       int           `json:"queueSize" yaml:"queueSize" mapstructure:"queueSize"`
	TaskTimeout     time.Duration `json:"taskTimeout" yaml:"taskTimeout" mapstructure:"taskTimeout"` // 0 disables
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" mapstructure:"shutdownTimeout"`
	PanicRecovery   bool          `json:"panicRecovery" yaml:"panicRecovery" mapstructure:"panicRecovery"`
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	mu sync.Mutex

	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	TasksTimeout   atomic.Int64
	PanicRecovered atomic.Int64

	// ring buffer of recent task latencies
	latencies []time.Duration
	next      int
	filled    bool

	startTime time.Time
}

const latencyWindow = 1000

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies: make([]time.Duration, latencyWindow),
		startTime: time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.next] = d
	m.next = (m.next + 1) % len(m.latencies)
	if m.next == 0 {
		m.filled = true
	}
}

// P99Latency returns the 99th percentile of the recent task latencies
func (m *PoolMetrics) P99Latency() time.Duration {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.latencies)
	}
	sorted := append([]time.Duration(nil), m.latencies[:n]...)
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := min(int(float64(len(sorted))*0.99), len(sorted)-1)
	return sorted[idx]
}

// Throughput returns completed tasks per second since the pool was created
func (m *PoolMetrics) Throughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.TasksCompleted.Load()) / elapsed
}

// Stats returns current metrics
func (m *PoolMetrics) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: m.TasksSubmitted.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		TasksFailed:    m.TasksFailed.Load(),
		TasksTimeout:   m.TasksTimeout.Load(),
		PanicRecovered: m.PanicRecovered.Load(),
		P99Latency:     m.P99Latency(),
		Throughput:     m.Throughput(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasksSubmitted"`
	TasksCompleted int64         `json:"tasksCompleted"`
	TasksFailed    int64         `json:"tasksFailed"`
	TasksTimeout   int64         `json:"tasksTimeout"`
	PanicRecovered int64         `json:"panicRecovered"`
	P99Latency     time.Duration `json:"p99Latency"`
	Throughput     float64       `json:"throughput"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   NewPoolMetrics(),
	}
}

// Start starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) work(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(logger, task)
		}
	}
}

// execute runs a single task with optional timeout and panic recovery
func (p *Pool) execute(logger *zap.Logger, task Task) {
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if p.config.PanicRecovery {
				if r := recover(); r != nil {
					err = &PanicError{Recovered: r}
				}
			}
			done <- err
		}()
		err = task.Execute()
	}()

	var timeout <-chan time.Time
	if p.config.TaskTimeout > 0 {
		timer := time.NewTimer(p.config.TaskTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		p.metrics.RecordLatency(time.Since(start))

		var panicErr *PanicError
		switch {
		case errors.As(err, &panicErr):
			p.metrics.PanicRecovered.Add(1)
			p.metrics.TasksFailed.Add(1)
			logger.Error("worker recovered from panic", zap.Any("panic", panicErr.Recovered))
		case err != nil:
			p.metrics.TasksFailed.Add(1)
			logger.Debug("task failed", zap.Error(err))
		default:
			p.metrics.TasksCompleted.Add(1)
		}

	case <-timeout:
		p.metrics.TasksTimeout.Add(1)
		logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))

	case <-p.ctx.Done():
	}
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.metrics.TasksSubmitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitContext adds a task to the queue, blocking while it is full
func (p *Pool) SubmitContext(ctx context.Context, task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.metrics.TasksSubmitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// SubmitWait submits a task and waits for it to finish. A panicking task
// returns a *PanicError.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	done := make(chan error, 1)
	wrapper := TaskFunc(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Recovered: r}
			}
			done <- err
		}()
		return task.Execute()
	})

	if err := p.SubmitContext(ctx, wrapper); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop shuts down the pool. Queued tasks that have not started are dropped.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool stopped", zap.String("name", p.config.Name))
		return nil

	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.Stats()
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

// ForEach runs fn(i) for i in [0, n) on the pool and waits for all calls to
// finish. Submission blocks while the queue is full. The returned error
// joins every failed call; a cancelled ctx stops further submissions.
func (p *Pool) ForEach(ctx context.Context, n int, fn func(i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := p.SubmitContext(ctx, TaskFunc(func() (err error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Recovered: r}
				}
				if err != nil {
					record(err)
				}
			}()
			return fn(i)
		}))
		if err != nil {
			wg.Done()
			record(err)
			break
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}
