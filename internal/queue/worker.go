package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/metrics"
)

// WorkerConfig contains worker pool configuration
type WorkerConfig struct {
	Count           int           `json:"count"`
	PollInterval    time.Duration `json:"poll_interval"`
	HandlerTimeout  time.Duration `json:"handler_timeout"`
	RecoverEvery    time.Duration `json:"recover_every"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Count:           2,
		PollInterval:    1 * time.Second,
		HandlerTimeout:  10 * time.Minute,
		RecoverEvery:    1 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerStats contains worker statistics
type WorkerStats struct {
	TasksProcessed int64     `json:"tasks_processed"`
	TasksSucceeded int64     `json:"tasks_succeeded"`
	TasksRetried   int64     `json:"tasks_retried"`
	TasksFailed    int64     `json:"tasks_failed"`
	LastTaskAt     time.Time `json:"last_task_at"`
	StartedAt      time.Time `json:"started_at"`
}

// WorkerPool runs a fixed number of loops, each polling the queue on its own.
// Claims are exclusive because the queue pops atomically.
type WorkerPool struct {
	id       string
	queue    TaskQueue
	registry *Registry
	config   WorkerConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   WorkerStats
}

// NewWorkerPool creates a new worker pool. A nil registry starts empty.
func NewWorkerPool(queue TaskQueue, registry *Registry, config WorkerConfig, logger *logging.Logger, m *metrics.Metrics) *WorkerPool {
	defaults := DefaultWorkerConfig()
	if config.Count <= 0 {
		config.Count = defaults.Count
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &WorkerPool{
		id:       uuid.New().String()[:8],
		queue:    queue,
		registry: registry,
		config:   config,
		logger:   logger,
		metrics:  m,
	}
}

// RegisterHandler registers a task handler
func (p *WorkerPool) RegisterHandler(taskType TaskType, handler Handler) error {
	return p.registry.Register(taskType, handler)
}

// Start launches the worker loops and the stale-task recovery loop.
// A positive pollInterval overrides the configured one.
func (p *WorkerPool) Start(ctx context.Context, pollInterval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.NewValidationError("worker pool is already running")
	}
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return errors.NewValidationError("worker pool is still draining a previous run")
		}
	}
	if pollInterval > 0 {
		p.config.PollInterval = pollInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stats = WorkerStats{StartedAt: time.Now()}

	var wg sync.WaitGroup
	for i := 0; i < p.config.Count; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			p.workerLoop(loopCtx, fmt.Sprintf("%s-%d", p.id, workerNum))
		}(i)
	}
	if p.config.RecoverEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.recoverLoop(loopCtx)
		}()
	}

	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(p.done)

	p.logger.Info("Worker pool started",
		"queue", p.queue.Name(),
		"workers", p.config.Count,
		"poll_interval", p.config.PollInterval.String(),
		"handlers", len(p.registry.Types()))
	return nil
}

// Stop stops polling and waits for in-flight tasks up to the shutdown timeout.
// After a timeout the pool cannot be started again until those tasks finish.
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.NewValidationError("worker pool is not running")
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()

	var err error
	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		err = errors.NewTimeoutError("worker pool shutdown")
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Worker pool stopped", "queue", p.queue.Name())
	return err
}

// IsRunning returns whether the worker pool is running
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats returns worker statistics
func (p *WorkerPool) Stats() WorkerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *WorkerPool) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain what is ready before waiting for the next tick
			for ctx.Err() == nil {
				processed, err := p.ProcessNext(ctx, workerID)
				if err != nil {
					p.logger.Warn("Failed to poll queue", "worker_id", workerID, "error", err.Error())
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (p *WorkerPool) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.RecoverEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.RecoverStale(ctx); err != nil {
				p.logger.Warn("Failed to recover stale tasks", "error", err.Error())
			}
		}
	}
}

// ProcessNext claims and runs one task. It reports false when nothing was ready.
func (p *WorkerPool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	task, err := p.queue.Dequeue(ctx, workerID)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// a claimed task finishes even if the pool is stopping
	p.run(context.WithoutCancel(ctx), task)
	return true, nil
}

func (p *WorkerPool) run(ctx context.Context, task *Task) {
	start := time.Now()
	ctx = logging.WithTaskID(ctx, task.ID)

	var (
		result interface{}
		err    error
	)
	handler, ok := p.registry.Lookup(task.Type)
	if !ok {
		err = errors.NewValidationError(fmt.Sprintf("no handler registered for task type %s", task.Type))
	} else {
		result, err = p.invoke(ctx, handler, task)
	}

	outcome := "completed"
	if err == nil {
		if cerr := p.queue.Complete(ctx, task, result); cerr != nil {
			p.logger.LogError(ctx, cerr, "Failed to mark task completed", map[string]interface{}{"task_id": task.ID})
		}
	} else {
		retrying, ferr := p.queue.Fail(ctx, task, err)
		if ferr != nil {
			p.logger.LogError(ctx, ferr, "Failed to record task failure", map[string]interface{}{"task_id": task.ID})
		}
		outcome = "failed"
		if retrying {
			outcome = "retried"
		}
	}

	duration := time.Since(start)
	p.metrics.RecordTask(string(task.Type), outcome, duration)
	p.updateStats(outcome)
	p.logger.LogTaskEvent(ctx, task.ID, string(task.Type), "processed", map[string]interface{}{
		"outcome":     outcome,
		"duration_ms": duration.Milliseconds(),
		"worker_id":   task.WorkerID,
	})
}

// invoke runs handler under the handler timeout and turns panics into errors
func (p *WorkerPool) invoke(ctx context.Context, handler Handler, task *Task) (result interface{}, err error) {
	if p.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.NewInternalError(fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	result, err = handler.Handle(ctx, task)
	if err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.IsType(err, errors.ErrorTypeTimeout) {
		err = errors.NewTimeoutError("task handler").WithCause(err)
	}
	return result, err
}

func (p *WorkerPool) updateStats(outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TasksProcessed++
	p.stats.LastTaskAt = time.Now()
	switch outcome {
	case "completed":
		p.stats.TasksSucceeded++
	case "retried":
		p.stats.TasksRetried++
	default:
		p.stats.TasksFailed++
	}
}
