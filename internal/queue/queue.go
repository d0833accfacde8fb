// Package queue is a Redis-backed priority task queue with delayed retries.
//
// Layout under the queue name:
//
//	queue:<name>:priority:<n>  ready list per priority (LPUSH / RPOP, FIFO)
//	scheduled:<name>           delayed tasks, score = ready time in ms
//	processing:<name>          claimed tasks, score = deadline in ms
//	dead:<name>                failed task IDs
//	stats:<name>               counters
//	task:<name>:<id>           task blob with TTL
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GiovanoMP/chatwootai-sub005/internal/store"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/metrics"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/resilience"
)

// promoteBatch bounds how many delayed tasks one sweep moves
const promoteBatch = 100

// Config contains queue configuration
type Config struct {
	Name              string        `json:"name"`
	MaxRetries        int           `json:"max_retries"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`
	TaskTTL           time.Duration `json:"task_ttl"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	// Clock overrides time.Now
	Clock func() time.Time `json:"-"`
}

// DefaultConfig returns default queue configuration
func DefaultConfig() Config {
	return Config{
		Name:              "knowledge_sync",
		MaxRetries:        3,
		RetryBaseDelay:    5 * time.Second,
		RetryMaxDelay:     10 * time.Minute,
		TaskTTL:           7 * 24 * time.Hour,
		ProcessingTimeout: 15 * time.Minute,
	}
}

// Queue represents a Redis-based task queue
type Queue struct {
	redis   *store.RedisClient
	config  Config
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewQueue creates a new task queue
func NewQueue(redis *store.RedisClient, config Config, logger *logging.Logger, m *metrics.Metrics) *Queue {
	if config.Name == "" {
		config.Name = "knowledge_sync"
	}
	if config.TaskTTL <= 0 {
		config.TaskTTL = 7 * 24 * time.Hour
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = 15 * time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Queue{
		redis:   redis,
		config:  config,
		now:     now,
		logger:  logger,
		metrics: m,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.config.Name
}

// Redis key patterns
func (q *Queue) queueKey(priority Priority) string {
	return fmt.Sprintf("queue:%s:priority:%d", q.config.Name, priority)
}

func (q *Queue) taskKey(taskID string) string {
	return fmt.Sprintf("task:%s:%s", q.config.Name, taskID)
}

func (q *Queue) processingKey() string {
	return fmt.Sprintf("processing:%s", q.config.Name)
}

func (q *Queue) scheduledKey() string {
	return fmt.Sprintf("scheduled:%s", q.config.Name)
}

func (q *Queue) statsKey() string {
	return fmt.Sprintf("stats:%s", q.config.Name)
}

func (q *Queue) deadLetterKey() string {
	return fmt.Sprintf("dead:%s", q.config.Name)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue creates a task and queues it. A positive delay defers it.
func (q *Queue) Enqueue(ctx context.Context, taskType TaskType, payload interface{}, priority Priority, delay time.Duration) (string, error) {
	if taskType == "" {
		return "", errors.NewValidationError("task type is required")
	}
	if !priority.Valid() {
		return "", errors.NewValidationError(fmt.Sprintf("invalid priority %d", priority))
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", errors.NewValidationError("task payload is not serializable").WithCause(err)
		}
		raw = data
	}

	task := NewTask(taskType, priority, raw, q.now())
	task.MaxRetries = q.config.MaxRetries

	if err := q.Push(ctx, task, delay); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Push stores task and places it on its ready list, or on the delayed set
// when delay is positive
func (q *Queue) Push(ctx context.Context, task *Task, delay time.Duration) error {
	if task == nil {
		return errors.NewValidationError("task cannot be nil")
	}

	now := q.now()
	task.Status = StatusPending
	task.UpdatedAt = now
	task.ScheduledAt = nil
	if delay > 0 {
		at := now.Add(delay)
		task.ScheduledAt = &at
	}

	data, err := task.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize task").WithCause(err)
	}

	err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, q.config.TaskTTL)
		if task.ScheduledAt != nil {
			pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: score(*task.ScheduledAt), Member: task.ID})
		} else {
			pipe.LPush(ctx, q.queueKey(task.Priority), task.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.updateStats(ctx, "enqueued", task.Type)
	q.logger.LogTaskEvent(ctx, task.ID, string(task.Type), "enqueued", map[string]interface{}{
		"priority": task.Priority.String(),
		"delay_ms": delay.Milliseconds(),
	})
	return nil
}

// Dequeue moves due delayed tasks to their ready lists, then claims the
// oldest task of the highest non-empty priority
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("Failed to promote delayed tasks", "queue", q.config.Name, "error", err.Error())
	}

	for _, priority := range Priorities {
		for {
			taskID, err := q.redis.RPop(ctx, q.queueKey(priority))
			if errors.IsNotFound(err) {
				break
			}
			if err != nil {
				return nil, err
			}

			task, err := q.GetTask(ctx, taskID)
			if errors.IsNotFound(err) {
				q.logger.Warn("Dropping queued task without data", "task_id", taskID)
				continue
			}
			if err != nil {
				return nil, err
			}
			if task.Terminal() {
				continue
			}

			if err := q.claim(ctx, task, workerID); err != nil {
				return nil, err
			}
			return task, nil
		}
	}

	return nil, errors.NewNotFoundError("ready task")
}

func (q *Queue) claim(ctx context.Context, task *Task, workerID string) error {
	now := q.now()
	task.Status = StatusProcessing
	task.WorkerID = workerID
	task.StartedAt = &now
	task.UpdatedAt = now
	task.ScheduledAt = nil

	data, err := task.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize task").WithCause(err)
	}

	deadline := now.Add(q.config.ProcessingTimeout)
	return q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, q.config.TaskTTL)
		pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: score(deadline), Member: task.ID})
		return nil
	})
}

// Complete marks a task as completed and stores its result
func (q *Queue) Complete(ctx context.Context, task *Task, result interface{}) error {
	now := q.now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	task.LastError = ""
	task.ErrorType = ""

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			q.logger.Warn("Discarding unserializable task result", "task_id", task.ID, "error", err.Error())
		} else {
			task.Result = data
		}
	}

	if err := q.save(ctx, task); err != nil {
		return err
	}
	if _, err := q.redis.ZRem(ctx, q.processingKey(), task.ID); err != nil {
		q.logger.Warn("Failed to release processing claim", "task_id", task.ID, "error", err.Error())
	}

	q.updateStats(ctx, "completed", task.Type)
	return nil
}

// Fail records cause on the task. Retryable causes schedule the task again
// after Backoff(base, retry_count) until max_retries is used up; validation
// failures and exhausted tasks end in failed and go to the dead letter list.
func (q *Queue) Fail(ctx context.Context, task *Task, cause error) (bool, error) {
	if cause == nil {
		cause = errors.NewInternalError("task failed without an error")
	}

	now := q.now()
	task.LastError = cause.Error()
	task.ErrorType = string(errors.GetType(cause))
	task.UpdatedAt = now

	retryable := errors.IsRetryable(cause)
	if retryable && task.CanRetry() {
		task.RetryCount++
		delay := resilience.Backoff(q.config.RetryBaseDelay, task.RetryCount, q.config.RetryMaxDelay)
		retryAt := now.Add(delay)
		task.Status = StatusPending
		task.ScheduledAt = &retryAt

		data, err := task.ToJSON()
		if err != nil {
			return false, errors.NewInternalError("failed to serialize task").WithCause(err)
		}
		err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.taskKey(task.ID), data, q.config.TaskTTL)
			pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: score(retryAt), Member: task.ID})
			pipe.ZRem(ctx, q.processingKey(), task.ID)
			return nil
		})
		if err != nil {
			return false, err
		}

		q.updateStats(ctx, "retried", task.Type)
		q.logger.LogTaskEvent(ctx, task.ID, string(task.Type), "retry_scheduled", map[string]interface{}{
			"retry_count": task.RetryCount,
			"max_retries": task.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       task.LastError,
		})
		return true, nil
	}

	if retryable {
		task.ErrorType = string(errors.ErrorTypeTaskExhausted)
		q.logger.LogError(ctx, errors.NewTaskExhaustedError(task.ID, task.RetryCount+1).WithCause(cause),
			"Task exhausted its retries", map[string]interface{}{
				"task_type": string(task.Type),
			})
	}

	task.Status = StatusFailed
	task.ScheduledAt = nil
	task.CompletedAt = &now

	data, err := task.ToJSON()
	if err != nil {
		return false, errors.NewInternalError("failed to serialize task").WithCause(err)
	}
	err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, q.config.TaskTTL)
		pipe.LPush(ctx, q.deadLetterKey(), task.ID)
		pipe.ZRem(ctx, q.processingKey(), task.ID)
		return nil
	})
	if err != nil {
		return false, err
	}

	q.updateStats(ctx, "failed", task.Type)
	q.logger.LogTaskEvent(ctx, task.ID, string(task.Type), "failed", map[string]interface{}{
		"retry_count": task.RetryCount,
		"error_type":  task.ErrorType,
		"error":       task.LastError,
	})
	return false, nil
}

// GetTask retrieves a task by ID; an unknown ID is a not_found error
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := q.redis.Get(ctx, q.taskKey(taskID))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("task").WithDetail("task_id", taskID)
		}
		return nil, err
	}

	task, err := FromJSON(data)
	if err != nil {
		return nil, errors.NewInternalError("failed to deserialize task").WithCause(err)
	}
	return task, nil
}

// RecoverStale fails claimed tasks whose processing deadline passed, which
// schedules a retry when they have retries left
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	expired, err := q.redis.ZRangeByScore(ctx, q.processingKey(), "-inf", max, promoteBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, taskID := range expired {
		// only one instance wins the claim on a stale task
		removed, err := q.redis.ZRem(ctx, q.processingKey(), taskID)
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue
		}

		task, err := q.GetTask(ctx, taskID)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		if _, err := q.Fail(ctx, task, errors.NewTimeoutError("task processing")); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Warn("Recovered stale tasks", "queue", q.config.Name, "count", recovered)
	}
	return recovered, nil
}

// Stats returns queue statistics
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Ready:    make(map[string]int64, len(Priorities)),
		Counters: make(map[string]int64),
	}

	for _, priority := range Priorities {
		n, err := q.redis.LLen(ctx, q.queueKey(priority))
		if err != nil {
			return nil, err
		}
		stats.Ready[priority.String()] = n
		q.metrics.UpdateQueueSize(q.config.Name, "ready_"+priority.String(), n)
	}

	var err error
	if stats.Delayed, err = q.redis.ZCard(ctx, q.scheduledKey()); err != nil {
		return nil, err
	}
	if stats.Processing, err = q.redis.ZCard(ctx, q.processingKey()); err != nil {
		return nil, err
	}
	if stats.DeadLetter, err = q.redis.LLen(ctx, q.deadLetterKey()); err != nil {
		return nil, err
	}
	q.metrics.UpdateQueueSize(q.config.Name, "delayed", stats.Delayed)
	q.metrics.UpdateQueueSize(q.config.Name, "processing", stats.Processing)
	q.metrics.UpdateQueueSize(q.config.Name, "dead_letter", stats.DeadLetter)

	counters, err := q.redis.HGetAll(ctx, q.statsKey())
	if err != nil {
		return nil, err
	}
	for field, value := range counters {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			stats.Counters[field] = n
		}
	}

	return stats, nil
}

// DeadLetters returns up to limit failed task IDs, most recent first
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.redis.LRange(ctx, q.deadLetterKey(), 0, limit-1)
}

// Helper methods

func (q *Queue) save(ctx context.Context, task *Task) error {
	data, err := task.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize task").WithCause(err)
	}
	return q.redis.SetEX(ctx, q.taskKey(task.ID), data, q.config.TaskTTL)
}

// promoteDue moves delayed tasks whose time has come onto their ready lists.
// ZREM decides which poller owns each task.
func (q *Queue) promoteDue(ctx context.Context) error {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.redis.ZRangeByScore(ctx, q.scheduledKey(), "-inf", max, promoteBatch)
	if err != nil {
		return err
	}

	for _, taskID := range due {
		removed, err := q.redis.ZRem(ctx, q.scheduledKey(), taskID)
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		task, err := q.GetTask(ctx, taskID)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}

		task.ScheduledAt = nil
		task.UpdatedAt = q.now()
		data, err := task.ToJSON()
		if err != nil {
			return errors.NewInternalError("failed to serialize task").WithCause(err)
		}
		err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.taskKey(task.ID), data, q.config.TaskTTL)
			pipe.LPush(ctx, q.queueKey(task.Priority), task.ID)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) updateStats(ctx context.Context, action string, taskType TaskType) {
	field := fmt.Sprintf("%s:%s", action, taskType)
	if err := q.redis.HIncrBy(ctx, q.statsKey(), field, 1); err != nil {
		q.logger.Debug("Failed to update queue stats", "field", field, "error", err.Error())
	}
}
