// Package queue provides the durable operation queue for offline actions.
// Every mutating user action performed while offline lands here and survives
// process restarts; the retry coordinator drains it once connectivity allows.
package queue

import (
	"encoding/json"
	"time"

	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/errors"
	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
)

// DefaultMaxAttempts is the queue-level retry ceiling per operation.
const DefaultMaxAttempts = 3

// Queue manages durable queued operations backed by the repository. It holds
// no in-memory item state: every read goes back to the store, because a
// cached "last known status" is exactly what reopens the double-retry race.
type Queue struct {
	repo    *db.Repository
	maxSize int
}

// Config holds queue configuration.
type Config struct {
	MaxSize int // maximum queued operations (default: 100)
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{MaxSize: 100}
}

// New creates a Queue over the given repository.
func New(repo *db.Repository, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	return &Queue{
		repo:    repo,
		maxSize: config.MaxSize,
	}
}

// Enqueue persists a new operation in PENDING state and returns it.
func (q *Queue) Enqueue(opType models.OperationType, payload json.RawMessage) (*models.QueuedOperation, error) {
	counts, err := q.repo.CountOperationsByStatus()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count queue", err)
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total >= q.maxSize {
		return nil, errors.New(errors.ErrQueueFull, "operation queue is full")
	}

	op := &models.QueuedOperation{
		Type:        opType,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
	}
	if err := q.repo.CreateOperation(op); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue operation", err)
	}

	logging.Info("Enqueued operation",
		map[string]interface{}{"operation_id": op.ID.String(), "type": string(opType)})

	return op, nil
}

// Get returns one operation by ID.
func (q *Queue) Get(id string) (*models.QueuedOperation, error) {
	op, err := q.repo.GetOperation(id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "operation not found", err)
	}
	return op, nil
}

// ListPending returns PENDING operations whose retry time has arrived.
func (q *Queue) ListPending() ([]*models.QueuedOperation, error) {
	return q.repo.ListPendingOperations(time.Now().Unix())
}

// ListAll returns every queued operation, oldest first.
func (q *Queue) ListAll() ([]*models.QueuedOperation, error) {
	return q.repo.ListOperations()
}

// ListByType returns queued operations of one type, oldest first.
func (q *Queue) ListByType(opType models.OperationType) ([]*models.QueuedOperation, error) {
	return q.repo.ListOperationsByType(opType)
}

// ClaimForRetry attempts to take exclusive retry ownership of an operation.
// The claim is a single conditional update; losing the race returns
// (false, nil) and is not an error. This is the linchpin that keeps an
// app-foreground sweep and a user-pressed "retry now" from double-executing
// the same operation.
func (q *Queue) ClaimForRetry(id string) (bool, error) {
	claimed, err := q.repo.ClaimOperation(id, time.Now().Unix())
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to claim operation", err)
	}
	if !claimed {
		logging.Debug("Operation already claimed",
			map[string]interface{}{"operation_id": id})
	}
	return claimed, nil
}

// MarkCompleted deletes a successfully executed operation.
func (q *Queue) MarkCompleted(id string) error {
	if err := q.repo.DeleteOperation(id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to complete operation", err)
	}
	logging.Info("Completed operation", map[string]interface{}{"operation_id": id})
	return nil
}

// Reschedule returns a claimed operation to PENDING with a new attempt count
// and retry time, so the next sweep (not only an in-memory timer) sees it.
func (q *Queue) Reschedule(id string, attemptCount int, delay time.Duration, lastError string) error {
	nextRetryAt := time.Now().Add(delay).Unix()
	if err := q.repo.RescheduleOperation(id, attemptCount, nextRetryAt, lastError); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reschedule operation", err)
	}
	logging.Info("Rescheduled operation",
		map[string]interface{}{
			"operation_id": id,
			"attempt":      attemptCount,
			"delay_ms":     delay.Milliseconds(),
		})
	return nil
}

// MarkFailed transitions an operation to FAILED after exhausting retries.
// The row persists for manual inspection.
func (q *Queue) MarkFailed(id string, attemptCount int, lastError string) error {
	if err := q.repo.FailOperation(id, attemptCount, lastError); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark operation failed", err)
	}
	logging.ErrorWithCode("Operation failed permanently", string(errors.ErrQueueExhausted), nil,
		map[string]interface{}{"operation_id": id, "attempts": attemptCount})
	return nil
}

// Delete removes an operation at the user's request.
func (q *Queue) Delete(id string) error {
	if err := q.repo.DeleteOperation(id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete operation", err)
	}
	return nil
}

// RetryFailed resets a FAILED operation to PENDING with a fresh attempt
// budget. Returns false if the operation is not currently FAILED.
func (q *Queue) RetryFailed(id string) (bool, error) {
	reset, err := q.repo.ResetFailedOperation(id, time.Now().Unix())
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to reset operation", err)
	}
	if reset {
		logging.Info("Reset failed operation for retry",
			map[string]interface{}{"operation_id": id})
	}
	return reset, nil
}

// RecoverInFlight demotes RETRYING rows to PENDING. Run once at startup; a
// surviving RETRYING row means the previous process died mid-attempt.
func (q *Queue) RecoverInFlight() (int, error) {
	n, err := q.repo.ResetInFlightOperations(time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to recover in-flight operations", err)
	}
	if n > 0 {
		logging.Warn("Recovered in-flight operations from previous run",
			map[string]interface{}{"count": n})
	}
	return n, nil
}

// Stats returns queue statistics by status.
func (q *Queue) Stats() (map[string]int, error) {
	counts, err := q.repo.CountOperationsByStatus()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count queue", err)
	}

	stats := map[string]int{
		"total":    0,
		"pending":  0,
		"retrying": 0,
		"failed":   0,
	}
	for status, count := range counts {
		stats["total"] += count
		switch status {
		case models.OperationPending:
			stats["pending"] = count
		case models.OperationRetrying:
			stats["retrying"] = count
		case models.OperationFailed:
			stats["failed"] = count
		}
	}
	return stats, nil
}
