// Package retrier drains the operation queue against the remote service with
// exponential backoff.
package retrier

import (
	"context"
	"sync"
	"time"

	"github.com/tapcrew/brewpass/core/internal/lifecycle"
	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/optimistic"
	"github.com/tapcrew/brewpass/core/internal/queue"
	"github.com/tapcrew/brewpass/core/internal/remote"
	"github.com/tapcrew/brewpass/core/internal/telemetry"
)

// Notifier surfaces terminal failures to the user. NotifyOperationFailed is
// called exactly once per operation, at the transition to FAILED.
type Notifier interface {
	NotifyOperationFailed(op *models.QueuedOperation, lastError string)
}

// RollbackApplier undoes the local effect of a rolled-back optimistic update.
// The action orchestrator that applied the mutation implements this.
type RollbackApplier interface {
	ApplyRollback(rb optimistic.RollbackData) error
}

// Config holds coordinator configuration.
type Config struct {
	SweepInterval time.Duration // periodic queue sweep (default: 1 minute)
	BackoffBase   time.Duration // first retry delay (default: 1s)
	BackoffCap    time.Duration // maximum retry delay (default: 4s)
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval: time.Minute,
		BackoffBase:   time.Second,
		BackoffCap:    4 * time.Second,
	}
}

// Coordinator is the background loop that claims eligible queued operations,
// executes them, and reschedules or exhausts them. Sweeps are triggered by a
// periodic ticker, lifecycle foreground/online events, per-operation backoff
// timers, and explicit user retries; the atomic claim in the queue keeps those
// triggers from double-executing an operation.
type Coordinator struct {
	queue    *queue.Queue
	tracker  *optimistic.Tracker
	executor remote.ActionExecutor
	bus      *lifecycle.Bus
	notifier Notifier
	applier  RollbackApplier
	cfg      *Config

	ctx    context.Context
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.Mutex
	isRunning       bool
	sweepInProgress bool
	timers          map[string]*time.Timer
}

// NewCoordinator creates a Coordinator. notifier and applier may be nil.
func NewCoordinator(q *queue.Queue, tracker *optimistic.Tracker, executor remote.ActionExecutor,
	bus *lifecycle.Bus, notifier Notifier, applier RollbackApplier, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		queue:    q,
		tracker:  tracker,
		executor: executor,
		bus:      bus,
		notifier: notifier,
		applier:  applier,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Start starts the background loops.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.ctx = ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop(ctx)

	if c.bus != nil {
		c.wg.Add(1)
		go c.eventLoop(ctx, c.bus.Subscribe())
	}

	logging.Info("Retry coordinator started", nil)
}

// Stop stops the loops and cancels every outstanding backoff timer. In-flight
// remote calls are allowed to finish; their results apply to the store but no
// new attempts start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	c.mu.Unlock()

	close(c.stopCh)
	c.cancelTimers()
	c.wg.Wait()

	logging.Info("Retry coordinator stopped", nil)
}

// PendingTimers returns the number of outstanding backoff timers. A non-zero
// count after Stop is a leak.
func (c *Coordinator) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.bus != nil && !c.bus.IsOnline() {
				continue
			}
			go c.Sweep(ctx)
		}
	}
}

func (c *Coordinator) eventLoop(ctx context.Context, events <-chan lifecycle.Event) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event {
			case lifecycle.EventForeground, lifecycle.EventOnline:
				go c.Sweep(ctx)
			case lifecycle.EventBackground:
				// Backoff timers die with the backgrounded app; the rows stay
				// PENDING and the next foreground sweep picks them up.
				c.cancelTimers()
			}
		}
	}
}

// Sweep lists eligible PENDING operations and attempts each one. Overlapping
// sweeps are collapsed; the per-operation claim makes overlap harmless anyway.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.mu.Lock()
	if c.sweepInProgress {
		c.mu.Unlock()
		return
	}
	c.sweepInProgress = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sweepInProgress = false
		c.mu.Unlock()
	}()

	if _, err := c.tracker.PurgeExpired(); err != nil {
		logging.Error("Failed to purge expired updates", err)
	}

	pending, err := c.queue.ListPending()
	if err != nil {
		logging.Error("Failed to list pending operations", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	logging.Info("Sweeping operation queue", map[string]interface{}{"pending": len(pending)})

	for _, op := range pending {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		c.processOne(ctx, op)
	}
}

// RetryNow is the user-pressed "retry" path. A FAILED operation gets a fresh
// attempt budget first; then the operation goes through the same claim gate
// as any sweep.
func (c *Coordinator) RetryNow(ctx context.Context, id string) error {
	op, err := c.queue.Get(id)
	if err != nil {
		return err
	}

	if op.Status == models.OperationFailed {
		if _, err := c.queue.RetryFailed(id); err != nil {
			return err
		}
		op, err = c.queue.Get(id)
		if err != nil {
			return err
		}
	}

	c.processOne(ctx, op)
	return nil
}

// processOne claims and executes a single operation. Losing the claim is
// silent: another trigger owns the attempt.
func (c *Coordinator) processOne(ctx context.Context, op *models.QueuedOperation) {
	claimed, err := c.queue.ClaimForRetry(op.ID.String())
	if err != nil {
		logging.Error("Claim failed", err, map[string]interface{}{"operation_id": op.ID.String()})
		return
	}
	if !claimed {
		return
	}

	update, _ := c.tracker.ForOperation(op.ID.String())
	if update != nil {
		if err := c.tracker.MarkSyncing(update.ID.String()); err != nil {
			logging.Error("Failed to mark update syncing", err)
		}
	}

	execErr := c.executor.Execute(ctx, op.Type, op.Payload)
	if execErr == nil || remote.IsPresumedSuccess(execErr) {
		if execErr != nil {
			logging.Warn("Treating malformed 2xx response as success",
				map[string]interface{}{"operation_id": op.ID.String()})
		}
		c.succeed(op, update)
		return
	}

	c.fail(op, update, execErr)
}

func (c *Coordinator) succeed(op *models.QueuedOperation, update *models.OptimisticUpdate) {
	if err := c.queue.MarkCompleted(op.ID.String()); err != nil {
		logging.Error("Failed to complete operation", err,
			map[string]interface{}{"operation_id": op.ID.String()})
		return
	}
	if update != nil {
		if err := c.tracker.Confirm(update.ID.String()); err != nil {
			logging.Error("Failed to confirm update", err,
				map[string]interface{}{"update_id": update.ID.String()})
		}
	}
}

func (c *Coordinator) fail(op *models.QueuedOperation, update *models.OptimisticUpdate, execErr error) {
	attempt := op.AttemptCount + 1

	if attempt >= op.MaxAttempts {
		if err := c.queue.MarkFailed(op.ID.String(), attempt, execErr.Error()); err != nil {
			logging.Error("Failed to mark operation failed", err)
			return
		}
		if c.notifier != nil {
			c.notifier.NotifyOperationFailed(op, execErr.Error())
		}
		telemetry.TrackError("operation_exhausted", execErr)
		if update != nil {
			rb, rbErr := c.tracker.Rollback(update.ID.String(), execErr.Error())
			if rbErr != nil {
				logging.Error("Failed to roll back update", rbErr,
					map[string]interface{}{"update_id": update.ID.String()})
				return
			}
			if c.applier != nil {
				if err := c.applier.ApplyRollback(rb); err != nil {
					logging.Error("Failed to apply rollback", err,
						map[string]interface{}{"update_id": update.ID.String()})
				}
			}
		}
		return
	}

	delay := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
	if err := c.queue.Reschedule(op.ID.String(), attempt, delay, execErr.Error()); err != nil {
		logging.Error("Failed to reschedule operation", err)
		return
	}
	if update != nil {
		// Back to PENDING until the next attempt resolves it.
		if err := c.tracker.MarkPending(update.ID.String()); err != nil {
			logging.Error("Failed to reset update status", err)
		}
	}
	c.scheduleEarlySweep(op.ID.String(), delay)

	logging.ErrorWithCode("Operation attempt failed", string(remote.KindOf(execErr)), execErr,
		map[string]interface{}{
			"operation_id": op.ID.String(),
			"attempt":      attempt,
			"max_attempts": op.MaxAttempts,
			"retry_in_ms":  delay.Milliseconds(),
		})
}

// scheduleEarlySweep arms a one-shot timer so the retry fires near its
// backoff deadline instead of waiting for the next periodic sweep. The row's
// next_retry_at remains the source of truth; the timer is only an
// accelerator and is safe to lose.
func (c *Coordinator) scheduleEarlySweep(id string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning {
		return
	}
	if prev, ok := c.timers[id]; ok {
		prev.Stop()
	}
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		running := c.isRunning
		ctx := c.ctx
		c.mu.Unlock()
		if !running {
			return
		}
		c.Sweep(ctx)
	})
}

func (c *Coordinator) cancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}
