package retrier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/lifecycle"
	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/optimistic"
	"github.com/tapcrew/brewpass/core/internal/queue"
	"github.com/tapcrew/brewpass/core/internal/remote"
)

// scriptedExecutor returns errors from a script, one per call, then nil.
type scriptedExecutor struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (e *scriptedExecutor) Execute(ctx context.Context, opType models.OperationType, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.script) == 0 {
		return nil
	}
	err := e.script[0]
	e.script = e.script[1:]
	return err
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// recordingNotifier counts terminal-failure notifications per operation.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyOperationFailed(op *models.QueuedOperation, lastError string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, op.ID.String())
}

// recordingApplier captures rollback payloads handed to it.
type recordingApplier struct {
	mu       sync.Mutex
	received []optimistic.RollbackData
}

func (a *recordingApplier) ApplyRollback(rb optimistic.RollbackData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, rb)
	return nil
}

type harness struct {
	queue    *queue.Queue
	tracker  *optimistic.Tracker
	executor *scriptedExecutor
	notifier *recordingNotifier
	applier  *recordingApplier
	bus      *lifecycle.Bus
	coord    *Coordinator
	repo     *db.Repository
}

func newHarness(t *testing.T, script []error) *harness {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	h := &harness{
		queue: queue.New(repo, nil),
		tracker: optimistic.NewTracker(repo, &optimistic.Config{
			GraceDelay: time.Hour, // keep SUCCESS rows visible to assertions
			MaxAge:     24 * time.Hour,
		}),
		executor: &scriptedExecutor{script: script},
		notifier: &recordingNotifier{},
		applier:  &recordingApplier{},
		bus:      lifecycle.NewBus(),
		repo:     repo,
	}
	t.Cleanup(h.tracker.Close)
	t.Cleanup(h.bus.Close)

	h.coord = NewCoordinator(h.queue, h.tracker, h.executor, h.bus, h.notifier, h.applier,
		&Config{
			SweepInterval: time.Hour, // sweeps are driven explicitly by the tests
			BackoffBase:   time.Millisecond,
			BackoffCap:    4 * time.Millisecond,
		})
	return h
}

// enqueueLinked stores an operation with a linked optimistic update, the way
// the offline check-in path does.
func (h *harness) enqueueLinked(t *testing.T) (*models.QueuedOperation, *models.OptimisticUpdate) {
	t.Helper()

	payload, err := models.EncodePayload(models.CheckInPayload{BeerID: "beer-1", CustomerID: "c-1"})
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	op, err := h.queue.Enqueue(models.OperationCheckInBeer, payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	update, err := h.tracker.Apply(optimistic.CheckInRollback{BeerID: "beer-1", WasTasted: false}, op.ID.String())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return op, update
}

// sweepUntilStatus sweeps repeatedly until the operation reaches the wanted
// status, bridging the unix-second granularity of next_retry_at.
func sweepUntilStatus(t *testing.T, h *harness, opID string, want models.OperationStatus) *models.QueuedOperation {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.coord.Sweep(context.Background())
		got, err := h.queue.Get(opID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Operation never reached %s", want)
	return nil
}

// TestSweepExecutesAndCompletes tests the happy path: a pending operation is
// claimed, executed, deleted, and its update confirmed.
func TestSweepExecutesAndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	op, update := h.enqueueLinked(t)

	h.coord.Sweep(context.Background())

	if h.executor.callCount() != 1 {
		t.Errorf("Expected 1 execution, got %d", h.executor.callCount())
	}
	if _, err := h.queue.Get(op.ID.String()); err == nil {
		t.Error("Expected completed operation row to be deleted")
	}
	stored, err := h.repo.GetUpdate(update.ID.String())
	if err != nil {
		t.Fatalf("GetUpdate failed: %v", err)
	}
	if stored.Status != models.UpdateSuccess {
		t.Errorf("Expected update SUCCESS, got %s", stored.Status)
	}
}

// TestExhaustedOperationFailsOnceWithRollback tests that three failed attempts
// end in FAILED with exactly one notification and one applied rollback, and
// that the row persists for inspection.
func TestExhaustedOperationFailsOnceWithRollback(t *testing.T) {
	serverErr := &remote.Error{Kind: remote.KindServer, HTTPStatus: 500, Message: "boom"}
	h := newHarness(t, []error{serverErr, serverErr, serverErr})
	op, update := h.enqueueLinked(t)

	// Retry times are stored at unix-second granularity, so a rescheduled row
	// may only become eligible on the next second. Sweep until exhaustion.
	got := sweepUntilStatus(t, h, op.ID.String(), models.OperationFailed)

	if h.executor.callCount() != 3 {
		t.Fatalf("Expected 3 executions, got %d", h.executor.callCount())
	}
	if got.AttemptCount != 3 {
		t.Errorf("Expected attempt count 3, got %d", got.AttemptCount)
	}

	h.notifier.mu.Lock()
	notifications := len(h.notifier.calls)
	h.notifier.mu.Unlock()
	if notifications != 1 {
		t.Errorf("Expected exactly 1 failure notification, got %d", notifications)
	}

	h.applier.mu.Lock()
	defer h.applier.mu.Unlock()
	if len(h.applier.received) != 1 {
		t.Fatalf("Expected exactly 1 applied rollback, got %d", len(h.applier.received))
	}
	rb, ok := h.applier.received[0].(optimistic.CheckInRollback)
	if !ok {
		t.Fatalf("Expected CheckInRollback, got %T", h.applier.received[0])
	}
	if rb.BeerID != "beer-1" || rb.WasTasted {
		t.Errorf("Rollback payload mismatch: %+v", rb)
	}

	stored, _ := h.repo.GetUpdate(update.ID.String())
	if stored.Status != models.UpdateFailed {
		t.Errorf("Expected update FAILED, got %s", stored.Status)
	}

	// A further sweep finds nothing: FAILED rows are not eligible.
	h.coord.Sweep(context.Background())
	if h.executor.callCount() != 3 {
		t.Errorf("Expected no execution after exhaustion, got %d", h.executor.callCount())
	}
}

// TestFailedAttemptReschedules tests the intermediate failure path: the row
// returns to PENDING with an incremented attempt and the update stays active.
func TestFailedAttemptReschedules(t *testing.T) {
	netErr := &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
	h := newHarness(t, []error{netErr})
	op, update := h.enqueueLinked(t)

	h.coord.Sweep(context.Background())

	got, err := h.queue.Get(op.ID.String())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.OperationPending {
		t.Errorf("Expected PENDING after reschedule, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", got.AttemptCount)
	}
	if got.LastError == "" {
		t.Error("Expected last error recorded")
	}

	stored, _ := h.repo.GetUpdate(update.ID.String())
	if stored.Status != models.UpdatePending {
		t.Errorf("Expected update back to PENDING, got %s", stored.Status)
	}
}

// TestLostClaimIsSilent tests that an operation already claimed elsewhere is
// skipped without executing or erroring.
func TestLostClaimIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	op, _ := h.enqueueLinked(t)

	if _, err := h.queue.ClaimForRetry(op.ID.String()); err != nil {
		t.Fatalf("Pre-claim failed: %v", err)
	}

	if err := h.coord.RetryNow(context.Background(), op.ID.String()); err != nil {
		t.Fatalf("RetryNow errored on lost claim: %v", err)
	}
	if h.executor.callCount() != 0 {
		t.Errorf("Expected no execution after lost claim, got %d", h.executor.callCount())
	}
}

// TestMalformed2xxResponseCompletes tests that the benign parse failure on an
// action endpoint is treated as success, not retried.
func TestMalformed2xxResponseCompletes(t *testing.T) {
	parseErr := &remote.Error{Kind: remote.KindParse, HTTPStatus: 200, Message: "bad body"}
	h := newHarness(t, []error{parseErr})
	op, update := h.enqueueLinked(t)

	h.coord.Sweep(context.Background())

	if _, err := h.queue.Get(op.ID.String()); err == nil {
		t.Error("Expected operation row to be deleted on presumed success")
	}
	stored, _ := h.repo.GetUpdate(update.ID.String())
	if stored.Status != models.UpdateSuccess {
		t.Errorf("Expected update SUCCESS, got %s", stored.Status)
	}
}

// TestRetryNowResetsFailedOperation tests the user-pressed retry after
// exhaustion.
func TestRetryNowResetsFailedOperation(t *testing.T) {
	serverErr := &remote.Error{Kind: remote.KindServer, HTTPStatus: 500, Message: "boom"}
	h := newHarness(t, []error{serverErr, serverErr, serverErr})
	op, _ := h.enqueueLinked(t)

	sweepUntilStatus(t, h, op.ID.String(), models.OperationFailed)

	// Script is exhausted, so this attempt succeeds.
	if err := h.coord.RetryNow(context.Background(), op.ID.String()); err != nil {
		t.Fatalf("RetryNow failed: %v", err)
	}
	if _, err := h.queue.Get(op.ID.String()); err == nil {
		t.Error("Expected operation row to be deleted after successful retry")
	}
}

// TestStopCancelsBackoffTimers tests that no timers leak past Stop.
func TestStopCancelsBackoffTimers(t *testing.T) {
	netErr := &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
	h := newHarness(t, []error{netErr})
	h.enqueueLinked(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coord.Start(ctx)

	h.coord.Sweep(ctx)

	h.coord.Stop()
	if n := h.coord.PendingTimers(); n != 0 {
		t.Errorf("Expected 0 pending timers after Stop, got %d", n)
	}
}

// TestOnlineEventTriggersSweep tests that connectivity recovery drains the
// queue without waiting for the periodic ticker.
func TestOnlineEventTriggersSweep(t *testing.T) {
	h := newHarness(t, nil)
	op, _ := h.enqueueLinked(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coord.Start(ctx)
	defer h.coord.Stop()

	h.bus.Publish(lifecycle.EventOnline)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.queue.Get(op.ID.String()); err != nil {
			return // drained
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected online event to drain the pending operation")
}
