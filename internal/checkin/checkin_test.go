package checkin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/errors"
	"github.com/tapcrew/brewpass/core/internal/lifecycle"
	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/optimistic"
	"github.com/tapcrew/brewpass/core/internal/queue"
	"github.com/tapcrew/brewpass/core/internal/remote"
)

type fakeSession struct {
	valid    bool
	customer string
}

func (s *fakeSession) IsValid() bool      { return s.valid }
func (s *fakeSession) CustomerID() string { return s.customer }

// stubExecutor returns a fixed error and records calls.
type stubExecutor struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (e *stubExecutor) Execute(ctx context.Context, opType models.OperationType, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.err
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	orch     *Orchestrator
	repo     *db.Repository
	queue    *queue.Queue
	tracker  *optimistic.Tracker
	executor *stubExecutor
	bus      *lifecycle.Bus
}

func newFixture(t *testing.T, execErr error) *fixture {
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

	f := &fixture{
		repo: repo,
		queue: queue.New(repo, nil),
		tracker: optimistic.NewTracker(repo, &optimistic.Config{
			GraceDelay: time.Hour,
			MaxAge:     24 * time.Hour,
		}),
		executor: &stubExecutor{err: execErr},
		bus:      lifecycle.NewBus(),
	}
	t.Cleanup(f.tracker.Close)
	t.Cleanup(f.bus.Close)

	f.orch = NewOrchestrator(repo, f.queue, f.tracker, f.executor, f.bus,
		&fakeSession{valid: true, customer: "c-1"})

	if err := repo.ReplaceBeers([]*models.Beer{
		{ID: "b-1", Name: "Pale", Brewery: "North", Style: "Pale Ale", ABV: 5.2},
	}); err != nil {
		t.Fatalf("ReplaceBeers failed: %v", err)
	}
	return f
}

// TestCheckInOnlineSubmits tests the immediate execution path.
func TestCheckInOnlineSubmits(t *testing.T) {
	f := newFixture(t, nil)

	result := f.orch.CheckIn(context.Background(), "b-1")

	if result.Outcome != OutcomeSubmitted {
		t.Fatalf("Expected submitted, got %s (%v)", result.Outcome, result.Err)
	}
	if f.executor.callCount() != 1 {
		t.Errorf("Expected 1 execution, got %d", f.executor.callCount())
	}

	beer, _ := f.repo.GetBeer("b-1")
	if !beer.Tasted {
		t.Error("Expected tasted marker after submission")
	}

	// Nothing was queued; the action ran online.
	stats, _ := f.queue.Stats()
	if stats["total"] != 0 {
		t.Errorf("Expected empty queue, got %v", stats)
	}

	// The update was confirmed on the spot.
	u, err := f.repo.GetUpdate(result.UpdateID.String())
	if err != nil {
		t.Fatalf("GetUpdate failed: %v", err)
	}
	if u.Status != models.UpdateSuccess {
		t.Errorf("Expected SUCCESS, got %s", u.Status)
	}
}

// TestCheckInOfflineQueues tests the durable enqueue path with its optimistic
// marker and rollback payload.
func TestCheckInOfflineQueues(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.Publish(lifecycle.EventOffline)

	result := f.orch.CheckIn(context.Background(), "b-1")

	if result.Outcome != OutcomeQueued {
		t.Fatalf("Expected queued, got %s (%v)", result.Outcome, result.Err)
	}
	if f.executor.callCount() != 0 {
		t.Errorf("Expected no execution while offline, got %d", f.executor.callCount())
	}

	op, err := f.queue.Get(result.OperationID.String())
	if err != nil {
		t.Fatalf("Expected operation row: %v", err)
	}
	if op.Status != models.OperationPending {
		t.Errorf("Expected PENDING, got %s", op.Status)
	}

	payload, err := models.DecodeCheckInPayload(op.Payload)
	if err != nil {
		t.Fatalf("DecodeCheckInPayload failed: %v", err)
	}
	if payload.BeerID != "b-1" || payload.CustomerID != "c-1" {
		t.Errorf("Unexpected payload: %+v", payload)
	}

	beer, _ := f.repo.GetBeer("b-1")
	if !beer.Tasted {
		t.Error("Expected optimistic tasted marker while offline")
	}

	update, err := f.tracker.ForOperation(op.ID.String())
	if err != nil || update == nil {
		t.Fatalf("Expected linked update, got (%v, %v)", update, err)
	}
	if update.Status != models.UpdatePending {
		t.Errorf("Expected update PENDING, got %s", update.Status)
	}
}

// TestCheckInIsIdempotent tests that a second tap on the same beer is a no-op
// in both online and offline modes.
func TestCheckInIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.Publish(lifecycle.EventOffline)

	first := f.orch.CheckIn(context.Background(), "b-1")
	if first.Outcome != OutcomeQueued {
		t.Fatalf("Expected queued, got %s", first.Outcome)
	}

	second := f.orch.CheckIn(context.Background(), "b-1")
	if second.Outcome != OutcomeNoOp {
		t.Errorf("Expected no_op on repeat, got %s", second.Outcome)
	}

	stats, _ := f.queue.Stats()
	if stats["total"] != 1 {
		t.Errorf("Expected a single queued operation, got %v", stats)
	}
}

// TestCheckInQueuedGuardSurvivesMarkerLoss tests the guard against an already
// queued check-in even when the cached tasted flag was reset by a refresh.
func TestCheckInQueuedGuardSurvivesMarkerLoss(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.Publish(lifecycle.EventOffline)

	if r := f.orch.CheckIn(context.Background(), "b-1"); r.Outcome != OutcomeQueued {
		t.Fatalf("Expected queued, got %s", r.Outcome)
	}

	// Simulate a refresh clobbering the marker.
	if err := f.repo.SetBeerTasted("b-1", false); err != nil {
		t.Fatalf("SetBeerTasted failed: %v", err)
	}

	result := f.orch.CheckIn(context.Background(), "b-1")
	if result.Outcome != OutcomeNoOp {
		t.Errorf("Expected no_op from queue guard, got %s", result.Outcome)
	}
}

// TestCheckInTastedHistoryGuard tests the no-op when the tasted history
// already contains the beer.
func TestCheckInTastedHistoryGuard(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.repo.ReplaceTastings([]*models.Tasting{
		{ID: "t-1", BeerID: "b-1", BeerName: "Pale", TastedAt: time.Now().Unix()},
	}); err != nil {
		t.Fatalf("ReplaceTastings failed: %v", err)
	}

	result := f.orch.CheckIn(context.Background(), "b-1")
	if result.Outcome != OutcomeNoOp {
		t.Errorf("Expected no_op from history guard, got %s", result.Outcome)
	}
	if f.executor.callCount() != 0 {
		t.Error("Expected no execution for an already-tasted beer")
	}
}

// TestCheckInRejectionLeavesStateUntouched tests that an online rejection
// applies no local mutation.
func TestCheckInRejectionLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, &remote.Error{
		Kind: remote.KindValidation, HTTPStatus: 422, Message: "not eligible",
	})

	result := f.orch.CheckIn(context.Background(), "b-1")

	if result.Outcome != OutcomeRejected {
		t.Fatalf("Expected rejected, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, errors.ErrValidation) {
		t.Errorf("Expected VALIDATION code, got %v", result.Err)
	}

	beer, _ := f.repo.GetBeer("b-1")
	if beer.Tasted {
		t.Error("Expected no tasted marker after rejection")
	}
	updates, _ := f.tracker.ListActive()
	if len(updates) != 0 {
		t.Errorf("Expected no active updates, got %d", len(updates))
	}
}

// TestCheckInMalformed2xxCountsAsSuccess tests the upstream parse quirk on the
// online path.
func TestCheckInMalformed2xxCountsAsSuccess(t *testing.T) {
	f := newFixture(t, &remote.Error{
		Kind: remote.KindParse, HTTPStatus: 200, Message: "bad body",
	})

	result := f.orch.CheckIn(context.Background(), "b-1")
	if result.Outcome != OutcomeSubmitted {
		t.Fatalf("Expected submitted, got %s (%v)", result.Outcome, result.Err)
	}

	beer, _ := f.repo.GetBeer("b-1")
	if !beer.Tasted {
		t.Error("Expected tasted marker on presumed success")
	}
}

// TestCheckInInvalidSession tests the local fail-fast before any side effect.
func TestCheckInInvalidSession(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.session = &fakeSession{valid: false}

	result := f.orch.CheckIn(context.Background(), "b-1")

	if result.Outcome != OutcomeSessionInvalid {
		t.Fatalf("Expected session_invalid, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, errors.ErrSessionInvalid) {
		t.Errorf("Expected SESSION_INVALID code, got %v", result.Err)
	}
	if f.executor.callCount() != 0 {
		t.Error("Expected no execution with an invalid session")
	}
	stats, _ := f.queue.Stats()
	if stats["total"] != 0 {
		t.Error("Expected nothing enqueued with an invalid session")
	}
}

// TestCheckInUnknownBeer tests rejection for a beer missing from the catalog.
func TestCheckInUnknownBeer(t *testing.T) {
	f := newFixture(t, nil)

	result := f.orch.CheckIn(context.Background(), "no-such-beer")
	if result.Outcome != OutcomeRejected {
		t.Fatalf("Expected rejected, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, errors.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND code, got %v", result.Err)
	}
}

// TestApplyRollbackRestoresPriorState tests undoing both action families.
func TestApplyRollbackRestoresPriorState(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.repo.ReplaceRewards([]*models.Reward{
		{ID: "r-1", Title: "Free Pint", Redeemed: true, EarnedAt: time.Now().Unix()},
	}); err != nil {
		t.Fatalf("ReplaceRewards failed: %v", err)
	}
	if err := f.repo.SetBeerTasted("b-1", true); err != nil {
		t.Fatalf("SetBeerTasted failed: %v", err)
	}

	if err := f.orch.ApplyRollback(optimistic.CheckInRollback{BeerID: "b-1", WasTasted: false}); err != nil {
		t.Fatalf("ApplyRollback failed: %v", err)
	}
	beer, _ := f.repo.GetBeer("b-1")
	if beer.Tasted {
		t.Error("Expected tasted marker restored to false")
	}

	if err := f.orch.ApplyRollback(optimistic.RedeemRollback{RewardID: "r-1", WasRedeemed: false}); err != nil {
		t.Fatalf("ApplyRollback failed: %v", err)
	}
	rewards, _ := f.repo.ListRewards()
	if len(rewards) != 1 || rewards[0].Redeemed {
		t.Error("Expected redeemed marker restored to false")
	}
}
