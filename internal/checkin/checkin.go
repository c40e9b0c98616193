// Package checkin is the user-facing entry point for the check-in action.
// It decides per action whether to execute immediately or enqueue for later,
// applies the optimistic local marker, and owns undoing that marker when a
// queued action ultimately fails.
package checkin

import (
	"context"

	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/errors"
	"github.com/tapcrew/brewpass/core/internal/lifecycle"
	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/optimistic"
	"github.com/tapcrew/brewpass/core/internal/queue"
	"github.com/tapcrew/brewpass/core/internal/remote"
	"github.com/tapcrew/brewpass/core/internal/telemetry"
)

// Session supplies the locally validated auth state. Validation never needs
// the network; an invalid session fails fast before anything is enqueued.
type Session interface {
	IsValid() bool
	CustomerID() string
}

// Outcome is the result class of a check-in attempt.
type Outcome string

const (
	// OutcomeSubmitted: executed immediately against the remote service.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeQueued: stored durably for later execution.
	OutcomeQueued Outcome = "queued"
	// OutcomeNoOp: the beer already carries a terminal local state.
	OutcomeNoOp Outcome = "no_op"
	// OutcomeRejected: the remote service refused the action.
	OutcomeRejected Outcome = "rejected"
	// OutcomeSessionInvalid: local auth preconditions failed.
	OutcomeSessionInvalid Outcome = "session_invalid"
)

// Result reports a check-in attempt back to the caller.
type Result struct {
	Outcome     Outcome
	OperationID models.UUID // set when queued
	UpdateID    models.UUID // set when an optimistic update was applied
	Err         error
}

// Orchestrator coordinates the check-in flow.
type Orchestrator struct {
	repo     *db.Repository
	queue    *queue.Queue
	tracker  *optimistic.Tracker
	executor remote.ActionExecutor
	bus      *lifecycle.Bus
	session  Session
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(repo *db.Repository, q *queue.Queue, tracker *optimistic.Tracker,
	executor remote.ActionExecutor, bus *lifecycle.Bus, session Session) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		queue:    q,
		tracker:  tracker,
		executor: executor,
		bus:      bus,
		session:  session,
	}
}

// CheckIn performs the check-in action for one beer.
func (o *Orchestrator) CheckIn(ctx context.Context, beerID string) *Result {
	if o.session == nil || !o.session.IsValid() {
		return &Result{
			Outcome: OutcomeSessionInvalid,
			Err:     errors.New(errors.ErrSessionInvalid, "no valid session"),
		}
	}

	beer, err := o.repo.GetBeer(beerID)
	if err != nil {
		return &Result{
			Outcome: OutcomeRejected,
			Err:     errors.Wrap(errors.ErrNotFound, "beer not in catalog", err),
		}
	}

	// Idempotence guard: a terminal local state or an already-queued check-in
	// short-circuits, so repeated taps never duplicate the submission.
	if done, err := o.alreadyCheckedIn(beer); err != nil {
		return &Result{Outcome: OutcomeRejected, Err: err}
	} else if done {
		return &Result{Outcome: OutcomeNoOp}
	}

	payload, err := models.EncodePayload(models.CheckInPayload{
		BeerID:     beer.ID,
		BeerName:   beer.Name,
		CustomerID: o.session.CustomerID(),
	})
	if err != nil {
		return &Result{
			Outcome: OutcomeRejected,
			Err:     errors.Wrap(errors.ErrInvalid, "failed to encode payload", err),
		}
	}

	if o.bus != nil && !o.bus.IsOnline() {
		return o.enqueueOffline(beer, payload)
	}
	return o.executeOnline(ctx, beer, payload)
}

// alreadyCheckedIn checks the beer's cached flag, the tasted history, and the
// queue for an in-flight check-in of the same beer.
func (o *Orchestrator) alreadyCheckedIn(beer *models.Beer) (bool, error) {
	if beer.Tasted {
		return true, nil
	}

	tasted, err := o.repo.HasTasting(beer.ID.String())
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to check tasted history", err)
	}
	if tasted {
		return true, nil
	}

	ops, err := o.queue.ListByType(models.OperationCheckInBeer)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		p, err := models.DecodeCheckInPayload(op.Payload)
		if err != nil {
			continue
		}
		if p.BeerID == beer.ID {
			return true, nil
		}
	}
	return false, nil
}

// enqueueOffline stores the operation, records the optimistic update with its
// rollback payload, and applies the local tasted marker.
func (o *Orchestrator) enqueueOffline(beer *models.Beer, payload []byte) *Result {
	op, err := o.queue.Enqueue(models.OperationCheckInBeer, payload)
	if err != nil {
		return &Result{Outcome: OutcomeRejected, Err: err}
	}

	update, err := o.tracker.Apply(optimistic.CheckInRollback{
		BeerID:    beer.ID,
		WasTasted: beer.Tasted,
	}, op.ID.String())
	if err != nil {
		return &Result{Outcome: OutcomeRejected, Err: err}
	}

	if err := o.repo.SetBeerTasted(beer.ID.String(), true); err != nil {
		return &Result{Outcome: OutcomeRejected,
			Err: errors.Wrap(errors.ErrDatabase, "failed to apply tasted marker", err)}
	}

	logging.Info("Check-in queued for later",
		map[string]interface{}{"beer_id": beer.ID.String(), "operation_id": op.ID.String()})
	telemetry.TrackEvent("checkin_queued", map[string]interface{}{"beer_id": beer.ID.String()})

	return &Result{
		Outcome:     OutcomeQueued,
		OperationID: op.ID,
		UpdateID:    update.ID,
	}
}

// executeOnline runs the action immediately. The local marker is applied only
// on success; a remote rejection leaves local state untouched.
func (o *Orchestrator) executeOnline(ctx context.Context, beer *models.Beer, payload []byte) *Result {
	execErr := o.executor.Execute(ctx, models.OperationCheckInBeer, payload)
	if execErr != nil && !remote.IsPresumedSuccess(execErr) {
		logging.ErrorWithCode("Check-in rejected", string(remote.KindOf(execErr)), execErr,
			map[string]interface{}{"beer_id": beer.ID.String()})
		return &Result{
			Outcome: OutcomeRejected,
			Err:     errors.Wrap(remoteCode(execErr), "check-in failed", execErr),
		}
	}
	if execErr != nil {
		logging.Warn("Treating malformed 2xx response as success",
			map[string]interface{}{"beer_id": beer.ID.String()})
	}

	update, err := o.tracker.Apply(optimistic.CheckInRollback{
		BeerID:    beer.ID,
		WasTasted: beer.Tasted,
	}, "")
	if err != nil {
		return &Result{Outcome: OutcomeRejected, Err: err}
	}

	if err := o.repo.SetBeerTasted(beer.ID.String(), true); err != nil {
		return &Result{Outcome: OutcomeRejected,
			Err: errors.Wrap(errors.ErrDatabase, "failed to apply tasted marker", err)}
	}

	// The remote already confirmed this action; the update goes straight to
	// SUCCESS and ages out after the grace delay.
	if err := o.tracker.Confirm(update.ID.String()); err != nil {
		logging.Error("Failed to confirm update", err)
	}

	logging.Info("Check-in submitted",
		map[string]interface{}{"beer_id": beer.ID.String()})
	telemetry.TrackEvent("checkin_submitted", map[string]interface{}{"beer_id": beer.ID.String()})

	return &Result{Outcome: OutcomeSubmitted, UpdateID: update.ID}
}

// ApplyRollback undoes the local effect of a rolled-back optimistic update.
// Implements the retry coordinator's RollbackApplier.
func (o *Orchestrator) ApplyRollback(rb optimistic.RollbackData) error {
	switch data := rb.(type) {
	case optimistic.CheckInRollback:
		return o.repo.SetBeerTasted(data.BeerID.String(), data.WasTasted)
	case optimistic.RedeemRollback:
		return o.repo.SetRewardRedeemed(data.RewardID.String(), data.WasRedeemed)
	}
	return errors.New(errors.ErrInvalid, "unknown rollback payload")
}

func remoteCode(err error) errors.ErrorCode {
	switch remote.KindOf(err) {
	case remote.KindNetwork:
		return errors.ErrNetwork
	case remote.KindParse:
		return errors.ErrParse
	case remote.KindValidation:
		return errors.ErrValidation
	}
	return errors.ErrServer
}
