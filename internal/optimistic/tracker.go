// Package optimistic tracks local state changes applied ahead of remote
// confirmation.
package optimistic

import (
	"sync"
	"time"

	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/errors"
	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
)

// Tracker persists optimistic updates and their lifecycle. Every transition
// is written to the store before returning, so a crash between "UI shows
// optimistic state" and "confirmation received" is recoverable on next launch
// from the PENDING/SYNCING rows.
type Tracker struct {
	repo *db.Repository
	cfg  *Config

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// Config holds tracker configuration.
type Config struct {
	GraceDelay time.Duration // delay before deleting a SUCCESS row (default: 1s)
	MaxAge     time.Duration // horizon past which rows are purged (default: 24h)
}

// DefaultConfig returns default tracker configuration.
func DefaultConfig() *Config {
	return &Config{
		GraceDelay: time.Second,
		MaxAge:     24 * time.Hour,
	}
}

// NewTracker creates a Tracker over the given repository.
func NewTracker(repo *db.Repository, cfg *Config) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Tracker{
		repo:   repo,
		cfg:    cfg,
		timers: make(map[string]*time.Timer),
	}
}

// Apply records a new optimistic update in PENDING state and returns it.
// operationID may be empty when the action executed immediately online.
func (t *Tracker) Apply(rb RollbackData, operationID string) (*models.OptimisticUpdate, error) {
	raw, err := encodeRollback(rb)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid rollback data", err)
	}

	u := &models.OptimisticUpdate{
		Type:         rb.Tag(),
		RollbackData: raw,
		OperationID:  models.UUID(operationID),
	}
	if err := t.repo.CreateUpdate(u); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to persist optimistic update", err)
	}

	logging.Debug("Applied optimistic update",
		map[string]interface{}{"update_id": u.ID.String(), "type": string(u.Type)})

	return u, nil
}

// MarkSyncing transitions an update to SYNCING while its operation executes.
func (t *Tracker) MarkSyncing(id string) error {
	if err := t.repo.SetUpdateStatus(id, models.UpdateSyncing, ""); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark update syncing", err)
	}
	return nil
}

// MarkPending returns an update to PENDING after a failed attempt that still
// has retry budget left.
func (t *Tracker) MarkPending(id string) error {
	if err := t.repo.SetUpdateStatus(id, models.UpdatePending, ""); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset update status", err)
	}
	return nil
}

// Confirm transitions an update to SUCCESS and schedules its deletion after
// a short grace delay so the UI transition stays visible. The durable 24h
// purge backstops a crash inside the grace window.
func (t *Tracker) Confirm(id string) error {
	if err := t.repo.SetUpdateStatus(id, models.UpdateSuccess, ""); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to confirm update", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.timers[id] = time.AfterFunc(t.cfg.GraceDelay, func() {
		if err := t.repo.DeleteUpdate(id); err != nil {
			logging.Error("Failed to delete confirmed update", err,
				map[string]interface{}{"update_id": id})
		}
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
	})

	logging.Debug("Confirmed optimistic update", map[string]interface{}{"update_id": id})
	return nil
}

// Rollback transitions an update to FAILED and returns its stored rollback
// payload so the caller can undo the local mutation. The payload's tag is
// verified against the update type before it is handed back.
func (t *Tracker) Rollback(id, errorMessage string) (RollbackData, error) {
	u, err := t.repo.GetUpdate(id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "update not found", err)
	}

	rb, err := decodeRollback(u.RollbackData)
	if err != nil {
		return nil, errors.Wrap(errors.ErrParse, "stored rollback data is invalid", err)
	}
	if rb.Tag() != u.Type {
		return nil, errors.New(errors.ErrRollbackMismatch, "rollback tag does not match update type")
	}

	if err := t.repo.SetUpdateStatus(id, models.UpdateFailed, errorMessage); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to mark update failed", err)
	}

	logging.Warn("Rolled back optimistic update",
		map[string]interface{}{"update_id": id, "error": errorMessage})

	return rb, nil
}

// LinkOperation associates an update with a queued operation after the fact.
func (t *Tracker) LinkOperation(updateID, operationID string) error {
	if err := t.repo.LinkUpdateOperation(updateID, operationID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to link update to operation", err)
	}
	return nil
}

// ForOperation returns the update linked to a queued operation, or nil when
// none is linked.
func (t *Tracker) ForOperation(operationID string) (*models.OptimisticUpdate, error) {
	u, err := t.repo.GetUpdateByOperation(operationID)
	if err != nil {
		return nil, nil
	}
	return u, nil
}

// ListActive returns updates still awaiting an outcome.
func (t *Tracker) ListActive() ([]*models.OptimisticUpdate, error) {
	return t.repo.ListActiveUpdates()
}

// ClearOldCompleted deletes SUCCESS updates older than maxAge. This is the
// durable counterpart of the grace-delay timer.
func (t *Tracker) ClearOldCompleted(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	n, err := t.repo.DeleteCompletedUpdatesBefore(cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to clear completed updates", err)
	}
	return n, nil
}

// PurgeExpired deletes updates older than the configured horizon regardless
// of status.
func (t *Tracker) PurgeExpired() (int, error) {
	cutoff := time.Now().Add(-t.cfg.MaxAge).Unix()
	n, err := t.repo.DeleteUpdatesBefore(cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to purge expired updates", err)
	}
	if n > 0 {
		logging.Info("Purged expired optimistic updates", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Close cancels all outstanding grace-deletion timers. Rows left behind are
// cleaned up by PurgeExpired on a later run.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// PendingTimers returns the number of outstanding grace-deletion timers.
func (t *Tracker) PendingTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
