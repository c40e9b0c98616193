// Package db provides CRUD repository operations for BrewPass data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/uuid"
)

// Repository provides CRUD operations for all models.
// Statements are prepared on first use and cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// QueuedOperation Operations
// =====================================================

const operationColumns = "id, type, payload, status, attempt_count, max_attempts, next_retry_at, created_at, last_attempt_at, last_error"

// CreateOperation inserts a new queued operation in PENDING state.
func (r *Repository) CreateOperation(op *models.QueuedOperation) error {
	now := time.Now().Unix()
	op.ID = models.UUID(uuid.New())
	op.Status = models.OperationPending
	op.CreatedAt = now
	if op.NextRetryAt == 0 {
		op.NextRetryAt = now
	}
	if op.MaxAttempts == 0 {
		op.MaxAttempts = 3
	}

	query := `
	INSERT INTO operation_queue (id, type, payload, status, attempt_count, max_attempts,
		next_retry_at, created_at, last_attempt_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, op.ID, op.Type, string(op.Payload), op.Status,
		op.AttemptCount, op.MaxAttempts, op.NextRetryAt, op.CreatedAt,
		op.LastAttemptAt, nullableString(op.LastError))
	return err
}

// GetOperation retrieves a queued operation by ID.
func (r *Repository) GetOperation(id string) (*models.QueuedOperation, error) {
	query := "SELECT " + operationColumns + " FROM operation_queue WHERE id = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanOperation(stmt.QueryRow(id))
}

// ListOperations returns every queued operation ordered by creation time.
func (r *Repository) ListOperations() ([]*models.QueuedOperation, error) {
	query := "SELECT " + operationColumns + " FROM operation_queue ORDER BY created_at ASC"
	return r.queryOperations(query)
}

// ListOperationsByType returns queued operations of one type, oldest first.
func (r *Repository) ListOperationsByType(opType models.OperationType) ([]*models.QueuedOperation, error) {
	query := "SELECT " + operationColumns + " FROM operation_queue WHERE type = ? ORDER BY created_at ASC"
	return r.queryOperations(query, opType)
}

// ListPendingOperations returns PENDING operations whose retry time has come,
// oldest first. The status index keeps this O(pending count).
func (r *Repository) ListPendingOperations(now int64) ([]*models.QueuedOperation, error) {
	query := "SELECT " + operationColumns + ` FROM operation_queue
	WHERE status = ? AND next_retry_at <= ? ORDER BY created_at ASC`
	return r.queryOperations(query, models.OperationPending, now)
}

// ClaimOperation atomically flips an operation to RETRYING. It succeeds only
// if the row is not already RETRYING; a claim that affects zero rows means
// another trigger won the race and is reported as (false, nil), not an error.
func (r *Repository) ClaimOperation(id string, now int64) (bool, error) {
	query := `
	UPDATE operation_queue SET status = ?, last_attempt_at = ?
	WHERE id = ? AND status != ?
	`
	res, err := r.db.Exec(query, models.OperationRetrying, now, id, models.OperationRetrying)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RescheduleOperation returns a claimed operation to PENDING with an updated
// attempt count, next retry time and error, so any future sweep can pick it up.
func (r *Repository) RescheduleOperation(id string, attemptCount int, nextRetryAt int64, lastError string) error {
	query := `
	UPDATE operation_queue SET status = ?, attempt_count = ?, next_retry_at = ?, last_error = ?
	WHERE id = ?
	`
	_, err := r.db.Exec(query, models.OperationPending, attemptCount, nextRetryAt,
		nullableString(lastError), id)
	return err
}

// FailOperation marks an operation FAILED after its retry budget is exhausted.
// The row is kept so the user can inspect, discard, or retry it manually.
func (r *Repository) FailOperation(id string, attemptCount int, lastError string) error {
	query := `
	UPDATE operation_queue SET status = ?, attempt_count = ?, last_error = ?
	WHERE id = ?
	`
	_, err := r.db.Exec(query, models.OperationFailed, attemptCount,
		nullableString(lastError), id)
	return err
}

// ResetFailedOperation returns a FAILED operation to PENDING with a fresh
// attempt budget for a user-initiated retry.
func (r *Repository) ResetFailedOperation(id string, now int64) (bool, error) {
	query := `
	UPDATE operation_queue SET status = ?, attempt_count = 0, next_retry_at = ?, last_error = NULL
	WHERE id = ? AND status = ?
	`
	res, err := r.db.Exec(query, models.OperationPending, now, id, models.OperationFailed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteOperation removes a queued operation row.
func (r *Repository) DeleteOperation(id string) error {
	_, err := r.db.Exec("DELETE FROM operation_queue WHERE id = ?", id)
	return err
}

// ResetInFlightOperations demotes RETRYING rows back to PENDING. Called at
// startup: a RETRYING row can only survive a process that died mid-attempt.
func (r *Repository) ResetInFlightOperations(now int64) (int, error) {
	query := `
	UPDATE operation_queue SET status = ?, next_retry_at = ?
	WHERE status = ?
	`
	res, err := r.db.Exec(query, models.OperationPending, now, models.OperationRetrying)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// CountOperationsByStatus returns row counts grouped by status.
func (r *Repository) CountOperationsByStatus() (map[models.OperationStatus]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM operation_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.OperationStatus]int)
	for rows.Next() {
		var status models.OperationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *Repository) queryOperations(query string, args ...interface{}) ([]*models.QueuedOperation, error) {
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var payload string
	var lastError sql.NullString
	err := row.Scan(&op.ID, &op.Type, &payload, &op.Status, &op.AttemptCount,
		&op.MaxAttempts, &op.NextRetryAt, &op.CreatedAt, &op.LastAttemptAt, &lastError)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	if lastError.Valid {
		op.LastError = lastError.String
	}
	return &op, nil
}

// =====================================================
// OptimisticUpdate Operations
// =====================================================

const updateColumns = "id, type, status, timestamp, rollback_data, operation_id, error_message"

// CreateUpdate inserts a new optimistic update in PENDING state.
func (r *Repository) CreateUpdate(u *models.OptimisticUpdate) error {
	u.ID = models.UUID(uuid.New())
	u.Status = models.UpdatePending
	if u.Timestamp == 0 {
		u.Timestamp = time.Now().Unix()
	}

	query := `
	INSERT INTO optimistic_updates (id, type, status, timestamp, rollback_data, operation_id, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, u.ID, u.Type, u.Status, u.Timestamp,
		string(u.RollbackData), nullableString(string(u.OperationID)),
		nullableString(u.ErrorMessage))
	return err
}

// GetUpdate retrieves an optimistic update by ID.
func (r *Repository) GetUpdate(id string) (*models.OptimisticUpdate, error) {
	query := "SELECT " + updateColumns + " FROM optimistic_updates WHERE id = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanUpdate(stmt.QueryRow(id))
}

// ListActiveUpdates returns updates still awaiting an outcome (PENDING or
// SYNCING), oldest first. Used to re-derive UI state after a restart.
func (r *Repository) ListActiveUpdates() ([]*models.OptimisticUpdate, error) {
	query := "SELECT " + updateColumns + ` FROM optimistic_updates
	WHERE status IN (?, ?) ORDER BY timestamp ASC`
	return r.queryUpdates(query, models.UpdatePending, models.UpdateSyncing)
}

// ListUpdates returns every optimistic update ordered by timestamp.
func (r *Repository) ListUpdates() ([]*models.OptimisticUpdate, error) {
	query := "SELECT " + updateColumns + " FROM optimistic_updates ORDER BY timestamp ASC"
	return r.queryUpdates(query)
}

// SetUpdateStatus transitions an update's status and error message.
func (r *Repository) SetUpdateStatus(id string, status models.UpdateStatus, errorMessage string) error {
	query := "UPDATE optimistic_updates SET status = ?, error_message = ? WHERE id = ?"
	_, err := r.db.Exec(query, status, nullableString(errorMessage), id)
	return err
}

// LinkUpdateOperation associates an update with a queued operation.
func (r *Repository) LinkUpdateOperation(updateID, operationID string) error {
	query := "UPDATE optimistic_updates SET operation_id = ? WHERE id = ?"
	_, err := r.db.Exec(query, operationID, updateID)
	return err
}

// GetUpdateByOperation returns the update linked to a queued operation, or
// sql.ErrNoRows when none is linked.
func (r *Repository) GetUpdateByOperation(operationID string) (*models.OptimisticUpdate, error) {
	query := "SELECT " + updateColumns + " FROM optimistic_updates WHERE operation_id = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanUpdate(stmt.QueryRow(operationID))
}

// DeleteUpdate removes an optimistic update row.
func (r *Repository) DeleteUpdate(id string) error {
	_, err := r.db.Exec("DELETE FROM optimistic_updates WHERE id = ?", id)
	return err
}

// DeleteCompletedUpdatesBefore removes SUCCESS updates older than the cutoff.
func (r *Repository) DeleteCompletedUpdatesBefore(cutoff int64) (int, error) {
	res, err := r.db.Exec(
		"DELETE FROM optimistic_updates WHERE status = ? AND timestamp < ?",
		models.UpdateSuccess, cutoff,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// DeleteUpdatesBefore removes updates older than the cutoff regardless of
// status. This is the 24h horizon purge.
func (r *Repository) DeleteUpdatesBefore(cutoff int64) (int, error) {
	res, err := r.db.Exec("DELETE FROM optimistic_updates WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (r *Repository) queryUpdates(query string, args ...interface{}) ([]*models.OptimisticUpdate, error) {
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*models.OptimisticUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func scanUpdate(row rowScanner) (*models.OptimisticUpdate, error) {
	var u models.OptimisticUpdate
	var rollbackData string
	var operationID, errorMessage sql.NullString
	err := row.Scan(&u.ID, &u.Type, &u.Status, &u.Timestamp, &rollbackData,
		&operationID, &errorMessage)
	if err != nil {
		return nil, err
	}
	u.RollbackData = []byte(rollbackData)
	if operationID.Valid {
		u.OperationID = models.UUID(operationID.String)
	}
	if errorMessage.Valid {
		u.ErrorMessage = errorMessage.String
	}
	return &u, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
