// Package models provides data model definitions for BrewPass Core.
package models

import (
	"encoding/json"
	"time"
)

// UpdateStatus is the lifecycle state of an optimistic update.
type UpdateStatus string

const (
	UpdatePending UpdateStatus = "PENDING"
	UpdateSyncing UpdateStatus = "SYNCING"
	UpdateSuccess UpdateStatus = "SUCCESS"
	UpdateFailed  UpdateStatus = "FAILED"
)

// OptimisticUpdate records a local state change applied before remote
// confirmation, together with the data needed to undo it. RollbackData is a
// tagged payload; its tag must match Type.
type OptimisticUpdate struct {
	ID           UUID            `db:"id" json:"id"`
	Type         OperationType   `db:"type" json:"type"`
	Status       UpdateStatus    `db:"status" json:"status"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"`
	RollbackData json.RawMessage `db:"rollback_data" json:"rollback_data"`
	OperationID  UUID            `db:"operation_id" json:"operation_id,omitempty"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
}

// TableName returns the table name for OptimisticUpdate.
func (OptimisticUpdate) TableName() string {
	return "optimistic_updates"
}

// Time returns the Timestamp as time.Time.
func (u *OptimisticUpdate) Time() time.Time {
	return time.Unix(u.Timestamp, 0)
}

// Terminal reports whether the update reached a final state.
func (u *OptimisticUpdate) Terminal() bool {
	return u.Status == UpdateSuccess || u.Status == UpdateFailed
}
