// Package models provides data model definitions for BrewPass Core.
package models

import (
	"encoding/json"
	"time"
)

// OperationType identifies the user action a queued operation carries.
type OperationType string

const (
	OperationCheckInBeer  OperationType = "check_in_beer"
	OperationRedeemReward OperationType = "redeem_reward"
)

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationRetrying  OperationStatus = "RETRYING"
	OperationFailed    OperationStatus = "FAILED"
	OperationCompleted OperationStatus = "COMPLETED"
)

// QueuedOperation is a durable record of a user-initiated mutating action
// awaiting execution against the remote service. At most one worker may hold
// RETRYING for a given row; the repository enforces this with a conditional
// update rather than in-process locking.
type QueuedOperation struct {
	ID            UUID            `db:"id" json:"id"`
	Type          OperationType   `db:"type" json:"type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        OperationStatus `db:"status" json:"status"`
	AttemptCount  int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts   int             `db:"max_attempts" json:"max_attempts"`
	NextRetryAt   int64           `db:"next_retry_at" json:"next_retry_at"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "operation_queue"
}

// CreatedTime returns CreatedAt as time.Time.
func (o *QueuedOperation) CreatedTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// Exhausted reports whether the operation has used up its retry budget.
func (o *QueuedOperation) Exhausted() bool {
	return o.AttemptCount >= o.MaxAttempts
}
