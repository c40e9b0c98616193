// Package optimistic tracks local state changes applied ahead of remote
// confirmation, with enough stored data to undo each one.
package optimistic

import (
	"encoding/json"
	"fmt"

	"github.com/tapcrew/brewpass/core/internal/models"
)

// RollbackData is the undo payload of one optimistic update. It is a closed
// tagged union: each action family defines its own payload, and the tag must
// match the update's operation type. The tracker itself never inspects the
// payload beyond the tag; the consumer that applied the local mutation is the
// one that knows how to undo it.
type RollbackData interface {
	Tag() models.OperationType
}

// CheckInRollback undoes the local effect of a beer check-in.
type CheckInRollback struct {
	BeerID    models.UUID `json:"beer_id"`
	WasTasted bool        `json:"was_tasted"`
}

// Tag returns the operation type this rollback payload belongs to.
func (CheckInRollback) Tag() models.OperationType {
	return models.OperationCheckInBeer
}

// RedeemRollback undoes the local effect of a reward redemption.
type RedeemRollback struct {
	RewardID    models.UUID `json:"reward_id"`
	WasRedeemed bool        `json:"was_redeemed"`
}

// Tag returns the operation type this rollback payload belongs to.
func (RedeemRollback) Tag() models.OperationType {
	return models.OperationRedeemReward
}

// rollbackEnvelope is the stored form: tag plus raw payload.
type rollbackEnvelope struct {
	Tag  models.OperationType `json:"tag"`
	Data json.RawMessage      `json:"data"`
}

// encodeRollback serializes a rollback payload with its tag.
func encodeRollback(rb RollbackData) (json.RawMessage, error) {
	data, err := json.Marshal(rb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rollback data: %w", err)
	}
	env := rollbackEnvelope{Tag: rb.Tag(), Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rollback envelope: %w", err)
	}
	return raw, nil
}

// Decode parses a stored rollback payload, matching on the tag.
func Decode(raw json.RawMessage) (RollbackData, error) {
	return decodeRollback(raw)
}

// decodeRollback parses a stored rollback payload, matching on the tag.
func decodeRollback(raw json.RawMessage) (RollbackData, error) {
	var env rollbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode rollback envelope: %w", err)
	}

	switch env.Tag {
	case models.OperationCheckInBeer:
		var rb CheckInRollback
		if err := json.Unmarshal(env.Data, &rb); err != nil {
			return nil, fmt.Errorf("failed to decode check-in rollback: %w", err)
		}
		return rb, nil
	case models.OperationRedeemReward:
		var rb RedeemRollback
		if err := json.Unmarshal(env.Data, &rb); err != nil {
			return nil, fmt.Errorf("failed to decode redeem rollback: %w", err)
		}
		return rb, nil
	}
	return nil, fmt.Errorf("unknown rollback tag %q", env.Tag)
}
