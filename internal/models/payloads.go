// Package models provides data model definitions for BrewPass Core.
package models

import (
	"encoding/json"
	"fmt"
)

// Operation payloads are closed per-action types rather than free-form maps,
// so consumption sites can match exhaustively on OperationType.

// CheckInPayload carries the parameters of a check_in_beer operation.
type CheckInPayload struct {
	BeerID     UUID   `json:"beer_id"`
	BeerName   string `json:"beer_name"`
	CustomerID string `json:"customer_id"`
}

// RedeemPayload carries the parameters of a redeem_reward operation.
type RedeemPayload struct {
	RewardID   UUID   `json:"reward_id"`
	CustomerID string `json:"customer_id"`
}

// EncodePayload serializes an operation payload for storage.
func EncodePayload(p interface{}) (json.RawMessage, error) {
	switch p.(type) {
	case CheckInPayload, *CheckInPayload, RedeemPayload, *RedeemPayload:
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodeCheckInPayload parses a stored check_in_beer payload.
func DecodeCheckInPayload(raw json.RawMessage) (*CheckInPayload, error) {
	var p CheckInPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode check-in payload: %w", err)
	}
	if p.BeerID == "" {
		return nil, fmt.Errorf("check-in payload missing beer_id")
	}
	return &p, nil
}

// DecodeRedeemPayload parses a stored redeem_reward payload.
func DecodeRedeemPayload(raw json.RawMessage) (*RedeemPayload, error) {
	var p RedeemPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode redeem payload: %w", err)
	}
	if p.RewardID == "" {
		return nil, fmt.Errorf("redeem payload missing reward_id")
	}
	return &p, nil
}
