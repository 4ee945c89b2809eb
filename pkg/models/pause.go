package models

import (
	"time"

	"github.com/google/uuid"
)

// PauseStatus is the lifecycle state of a pause request.
type PauseStatus string

// Pause request states. Transitions:
//
//	pending_approval → approved | rejected
//	approved | auto_approved → executed
//
// auto_approved is reachable only when the owning monitor had auto_pause
// enabled at request creation time.
const (
	PauseStatusPendingApproval PauseStatus = "pending_approval"
	PauseStatusAutoApproved    PauseStatus = "auto_approved"
	PauseStatusApproved        PauseStatus = "approved"
	PauseStatusExecuted        PauseStatus = "executed"
	PauseStatusRejected        PauseStatus = "rejected"
)

// Requester identifies what emitted a pause request.
type Requester string

// Requester kinds.
const (
	RequesterAutoRule      Requester = "auto_rule"
	RequesterOperatorToken Requester = "operator_token"
)

// PauseRequest is the record of one intended pause action.
type PauseRequest struct {
	ID              string      `json:"id"`
	ContractAddress string      `json:"contract_address"`
	Chain           string      `json:"chain"`
	Reason          string      `json:"reason"`
	Severity        Severity    `json:"severity"`
	Status          PauseStatus `json:"status"`
	Requester       Requester   `json:"requester"`
	LastError       string      `json:"last_error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	DecidedAt       *time.Time  `json:"decided_at,omitempty"`
	ExecutedAt      *time.Time  `json:"executed_at,omitempty"`
}

// NewPauseRequest creates a pending pause request.
func NewPauseRequest(address, chain, reason string, severity Severity, requester Requester) *PauseRequest {
	return &PauseRequest{
		ID:              uuid.NewString(),
		ContractAddress: address,
		Chain:           chain,
		Reason:          reason,
		Severity:        severity,
		Status:          PauseStatusPendingApproval,
		Requester:       requester,
		CreatedAt:       time.Now().UTC(),
	}
}

// Monitor is one registered contract watch. At most one monitor exists per
// (contract_address, chain) at a time.
type Monitor struct {
	ContractAddress string          `json:"contract_address"`
	Chain           string          `json:"chain"`
	AutoPause       bool            `json:"auto_pause"`
	AlertChannels   []NotifyChannel `json:"alert_channels,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}
