package domain

import (
	"errors"
	"strings"
	"time"
)

type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusExecuting CommandStatus = "executing"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusExpired   CommandStatus = "expired"
)

func (s CommandStatus) Valid() bool {
	switch s {
	case CommandStatusPending, CommandStatusExecuting, CommandStatusCompleted, CommandStatusFailed, CommandStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the command lifecycle.
func CanTransition(from, to CommandStatus) bool {
	switch from {
	case CommandStatusPending:
		return to == CommandStatusExecuting || to == CommandStatusExpired || to == CommandStatusFailed
	case CommandStatusExecuting:
		return to == CommandStatusCompleted || to == CommandStatusFailed
	default:
		return false
	}
}

// Result is attached to a command once it reaches a terminal state.
type Result struct {
	Output      []byte    `json:"output,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type Command struct {
	ID              string        `json:"command_id"`
	TenantID        string        `json:"tenant_id"`
	SourcePrincipal string        `json:"source_principal"`
	Provider        string        `json:"provider"`
	Payload         []byte        `json:"payload,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Status          CommandStatus `json:"status"`
	Result          *Result       `json:"result,omitempty"`
}

// Validate checks the fields a command must carry at submission.
func (c Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("command_id is required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	if strings.TrimSpace(c.SourcePrincipal) == "" {
		return errors.New("source_principal is required")
	}
	if strings.TrimSpace(c.Provider) == "" {
		return errors.New("provider is required")
	}
	if c.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	if c.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}
	if c.ExpiresAt.Before(c.CreatedAt) {
		return errors.New("expires_at must not precede created_at")
	}
	if c.Status != "" && c.Status != CommandStatusPending {
		return errors.New("submitted command must be pending")
	}
	return nil
}

// ExpiredAt reports whether the command's deadline has passed at now.
func (c Command) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
