// Package audit defines the closed set of events recorded in a tenant's audit chain.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeQueued       Type = "command.queued"
	TypeExecuting    Type = "command.executing"
	TypeCompleted    Type = "command.completed"
	TypeFailed       Type = "command.failed"
	TypeExpired      Type = "command.expired"
	TypeAccessDenied Type = "access.denied"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() Type
	sealed()
}

type Queued struct {
	CommandID       string    `json:"command_id"`
	Provider        string    `json:"provider"`
	SourcePrincipal string    `json:"source_principal"`
	ExpiresAt       time.Time `json:"expires_at"`
	At              time.Time `json:"at"`
}

type Executing struct {
	CommandID string    `json:"command_id"`
	Provider  string    `json:"provider"`
	At        time.Time `json:"at"`
}

type Completed struct {
	CommandID    string    `json:"command_id"`
	OutputSHA256 string    `json:"output_sha256,omitempty"`
	At           time.Time `json:"at"`
}

type Failed struct {
	CommandID string    `json:"command_id"`
	ErrorCode string    `json:"error_code"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Expired struct {
	CommandID string    `json:"command_id"`
	ExpiresAt time.Time `json:"expires_at"`
	At        time.Time `json:"at"`
}

type AccessDenied struct {
	Principal string    `json:"principal"`
	Operation string    `json:"operation"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

func (Queued) Type() Type       { return TypeQueued }
func (Executing) Type() Type    { return TypeExecuting }
func (Completed) Type() Type    { return TypeCompleted }
func (Failed) Type() Type       { return TypeFailed }
func (Expired) Type() Type      { return TypeExpired }
func (AccessDenied) Type() Type { return TypeAccessDenied }

func (Queued) sealed()       {}
func (Executing) sealed()    {}
func (Completed) sealed()    {}
func (Failed) sealed()       {}
func (Expired) sealed()      {}
func (AccessDenied) sealed() {}

// CommandID returns the command an event refers to, or "" for tenant-level events.
func CommandID(ev Event) string {
	switch e := ev.(type) {
	case Queued:
		return e.CommandID
	case Executing:
		return e.CommandID
	case Completed:
		return e.CommandID
	case Failed:
		return e.CommandID
	case Expired:
		return e.CommandID
	default:
		return ""
	}
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes ev into the payload stored in a chain entry.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("audit event is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type(), Data: data})
}

// Decode parses a chain entry payload back into its event variant.
func Decode(payload []byte) (Event, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeQueued:
		ev, err = decodeAs[Queued](env.Data)
	case TypeExecuting:
		ev, err = decodeAs[Executing](env.Data)
	case TypeCompleted:
		ev, err = decodeAs[Completed](env.Data)
	case TypeFailed:
		ev, err = decodeAs[Failed](env.Data)
	case TypeExpired:
		ev, err = decodeAs[Expired](env.Data)
	case TypeAccessDenied:
		ev, err = decodeAs[AccessDenied](env.Data)
	default:
		return nil, fmt.Errorf("unknown audit event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
