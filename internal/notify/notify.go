// Package notify delivers terminal command results to interested parties.
//
// Delivery is at most once: a notifier that cannot accept a notification
// immediately drops it. Command state never depends on delivery.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/animus-labs/ledger-go/internal/domain"
)

type Notification struct {
	CommandID string               `json:"command_id"`
	TenantID  string               `json:"tenant_id"`
	Status    domain.CommandStatus `json:"status"`
	Result    *domain.Result       `json:"result,omitempty"`
	ErrorCode string               `json:"error_code,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}

// Channel is a bounded outbound queue of notifications.
type Channel struct {
	ch      chan Notification
	dropped atomic.Int64
}

func NewChannel(buffer int) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	return &Channel{ch: make(chan Notification, buffer)}
}

func (c *Channel) Notify(ctx context.Context, n Notification) {
	select {
	case c.ch <- n:
	default:
		c.dropped.Add(1)
	}
}

// C is the receive side consumers read from.
func (c *Channel) C() <-chan Notification {
	return c.ch
}

func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}
