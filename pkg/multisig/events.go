package multisig

import (
	"context"
	"log/slog"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// EventType names a committed state change.
type EventType string

const (
	EventIdentityCreated  EventType = "identity_created"
	EventActionProposed   EventType = "action_proposed"
	EventActionApproved   EventType = "action_approved"
	EventActionExecuted   EventType = "action_executed"
	EventActionClosed     EventType = "action_closed"
	EventOwnersReplaced   EventType = "owners_replaced"
	EventThresholdChanged EventType = "threshold_changed"
)

// Event describes a committed state change. Fields not relevant to the
// event type are zero.
type Event struct {
	Type          EventType         `json:"type"`
	Identity      address.Address   `json:"identity"`
	Action        address.Address   `json:"action"`
	Index         uint32            `json:"index,omitempty"`
	Actor         address.Address   `json:"actor"`
	Owners        []address.Address `json:"owners,omitempty"`
	Threshold     uint32            `json:"threshold,omitempty"`
	OwnerSetSeqno uint32            `json:"owner_set_seqno"`
	Timestamp     int64             `json:"timestamp"`
}

// EventSink receives events after the operation that produced them has
// committed. Sink errors are logged and never undo the operation.
type EventSink interface {
	Publish(ctx context.Context, events []Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, events []Event) error

// Publish implements EventSink.
func (f SinkFunc) Publish(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements EventSink.
func (s LogSink) Publish(ctx context.Context, events []Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, ev := range events {
		logger.InfoContext(ctx, "multisig event",
			"type", ev.Type,
			"identity", ev.Identity.Short(),
			"index", ev.Index,
			"seqno", ev.OwnerSetSeqno,
		)
	}
	return nil
}

// batch collects the events of one transaction attempt.
type batch struct {
	events []Event
}

func (b *batch) emit(ev Event) {
	b.events = append(b.events, ev)
}

type batchKey struct{}

func withBatch(ctx context.Context, b *batch) context.Context {
	return context.WithValue(ctx, batchKey{}, b)
}

func batchFrom(ctx context.Context) *batch {
	if b, ok := ctx.Value(batchKey{}).(*batch); ok {
		return b
	}
	return &batch{}
}
