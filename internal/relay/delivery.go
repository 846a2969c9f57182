package relay

import (
	"context"
	"time"
)

const (
	// ExtensionSource tags every envelope the relay sends; the application
	// ignores messages that lack it.
	ExtensionSource = "sticky-notes-extension"
	ActionSaveNote  = "SAVE_NOTE"

	DefaultDeliveryTimeout = 5 * time.Second
)

// DeliveryMessage is the envelope sent into the application context.
type DeliveryMessage struct {
	Source string `json:"source"`
	Action string `json:"action"`
	Note   Note   `json:"note"`
}

func NewDeliveryMessage(note Note) DeliveryMessage {
	return DeliveryMessage{
		Source: ExtensionSource,
		Action: ActionSaveNote,
		Note:   note,
	}
}

// Trusted reports whether the envelope carries the extension source tag and
// the save action.
func (m DeliveryMessage) Trusted() bool {
	return m.Source == ExtensionSource && m.Action == ActionSaveNote
}

// Ack is the application's reply to a delivery.
type Ack struct {
	Success bool `json:"success"`
}

type Transport interface {
	Send(ctx context.Context, tab TabID, msg DeliveryMessage) (Ack, error)
}

type Outcome int

const (
	Unreachable Outcome = iota
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	default:
		return "unreachable"
	}
}

// Deliverer sends one note to the application tab and interprets the reply.
// It never retries and never returns an error: anything short of a positive
// acknowledgment is Unreachable.
type Deliverer struct {
	transport Transport
	timeout   time.Duration
	logger    Logger
}

func NewDeliverer(transport Transport, timeout time.Duration, logger Logger) *Deliverer {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Deliverer{
		transport: transport,
		timeout:   timeout,
		logger:    logger,
	}
}

func (d *Deliverer) Deliver(ctx context.Context, ref TabRef, note Note) Outcome {
	if !ref.Known || d.transport == nil {
		return Unreachable
	}
	tab := ref.ID
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ack, err := d.transport.Send(ctx, tab, NewDeliveryMessage(note))
	if err != nil {
		logf(d.logger, "delivery of note %s to tab %d failed: %v", note.ID, tab, err)
		return Unreachable
	}
	if !ack.Success {
		logf(d.logger, "tab %d did not acknowledge note %s", tab, note.ID)
		return Unreachable
	}
	return Delivered
}
