package payments

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeHoldSucceeded   = "payment_intent.succeeded"
	TypeCaptureFailed   = "payment_intent.payment_failed"
	TypeChargeRefunded  = "charge.refunded"
	TypeTransferCreated = "transfer.created"
)

// Event is one processor webhook delivery. The set of implementations is
// closed: HoldSucceeded, CaptureFailed, Refunded, TransferCreated and
// Unhandled.
type Event interface {
	EventID() string
	EventType() string
	event()
}

type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
}

func (e Envelope) EventID() string   { return e.ID }
func (e Envelope) EventType() string { return e.Type }

type HoldSucceeded struct {
	Envelope
	HoldRef string
	TaskID  string
	Amount  int64
}

type CaptureFailed struct {
	Envelope
	HoldRef string
	TaskID  string
	Message string
}

type Refunded struct {
	Envelope
	HoldRef string
	TaskID  string
}

type TransferCreated struct {
	Envelope
	TransferRef string
	TaskID      string
	WorkerID    string
	Destination string
	Amount      int64
}

// Unhandled is acknowledged and logged but changes nothing.
type Unhandled struct {
	Envelope
}

func (HoldSucceeded) event()   {}
func (CaptureFailed) event()   {}
func (Refunded) event()        {}
func (TransferCreated) event() {}
func (Unhandled) event()       {}

type wireEvent struct {
	Envelope
	Data struct {
		Object wireObject `json:"object"`
	} `json:"data"`
}

type wireObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	PaymentIntent    string            `json:"payment_intent"`
	Destination      string            `json:"destination"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

var ErrMalformedEvent = errors.New("malformed webhook event")

// ParseEvent decodes a verified webhook body into its variant.
func ParseEvent(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.ID == "" || w.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	obj := w.Data.Object
	taskID := obj.Metadata["task_id"]
	switch w.Type {
	case TypeHoldSucceeded:
		return HoldSucceeded{Envelope: w.Envelope, HoldRef: obj.ID, TaskID: taskID, Amount: obj.Amount}, nil
	case TypeCaptureFailed:
		ev := CaptureFailed{Envelope: w.Envelope, HoldRef: obj.ID, TaskID: taskID}
		if obj.LastPaymentError != nil {
			ev.Message = obj.LastPaymentError.Message
		}
		return ev, nil
	case TypeChargeRefunded:
		return Refunded{Envelope: w.Envelope, HoldRef: obj.PaymentIntent, TaskID: taskID}, nil
	case TypeTransferCreated:
		return TransferCreated{
			Envelope:    w.Envelope,
			TransferRef: obj.ID,
			TaskID:      taskID,
			WorkerID:    obj.Metadata["worker_id"],
			Destination: obj.Destination,
			Amount:      obj.Amount,
		}, nil
	default:
		return Unhandled{Envelope: w.Envelope}, nil
	}
}
