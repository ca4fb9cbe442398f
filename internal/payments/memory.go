package payments

import (
	"context"
	"fmt"
	"sync"
)

type HoldState string

const (
	HoldOpen      HoldState = "requires_capture"
	HoldCaptured  HoldState = "succeeded"
	HoldCancelled HoldState = "canceled"
	HoldRefunded  HoldState = "refunded"
)

type MemoryHold struct {
	ID         string
	CustomerID string
	Amount     int64
	Currency   string
	Metadata   map[string]string
	State      HoldState
}

type MemoryTransfer struct {
	ID          string
	Destination string
	Amount      int64
	Metadata    map[string]string
}

// MemoryProcessor is an in-process processor for development and tests.
// Idempotency keys are honoured the same way the real processor does: a
// replayed key returns the first result without repeating the effect.
type MemoryProcessor struct {
	mu        sync.Mutex
	seq       int
	holds     map[string]*MemoryHold
	transfers []MemoryTransfer
	replies   map[string]string
	failures  map[Op]error
	calls     map[Op]int
}

func NewMemoryProcessor() *MemoryProcessor {
	return &MemoryProcessor{
		holds:    map[string]*MemoryHold{},
		replies:  map[string]string{},
		failures: map[Op]error{},
		calls:    map[Op]int{},
	}
}

// SetFailure makes every call of op fail with err until cleared with a nil err.
func (m *MemoryProcessor) SetFailure(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls reports how many times op was invoked, failed calls included.
func (m *MemoryProcessor) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryProcessor) Hold(id string) (MemoryHold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return MemoryHold{}, false
	}
	return *h, true
}

func (m *MemoryProcessor) Transfers() []MemoryTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryTransfer(nil), m.transfers...)
}

func (m *MemoryProcessor) begin(op Op, key string) (string, bool, error) {
	m.calls[op]++
	if err := m.failures[op]; err != nil {
		return "", false, err
	}
	if key != "" {
		if id, ok := m.replies[string(op)+"/"+key]; ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryProcessor) remember(op Op, key, id string) {
	if key != "" {
		m.replies[string(op)+"/"+key] = id
	}
}

func (m *MemoryProcessor) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_mem%06d", prefix, m.seq)
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func (m *MemoryProcessor) CreateCustomer(_ context.Context, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "customer-" + agentID
	if id, replay, err := m.begin(OpCreateCustomer, key); err != nil || replay {
		return id, err
	}
	id := m.nextID("cus")
	m.remember(OpCreateCustomer, key, id)
	return id, nil
}

func (m *MemoryProcessor) CreateHold(_ context.Context, req HoldRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, replay, err := m.begin(OpCreateHold, req.IdempotencyKey); err != nil || replay {
		return id, err
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	h := &MemoryHold{
		ID:         m.nextID("pi"),
		CustomerID: req.CustomerID,
		Amount:     int64(req.Amount),
		Currency:   currency,
		Metadata:   copyMetadata(req.Metadata),
		State:      HoldOpen,
	}
	m.holds[h.ID] = h
	m.remember(OpCreateHold, req.IdempotencyKey, h.ID)
	return h.ID, nil
}

func (m *MemoryProcessor) move(op Op, holdRef, key string, from, to HoldState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, replay, err := m.begin(op, key); err != nil || replay {
		return err
	}
	h, ok := m.holds[holdRef]
	if !ok {
		return &APIError{Op: op, StatusCode: 404, Message: "no such payment_intent: " + holdRef}
	}
	if h.State != from {
		return fmt.Errorf("%w: %s is %s", ErrHoldState, holdRef, h.State)
	}
	h.State = to
	m.remember(op, key, holdRef)
	return nil
}

func (m *MemoryProcessor) Capture(_ context.Context, holdRef, idempotencyKey string) error {
	return m.move(OpCapture, holdRef, idempotencyKey, HoldOpen, HoldCaptured)
}

func (m *MemoryProcessor) Cancel(_ context.Context, holdRef, idempotencyKey string) error {
	return m.move(OpCancel, holdRef, idempotencyKey, HoldOpen, HoldCancelled)
}

func (m *MemoryProcessor) Refund(_ context.Context, holdRef, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, replay, err := m.begin(OpRefund, idempotencyKey); err != nil || replay {
		return id, err
	}
	h, ok := m.holds[holdRef]
	if !ok {
		return "", &APIError{Op: OpRefund, StatusCode: 404, Message: "no such payment_intent: " + holdRef}
	}
	if h.State != HoldCaptured {
		return "", fmt.Errorf("%w: %s is %s", ErrHoldState, holdRef, h.State)
	}
	h.State = HoldRefunded
	id := m.nextID("re")
	m.remember(OpRefund, idempotencyKey, id)
	return id, nil
}

func (m *MemoryProcessor) Transfer(_ context.Context, req TransferRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, replay, err := m.begin(OpTransfer, req.IdempotencyKey); err != nil || replay {
		return id, err
	}
	tr := MemoryTransfer{ID: m.nextID("tr"), Destination: req.Destination, Amount: int64(req.Amount), Metadata: copyMetadata(req.Metadata)}
	m.transfers = append(m.transfers, tr)
	m.remember(OpTransfer, req.IdempotencyKey, tr.ID)
	return tr.ID, nil
}
