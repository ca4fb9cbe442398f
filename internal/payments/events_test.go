package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Event
	}{
		{
			name: "hold succeeded",
			body: `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":100,"metadata":{"task_id":"task_1"}}}}`,
			want: HoldSucceeded{Envelope: Envelope{ID: "evt_1", Type: TypeHoldSucceeded}, HoldRef: "pi_1", TaskID: "task_1", Amount: 100},
		},
		{
			name: "capture failed",
			body: `{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","metadata":{"task_id":"task_1"},"last_payment_error":{"message":"declined"}}}}`,
			want: CaptureFailed{Envelope: Envelope{ID: "evt_2", Type: TypeCaptureFailed}, HoldRef: "pi_1", TaskID: "task_1", Message: "declined"},
		},
		{
			name: "refunded",
			body: `{"id":"evt_3","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_1"}}}`,
			want: Refunded{Envelope: Envelope{ID: "evt_3", Type: TypeChargeRefunded}, HoldRef: "pi_1"},
		},
		{
			name: "transfer created",
			body: `{"id":"evt_4","type":"transfer.created","data":{"object":{"id":"tr_1","amount":99,"destination":"acct_1","metadata":{"task_id":"task_1","worker_id":"agent_w"}}}}`,
			want: TransferCreated{Envelope: Envelope{ID: "evt_4", Type: TypeTransferCreated}, TransferRef: "tr_1", TaskID: "task_1", WorkerID: "agent_w", Destination: "acct_1", Amount: 99},
		},
		{
			name: "unhandled",
			body: `{"id":"evt_5","type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
			want: Unhandled{Envelope: Envelope{ID: "evt_5", Type: "customer.created"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev)
		})
	}
}

func TestParseEventRejectsMalformed(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent([]byte(`{"type":"charge.refunded"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
