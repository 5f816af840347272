package payments

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-gateway/internal/storage"
)

func TestDecide(t *testing.T) {
	amount := decimal.RequireFromString("25.00")

	cases := []struct {
		name    string
		status  storage.DepositStatus
		event   EventType
		outcome Outcome
		next    storage.DepositStatus
		ledger  *storage.LedgerType
		delta   string
	}{
		{"completed credits pending", storage.DepositPending, EventCaptureCompleted, OutcomeApplied, storage.DepositCompleted, ledgerType(storage.LedgerDeposit), "25"},
		{"completed twice", storage.DepositCompleted, EventCaptureCompleted, OutcomeAlreadyProcessed, storage.DepositCompleted, nil, ""},
		{"completed after failure", storage.DepositFailed, EventCaptureCompleted, OutcomeIgnored, storage.DepositFailed, nil, ""},
		{"denied fails pending", storage.DepositPending, EventCaptureDenied, OutcomeApplied, storage.DepositFailed, nil, ""},
		{"declined fails pending", storage.DepositPending, EventCaptureDeclined, OutcomeApplied, storage.DepositFailed, nil, ""},
		{"denied twice", storage.DepositFailed, EventCaptureDenied, OutcomeAlreadyProcessed, storage.DepositFailed, nil, ""},
		{"denied after completion", storage.DepositCompleted, EventCaptureDenied, OutcomeIgnored, storage.DepositCompleted, nil, ""},
		{"refund debits completed", storage.DepositCompleted, EventCaptureRefunded, OutcomeApplied, storage.DepositRefunded, ledgerType(storage.LedgerRefund), "-25"},
		{"refund on pending is status only", storage.DepositPending, EventCaptureRefunded, OutcomeApplied, storage.DepositRefunded, nil, ""},
		{"refund twice", storage.DepositRefunded, EventCaptureRefunded, OutcomeAlreadyProcessed, storage.DepositRefunded, nil, ""},
		{"refund on failed is status only", storage.DepositFailed, EventCaptureRefunded, OutcomeApplied, storage.DepositRefunded, nil, ""},
		{"pending records reason", storage.DepositPending, EventCapturePending, OutcomeApplied, storage.DepositPending, nil, ""},
		{"pending after completion", storage.DepositCompleted, EventCapturePending, OutcomeIgnored, storage.DepositCompleted, nil, ""},
		{"unknown event", storage.DepositPending, EventType("CHECKOUT.ORDER.APPROVED"), OutcomeIgnored, storage.DepositPending, nil, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deposit := storage.Deposit{ID: "d-1", UserID: "u-1", Amount: amount, Status: tc.status}
			ev := Event{ID: "WH-1", EventType: tc.event, Resource: Resource{ID: "CAP-1", StatusDetails: &StatusDetails{Reason: "ECHECK"}}}

			d := Decide(deposit, ev)
			assert.Equal(t, tc.outcome, d.Outcome)
			assert.Equal(t, tc.next, d.NewStatus)
			if tc.ledger == nil {
				assert.Nil(t, d.Ledger)
				return
			}
			require.NotNil(t, d.Ledger)
			assert.Equal(t, *tc.ledger, d.Ledger.Type)
			assert.True(t, d.Ledger.Amount.Equal(decimal.RequireFromString(tc.delta)), "amount %s", d.Ledger.Amount)
		})
	}
}

func TestDecidePendingRecordsReason(t *testing.T) {
	deposit := storage.Deposit{ID: "d-1", Amount: decimal.NewFromInt(5), Status: storage.DepositPending}
	ev := Event{EventType: EventCapturePending, Resource: Resource{StatusDetails: &StatusDetails{Reason: "PENDING_REVIEW"}}}

	d := Decide(deposit, ev)
	assert.Equal(t, "PENDING_REVIEW", d.Metadata["pending_reason"])
}

func TestEventOrderIDPrecedence(t *testing.T) {
	ev := Event{Resource: Resource{CustomID: "custom", InvoiceID: "invoice"}}
	assert.Equal(t, "custom", ev.OrderID())

	ev.Resource.SupplementaryData.RelatedIDs.OrderID = "order"
	assert.Equal(t, "order", ev.OrderID())

	assert.Equal(t, "invoice", Event{Resource: Resource{InvoiceID: "invoice"}}.OrderID())
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := ParseEvent([]byte("not json"))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = ParseEvent([]byte(`{"id":"WH-1"}`))
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func ledgerType(t storage.LedgerType) *storage.LedgerType {
	return &t
}
