package payments

import (
	"storefront-gateway/internal/storage"
)

// Outcome is how a delivery was resolved.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeRejected         Outcome = "rejected"
)

// Decision is the pure result of applying an event to a deposit's current status.
type Decision struct {
	Outcome   Outcome
	NewStatus storage.DepositStatus
	Ledger    *storage.LedgerTransaction
	Metadata  map[string]any
	Reason    string
}

// Decide maps (deposit status, event type) onto the next step. It performs no I/O.
//
//	COMPLETED  pending -> completed, credit amount; completed -> already processed
//	DENIED     pending -> failed; failed -> already processed
//	DECLINED   same as DENIED
//	REFUNDED   completed -> refunded, debit amount; pending or failed -> refunded, no ledger;
//	           refunded -> already processed
//	PENDING    pending -> pending with the reason recorded
//
// Every other combination leaves a terminal state and is ignored.
func Decide(deposit storage.Deposit, ev Event) Decision {
	status := deposit.Status

	switch ev.EventType {
	case EventCaptureCompleted:
		switch status {
		case storage.DepositPending:
			return Decision{
				Outcome:   OutcomeApplied,
				NewStatus: storage.DepositCompleted,
				Ledger:    &storage.LedgerTransaction{Type: storage.LedgerDeposit, Amount: deposit.Amount},
				Metadata:  ev.payerMetadata(),
			}
		case storage.DepositCompleted:
			return Decision{Outcome: OutcomeAlreadyProcessed, NewStatus: status}
		}

	case EventCaptureDenied, EventCaptureDeclined:
		switch status {
		case storage.DepositPending:
			return Decision{
				Outcome:   OutcomeApplied,
				NewStatus: storage.DepositFailed,
				Metadata:  reasonMetadata(ev, "failure_reason"),
			}
		case storage.DepositFailed:
			return Decision{Outcome: OutcomeAlreadyProcessed, NewStatus: status}
		}

	case EventCaptureRefunded:
		switch status {
		case storage.DepositCompleted:
			return Decision{
				Outcome:   OutcomeApplied,
				NewStatus: storage.DepositRefunded,
				Ledger:    &storage.LedgerTransaction{Type: storage.LedgerRefund, Amount: deposit.Amount.Neg()},
				Metadata:  refundMetadata(ev),
			}
		case storage.DepositPending, storage.DepositFailed:
			return Decision{
				Outcome:   OutcomeApplied,
				NewStatus: storage.DepositRefunded,
				Metadata:  refundMetadata(ev),
			}
		case storage.DepositRefunded:
			return Decision{Outcome: OutcomeAlreadyProcessed, NewStatus: status}
		}

	case EventCapturePending:
		if status == storage.DepositPending {
			return Decision{
				Outcome:   OutcomeApplied,
				NewStatus: storage.DepositPending,
				Metadata:  reasonMetadata(ev, "pending_reason"),
			}
		}

	default:
		return Decision{Outcome: OutcomeIgnored, NewStatus: status, Reason: "unhandled event type"}
	}

	return Decision{Outcome: OutcomeIgnored, NewStatus: status, Reason: "deposit is " + string(status)}
}

func reasonMetadata(ev Event, key string) map[string]any {
	meta := map[string]any{"last_event": string(ev.EventType)}
	if reason := ev.Reason(); reason != "" {
		meta[key] = reason
	}
	if ev.ID != "" {
		meta["event_id"] = ev.ID
	}
	return meta
}

func refundMetadata(ev Event) map[string]any {
	meta := reasonMetadata(ev, "refund_reason")
	if ev.Resource.ID != "" {
		meta["refund_id"] = ev.Resource.ID
	}
	return meta
}
