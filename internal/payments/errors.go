package payments

import "errors"

var (
	// ErrInvalidSignature means the processor did not vouch for the delivery.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrVerificationUnavailable means the signature could not be checked; the processor should redeliver.
	ErrVerificationUnavailable = errors.New("payments: signature verification unavailable")
	// ErrDepositNotFound means no deposit matches the event's order id.
	ErrDepositNotFound = errors.New("payments: deposit not found")
	// ErrInvalidEvent means the delivery body is not a usable webhook event.
	ErrInvalidEvent = errors.New("payments: invalid webhook event")
)
