package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// APIHealth is the shared circuit record for one upstream.
type APIHealth struct {
	API                string
	IsOpen             bool
	HalfOpen           bool
	ErrorCount         uint
	ConsecutiveSuccess uint
	LastError          *string
	OpenedAt           *time.Time
	// ProbeStartedAt is set while the single half-open trial call is in flight.
	ProbeStartedAt *time.Time
	UpdatedAt      time.Time
}

// InventoryCacheEntry is the last known stock for a supplier product token.
type InventoryCacheEntry struct {
	Token         string
	Quantity      int
	Price         decimal.Decimal
	Name          string
	LastCheckedAt time.Time
	CachedUntil   time.Time
}

// DepositStatus enumerates deposit lifecycle states.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositFailed    DepositStatus = "failed"
	DepositRefunded  DepositStatus = "refunded"
)

// Terminal reports whether no further transition is expected from s.
func (s DepositStatus) Terminal() bool {
	return s == DepositCompleted || s == DepositFailed || s == DepositRefunded
}

// Deposit is a user top-up awaiting or holding processor confirmation.
type Deposit struct {
	ID              string
	UserID          string
	Amount          decimal.Decimal
	Status          DepositStatus
	ExternalOrderID string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LedgerType enumerates money-moving transaction kinds.
type LedgerType string

const (
	LedgerDeposit LedgerType = "deposit"
	LedgerRefund  LedgerType = "refund"
)

// LedgerTransaction is an append-only balance movement.
type LedgerTransaction struct {
	ID          string
	UserID      string
	Type        LedgerType
	Amount      decimal.Decimal
	ReferenceID string
	CreatedAt   time.Time
}

// DepositTransition is applied atomically by PaymentStore.ApplyDepositTransition.
// The deposit must still be in ExpectedStatus when the row lock is taken.
type DepositTransition struct {
	DepositID      string
	ExpectedStatus DepositStatus
	NewStatus      DepositStatus
	Metadata       map[string]any
	Ledger         *LedgerTransaction
	At             time.Time
}

// TransitionResult reports what the store actually changed.
type TransitionResult struct {
	Deposit        Deposit
	LedgerInserted bool
	Balance        decimal.Decimal
}

// APILogEntry is one audit record for an upstream call attempt or webhook delivery.
type APILogEntry struct {
	ID             int64
	API            string
	Endpoint       string
	Status         string
	ResponseTimeMs int64
	Details        json.RawMessage
	CreatedAt      time.Time
}
