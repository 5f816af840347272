// Package payments reconciles processor webhooks against deposits, the ledger and balances.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"storefront-gateway/internal/alerting"
	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/storage"
)

const (
	auditAPI      = "paypal"
	auditEndpoint = "webhook"

	defaultMaxRounds = 3
)

// Result describes a reconciled delivery.
type Result struct {
	Outcome        Outcome               `json:"outcome"`
	EventID        string                `json:"event_id,omitempty"`
	EventType      EventType             `json:"event_type,omitempty"`
	OrderID        string                `json:"order_id,omitempty"`
	DepositID      string                `json:"deposit_id,omitempty"`
	Status         storage.DepositStatus `json:"status,omitempty"`
	LedgerInserted bool                  `json:"ledger_inserted"`
	Balance        *decimal.Decimal      `json:"balance,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}

// Deps are the engine's collaborators. Audit is required; Notifier and Metrics may be nil.
type Deps struct {
	Store    storage.PaymentStore
	Verifier Verifier
	Audit    audit.Recorder
	Notifier alerting.Notifier
	Metrics  *metrics.Metrics
}

// Options tune the engine.
type Options struct {
	// MaxRounds bounds re-reads after a concurrent status change.
	MaxRounds int
	Now       func() time.Time
}

// Engine is safe for concurrent use; correctness relies on the store's row lock and unique ledger key.
type Engine struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// NewEngine wires the reconciliation engine.
func NewEngine(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Notifier == nil {
		deps.Notifier = alerting.Nop{}
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile verifies and applies one delivery. The delivery is audited before Reconcile returns;
// if that write fails the error is returned so the processor redelivers.
func (e *Engine) Reconcile(ctx context.Context, d Delivery) (Result, error) {
	start := time.Now()
	res, err := e.reconcile(ctx, d)
	if err != nil && res.Outcome == "" {
		res.Outcome = OutcomeRejected
	}

	e.deps.Metrics.IncWebhook(string(res.EventType), string(res.Outcome))
	if aerr := e.record(context.WithoutCancel(ctx), res, err, time.Since(start)); aerr != nil {
		if err == nil {
			err = aerr
		}
		return res, err
	}
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, d Delivery) (Result, error) {
	if e.deps.Verifier != nil {
		if err := e.deps.Verifier.Verify(ctx, d); err != nil {
			txID := d.Headers.Get(HeaderTransmissionID)
			log := e.logger.With().Str("transmission_id", txID).Logger()
			switch {
			case errors.Is(err, ErrInvalidSignature):
				log.Warn().Bool("security", true).Err(err).Msg("webhook signature rejected")
				e.notify(ctx, log, alerting.Notification{
					Kind:    alerting.KindInvalidSignature,
					Subject: "transmission " + txID,
					Fields:  map[string]string{"transmission_id": txID},
					At:      e.opts.Now(),
				})
			case errors.Is(err, ErrInvalidEvent):
				log.Warn().Err(err).Msg("unparseable webhook body")
			default:
				log.Error().Err(err).Msg("webhook signature not verified")
			}
			return Result{}, err
		}
	}

	ev, err := ParseEvent(d.Body)
	if err != nil {
		e.logger.Warn().Err(err).Msg("unparseable webhook body")
		return Result{}, err
	}
	res := Result{EventID: ev.ID, EventType: ev.EventType, OrderID: ev.OrderID()}
	log := e.logger.With().Str("event_id", ev.ID).Str("event_type", string(ev.EventType)).Str("order_id", res.OrderID).Logger()

	if res.OrderID == "" {
		return res, fmt.Errorf("%w: no order id in resource", ErrInvalidEvent)
	}

	for round := 1; round <= e.opts.MaxRounds; round++ {
		deposit, err := e.deps.Store.FindDepositByOrderID(ctx, res.OrderID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Error().Msg("no deposit for webhook order, needs investigation")
			return res, fmt.Errorf("%w: order %s", ErrDepositNotFound, res.OrderID)
		}
		if err != nil {
			return res, fmt.Errorf("find deposit: %w", err)
		}
		res.DepositID = deposit.ID
		res.Status = deposit.Status

		decision := Decide(deposit, ev)
		res.Outcome = decision.Outcome
		res.Reason = decision.Reason
		if decision.Outcome != OutcomeApplied {
			if decision.Outcome == OutcomeIgnored {
				log.Warn().Str("deposit_id", deposit.ID).Str("status", string(deposit.Status)).Str("reason", decision.Reason).Msg("webhook event ignored")
			}
			return res, nil
		}

		applied, err := e.deps.Store.ApplyDepositTransition(ctx, storage.DepositTransition{
			DepositID:      deposit.ID,
			ExpectedStatus: deposit.Status,
			NewStatus:      decision.NewStatus,
			Metadata:       decision.Metadata,
			Ledger:         decision.Ledger,
			At:             e.opts.Now(),
		})
		if errors.Is(err, storage.ErrStaleState) {
			log.Debug().Int("round", round).Msg("deposit changed concurrently, re-reading")
			continue
		}
		if err != nil {
			res.Outcome = ""
			return res, fmt.Errorf("apply transition: %w", err)
		}

		res.Status = applied.Deposit.Status
		res.LedgerInserted = applied.LedgerInserted
		if decision.Ledger != nil {
			balance := applied.Balance
			res.Balance = &balance
			if !applied.LedgerInserted {
				log.Warn().Str("deposit_id", deposit.ID).Msg("ledger row already present, balance untouched")
			}
		}
		log.Info().
			Str("deposit_id", deposit.ID).
			Str("from", string(deposit.Status)).
			Str("to", string(applied.Deposit.Status)).
			Bool("ledger", applied.LedgerInserted).
			Msg("deposit reconciled")

		if applied.LedgerInserted {
			e.notifyApplied(ctx, log, applied, decision)
		}
		return res, nil
	}

	res.Outcome = ""
	return res, fmt.Errorf("deposit %s kept changing after %d rounds: %w", res.DepositID, e.opts.MaxRounds, storage.ErrStaleState)
}

func (e *Engine) notifyApplied(ctx context.Context, log zerolog.Logger, applied storage.TransitionResult, decision Decision) {
	kind := alerting.KindPaymentApplied
	if decision.Ledger.Type == storage.LedgerRefund {
		kind = alerting.KindRefundApplied
	}
	e.notify(ctx, log, alerting.Notification{
		Kind:    kind,
		Subject: "deposit " + applied.Deposit.ID,
		Fields: map[string]string{
			"user":    applied.Deposit.UserID,
			"amount":  decision.Ledger.Amount.StringFixed(2),
			"balance": applied.Balance.StringFixed(2),
			"order":   applied.Deposit.ExternalOrderID,
		},
		At: e.opts.Now(),
	})
}

func (e *Engine) notify(ctx context.Context, log zerolog.Logger, note alerting.Notification) {
	if err := e.deps.Notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		log.Warn().Err(err).Str("kind", string(note.Kind)).Msg("notification failed")
	}
}

func (e *Engine) record(ctx context.Context, res Result, cause error, elapsed time.Duration) error {
	if e.deps.Audit == nil {
		return nil
	}
	details := map[string]any{
		"event_id":   res.EventID,
		"event_type": string(res.EventType),
		"order_id":   res.OrderID,
		"outcome":    string(res.Outcome),
	}
	if res.DepositID != "" {
		details["deposit_id"] = res.DepositID
		details["status"] = string(res.Status)
	}
	if res.LedgerInserted {
		details["ledger_inserted"] = true
	}
	if res.Reason != "" {
		details["reason"] = res.Reason
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	entry := audit.Event(auditAPI, auditEndpoint, string(res.Outcome), elapsed, details)
	entry.CreatedAt = e.opts.Now()
	return e.deps.Audit.Record(ctx, entry)
}
