package payments

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the processor's event_type.
type EventType string

const (
	EventCaptureCompleted EventType = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    EventType = "PAYMENT.CAPTURE.DENIED"
	EventCaptureDeclined  EventType = "PAYMENT.CAPTURE.DECLINED"
	EventCaptureRefunded  EventType = "PAYMENT.CAPTURE.REFUNDED"
	EventCapturePending   EventType = "PAYMENT.CAPTURE.PENDING"
)

// Event is the subset of the webhook envelope reconciliation needs.
type Event struct {
	ID           string    `json:"id"`
	EventType    EventType `json:"event_type"`
	CreateTime   string    `json:"create_time"`
	ResourceType string    `json:"resource_type"`
	Summary      string    `json:"summary"`
	Resource     Resource  `json:"resource"`
}

// Resource is the capture or refund the event describes.
type Resource struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Amount            *Money            `json:"amount,omitempty"`
	CustomID          string            `json:"custom_id"`
	InvoiceID         string            `json:"invoice_id"`
	SupplementaryData SupplementaryData `json:"supplementary_data"`
	Payer             *Payer            `json:"payer,omitempty"`
	StatusDetails     *StatusDetails    `json:"status_details,omitempty"`
}

// Money is a processor amount.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// SupplementaryData links the capture to its order.
type SupplementaryData struct {
	RelatedIDs struct {
		OrderID string `json:"order_id"`
	} `json:"related_ids"`
}

// Payer identifies who paid.
type Payer struct {
	PayerID      string `json:"payer_id"`
	EmailAddress string `json:"email_address"`
	Name         struct {
		GivenName string `json:"given_name"`
		Surname   string `json:"surname"`
	} `json:"name"`
}

// StatusDetails explains pending and denied captures.
type StatusDetails struct {
	Reason string `json:"reason"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(string(ev.EventType)) == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrInvalidEvent)
	}
	return ev, nil
}

// OrderID resolves the order the event belongs to.
func (e Event) OrderID() string {
	if id := strings.TrimSpace(e.Resource.SupplementaryData.RelatedIDs.OrderID); id != "" {
		return id
	}
	if id := strings.TrimSpace(e.Resource.CustomID); id != "" {
		return id
	}
	return strings.TrimSpace(e.Resource.InvoiceID)
}

// Reason returns the processor's explanation for pending or denied captures.
func (e Event) Reason() string {
	if e.Resource.StatusDetails == nil {
		return ""
	}
	return e.Resource.StatusDetails.Reason
}

// payerMetadata is merged into the deposit when a capture completes.
func (e Event) payerMetadata() map[string]any {
	meta := map[string]any{
		"capture_id": e.Resource.ID,
	}
	if e.ID != "" {
		meta["event_id"] = e.ID
	}
	if p := e.Resource.Payer; p != nil {
		if p.PayerID != "" {
			meta["payer_id"] = p.PayerID
		}
		if p.EmailAddress != "" {
			meta["payer_email"] = p.EmailAddress
		}
		if name := strings.TrimSpace(p.Name.GivenName + " " + p.Name.Surname); name != "" {
			meta["payer_name"] = name
		}
	}
	if a := e.Resource.Amount; a != nil && a.Value != "" {
		meta["captured_amount"] = a.Value
		meta["captured_currency"] = a.CurrencyCode
	}
	return meta
}
