// Package alerting pushes operator notifications.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a notification.
type Kind string

const (
	KindBreakerOpened    Kind = "breaker_opened"
	KindBreakerClosed    Kind = "breaker_closed"
	KindInvalidSignature Kind = "invalid_signature"
	KindPaymentApplied   Kind = "payment_applied"
	KindRefundApplied    Kind = "refund_applied"
)

// Notification carries the alert context.
type Notification struct {
	Kind    Kind
	Subject string
	Fields  map[string]string
	At      time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Str("kind", string(note.Kind)).Str("subject", note.Subject).Msg("notification sent")
	return nil
}

func renderMessage(note Notification) string {
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[storefront-gateway] %s\n", titleFor(note.Kind)))
	if note.Subject != "" {
		builder.WriteString(note.Subject)
		builder.WriteString("\n")
	}

	keys := make([]string, 0, len(note.Fields))
	for key := range note.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s: %s\n", key, note.Fields[key]))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC", at.UTC().Format(time.RFC3339)))
	return builder.String()
}

func titleFor(kind Kind) string {
	switch kind {
	case KindBreakerOpened:
		return "Circuit opened"
	case KindBreakerClosed:
		return "Circuit closed"
	case KindInvalidSignature:
		return "Rejected webhook signature"
	case KindPaymentApplied:
		return "Deposit credited"
	case KindRefundApplied:
		return "Deposit refunded"
	default:
		return string(kind)
	}
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Nop{}
)
