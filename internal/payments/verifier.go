package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Webhook signature headers sent by the processor.
const (
	HeaderTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	HeaderTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
	HeaderTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	HeaderCertURL          = "PAYPAL-CERT-URL"
	HeaderAuthAlgo         = "PAYPAL-AUTH-ALGO"

	tokenPath  = "/v1/oauth2/token"
	verifyPath = "/v1/notifications/verify-webhook-signature"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Headers http.Header
	Body    []byte
}

// Verifier checks that a delivery came from the processor. It returns ErrInvalidSignature when
// the processor rejects it and ErrVerificationUnavailable when the check could not be made.
type Verifier interface {
	Verify(ctx context.Context, d Delivery) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, d Delivery) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// PayPalOptions configure the signature verification client.
type PayPalOptions struct {
	APIBase      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	UserAgent    string
	Timeout      time.Duration
}

// PayPalVerifier asks the processor's verify-webhook-signature endpoint about each delivery.
type PayPalVerifier struct {
	opts    PayPalOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewPayPalVerifier builds a verifier whose HTTP client fetches and caches OAuth2 tokens.
func NewPayPalVerifier(opts PayPalOptions, logger zerolog.Logger) *PayPalVerifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	base := strings.TrimRight(opts.APIBase, "/")

	creds := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     base + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: opts.Timeout})
	client := creds.Client(tokenCtx)
	client.Timeout = opts.Timeout

	return &PayPalVerifier{
		opts:    opts,
		baseURL: base,
		client:  client,
		logger:  logger.With().Str("component", "paypal_verifier").Logger(),
	}
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// Verify implements Verifier.
func (v *PayPalVerifier) Verify(ctx context.Context, d Delivery) error {
	req := verifyRequest{
		AuthAlgo:         d.Headers.Get(HeaderAuthAlgo),
		CertURL:          d.Headers.Get(HeaderCertURL),
		TransmissionID:   d.Headers.Get(HeaderTransmissionID),
		TransmissionSig:  d.Headers.Get(HeaderTransmissionSig),
		TransmissionTime: d.Headers.Get(HeaderTransmissionTime),
		WebhookID:        v.opts.WebhookID,
		WebhookEvent:     json.RawMessage(d.Body),
	}
	if req.TransmissionID == "" || req.TransmissionSig == "" || req.CertURL == "" || req.AuthAlgo == "" {
		return fmt.Errorf("%w: missing transmission headers", ErrInvalidSignature)
	}
	if !json.Valid(d.Body) {
		return fmt.Errorf("%w: body is not json", ErrInvalidEvent)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal verify request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if v.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", v.opts.UserAgent)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrVerificationUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrVerificationUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrVerificationUnavailable, err)
	}
	if !strings.EqualFold(out.VerificationStatus, "SUCCESS") {
		return fmt.Errorf("%w: verification_status=%s", ErrInvalidSignature, out.VerificationStatus)
	}
	v.logger.Debug().Str("transmission_id", req.TransmissionID).Msg("webhook signature verified")
	return nil
}

var (
	_ Verifier = (*PayPalVerifier)(nil)
	_ Verifier = VerifierFunc(nil)
)
