package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// WebhookPayer identifies who paid the charge.
type WebhookPayer struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// WebhookPayload is the notification body posted by the gateway.
type WebhookPayload struct {
	TransactionID string       `json:"transaction_id"`
	Status        string       `json:"status"`
	Amount        int64        `json:"amount"`
	Payer         WebhookPayer `json:"payer"`
	Timestamp     time.Time    `json:"timestamp"`
}

// DecodeWebhookPayload parses body against the notification schema. Bodies that do not decode into
// it, carry trailing data, or lack a transaction id or status are malformed.
func DecodeWebhookPayload(body []byte) (WebhookPayload, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	var payload WebhookPayload
	if err := decoder.Decode(&payload); err != nil {
		return WebhookPayload{}, fmt.Errorf("%w: %v", ErrMalformedWebhookPayload, err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return WebhookPayload{}, fmt.Errorf("%w: trailing data", ErrMalformedWebhookPayload)
	}
	payload.TransactionID = strings.TrimSpace(payload.TransactionID)
	payload.Status = strings.TrimSpace(payload.Status)
	if payload.TransactionID == "" {
		return WebhookPayload{}, fmt.Errorf("%w: missing transaction_id", ErrMalformedWebhookPayload)
	}
	if payload.Status == "" {
		return WebhookPayload{}, fmt.Errorf("%w: missing status", ErrMalformedWebhookPayload)
	}
	if payload.Amount < 0 {
		return WebhookPayload{}, fmt.Errorf("%w: negative amount", ErrMalformedWebhookPayload)
	}
	return payload, nil
}
