package payment

import (
	"context"
	"time"
)

// ChargeRequest asks the gateway for a new PIX charge.
type ChargeRequest struct {
	Reference   string
	AmountCents int64
	WebhookURL  string
	ExpiresIn   time.Duration
	AccountID   string
	PackageCode string
}

// Charge is the gateway's view of a charge, already normalized to the internal status enum.
type Charge struct {
	ExternalID  string
	Reference   string
	QRPayload   string
	Status      Status
	AmountCents int64
	AccountID   string
	PackageCode string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	Raw         []byte
}

// Gateway is the outbound PIX provider. Implementations convert transport failures to ErrGatewayUnavailable.
type Gateway interface {
	CreateCharge(ctx context.Context, request ChargeRequest) (Charge, error)
	GetCharge(ctx context.Context, externalID string) (Charge, error)
	ListCharges(ctx context.Context, createdFrom time.Time, createdTo time.Time) ([]Charge, error)
}
