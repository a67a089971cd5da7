package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
)

// Status is the internal lifecycle state of a payment intent.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// MapGatewayStatus normalizes the gateway vocabulary. Unrecognized values pass through lower-cased
// so they stay visible in the audit trail.
func MapGatewayStatus(raw string) Status {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	switch normalized {
	case "CONFIRMED", "PAID", "COMPLETED":
		return StatusPaid
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	case "EXPIRED":
		return StatusExpired
	case "PENDING", "WAITING", "CREATED":
		return StatusPending
	default:
		return Status(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// String returns the status value.
func (status Status) String() string {
	return string(status)
}

// IsKnown reports whether status belongs to the internal enum.
func (status Status) IsKnown() bool {
	switch status {
	case StatusPending, StatusPaid, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (status Status) IsTerminal() bool {
	return status == StatusPaid || status == StatusCancelled || status == StatusExpired
}

// Intent is the local record of one purchase attempt.
type Intent struct {
	ID                 string
	AccountID          ledger.AccountID
	ExternalID         string
	PackageCode        string
	AmountCents        int64
	CreditsGranted     ledger.PositiveCredits
	Status             Status
	GatewayStatus      string
	QRPayload          string
	ExpiresAt          time.Time
	PaidAt             *time.Time
	GatewayRawResponse []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks the fields every stored intent must carry.
func (intent Intent) Validate() error {
	switch {
	case strings.TrimSpace(intent.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidIntent)
	case intent.AccountID.IsZero():
		return fmt.Errorf("%w: missing account", ErrInvalidIntent)
	case strings.TrimSpace(intent.ExternalID) == "":
		return fmt.Errorf("%w: missing external id", ErrInvalidIntent)
	case intent.AmountCents <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	case intent.CreditsGranted <= 0:
		return fmt.Errorf("%w: credits must be positive", ErrInvalidIntent)
	case !intent.Status.IsKnown():
		return fmt.Errorf("%w: status %q", ErrInvalidIntent, intent.Status)
	case (intent.PaidAt != nil) != (intent.Status == StatusPaid):
		return fmt.Errorf("%w: paid_at must be set exactly when paid", ErrInvalidIntent)
	}
	return nil
}

// IsOverdue reports whether a pending intent has passed its expiry.
func (intent Intent) IsOverdue(now time.Time) bool {
	return intent.Status == StatusPending && !intent.ExpiresAt.IsZero() && !now.Before(intent.ExpiresAt)
}

// IntentUpdate is the state persisted after a gateway notification has been evaluated.
type IntentUpdate struct {
	IntentID           string
	Status             Status
	GatewayStatus      string
	PaidAt             *time.Time
	GatewayRawResponse []byte
}
