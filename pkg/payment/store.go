package payment

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
)

// Outcome classifies what a gateway notification did to its intent.
type Outcome string

const (
	OutcomeCredited         Outcome = "credited"
	OutcomeDuplicateNoOp    Outcome = "duplicate_noop"
	OutcomeStatusRecorded   Outcome = "status_recorded"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeTerminalConflict Outcome = "terminal_conflict"
)

// WebhookEvent is the audit row kept for every structurally valid delivery.
type WebhookEvent struct {
	ExternalID        string
	IntentID          string
	GatewayStatus     string
	Payload           []byte
	SignatureVerified bool
	Outcome           Outcome
	ReceivedAt        time.Time
}

// Store persists payment intents and webhook audit rows.
type Store interface {
	// WithPaymentTx runs fn in one transaction shared by payment and ledger writes.
	WithPaymentTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// Ledger exposes the ledger store bound to the same connection or transaction.
	Ledger() ledger.Store
	InsertIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	GetIntentByExternalID(ctx context.Context, externalID string) (Intent, error)
	// LockIntent reads the intent and holds a row lock until the surrounding transaction ends.
	LockIntent(ctx context.Context, intentID string) (Intent, error)
	UpdateIntent(ctx context.Context, update IntentUpdate) error
	// TransitionIntent moves an intent from one status to another only if it is still in from.
	TransitionIntent(ctx context.Context, intentID string, from Status, to Status, gatewayStatus string) (bool, error)
	ListIntents(ctx context.Context, accountID ledger.AccountID, limit int) ([]Intent, error)
	ListOverdueIntents(ctx context.Context, now time.Time, limit int) ([]Intent, error)
	InsertWebhookEvent(ctx context.Context, event WebhookEvent) error
}
