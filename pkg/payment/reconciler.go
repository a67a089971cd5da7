package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
)

const (
	sourceWebhook = "webhook"
	sourceConsult = "consult"
)

// Metrics receives reconciliation counters. Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveWebhook(outcome Outcome)
	ObserveSignatureFailure()
	ObserveIntentTransition(from Status, to Status)
}

type nopMetrics struct{}

func (nopMetrics) ObserveWebhook(Outcome) {}
func (nopMetrics) ObserveSignatureFailure() {}
func (nopMetrics) ObserveIntentTransition(Status, Status) {}

// WebhookResult is what a processed notification did.
type WebhookResult struct {
	Outcome  Outcome
	IntentID string
	Status   Status
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithWebhookSecret enables signature verification of inbound webhooks.
func WithWebhookSecret(secret string) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.secret = []byte(secret)
	}
}

// WithSignatureTolerance bounds the accepted age of a signature timestamp.
func WithSignatureTolerance(tolerance time.Duration) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if tolerance > 0 {
			reconciler.tolerance = tolerance
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *zap.Logger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if metrics != nil {
			reconciler.metrics = metrics
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if now != nil {
			reconciler.now = now
		}
	}
}

// Reconciler applies gateway notifications to payment intents and credits paid intents exactly once.
type Reconciler struct {
	store     Store
	ledger    *ledger.Service
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   Metrics
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, ledgerService *ledger.Service, options ...ReconcilerOption) (*Reconciler, error) {
	if store == nil || ledgerService == nil {
		return nil, fmt.Errorf("%w: reconciler needs a store and a ledger", ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{
		store:     store,
		ledger:    ledgerService,
		tolerance: DefaultSignatureTolerance,
		now:       time.Now,
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// VerifiesSignatures reports whether a webhook secret is configured.
func (reconciler *Reconciler) VerifiesSignatures() bool {
	return len(reconciler.secret) > 0
}

// HandleWebhook verifies, decodes and applies one delivery. Replays of an already credited payment
// succeed with OutcomeDuplicateNoOp; unknown charges report OutcomeNotFound without an error.
func (reconciler *Reconciler) HandleWebhook(ctx context.Context, body []byte, signatureHeader string) (WebhookResult, error) {
	verified := false
	if reconciler.VerifiesSignatures() {
		if err := VerifySignature(reconciler.secret, signatureHeader, body, reconciler.now(), reconciler.tolerance); err != nil {
			reconciler.metrics.ObserveSignatureFailure()
			reconciler.logger.Warn("webhook signature rejected", zap.Error(err))
			return WebhookResult{}, err
		}
		verified = true
	}
	payload, err := DecodeWebhookPayload(body)
	if err != nil {
		reconciler.logger.Error("malformed webhook payload", zap.ByteString("payload", body), zap.Error(err))
		return WebhookResult{}, err
	}
	return reconciler.apply(ctx, gatewayNotification{
		externalID:    payload.TransactionID,
		gatewayStatus: MapGatewayStatus(payload.Status),
		amountCents:   payload.Amount,
		raw:           body,
		source:        sourceWebhook,
		verified:      verified,
	})
}

// ApplyCharge applies a charge read back from the gateway through the same path as a webhook.
func (reconciler *Reconciler) ApplyCharge(ctx context.Context, charge Charge) (WebhookResult, error) {
	return reconciler.apply(ctx, gatewayNotification{
		externalID:    charge.ExternalID,
		gatewayStatus: charge.Status,
		amountCents:   charge.AmountCents,
		raw:           charge.Raw,
		source:        sourceConsult,
	})
}

type gatewayNotification struct {
	externalID    string
	gatewayStatus Status
	amountCents   int64
	raw           []byte
	source        string
	verified      bool
}

func (notification gatewayNotification) recordsEvent() bool {
	return notification.source == sourceWebhook
}

func (reconciler *Reconciler) apply(ctx context.Context, notification gatewayNotification) (WebhookResult, error) {
	logger := reconciler.logger.With(
		zap.String("source", notification.source),
		zap.String("external_id", notification.externalID),
		zap.String("gateway_status", notification.gatewayStatus.String()),
	)
	intent, err := reconciler.store.GetIntentByExternalID(ctx, notification.externalID)
	if errors.Is(err, ErrUnknownIntent) {
		if notification.recordsEvent() {
			event := reconciler.newEvent(notification, "", OutcomeNotFound)
			if err := reconciler.store.InsertWebhookEvent(ctx, event); err != nil {
				return WebhookResult{}, err
			}
		}
		reconciler.metrics.ObserveWebhook(OutcomeNotFound)
		logger.Warn("gateway notification for unknown intent")
		return WebhookResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	unlock := reconciler.ledger.AccountLock(intent.AccountID)
	defer unlock()

	var (
		result   WebhookResult
		previous Status
	)
	err = reconciler.store.WithPaymentTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockIntent(ctx, intent.ID)
		if err != nil {
			return err
		}
		previous = locked.Status
		outcome, next := decideTransition(locked, notification.gatewayStatus)
		update := IntentUpdate{
			IntentID:           locked.ID,
			Status:             next,
			GatewayStatus:      notification.gatewayStatus.String(),
			PaidAt:             locked.PaidAt,
			GatewayRawResponse: locked.GatewayRawResponse,
		}
		if len(notification.raw) > 0 {
			update.GatewayRawResponse = notification.raw
		}
		if outcome == OutcomeCredited {
			if notification.amountCents > 0 && notification.amountCents != locked.AmountCents {
				logger.Warn("paid amount differs from intent amount",
					zap.String("intent_id", locked.ID),
					zap.Int64("intent_amount_cents", locked.AmountCents),
					zap.Int64("paid_amount_cents", notification.amountCents),
				)
			}
			description, err := ledger.NewDescription(fmt.Sprintf("PIX purchase of package %s", locked.PackageCode))
			if err != nil {
				return err
			}
			reference := ledger.Reference{Type: ledger.ReferencePixPayment, ID: locked.ID}
			if _, err := reconciler.ledger.CreditWithin(ctx, transactionStore.Ledger(), locked.AccountID, locked.CreditsGranted, description, reference); err != nil {
				return err
			}
			paidAt := reconciler.now().UTC()
			update.PaidAt = &paidAt
		}
		if err := transactionStore.UpdateIntent(ctx, update); err != nil {
			return err
		}
		if notification.recordsEvent() {
			if err := transactionStore.InsertWebhookEvent(ctx, reconciler.newEvent(notification, locked.ID, outcome)); err != nil {
				return err
			}
		}
		result = WebhookResult{Outcome: outcome, IntentID: locked.ID, Status: next}
		return nil
	})
	if err != nil {
		logger.Error("gateway notification not applied", zap.String("intent_id", intent.ID), zap.Error(err))
		return WebhookResult{}, err
	}

	reconciler.metrics.ObserveWebhook(result.Outcome)
	if previous != result.Status {
		reconciler.metrics.ObserveIntentTransition(previous, result.Status)
	}
	fields := []zap.Field{
		zap.String("intent_id", result.IntentID),
		zap.String("account_id", intent.AccountID.String()),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", result.Status.String()),
	}
	switch result.Outcome {
	case OutcomeTerminalConflict:
		logger.Error("gateway status conflicts with terminal intent", append(fields, zap.String("previous_status", previous.String()))...)
	case OutcomeCredited:
		logger.Info("payment credited", append(fields, zap.Int64("credits", intent.CreditsGranted.Int64()))...)
	default:
		logger.Info("gateway notification recorded", fields...)
	}
	return result, nil
}

// decideTransition returns the outcome of applying gatewayStatus to intent and the status to persist.
// Terminal statuses never change; only a pending intent can become paid, cancelled or expired.
func decideTransition(intent Intent, gatewayStatus Status) (Outcome, Status) {
	current := intent.Status
	if gatewayStatus == StatusPaid && intent.PaidAt != nil {
		return OutcomeDuplicateNoOp, current
	}
	if gatewayStatus == current {
		return OutcomeDuplicateNoOp, current
	}
	if !gatewayStatus.IsTerminal() {
		return OutcomeStatusRecorded, current
	}
	if current.IsTerminal() {
		return OutcomeTerminalConflict, current
	}
	if gatewayStatus == StatusPaid {
		return OutcomeCredited, StatusPaid
	}
	return OutcomeStatusRecorded, gatewayStatus
}

func (reconciler *Reconciler) newEvent(notification gatewayNotification, intentID string, outcome Outcome) WebhookEvent {
	return WebhookEvent{
		ExternalID:        notification.externalID,
		IntentID:          intentID,
		GatewayStatus:     notification.gatewayStatus.String(),
		Payload:           notification.raw,
		SignatureVerified: notification.verified,
		Outcome:           outcome,
		ReceivedAt:        reconciler.now().UTC(),
	}
}
