package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
)

const (
	defaultChargeTTL       = 30 * time.Minute
	defaultGatewayTimeout  = 10 * time.Second
	defaultExpiryBatchSize = 100
	maxListIntentsLimit    = 100
)

// ServiceConfig carries the explicit purchase settings.
type ServiceConfig struct {
	WebhookURL      string
	ChargeTTL       time.Duration
	GatewayTimeout  time.Duration
	ExpiryBatchSize int
}

func (config ServiceConfig) withDefaults() ServiceConfig {
	if config.ChargeTTL <= 0 {
		config.ChargeTTL = defaultChargeTTL
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = defaultGatewayTimeout
	}
	if config.ExpiryBatchSize <= 0 {
		config.ExpiryBatchSize = defaultExpiryBatchSize
	}
	return config
}

// Service creates PIX charges and keeps local intents in step with the gateway.
type Service struct {
	store      Store
	gateway    Gateway
	reconciler *Reconciler
	catalog    Catalog
	config     ServiceConfig
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithServiceClock overrides the wall clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		if now != nil {
			service.now = now
		}
	}
}

// WithIntentIDGenerator overrides how intent ids are generated.
func WithIntentIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		if newID != nil {
			service.newID = newID
		}
	}
}

// NewService wires a Service.
func NewService(store Store, gateway Gateway, reconciler *Reconciler, catalog Catalog, config ServiceConfig, options ...ServiceOption) (*Service, error) {
	if store == nil || gateway == nil || reconciler == nil {
		return nil, fmt.Errorf("%w: store, gateway and reconciler are required", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.WebhookURL) == "" {
		return nil, fmt.Errorf("%w: webhook url is required", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		catalog:    catalog,
		config:     config.withDefaults(),
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Catalog returns the configured packages.
func (service *Service) Catalog() Catalog {
	return service.catalog
}

// CreateCharge asks the gateway for a charge and then records it as a pending intent. No lock is held
// during the gateway call. A charge that cannot be recorded locally is left for ReconcileOrphans.
func (service *Service) CreateCharge(ctx context.Context, accountID ledger.AccountID, packageCode string) (Intent, error) {
	creditPackage, err := service.catalog.Lookup(packageCode)
	if err != nil {
		return Intent{}, err
	}
	if accountID.IsZero() {
		return Intent{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidAccountID)
	}
	intentID := service.newID()
	logger := service.logger.With(
		zap.String("intent_id", intentID),
		zap.String("account_id", accountID.String()),
		zap.String("package_code", creditPackage.Code),
	)

	gatewayContext, cancel := context.WithTimeout(ctx, service.config.GatewayTimeout)
	defer cancel()
	charge, err := service.gateway.CreateCharge(gatewayContext, ChargeRequest{
		Reference:   intentID,
		AmountCents: creditPackage.PriceCents,
		WebhookURL:  service.config.WebhookURL,
		ExpiresIn:   service.config.ChargeTTL,
		AccountID:   accountID.String(),
		PackageCode: creditPackage.Code,
	})
	if err != nil {
		logger.Warn("gateway create charge failed", zap.Int64("amount_cents", creditPackage.PriceCents), zap.Error(err))
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return Intent{}, err
	}
	if strings.TrimSpace(charge.ExternalID) == "" {
		logger.Error("gateway returned a charge without an id")
		return Intent{}, fmt.Errorf("%w: charge without id", ErrGatewayUnavailable)
	}

	now := service.now().UTC()
	expiresAt := charge.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(service.config.ChargeTTL)
	}
	gatewayStatus := charge.Status
	if gatewayStatus == "" {
		gatewayStatus = StatusPending
	}
	intent := Intent{
		ID:                 intentID,
		AccountID:          accountID,
		ExternalID:         charge.ExternalID,
		PackageCode:        creditPackage.Code,
		AmountCents:        creditPackage.PriceCents,
		CreditsGranted:     creditPackage.Credits,
		Status:             StatusPending,
		GatewayStatus:      gatewayStatus.String(),
		QRPayload:          charge.QRPayload,
		ExpiresAt:          expiresAt.UTC(),
		GatewayRawResponse: charge.Raw,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := service.store.InsertIntent(ctx, intent); err != nil {
		logger.Error("charge created at gateway but intent not recorded; orphan until reconciliation",
			zap.String("external_id", charge.ExternalID),
			zap.Error(err),
		)
		return Intent{}, err
	}
	logger.Info("payment intent created", zap.String("external_id", charge.ExternalID), zap.Time("expires_at", intent.ExpiresAt))
	return intent, nil
}

// GetIntent returns an intent, settling it first when it is pending past its expiry.
func (service *Service) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	if _, err := uuid.Parse(intentID); err != nil {
		return Intent{}, fmt.Errorf("%w: malformed intent id", ErrUnknownIntent)
	}
	intent, err := service.store.GetIntent(ctx, intentID)
	if err != nil {
		return Intent{}, err
	}
	return service.settleIfOverdue(ctx, intent)
}

// ListIntents returns the newest intents of an account, settling overdue ones on the way.
func (service *Service) ListIntents(ctx context.Context, accountID ledger.AccountID, limit int) ([]Intent, error) {
	if limit <= 0 || limit > maxListIntentsLimit {
		limit = maxListIntentsLimit
	}
	intents, err := service.store.ListIntents(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	for index, intent := range intents {
		settled, err := service.settleIfOverdue(ctx, intent)
		if err != nil {
			return nil, err
		}
		intents[index] = settled
	}
	return intents, nil
}

// ExpireOverdue settles every pending intent past its expiry and returns how many left PENDING.
func (service *Service) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := service.store.ListOverdueIntents(ctx, service.now().UTC(), service.config.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}
	settledCount := 0
	for _, intent := range overdue {
		if err := ctx.Err(); err != nil {
			return settledCount, err
		}
		settled, err := service.settleIfOverdue(ctx, intent)
		if err != nil {
			return settledCount, err
		}
		if settled.Status != StatusPending {
			settledCount++
		}
	}
	return settledCount, nil
}

// settleIfOverdue consults the gateway, outside any lock, about a pending intent past its expiry.
// A paid charge is credited through the reconciler, a cancelled one is cancelled, anything else
// expires. If the gateway cannot be reached the intent stays pending.
func (service *Service) settleIfOverdue(ctx context.Context, intent Intent) (Intent, error) {
	if !intent.IsOverdue(service.now()) {
		return intent, nil
	}
	logger := service.logger.With(zap.String("intent_id", intent.ID), zap.String("external_id", intent.ExternalID))
	consultContext, cancel := context.WithTimeout(ctx, service.config.GatewayTimeout)
	charge, err := service.gateway.GetCharge(consultContext, intent.ExternalID)
	cancel()
	if err != nil {
		logger.Warn("gateway consult failed; intent stays pending", zap.Error(err))
		return intent, nil
	}
	switch charge.Status {
	case StatusPaid:
		if _, err := service.reconciler.ApplyCharge(ctx, charge); err != nil {
			return Intent{}, err
		}
	default:
		target := StatusExpired
		if charge.Status == StatusCancelled {
			target = StatusCancelled
		}
		moved, err := service.store.TransitionIntent(ctx, intent.ID, StatusPending, target, charge.Status.String())
		if err != nil {
			return Intent{}, err
		}
		if moved {
			service.reconciler.metrics.ObserveIntentTransition(StatusPending, target)
			logger.Info("overdue intent settled", zap.String("status", target.String()), zap.String("gateway_status", charge.Status.String()))
		}
	}
	return service.store.GetIntent(ctx, intent.ID)
}

// OrphanReport summarizes one reconciliation pass over the gateway's charges.
type OrphanReport struct {
	Scanned    int
	Matched    int
	Orphans    int
	Backfilled int
	Unresolved int
	Updated    int
	Failed     int
}

// ReconcileOrphans lists charges created at the gateway within window, backfills the ones with no
// local intent as PENDING from the charge reference and metadata, then applies each charge's current
// status so missed webhooks are caught up. A charge whose status cannot be applied is logged and
// counted as Failed; the pass moves on to the next charge.
func (service *Service) ReconcileOrphans(ctx context.Context, window time.Duration) (OrphanReport, error) {
	var report OrphanReport
	createdTo := service.now().UTC()
	createdFrom := createdTo.Add(-window)
	listContext, cancel := context.WithTimeout(ctx, service.config.GatewayTimeout)
	charges, err := service.gateway.ListCharges(listContext, createdFrom, createdTo)
	cancel()
	if err != nil {
		service.logger.Warn("gateway list charges failed", zap.Time("created_from", createdFrom), zap.Time("created_to", createdTo), zap.Error(err))
		return report, err
	}
	for _, charge := range charges {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		intent, err := service.store.GetIntentByExternalID(ctx, charge.ExternalID)
		switch {
		case err == nil:
			report.Matched++
			if intent.Status == StatusPending && charge.Status.IsTerminal() {
				service.applyOrphanCharge(ctx, charge, &report)
			}
			continue
		case !errors.Is(err, ErrUnknownIntent):
			return report, err
		}

		report.Orphans++
		logger := service.logger.With(zap.String("external_id", charge.ExternalID), zap.String("reference", charge.Reference))
		logger.Warn("orphaned gateway charge", zap.String("gateway_status", charge.Status.String()))
		backfilled, err := service.backfill(ctx, charge)
		if err != nil {
			report.Unresolved++
			logger.Error("orphaned gateway charge needs operator review", zap.Error(err))
			continue
		}
		report.Backfilled++
		logger.Info("orphaned gateway charge backfilled", zap.String("intent_id", backfilled.ID))
		if charge.Status.IsTerminal() {
			service.applyOrphanCharge(ctx, charge, &report)
		}
	}
	return report, nil
}

func (service *Service) applyOrphanCharge(ctx context.Context, charge Charge, report *OrphanReport) {
	if _, err := service.reconciler.ApplyCharge(ctx, charge); err != nil {
		report.Failed++
		service.logger.Error("gateway charge status could not be applied",
			zap.String("external_id", charge.ExternalID),
			zap.String("gateway_status", charge.Status.String()),
			zap.Error(err),
		)
		return
	}
	report.Updated++
}

func (service *Service) backfill(ctx context.Context, charge Charge) (Intent, error) {
	accountID, err := ledger.NewAccountID(charge.AccountID)
	if err != nil {
		return Intent{}, err
	}
	if _, err := service.store.Ledger().GetAccount(ctx, accountID); err != nil {
		return Intent{}, err
	}
	creditPackage, err := service.catalog.Lookup(charge.PackageCode)
	if err != nil {
		return Intent{}, err
	}
	intentID := strings.TrimSpace(charge.Reference)
	if _, err := uuid.Parse(intentID); err != nil {
		intentID = service.newID()
	}
	amountCents := charge.AmountCents
	if amountCents <= 0 {
		amountCents = creditPackage.PriceCents
	}
	now := service.now().UTC()
	createdAt := charge.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	expiresAt := charge.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(service.config.ChargeTTL)
	}
	intent := Intent{
		ID:                 intentID,
		AccountID:          accountID,
		ExternalID:         charge.ExternalID,
		PackageCode:        creditPackage.Code,
		AmountCents:        amountCents,
		CreditsGranted:     creditPackage.Credits,
		Status:             StatusPending,
		GatewayStatus:      charge.Status.String(),
		QRPayload:          charge.QRPayload,
		ExpiresAt:          expiresAt.UTC(),
		GatewayRawResponse: charge.Raw,
		CreatedAt:          createdAt.UTC(),
		UpdatedAt:          now,
	}
	if err := intent.Validate(); err != nil {
		return Intent{}, err
	}
	if err := service.store.InsertIntent(ctx, intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}
