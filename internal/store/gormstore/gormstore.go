package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	constraintIntentExternalID    = "uniq_intents_external_id"
	columnIdempotencyKey          = "idempotency_key"
	columnExternalID              = "external_id"
	defaultRawJSON                = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectRenewal           = "renewal"
	errorSubjectIntent            = "intent"
	errorSubjectWebhook           = "webhook_event"
	errorSubjectSchema            = "schema"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeMigrate              = "migrate"
	errorCodeUpdate               = "update"
	errorCodeVersion              = "version"
	lockStrengthUpdate            = "UPDATE"
)

// Store implements ledger.Store and payment.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table the store uses.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// WithPaymentTx executes fn within a transaction shared by payment and ledger writes.
func (store *Store) WithPaymentTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ledger returns the store itself, bound to the same connection or transaction.
func (store *Store) Ledger() ledger.Store {
	return store
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID, defaults ledger.AccountDefaults, nowUnixUTC int64) (ledger.Account, error) {
	now := time.Now().UTC()
	candidate := Account{
		UserID:          userID.String(),
		Balance:         defaults.InitialBalance.Int64(),
		WeeklyAllowance: defaults.WeeklyAllowance.Int64(),
		LastRenewalAt:   unixToTimePointer(nowUnixUTC),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccountByUserID(ctx, userID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&row).Error
	return mapAccountResult(row, err, errorCodeGet)
}

func (store *Store) GetAccountByUserID(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	return mapAccountResult(row, err, errorCodeLookup)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where("account_id = ?", accountID.String()).
		Take(&row).Error
	return mapAccountResult(row, err, errorCodeLock)
}

func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", update.AccountID.String(), update.ExpectedVersion).
		Updates(map[string]any{
			"balance":         update.Balance.Int64(),
			"last_renewal_at": unixToTimePointer(update.LastRenewalUnixUTC),
			"version":         update.NewVersion,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeVersion, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	row := LedgerEntry{
		AccountID:      entryInput.AccountID().String(),
		Sequence:       entryInput.Sequence(),
		Kind:           entryInput.Kind().String(),
		Amount:         entryInput.Amount().Int64(),
		BalanceBefore:  entryInput.BalanceBefore().Int64(),
		BalanceAfter:   entryInput.BalanceAfter().Int64(),
		Description:    entryInput.Description().String(),
		ReferenceType:  entryInput.Reference().Type.String(),
		ReferenceID:    optionalString(entryInput.Reference().ID),
		IdempotencyKey: optionalString(entryInput.IdempotencyKey().String()),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintEntryIdempotencyKey, columnIdempotencyKey) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if isUniqueViolation(err, "", "") {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry, err := ledger.NewEntry(entryID, entryInput)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) InsertRenewal(ctx context.Context, renewal ledger.Renewal) error {
	row := BalanceRenewal{
		AccountID:     renewal.AccountID.String(),
		Sequence:      renewal.Sequence,
		BalanceBefore: renewal.BalanceBefore.Int64(),
		BalanceAfter:  renewal.BalanceAfter.Int64(),
		RenewedAt:     time.Unix(renewal.RenewedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err, "", "") {
			return wrapStoreError(errorSubjectRenewal, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
		}
		return wrapStoreError(errorSubjectRenewal, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if beforeUnixUTC > 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListHistory(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, []ledger.Renewal, error) {
	var entryRows []LedgerEntry
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Order("sequence ASC").Find(&entryRows).Error
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries, err := mapLedgerEntries(entryRows)
	if err != nil {
		return nil, nil, err
	}
	var renewalRows []BalanceRenewal
	err = store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Order("sequence ASC").Find(&renewalRows).Error
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectRenewal, errorCodeList, err)
	}
	renewals := make([]ledger.Renewal, 0, len(renewalRows))
	for _, row := range renewalRows {
		renewalAccountID, err := ledger.NewAccountID(row.AccountID)
		if err != nil {
			return nil, nil, wrapStoreError(errorSubjectRenewal, errorCodeInvalid, err)
		}
		renewals = append(renewals, ledger.Renewal{
			AccountID:      renewalAccountID,
			Sequence:       row.Sequence,
			BalanceBefore:  ledger.Credits(row.BalanceBefore),
			BalanceAfter:   ledger.Credits(row.BalanceAfter),
			RenewedUnixUTC: row.RenewedAt.Unix(),
		})
	}
	return entries, renewals, nil
}

func (store *Store) ListAccountsDueForRenewal(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.AccountID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("last_renewal_at IS NULL OR last_renewal_at <= ?", time.Unix(cutoffUnixUTC, 0).UTC()).
		Order("account_id").
		Limit(limit).
		Pluck("account_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		accountID, err := ledger.NewAccountID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func (store *Store) InsertIntent(ctx context.Context, intent payment.Intent) error {
	if err := intent.Validate(); err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	row := PaymentIntent{
		IntentID:           intent.ID,
		AccountID:          intent.AccountID.String(),
		ExternalID:         intent.ExternalID,
		PackageCode:        intent.PackageCode,
		AmountCents:        intent.AmountCents,
		CreditsGranted:     intent.CreditsGranted.Int64(),
		Status:             intent.Status.String(),
		GatewayStatus:      intent.GatewayStatus,
		QRPayload:          intent.QRPayload,
		ExpiresAt:          intent.ExpiresAt.UTC(),
		PaidAt:             intent.PaidAt,
		GatewayRawResponse: rawJSON(intent.GatewayRawResponse),
		CreatedAt:          intent.CreatedAt.UTC(),
		UpdatedAt:          intent.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintIntentExternalID, columnExternalID) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, payment.ErrDuplicateExternalID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, intentID string) (payment.Intent, error) {
	var row PaymentIntent
	err := store.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&row).Error
	return mapIntentResult(row, err, errorCodeGet)
}

func (store *Store) GetIntentByExternalID(ctx context.Context, externalID string) (payment.Intent, error) {
	var row PaymentIntent
	err := store.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&row).Error
	return mapIntentResult(row, err, errorCodeLookup)
}

func (store *Store) LockIntent(ctx context.Context, intentID string) (payment.Intent, error) {
	var row PaymentIntent
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where("intent_id = ?", intentID).
		Take(&row).Error
	return mapIntentResult(row, err, errorCodeLock)
}

func (store *Store) UpdateIntent(ctx context.Context, update payment.IntentUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("intent_id = ?", update.IntentID).
		Updates(map[string]any{
			"status":               update.Status.String(),
			"gateway_status":       update.GatewayStatus,
			"paid_at":              update.PaidAt,
			"gateway_raw_response": rawJSON(update.GatewayRawResponse),
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, payment.ErrUnknownIntent)
	}
	return nil
}

func (store *Store) TransitionIntent(ctx context.Context, intentID string, from payment.Status, to payment.Status, gatewayStatus string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("intent_id = ? AND status = ?", intentID, from.String()).
		Updates(map[string]any{
			"status":         to.String(),
			"gateway_status": gatewayStatus,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectIntent, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListIntents(ctx context.Context, accountID ledger.AccountID, limit int) ([]payment.Intent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return mapIntents(rows)
}

func (store *Store) ListOverdueIntents(ctx context.Context, now time.Time, limit int) ([]payment.Intent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", payment.StatusPending.String(), now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return mapIntents(rows)
}

func (store *Store) InsertWebhookEvent(ctx context.Context, event payment.WebhookEvent) error {
	row := WebhookEvent{
		ExternalID:        event.ExternalID,
		IntentID:          optionalString(event.IntentID),
		GatewayStatus:     event.GatewayStatus,
		Payload:           rawJSON(event.Payload),
		SignatureVerified: event.SignatureVerified,
		Outcome:           string(event.Outcome),
		ReceivedAt:        event.ReceivedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeInsert, err)
	}
	return nil
}

// ListWebhookEvents returns the recorded deliveries for a gateway charge, oldest first.
func (store *Store) ListWebhookEvents(ctx context.Context, externalID string) ([]payment.WebhookEvent, error) {
	var rows []WebhookEvent
	err := store.db.WithContext(ctx).Where("external_id = ?", externalID).Order("received_at ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWebhook, errorCodeList, err)
	}
	events := make([]payment.WebhookEvent, 0, len(rows))
	for _, row := range rows {
		event := payment.WebhookEvent{
			ExternalID:        row.ExternalID,
			GatewayStatus:     row.GatewayStatus,
			Payload:           []byte(row.Payload),
			SignatureVerified: row.SignatureVerified,
			Outcome:           payment.Outcome(row.Outcome),
			ReceivedAt:        row.ReceivedAt,
		}
		if row.IntentID != nil {
			event.IntentID = *row.IntentID
		}
		events = append(events, event)
	}
	return events, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccountResult(row Account, err error, code string) (ledger.Account, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	account, err := mapAccount(row)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(row.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	allowance, err := ledger.NewCredits(row.WeeklyAllowance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.NewAccount(accountID, userID, balance, allowance, timeToUnix(row.LastRenewalAt), row.Version, row.CreatedAt.Unix())
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	description, err := ledger.NewDescription(row.Description)
	if err != nil {
		return ledger.Entry{}, err
	}
	referenceType, err := ledger.ParseReferenceType(row.ReferenceType)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference, err := ledger.NewReference(referenceType, stringOrEmpty(row.ReferenceID))
	if err != nil {
		return ledger.Entry{}, err
	}
	entryInput, err := ledger.NewEntryInput(
		accountID,
		row.Sequence,
		kind,
		amount,
		ledger.Credits(row.BalanceBefore),
		ledger.Credits(row.BalanceAfter),
		description,
		reference,
		row.CreatedAt.Unix(),
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, entryInput)
}

func mapIntentResult(row PaymentIntent, err error, code string) (payment.Intent, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, code, payment.ErrUnknownIntent)
	}
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, code, err)
	}
	intent, err := mapIntent(row)
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func mapIntents(rows []PaymentIntent) ([]payment.Intent, error) {
	intents := make([]payment.Intent, 0, len(rows))
	for _, row := range rows {
		intent, err := mapIntent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func mapIntent(row PaymentIntent) (payment.Intent, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return payment.Intent{}, err
	}
	credits, err := ledger.NewPositiveCredits(row.CreditsGranted)
	if err != nil {
		return payment.Intent{}, err
	}
	intent := payment.Intent{
		ID:                 row.IntentID,
		AccountID:          accountID,
		ExternalID:         row.ExternalID,
		PackageCode:        row.PackageCode,
		AmountCents:        row.AmountCents,
		CreditsGranted:     credits,
		Status:             payment.Status(row.Status),
		GatewayStatus:      row.GatewayStatus,
		QRPayload:          row.QRPayload,
		ExpiresAt:          row.ExpiresAt.UTC(),
		GatewayRawResponse: []byte(row.GatewayRawResponse),
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
	}
	if row.PaidAt != nil {
		paidAt := row.PaidAt.UTC()
		intent.PaidAt = &paidAt
	}
	if err := intent.Validate(); err != nil {
		return payment.Intent{}, err
	}
	return intent, nil
}

func unixToTimePointer(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeToUnix(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func rawJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultRawJSON))
	}
	return datatypes.JSON(raw)
}

// isUniqueViolation matches unique-constraint failures. A non-empty constraint or column narrows the
// match to that index: postgres reports the constraint name, sqlite only lists the columns.
func isUniqueViolation(err error, constraint string, column string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return constraint == "" || strings.Contains(err.Error(), column)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && (column == "" || strings.Contains(sqliteErr.Error(), column))
	}
	return false
}
