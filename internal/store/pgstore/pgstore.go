package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	constraintIntentExternalID    = "uniq_intents_external_id"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectRenewal           = "renewal"
	errorSubjectIntent            = "intent"
	errorSubjectWebhook           = "webhook_event"
	errorSubjectSchema            = "schema"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
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

	accountColumns = `
		account_id::text, user_id, balance, weekly_allowance,
		coalesce(extract(epoch from last_renewal_at)::bigint, 0), version,
		extract(epoch from created_at)::bigint
	`

	sqlInsertAccountIfMissing = `
		insert into accounts(user_id, balance, weekly_allowance, last_renewal_at) values($1, $2, $3, to_timestamp($4))
		on conflict (user_id) do nothing
	`

	sqlSelectAccount       = `select ` + accountColumns + ` from accounts where account_id = $1`
	sqlSelectAccountByUser = `select ` + accountColumns + ` from accounts where user_id = $1`
	sqlLockAccount         = `select ` + accountColumns + ` from accounts where account_id = $1 for update`

	sqlUpdateAccount = `
		update accounts
		set balance = $3, last_renewal_at = to_timestamp(nullif($4, 0)), version = $5, updated_at = now()
		where account_id = $1 and version = $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			account_id, sequence, kind, amount, balance_before, balance_after,
			description, reference_type, reference_id, idempotency_key, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''), nullif($10, ''), to_timestamp($11))
		returning entry_id::text
	`

	entryColumns = `
		entry_id::text, account_id::text, sequence, kind, amount, balance_before, balance_after,
		description, reference_type, coalesce(reference_id, ''), extract(epoch from created_at)::bigint
	`

	sqlListEntriesBefore = `
		select ` + entryColumns + ` from ledger_entries
		where account_id = $1 and ($2 <= 0 or created_at < to_timestamp($2))
		order by sequence desc
		limit $3
	`

	sqlListEntryHistory = `select ` + entryColumns + ` from ledger_entries where account_id = $1 order by sequence asc`

	sqlInsertRenewal = `
		insert into balance_renewals(account_id, sequence, balance_before, balance_after, renewed_at)
		values($1, $2, $3, $4, to_timestamp($5))
	`

	sqlListRenewalHistory = `
		select account_id::text, sequence, balance_before, balance_after, extract(epoch from renewed_at)::bigint
		from balance_renewals where account_id = $1 order by sequence asc
	`

	sqlListAccountsDue = `
		select account_id::text from accounts
		where last_renewal_at is null or last_renewal_at <= to_timestamp($1)
		order by account_id
		limit $2
	`

	intentColumns = `
		intent_id::text, account_id::text, external_id, package_code, amount_cents, credits_granted,
		status, gateway_status, qr_payload, expires_at, paid_at, gateway_raw_response::text, created_at, updated_at
	`

	sqlInsertIntent = `
		insert into payment_intents(
			intent_id, account_id, external_id, package_code, amount_cents, credits_granted, status,
			gateway_status, qr_payload, expires_at, paid_at, gateway_raw_response, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, coalesce(nullif($12, ''), '{}')::jsonb, $13, $14)
	`

	sqlSelectIntent           = `select ` + intentColumns + ` from payment_intents where intent_id = $1`
	sqlSelectIntentByExternal = `select ` + intentColumns + ` from payment_intents where external_id = $1`
	sqlLockIntent             = `select ` + intentColumns + ` from payment_intents where intent_id = $1 for update`

	sqlUpdateIntent = `
		update payment_intents
		set status = $2, gateway_status = $3, paid_at = $4,
			gateway_raw_response = coalesce(nullif($5, ''), '{}')::jsonb, updated_at = now()
		where intent_id = $1
	`

	sqlTransitionIntent = `
		update payment_intents
		set status = $3, gateway_status = $4, updated_at = now()
		where intent_id = $1 and status = $2
	`

	sqlListIntents = `select ` + intentColumns + ` from payment_intents where account_id = $1 order by created_at desc limit $2`

	sqlListOverdueIntents = `
		select ` + intentColumns + ` from payment_intents
		where status = 'PENDING' and expires_at <= $1
		order by expires_at asc
		limit $2
	`

	sqlInsertWebhookEvent = `
		insert into webhook_events(external_id, intent_id, gateway_status, payload, signature_verified, outcome, received_at)
		values($1, nullif($2, '')::uuid, $3, coalesce(nullif($4, ''), '{}')::jsonb, $5, $6, $7)
	`
)

// querier is the subset shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store and payment.Store on a pgx pool (autocommit) or an open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema applies the embedded schema. Statements are idempotent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.inTransaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) WithPaymentTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	return store.inTransaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

// Ledger returns the store itself, bound to the same pool or transaction.
func (store *Store) Ledger() ledger.Store {
	return store
}

func (store *Store) inTransaction(ctx context.Context, fn func(transactionStore *Store) error) error {
	if store.inTx {
		return fn(store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(&Store{pool: store.pool, db: tx, inTx: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID, defaults ledger.AccountDefaults, nowUnixUTC int64) (ledger.Account, error) {
	_, err := store.db.Exec(ctx, sqlInsertAccountIfMissing, userID.String(), defaults.InitialBalance.Int64(), defaults.WeeklyAllowance.Int64(), nowUnixUTC)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccountByUserID(ctx, userID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return scanAccountResult(store.db.QueryRow(ctx, sqlSelectAccount, accountID.String()), errorCodeGet)
}

func (store *Store) GetAccountByUserID(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return scanAccountResult(store.db.QueryRow(ctx, sqlSelectAccountByUser, userID.String()), errorCodeLookup)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return scanAccountResult(store.db.QueryRow(ctx, sqlLockAccount, accountID.String()), errorCodeLock)
}

func (store *Store) UpdateAccount(ctx context.Context, update ledger.AccountUpdate) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccount,
		update.AccountID.String(),
		update.ExpectedVersion,
		update.Balance.Int64(),
		update.LastRenewalUnixUTC,
		update.NewVersion,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeVersion, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	var entryIDValue string
	err := store.db.QueryRow(ctx, sqlInsertEntry,
		entryInput.AccountID().String(),
		entryInput.Sequence(),
		entryInput.Kind().String(),
		entryInput.Amount().Int64(),
		entryInput.BalanceBefore().Int64(),
		entryInput.BalanceAfter().Int64(),
		entryInput.Description().String(),
		entryInput.Reference().Type.String(),
		entryInput.Reference().ID,
		entryInput.IdempotencyKey().String(),
		entryInput.CreatedUnixUTC(),
	).Scan(&entryIDValue)
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if isUniqueViolation(err, "") {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
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
	_, err := store.db.Exec(ctx, sqlInsertRenewal,
		renewal.AccountID.String(),
		renewal.Sequence,
		renewal.BalanceBefore.Int64(),
		renewal.BalanceAfter.Int64(),
		renewal.RenewedUnixUTC,
	)
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectRenewal, errorCodeDuplicate, ledger.ErrConcurrentUpdate)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRenewal, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListHistory(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, []ledger.Renewal, error) {
	entryRows, err := store.db.Query(ctx, sqlListEntryHistory, accountID.String())
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries, err := scanEntries(entryRows)
	entryRows.Close()
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}

	renewalRows, err := store.db.Query(ctx, sqlListRenewalHistory, accountID.String())
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectRenewal, errorCodeList, err)
	}
	defer renewalRows.Close()
	var renewals []ledger.Renewal
	for renewalRows.Next() {
		var (
			accountValue  string
			sequence      int64
			balanceBefore int64
			balanceAfter  int64
			renewedUnix   int64
		)
		if err := renewalRows.Scan(&accountValue, &sequence, &balanceBefore, &balanceAfter, &renewedUnix); err != nil {
			return nil, nil, wrapStoreError(errorSubjectRenewal, errorCodeList, err)
		}
		renewalAccountID, err := ledger.NewAccountID(accountValue)
		if err != nil {
			return nil, nil, wrapStoreError(errorSubjectRenewal, errorCodeInvalid, err)
		}
		renewals = append(renewals, ledger.Renewal{
			AccountID:      renewalAccountID,
			Sequence:       sequence,
			BalanceBefore:  ledger.Credits(balanceBefore),
			BalanceAfter:   ledger.Credits(balanceAfter),
			RenewedUnixUTC: renewedUnix,
		})
	}
	if err := renewalRows.Err(); err != nil {
		return nil, nil, wrapStoreError(errorSubjectRenewal, errorCodeList, err)
	}
	return entries, renewals, nil
}

func (store *Store) ListAccountsDueForRenewal(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.AccountID, error) {
	rows, err := store.db.Query(ctx, sqlListAccountsDue, cutoffUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	var accountIDs []ledger.AccountID
	for rows.Next() {
		var accountValue string
		if err := rows.Scan(&accountValue); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		accountID, err := ledger.NewAccountID(accountValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func (store *Store) InsertIntent(ctx context.Context, intent payment.Intent) error {
	if err := intent.Validate(); err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	_, err := store.db.Exec(ctx, sqlInsertIntent,
		intent.ID,
		intent.AccountID.String(),
		intent.ExternalID,
		intent.PackageCode,
		intent.AmountCents,
		intent.CreditsGranted.Int64(),
		intent.Status.String(),
		intent.GatewayStatus,
		intent.QRPayload,
		intent.ExpiresAt.UTC(),
		intent.PaidAt,
		string(intent.GatewayRawResponse),
		intent.CreatedAt.UTC(),
		intent.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintIntentExternalID) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, payment.ErrDuplicateExternalID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, intentID string) (payment.Intent, error) {
	return scanIntentResult(store.db.QueryRow(ctx, sqlSelectIntent, intentID), errorCodeGet)
}

func (store *Store) GetIntentByExternalID(ctx context.Context, externalID string) (payment.Intent, error) {
	return scanIntentResult(store.db.QueryRow(ctx, sqlSelectIntentByExternal, externalID), errorCodeLookup)
}

func (store *Store) LockIntent(ctx context.Context, intentID string) (payment.Intent, error) {
	return scanIntentResult(store.db.QueryRow(ctx, sqlLockIntent, intentID), errorCodeLock)
}

func (store *Store) UpdateIntent(ctx context.Context, update payment.IntentUpdate) error {
	tag, err := store.db.Exec(ctx, sqlUpdateIntent,
		update.IntentID,
		update.Status.String(),
		update.GatewayStatus,
		update.PaidAt,
		string(update.GatewayRawResponse),
	)
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, payment.ErrUnknownIntent)
	}
	return nil
}

func (store *Store) TransitionIntent(ctx context.Context, intentID string, from payment.Status, to payment.Status, gatewayStatus string) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlTransitionIntent, intentID, from.String(), to.String(), gatewayStatus)
	if err != nil {
		return false, wrapStoreError(errorSubjectIntent, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) ListIntents(ctx context.Context, accountID ledger.AccountID, limit int) ([]payment.Intent, error) {
	rows, err := store.db.Query(ctx, sqlListIntents, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	defer rows.Close()
	return scanIntents(rows)
}

func (store *Store) ListOverdueIntents(ctx context.Context, now time.Time, limit int) ([]payment.Intent, error) {
	rows, err := store.db.Query(ctx, sqlListOverdueIntents, now.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	defer rows.Close()
	return scanIntents(rows)
}

func (store *Store) InsertWebhookEvent(ctx context.Context, event payment.WebhookEvent) error {
	_, err := store.db.Exec(ctx, sqlInsertWebhookEvent,
		event.ExternalID,
		event.IntentID,
		event.GatewayStatus,
		string(event.Payload),
		event.SignatureVerified,
		string(event.Outcome),
		event.ReceivedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanAccountResult(row pgx.Row, code string) (ledger.Account, error) {
	var (
		accountValue    string
		userValue       string
		balance         int64
		allowance       int64
		lastRenewalUnix int64
		version         int64
		createdUnix     int64
	)
	err := row.Scan(&accountValue, &userValue, &balance, &allowance, &lastRenewalUnix, &version, &createdUnix)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account, err := ledger.NewAccount(accountID, userID, ledger.Credits(balance), ledger.Credits(allowance), lastRenewalUnix, version, createdUnix)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entryValue    string
			accountValue  string
			sequence      int64
			kindValue     string
			amountValue   int64
			balanceBefore int64
			balanceAfter  int64
			descriptionV  string
			referenceType string
			referenceID   string
			createdUnix   int64
		)
		if err := rows.Scan(&entryValue, &accountValue, &sequence, &kindValue, &amountValue, &balanceBefore, &balanceAfter, &descriptionV, &referenceType, &referenceID, &createdUnix); err != nil {
			return nil, err
		}
		entryID, err := ledger.NewEntryID(entryValue)
		if err != nil {
			return nil, err
		}
		accountID, err := ledger.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveCredits(amountValue)
		if err != nil {
			return nil, err
		}
		description, err := ledger.NewDescription(descriptionV)
		if err != nil {
			return nil, err
		}
		parsedReferenceType, err := ledger.ParseReferenceType(referenceType)
		if err != nil {
			return nil, err
		}
		reference, err := ledger.NewReference(parsedReferenceType, referenceID)
		if err != nil {
			return nil, err
		}
		entryInput, err := ledger.NewEntryInput(accountID, sequence, kind, amount, ledger.Credits(balanceBefore), ledger.Credits(balanceAfter), description, reference, createdUnix)
		if err != nil {
			return nil, err
		}
		entry, err := ledger.NewEntry(entryID, entryInput)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanIntentResult(row pgx.Row, code string) (payment.Intent, error) {
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, code, payment.ErrUnknownIntent)
	}
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, code, err)
	}
	return intent, nil
}

func scanIntents(rows pgx.Rows) ([]payment.Intent, error) {
	var intents []payment.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return intents, nil
}

func scanIntent(row pgx.Row) (payment.Intent, error) {
	var (
		intent       payment.Intent
		accountValue string
		credits      int64
		statusValue  string
		rawResponse  string
	)
	err := row.Scan(
		&intent.ID,
		&accountValue,
		&intent.ExternalID,
		&intent.PackageCode,
		&intent.AmountCents,
		&credits,
		&statusValue,
		&intent.GatewayStatus,
		&intent.QRPayload,
		&intent.ExpiresAt,
		&intent.PaidAt,
		&rawResponse,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return payment.Intent{}, err
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return payment.Intent{}, err
	}
	creditsGranted, err := ledger.NewPositiveCredits(credits)
	if err != nil {
		return payment.Intent{}, err
	}
	intent.AccountID = accountID
	intent.CreditsGranted = creditsGranted
	intent.Status = payment.Status(statusValue)
	intent.GatewayRawResponse = []byte(rawResponse)
	if err := intent.Validate(); err != nil {
		return payment.Intent{}, err
	}
	return intent, nil
}

// isUniqueViolation matches unique-constraint failures, narrowed to constraint when it is not empty.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}
