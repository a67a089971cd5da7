package gormstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	return newTestStoreWithConnections(test, 1)
}

func newTestStoreWithConnections(test *testing.T, maxOpenConnections int) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/ledger.db?_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConnections)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := New(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return store
}

func mustOpenAccount(test *testing.T, store *Store, rawUserID string) ledger.Account {
	test.Helper()
	return mustOpenAccountAt(test, store, rawUserID, time.Now().UTC().Unix())
}

func mustOpenAccountAt(test *testing.T, store *Store, rawUserID string, nowUnixUTC int64) ledger.Account {
	test.Helper()
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	account, err := store.GetOrCreateAccount(context.Background(), userID, ledger.AccountDefaults{InitialBalance: 10, WeeklyAllowance: 50}, nowUnixUTC)
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	return account
}

func mustEntryInput(test *testing.T, account ledger.Account, sequence int64, referenceID string) ledger.EntryInput {
	test.Helper()
	description, err := ledger.NewDescription("quiz answer")
	if err != nil {
		test.Fatalf("description: %v", err)
	}
	reference, err := ledger.NewReference(ledger.ReferenceQuizAnswer, referenceID)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	input, err := ledger.NewEntryInput(account.AccountID(), sequence, ledger.EntryDebit, ledger.PositiveCredits(1), 10, 9, description, reference, time.Now().UTC().Unix())
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}

func newTestIntent(account ledger.Account, externalID string, expiresAt time.Time) payment.Intent {
	now := time.Now().UTC()
	return payment.Intent{
		ID:             uuid.NewString(),
		AccountID:      account.AccountID(),
		ExternalID:     externalID,
		PackageCode:    "basic",
		AmountCents:    1990,
		CreditsGranted: 100,
		Status:         payment.StatusPending,
		GatewayStatus:  payment.StatusPending.String(),
		QRPayload:      "000201",
		ExpiresAt:      expiresAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestGetOrCreateAccountIsIdempotent(test *testing.T) {
	store := newTestStore(test)
	openedAt := time.Now().UTC().Unix()
	first := mustOpenAccountAt(test, store, "user-1", openedAt)
	second := mustOpenAccountAt(test, store, "user-1", openedAt+ledger.RenewalPeriodSeconds)
	if first.AccountID() != second.AccountID() {
		test.Fatalf("expected one account, got %s and %s", first.AccountID().String(), second.AccountID().String())
	}
	if first.Balance() != 10 || first.WeeklyAllowance() != 50 || first.Version() != 0 {
		test.Fatalf("unexpected account: %+v", first)
	}
	if first.LastRenewalUnixUTC() != openedAt || second.LastRenewalUnixUTC() != openedAt {
		test.Fatalf("expected the renewal clock to start when the account is created, got %d and %d", first.LastRenewalUnixUTC(), second.LastRenewalUnixUTC())
	}
	if first.RenewalDue(openedAt + ledger.RenewalPeriodSeconds - 1) {
		test.Fatalf("a new account must not be due before its first week ends")
	}

	unknownID, _ := ledger.NewAccountID(uuid.NewString())
	if _, err := store.GetAccount(context.Background(), unknownID); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestUpdateAccountChecksVersion(test *testing.T) {
	store := newTestStore(test)
	account := mustOpenAccount(test, store, "user-version")
	renewedAt := time.Now().UTC().Unix()

	err := store.UpdateAccount(context.Background(), ledger.AccountUpdate{AccountID: account.AccountID(), Balance: 50, LastRenewalUnixUTC: renewedAt, ExpectedVersion: 0, NewVersion: 1})
	if err != nil {
		test.Fatalf("update: %v", err)
	}
	err = store.UpdateAccount(context.Background(), ledger.AccountUpdate{AccountID: account.AccountID(), Balance: 40, ExpectedVersion: 0, NewVersion: 1})
	if !errors.Is(err, ledger.ErrConcurrentUpdate) {
		test.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	reloaded, err := store.GetAccount(context.Background(), account.AccountID())
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.Balance() != 50 || reloaded.Version() != 1 || reloaded.LastRenewalUnixUTC() != renewedAt {
		test.Fatalf("unexpected account after update: %+v", reloaded)
	}
}

func TestInsertEntryConstraints(test *testing.T) {
	store := newTestStore(test)
	account := mustOpenAccount(test, store, "user-entries")

	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, account, 1, "answer-1")); err != nil {
		test.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, account, 2, "answer-1")); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, account, 1, "answer-2")); !errors.Is(err, ledger.ErrConcurrentUpdate) {
		test.Fatalf("expected ErrConcurrentUpdate for a repeated sequence, got %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, account, 2, "")); err != nil {
		test.Fatalf("entries without reference id must not collide: %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), mustEntryInput(test, account, 3, "")); err != nil {
		test.Fatalf("entries without reference id must not collide: %v", err)
	}

	entries, err := store.ListEntries(context.Background(), account.AccountID(), 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 3 || entries[0].Sequence() != 3 {
		test.Fatalf("expected three entries newest first, got %d", len(entries))
	}
}

func TestWithTxRollsBack(test *testing.T) {
	store := newTestStore(test)
	account := mustOpenAccount(test, store, "user-rollback")
	failure := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.LockAccount(ctx, account.AccountID()); err != nil {
			return err
		}
		if _, err := txStore.InsertEntry(ctx, mustEntryInput(test, account, 1, "answer-1")); err != nil {
			return err
		}
		if err := txStore.InsertRenewal(ctx, ledger.Renewal{AccountID: account.AccountID(), Sequence: 2, BalanceBefore: 9, BalanceAfter: 50, RenewedUnixUTC: time.Now().Unix()}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected the callback error, got %v", err)
	}
	entries, renewals, err := store.ListHistory(context.Background(), account.AccountID())
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 0 || len(renewals) != 0 {
		test.Fatalf("expected rollback, found %d entries and %d renewals", len(entries), len(renewals))
	}
}

func TestListAccountsDueForRenewal(test *testing.T) {
	store := newTestStore(test)
	now := time.Now().UTC().Unix()
	week := ledger.RenewalPeriodSeconds
	never := mustOpenAccountAt(test, store, "user-never", 0)
	fresh := mustOpenAccountAt(test, store, "user-fresh", now)
	recent := mustOpenAccount(test, store, "user-recent")
	old := mustOpenAccount(test, store, "user-old")

	for _, update := range []ledger.AccountUpdate{
		{AccountID: recent.AccountID(), Balance: 50, LastRenewalUnixUTC: now - week/2, NewVersion: 1},
		{AccountID: old.AccountID(), Balance: 50, LastRenewalUnixUTC: now - 2*week, NewVersion: 1},
	} {
		if err := store.UpdateAccount(context.Background(), update); err != nil {
			test.Fatalf("update: %v", err)
		}
	}

	due, err := store.ListAccountsDueForRenewal(context.Background(), now-week, 10)
	if err != nil {
		test.Fatalf("list due: %v", err)
	}
	dueSet := map[ledger.AccountID]bool{}
	for _, accountID := range due {
		dueSet[accountID] = true
	}
	if len(due) != 2 || !dueSet[never.AccountID()] || !dueSet[old.AccountID()] || dueSet[fresh.AccountID()] {
		test.Fatalf("unexpected due accounts: %v", due)
	}
}

func TestConcurrentDebitsThroughLedgerService(test *testing.T) {
	store := newTestStoreWithConnections(test, 4)
	ctx := context.Background()
	nowUnixUTC := time.Now().UTC().Unix()
	service, err := ledger.NewService(store, func() int64 { return nowUnixUTC },
		ledger.WithAccountDefaults(ledger.AccountDefaults{InitialBalance: 20, WeeklyAllowance: 50}))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID, err := ledger.NewUserID("user-concurrent")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	account, err := service.OpenAccount(ctx, userID)
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	description, err := ledger.NewDescription("quiz answer")
	if err != nil {
		test.Fatalf("description: %v", err)
	}
	reference, err := ledger.NewReference(ledger.ReferenceQuizAnswer, "")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}

	const attempts = 40
	var (
		succeeded atomic.Int32
		rejected  atomic.Int32
		waitGroup sync.WaitGroup
	)
	failures := make(chan error, attempts)
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Debit(ctx, account.AccountID(), ledger.PositiveCredits(1), description, reference)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientCredits):
				rejected.Add(1)
			default:
				failures <- err
			}
		}()
	}
	waitGroup.Wait()
	close(failures)
	for err := range failures {
		test.Fatalf("unexpected debit error: %v", err)
	}
	if succeeded.Load() != 20 || rejected.Load() != 20 {
		test.Fatalf("expected 20 debits and 20 rejections, got %d and %d", succeeded.Load(), rejected.Load())
	}

	reloaded, err := store.GetAccount(ctx, account.AccountID())
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.Balance() != 0 || reloaded.Version() != 20 {
		test.Fatalf("expected balance 0 at version 20, got %d at %d", reloaded.Balance(), reloaded.Version())
	}
	entries, renewals, err := store.ListHistory(ctx, account.AccountID())
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 20 || len(renewals) != 0 {
		test.Fatalf("expected 20 entries and no renewals, got %d and %d", len(entries), len(renewals))
	}
	report, err := service.Audit(ctx, account.AccountID())
	if err != nil || !report.Consistent() {
		test.Fatalf("expected a consistent history, got %v %v", err, report.Discrepancies)
	}
}

func TestIntentLifecycle(test *testing.T) {
	store := newTestStore(test)
	account := mustOpenAccount(test, store, "user-intents")
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	overdue := newTestIntent(account, "ch_overdue", past)
	fresh := newTestIntent(account, "ch_fresh", future)
	for _, intent := range []payment.Intent{overdue, fresh} {
		if err := store.InsertIntent(ctx, intent); err != nil {
			test.Fatalf("insert intent: %v", err)
		}
	}
	duplicate := newTestIntent(account, "ch_fresh", future)
	if err := store.InsertIntent(ctx, duplicate); !errors.Is(err, payment.ErrDuplicateExternalID) {
		test.Fatalf("expected ErrDuplicateExternalID, got %v", err)
	}
	invalid := newTestIntent(account, "ch_invalid", future)
	invalid.Status = payment.StatusPaid
	if err := store.InsertIntent(ctx, invalid); !errors.Is(err, payment.ErrInvalidIntent) {
		test.Fatalf("expected paid intent without paid_at to be rejected, got %v", err)
	}

	byExternal, err := store.GetIntentByExternalID(ctx, "ch_fresh")
	if err != nil || byExternal.ID != fresh.ID || byExternal.CreditsGranted != 100 {
		test.Fatalf("lookup by external id: %+v %v", byExternal, err)
	}
	if _, err := store.GetIntent(ctx, uuid.NewString()); !errors.Is(err, payment.ErrUnknownIntent) {
		test.Fatalf("expected ErrUnknownIntent, got %v", err)
	}

	overdueList, err := store.ListOverdueIntents(ctx, time.Now(), 10)
	if err != nil || len(overdueList) != 1 || overdueList[0].ID != overdue.ID {
		test.Fatalf("unexpected overdue list %v %v", overdueList, err)
	}

	moved, err := store.TransitionIntent(ctx, overdue.ID, payment.StatusPending, payment.StatusExpired, "pending")
	if err != nil || !moved {
		test.Fatalf("expected transition, got %v %v", moved, err)
	}
	moved, err = store.TransitionIntent(ctx, overdue.ID, payment.StatusPending, payment.StatusCancelled, "cancelled")
	if err != nil || moved {
		test.Fatalf("expected a terminal intent to stay put, got %v %v", moved, err)
	}

	paidAt := time.Now().UTC()
	err = store.WithPaymentTx(ctx, func(ctx context.Context, txStore payment.Store) error {
		locked, err := txStore.LockIntent(ctx, fresh.ID)
		if err != nil {
			return err
		}
		return txStore.UpdateIntent(ctx, payment.IntentUpdate{IntentID: locked.ID, Status: payment.StatusPaid, GatewayStatus: "PAID", PaidAt: &paidAt, GatewayRawResponse: []byte(`{"status":"CONFIRMED"}`)})
	})
	if err != nil {
		test.Fatalf("paid update: %v", err)
	}
	paid, err := store.GetIntent(ctx, fresh.ID)
	if err != nil || paid.Status != payment.StatusPaid || paid.PaidAt == nil || paid.Validate() != nil {
		test.Fatalf("unexpected paid intent %+v %v", paid, err)
	}

	listed, err := store.ListIntents(ctx, account.AccountID(), 10)
	if err != nil || len(listed) != 2 {
		test.Fatalf("unexpected intents %v %v", listed, err)
	}
}

func TestWebhookEventsAreRecorded(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	for _, outcome := range []payment.Outcome{payment.OutcomeNotFound, payment.OutcomeNotFound} {
		event := payment.WebhookEvent{
			ExternalID:    "ch_unknown",
			GatewayStatus: "PAID",
			Payload:       []byte(`{"transaction_id":"ch_unknown"}`),
			Outcome:       outcome,
			ReceivedAt:    time.Now().UTC(),
		}
		if err := store.InsertWebhookEvent(ctx, event); err != nil {
			test.Fatalf("insert event: %v", err)
		}
	}
	events, err := store.ListWebhookEvents(ctx, "ch_unknown")
	if err != nil {
		test.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].IntentID != "" || events[0].Outcome != payment.OutcomeNotFound {
		test.Fatalf("unexpected events: %+v", events)
	}
}
