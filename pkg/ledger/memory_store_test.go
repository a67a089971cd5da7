package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type memoryState struct {
	accounts     map[string]Account
	userAccounts map[string]string
	entries      []Entry
	renewals     []Renewal
	nextID       int
}

// memoryDB is the state shared by a mockStore and its transactions. The mutex only guards
// single reads and writes; transactions are not serialized as a whole.
type memoryDB struct {
	mutex     sync.Mutex
	state     *memoryState
	rowLocks  bool
	rows      map[string]*sync.Mutex
	lockDelay time.Duration
}

func (db *memoryDB) rowLock(accountID AccountID) *sync.Mutex {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	rowLock, ok := db.rows[accountID.String()]
	if !ok {
		rowLock = &sync.Mutex{}
		db.rows[accountID.String()] = rowLock
	}
	return rowLock
}

// memoryTx writes through to the shared state and keeps undo steps for rollback.
type memoryTx struct {
	undo     []func(state *memoryState)
	heldRows map[*sync.Mutex]bool
}

// mockStore keeps everything in memory. With row locks LockAccount blocks until the owning
// transaction ends, like SELECT ... FOR UPDATE; without them it is a plain read, as on sqlite.
type mockStore struct {
	test *testing.T
	db   *memoryDB
	tx   *memoryTx
}

func newMockStore(test *testing.T) *mockStore {
	test.Helper()
	return newMockStoreWithRowLocks(test, true)
}

func newMockStoreWithRowLocks(test *testing.T, rowLocks bool) *mockStore {
	test.Helper()
	state := &memoryState{accounts: map[string]Account{}, userAccounts: map[string]string{}}
	return &mockStore{test: test, db: &memoryDB{state: state, rowLocks: rowLocks, rows: map[string]*sync.Mutex{}}}
}

// withLockDelay makes LockAccount pause after reading so concurrent transactions interleave.
func (store *mockStore) withLockDelay(delay time.Duration) *mockStore {
	store.db.lockDelay = delay
	return store
}

func (store *mockStore) view() (*memoryState, func()) {
	store.db.mutex.Lock()
	return store.db.state, store.db.mutex.Unlock
}

func (store *mockStore) recordUndo(step func(state *memoryState)) {
	if store.tx != nil {
		store.tx.undo = append(store.tx.undo, step)
	}
}

func (store *mockStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	transaction := &memoryTx{heldRows: map[*sync.Mutex]bool{}}
	defer func() {
		for rowLock := range transaction.heldRows {
			rowLock.Unlock()
		}
	}()
	err := fn(ctx, &mockStore{test: store.test, db: store.db, tx: transaction})
	if err != nil {
		state, release := store.view()
		for index := len(transaction.undo) - 1; index >= 0; index-- {
			transaction.undo[index](state)
		}
		release()
	}
	return err
}

func (store *mockStore) GetOrCreateAccount(ctx context.Context, userID UserID, defaults AccountDefaults, nowUnixUTC int64) (Account, error) {
	state, release := store.view()
	defer release()
	if accountID, ok := state.userAccounts[userID.String()]; ok {
		return state.accounts[accountID], nil
	}
	state.nextID++
	accountID, err := NewAccountID(fmt.Sprintf("account-%d", state.nextID))
	if err != nil {
		return Account{}, err
	}
	account, err := NewAccount(accountID, userID, defaults.InitialBalance, defaults.WeeklyAllowance, nowUnixUTC, 0, nowUnixUTC)
	if err != nil {
		return Account{}, err
	}
	state.accounts[accountID.String()] = account
	state.userAccounts[userID.String()] = accountID.String()
	return account, nil
}

func (store *mockStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	state, release := store.view()
	defer release()
	account, ok := state.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *mockStore) GetAccountByUserID(ctx context.Context, userID UserID) (Account, error) {
	state, release := store.view()
	defer release()
	accountID, ok := state.userAccounts[userID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return state.accounts[accountID], nil
}

func (store *mockStore) LockAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if store.tx != nil && store.db.rowLocks {
		rowLock := store.db.rowLock(accountID)
		if !store.tx.heldRows[rowLock] {
			rowLock.Lock()
			store.tx.heldRows[rowLock] = true
		}
	}
	account, err := store.GetAccount(ctx, accountID)
	if err == nil && store.db.lockDelay > 0 {
		time.Sleep(store.db.lockDelay)
	}
	return account, err
}

func (store *mockStore) UpdateAccount(ctx context.Context, update AccountUpdate) error {
	state, release := store.view()
	defer release()
	account, ok := state.accounts[update.AccountID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	if account.version != update.ExpectedVersion {
		return ErrConcurrentUpdate
	}
	previous := account
	store.recordUndo(func(state *memoryState) { state.accounts[previous.accountID.String()] = previous })
	account.balance = update.Balance
	account.lastRenewalUnixUTC = update.LastRenewalUnixUTC
	account.version = update.NewVersion
	state.accounts[update.AccountID.String()] = account
	return nil
}

func (store *mockStore) InsertEntry(ctx context.Context, entryInput EntryInput) (Entry, error) {
	state, release := store.view()
	defer release()
	for _, existing := range state.entries {
		if existing.AccountID() != entryInput.AccountID() {
			continue
		}
		if existing.Sequence() == entryInput.Sequence() {
			return Entry{}, ErrConcurrentUpdate
		}
		if !entryInput.IdempotencyKey().IsZero() && existing.IdempotencyKey() == entryInput.IdempotencyKey() {
			return Entry{}, ErrDuplicateIdempotencyKey
		}
	}
	state.nextID++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%d", state.nextID))
	if err != nil {
		return Entry{}, err
	}
	entry, err := NewEntry(entryID, entryInput)
	if err != nil {
		return Entry{}, err
	}
	state.entries = append(state.entries, entry)
	store.recordUndo(func(state *memoryState) {
		kept := state.entries[:0]
		for _, existing := range state.entries {
			if existing.EntryID() != entryID {
				kept = append(kept, existing)
			}
		}
		state.entries = kept
	})
	return entry, nil
}

func (store *mockStore) InsertRenewal(ctx context.Context, renewal Renewal) error {
	state, release := store.view()
	defer release()
	state.renewals = append(state.renewals, renewal)
	store.recordUndo(func(state *memoryState) {
		kept := state.renewals[:0]
		for _, existing := range state.renewals {
			if existing.AccountID != renewal.AccountID || existing.Sequence != renewal.Sequence {
				kept = append(kept, existing)
			}
		}
		state.renewals = kept
	})
	return nil
}

func (store *mockStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	state, release := store.view()
	defer release()
	var entries []Entry
	for index := len(state.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		entry := state.entries[index]
		if entry.AccountID() != accountID {
			continue
		}
		if beforeUnixUTC > 0 && entry.CreatedUnixUTC() >= beforeUnixUTC {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *mockStore) ListHistory(ctx context.Context, accountID AccountID) ([]Entry, []Renewal, error) {
	state, release := store.view()
	defer release()
	var entries []Entry
	var renewals []Renewal
	for _, entry := range state.entries {
		if entry.AccountID() == accountID {
			entries = append(entries, entry)
		}
	}
	for _, renewal := range state.renewals {
		if renewal.AccountID == accountID {
			renewals = append(renewals, renewal)
		}
	}
	return entries, renewals, nil
}

func (store *mockStore) ListAccountsDueForRenewal(ctx context.Context, cutoffUnixUTC int64, limit int) ([]AccountID, error) {
	state, release := store.view()
	defer release()
	var due []AccountID
	for _, account := range state.accounts {
		if account.lastRenewalUnixUTC == 0 || account.lastRenewalUnixUTC <= cutoffUnixUTC {
			due = append(due, account.accountID)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].String() < due[right].String() })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *mockStore) seedAccount(userID string, balance int64, allowance int64, lastRenewalUnixUTC int64) AccountID {
	store.test.Helper()
	account, err := store.GetOrCreateAccount(context.Background(), mustUserID(store.test, userID), AccountDefaults{
		InitialBalance:  Credits(balance),
		WeeklyAllowance: Credits(allowance),
	}, lastRenewalUnixUTC)
	if err != nil {
		store.test.Fatalf("seed account: %v", err)
	}
	return account.AccountID()
}

func (store *mockStore) tamper(accountID AccountID, mutate func(account *Account)) {
	state, release := store.view()
	defer release()
	account := state.accounts[accountID.String()]
	mutate(&account)
	state.accounts[accountID.String()] = account
}

func (store *mockStore) entryCount(accountID AccountID) int {
	entries, _, err := store.ListHistory(context.Background(), accountID)
	if err != nil {
		store.test.Fatalf("list history: %v", err)
	}
	return len(entries)
}

func (store *mockStore) balance(accountID AccountID) int64 {
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		store.test.Fatalf("get account: %v", err)
	}
	return account.Balance().Int64()
}

// failingStore fails every call with the configured error.
type failingStore struct {
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) GetOrCreateAccount(context.Context, UserID, AccountDefaults, int64) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) GetAccount(context.Context, AccountID) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) GetAccountByUserID(context.Context, UserID) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) LockAccount(context.Context, AccountID) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) UpdateAccount(context.Context, AccountUpdate) error {
	return store.err
}

func (store *failingStore) InsertEntry(context.Context, EntryInput) (Entry, error) {
	return Entry{}, store.err
}

func (store *failingStore) InsertRenewal(context.Context, Renewal) error {
	return store.err
}

func (store *failingStore) ListEntries(context.Context, AccountID, int64, int) ([]Entry, error) {
	return nil, store.err
}

func (store *failingStore) ListHistory(context.Context, AccountID) ([]Entry, []Renewal, error) {
	return nil, nil, store.err
}

func (store *failingStore) ListAccountsDueForRenewal(context.Context, int64, int) ([]AccountID, error) {
	return nil, store.err
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

func mustDescription(test *testing.T, raw string) Description {
	test.Helper()
	description, err := NewDescription(raw)
	if err != nil {
		test.Fatalf("description: %v", err)
	}
	return description
}

func mustReference(test *testing.T, referenceType ReferenceType, referenceID string) Reference {
	test.Helper()
	reference, err := NewReference(referenceType, referenceID)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return reference
}

type testClock struct {
	mutex      sync.Mutex
	nowUnixUTC int64
}

func (clock *testClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.nowUnixUTC
}

func (clock *testClock) Advance(seconds int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.nowUnixUTC += seconds
}
