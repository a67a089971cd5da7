package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const renewalSweepConcurrency = 4

// Service owns every mutation of account balances and ledger entries.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	defaults         AccountDefaults
	renewalBatchSize int
	locks            *keyedMutex
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		renewalBatchSize: defaultRenewalBatchSize,
		locks:            newKeyedMutex(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.defaults.InitialBalance < 0 || service.defaults.WeeklyAllowance < 0 {
		return nil, fmt.Errorf("%w: account defaults must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// OpenAccount returns the user's account, creating it with the configured defaults on first touch.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID, service.defaults, service.nowFn())
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationOpenAccount, Error: err})
		return Account{}, err
	}
	return account, nil
}

// GetAccount reads the committed account state without locking.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// AccountByUser resolves an existing account from its owner.
func (service *Service) AccountByUser(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccountByUserID(ctx, userID)
}

// AccountLock acquires the in-process lock of an account. Callers composing their own transaction
// around CreditWithin must hold it for the whole transaction and never across network calls.
func (service *Service) AccountLock(accountID AccountID) func() {
	return service.locks.Lock(accountID.String())
}

// Debit renews the account when due, then removes amount if the renewed balance covers it.
// A renewal applied before an ErrInsufficientCredits rejection stays committed.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount PositiveCredits, description Description, reference Reference) (Entry, error) {
	var (
		entry        Entry
		renewed      bool
		balanceAfter Credits
	)
	unlock := service.AccountLock(accountID)
	operationError := func() error {
		defer unlock()
		rejected := false
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			renewed, rejected = false, false
			locked, err := transactionStore.LockAccount(ctx, accountID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			account := locked
			if account.RenewalDue(nowUnixUTC) {
				account, err = service.appendRenewal(ctx, transactionStore, account, nowUnixUTC)
				if err != nil {
					return err
				}
				renewed = true
			}
			remaining, err := subtractCredits(account.Balance(), amount)
			if errors.Is(err, ErrInsufficientCredits) {
				rejected = true
				balanceAfter = account.Balance()
				if !renewed {
					return nil
				}
				return transactionStore.UpdateAccount(ctx, account.updateFrom(locked))
			}
			if err != nil {
				return err
			}
			debited := account.withBalance(remaining)
			entryInput, err := NewEntryInput(accountID, debited.Version(), EntryDebit, amount, account.Balance(), remaining, description, reference, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := transactionStore.UpdateAccount(ctx, debited.updateFrom(locked)); err != nil {
				return err
			}
			entry, err = transactionStore.InsertEntry(ctx, entryInput)
			if err != nil {
				return err
			}
			balanceAfter = remaining
			return nil
		})
		if err == nil && rejected {
			return ErrInsufficientCredits
		}
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationDebit,
		AccountID:    accountID,
		Amount:       amount.ToCredits(),
		Reference:    reference,
		BalanceAfter: balanceAfter,
		Renewed:      renewed,
		Error:        operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}

// Credit adds amount to the account. It never evaluates the renewal predicate.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount PositiveCredits, description Description, reference Reference) (Entry, error) {
	unlock := service.AccountLock(accountID)
	defer unlock()
	var entry Entry
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var creditError error
		entry, creditError = service.CreditWithin(ctx, transactionStore, accountID, amount, description, reference)
		return creditError
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// CreditWithin applies a credit inside a transaction the caller already opened while holding AccountLock.
func (service *Service) CreditWithin(ctx context.Context, transactionStore Store, accountID AccountID, amount PositiveCredits, description Description, reference Reference) (Entry, error) {
	entry, err := service.creditLocked(ctx, transactionStore, accountID, amount, description, reference)
	balanceAfter := Credits(0)
	if err == nil {
		balanceAfter = entry.BalanceAfter()
	}
	service.logOperation(ctx, OperationLog{
		Operation:    operationCredit,
		AccountID:    accountID,
		Amount:       amount.ToCredits(),
		Reference:    reference,
		BalanceAfter: balanceAfter,
		Error:        err,
	})
	return entry, err
}

func (service *Service) creditLocked(ctx context.Context, transactionStore Store, accountID AccountID, amount PositiveCredits, description Description, reference Reference) (Entry, error) {
	locked, err := transactionStore.LockAccount(ctx, accountID)
	if err != nil {
		return Entry{}, err
	}
	total, err := addCredits(locked.Balance(), amount)
	if err != nil {
		return Entry{}, err
	}
	credited := locked.withBalance(total)
	entryInput, err := NewEntryInput(accountID, credited.Version(), EntryCredit, amount, locked.Balance(), total, description, reference, service.nowFn())
	if err != nil {
		return Entry{}, err
	}
	if err := transactionStore.UpdateAccount(ctx, credited.updateFrom(locked)); err != nil {
		return Entry{}, err
	}
	return transactionStore.InsertEntry(ctx, entryInput)
}

// Renew applies the weekly reset to one account when it is due and reports whether it did.
func (service *Service) Renew(ctx context.Context, accountID AccountID) (bool, error) {
	unlock := service.AccountLock(accountID)
	defer unlock()
	renewed := false
	var balanceAfter Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		renewed = false
		locked, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if !locked.RenewalDue(nowUnixUTC) {
			balanceAfter = locked.Balance()
			return nil
		}
		account, err := service.appendRenewal(ctx, transactionStore, locked, nowUnixUTC)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateAccount(ctx, account.updateFrom(locked)); err != nil {
			return err
		}
		renewed = true
		balanceAfter = account.Balance()
		return nil
	})
	if err != nil || renewed {
		service.logOperation(ctx, OperationLog{
			Operation:    operationRenew,
			AccountID:    accountID,
			BalanceAfter: balanceAfter,
			Renewed:      renewed,
			Error:        err,
		})
	}
	return renewed, err
}

// RenewDueAccounts is the eager sweep: it renews every account past its window, one locked
// mutation per account, and returns how many were renewed.
func (service *Service) RenewDueAccounts(ctx context.Context) (int, error) {
	cutoffUnixUTC := service.nowFn() - RenewalPeriodSeconds
	accountIDs, err := service.store.ListAccountsDueForRenewal(ctx, cutoffUnixUTC, service.renewalBatchSize)
	if err != nil {
		return 0, err
	}
	var renewedCount atomic.Int64
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(renewalSweepConcurrency)
	for _, accountID := range accountIDs {
		group.Go(func() error {
			renewed, err := service.Renew(groupContext, accountID)
			if err != nil {
				return fmt.Errorf("renew %s: %w", accountID.String(), err)
			}
			if renewed {
				renewedCount.Add(1)
			}
			return nil
		})
	}
	err = group.Wait()
	return int(renewedCount.Load()), err
}

func (service *Service) appendRenewal(ctx context.Context, transactionStore Store, account Account, nowUnixUTC int64) (Account, error) {
	renewedAccount := account.renewed(nowUnixUTC)
	renewal := Renewal{
		AccountID:      account.AccountID(),
		Sequence:       renewedAccount.Version(),
		BalanceBefore:  account.Balance(),
		BalanceAfter:   renewedAccount.Balance(),
		RenewedUnixUTC: nowUnixUTC,
	}
	if err := transactionStore.InsertRenewal(ctx, renewal); err != nil {
		return Account{}, err
	}
	return renewedAccount, nil
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}
