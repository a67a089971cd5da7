package ledger

import "fmt"

// Account is a snapshot of a credit account row.
type Account struct {
	accountID          AccountID
	userID             UserID
	balance            Credits
	weeklyAllowance    Credits
	lastRenewalUnixUTC int64
	version            int64
	createdUnixUTC     int64
}

// NewAccount validates a stored account row. A zero lastRenewalUnixUTC means the account was never renewed.
func NewAccount(accountID AccountID, userID UserID, balance Credits, weeklyAllowance Credits, lastRenewalUnixUTC int64, version int64, createdUnixUTC int64) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if userID.String() == "" {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if balance < 0 || weeklyAllowance < 0 {
		return Account{}, fmt.Errorf("%w: negative balance or allowance", ErrInvalidBalance)
	}
	if lastRenewalUnixUTC < 0 || version < 0 {
		return Account{}, fmt.Errorf("%w: negative renewal time or version", ErrInvalidBalance)
	}
	return Account{
		accountID:          accountID,
		userID:             userID,
		balance:            balance,
		weeklyAllowance:    weeklyAllowance,
		lastRenewalUnixUTC: lastRenewalUnixUTC,
		version:            version,
		createdUnixUTC:     createdUnixUTC,
	}, nil
}

func (account Account) AccountID() AccountID { return account.accountID }
func (account Account) UserID() UserID { return account.userID }
func (account Account) Balance() Credits { return account.balance }
func (account Account) WeeklyAllowance() Credits { return account.weeklyAllowance }
func (account Account) LastRenewalUnixUTC() int64 { return account.lastRenewalUnixUTC }
func (account Account) Version() int64 { return account.version }
func (account Account) CreatedUnixUTC() int64 { return account.createdUnixUTC }
func (account Account) HasBeenRenewed() bool { return account.lastRenewalUnixUTC != 0 }

// RenewalDue reports whether a renewal must be applied at nowUnixUTC.
func (account Account) RenewalDue(nowUnixUTC int64) bool {
	if !account.HasBeenRenewed() {
		return true
	}
	return nowUnixUTC-account.lastRenewalUnixUTC >= RenewalPeriodSeconds
}

// NextRenewalUnixUTC returns when the account becomes due again, or 0 when it is due already.
func (account Account) NextRenewalUnixUTC() int64 {
	if !account.HasBeenRenewed() {
		return 0
	}
	return account.lastRenewalUnixUTC + RenewalPeriodSeconds
}

// EffectiveBalance is the balance a debit at nowUnixUTC would observe after a lazy renewal.
func (account Account) EffectiveBalance(nowUnixUTC int64) Credits {
	if account.RenewalDue(nowUnixUTC) {
		return account.weeklyAllowance
	}
	return account.balance
}

func (account Account) withBalance(balance Credits) Account {
	account.balance = balance
	account.version++
	return account
}

func (account Account) renewed(nowUnixUTC int64) Account {
	account.balance = account.weeklyAllowance
	account.lastRenewalUnixUTC = nowUnixUTC
	account.version++
	return account
}

func (account Account) updateFrom(previous Account) AccountUpdate {
	return AccountUpdate{
		AccountID:          account.accountID,
		Balance:            account.balance,
		LastRenewalUnixUTC: account.lastRenewalUnixUTC,
		ExpectedVersion:    previous.version,
		NewVersion:         account.version,
	}
}
