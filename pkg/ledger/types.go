package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
)

const maxDescriptionLength = 512

// Credits is a non-negative balance expressed in whole credits.
type Credits int64

// PositiveCredits is a strictly positive amount moved by one ledger operation.
type PositiveCredits int64

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// UserID identifies the platform user owning an account.
type UserID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// IdempotencyKey scopes duplicate detection of entries within an account.
type IdempotencyKey struct {
	value string
}

// ReferenceType tags what caused a ledger entry ("quiz_answer", "pix_payment", ...).
type ReferenceType string

// Description is the human readable line shown in the account history.
type Description struct {
	value string
}

// Reference points an entry at the domain object that caused it.
type Reference struct {
	Type ReferenceType
	ID   string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is absent.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewDescription trims and bounds an entry description.
func NewDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Description{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if len(trimmed) > maxDescriptionLength {
		return Description{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidDescription, maxDescriptionLength)
	}
	return Description{value: trimmed}, nil
}

// String returns the description text.
func (description Description) String() string {
	return description.value
}

// ParseReferenceType validates a reference tag.
func ParseReferenceType(raw string) (ReferenceType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidReferenceType)
	}
	return ReferenceType(trimmed), nil
}

// String returns the tag.
func (referenceType ReferenceType) String() string {
	return string(referenceType)
}

// NewReference builds a reference with an optional id.
func NewReference(referenceType ReferenceType, referenceID string) (Reference, error) {
	parsed, err := ParseReferenceType(referenceType.String())
	if err != nil {
		return Reference{}, err
	}
	return Reference{Type: parsed, ID: strings.TrimSpace(referenceID)}, nil
}

// IdempotencyKey derives the per-account dedup key "<type>:<id>"; references without an id have none.
func (reference Reference) IdempotencyKey() IdempotencyKey {
	if reference.ID == "" {
		return IdempotencyKey{}
	}
	return IdempotencyKey{value: reference.Type.String() + idempotencyKeyDelimiter + reference.ID}
}

// NewCredits validates a balance value.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates an operation amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens the amount to a balance value.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

func addCredits(balance Credits, amount PositiveCredits) (Credits, error) {
	if balance.Int64() > math.MaxInt64-amount.Int64() {
		return 0, WrapError(errorOperationService, errorSubjectBalance, errorCodeOverflow, ErrInvalidBalance)
	}
	return balance + amount.ToCredits(), nil
}

func subtractCredits(balance Credits, amount PositiveCredits) (Credits, error) {
	if balance.Int64() < amount.Int64() {
		return 0, ErrInsufficientCredits
	}
	return balance - amount.ToCredits(), nil
}

// AccountDefaults configures freshly opened accounts.
type AccountDefaults struct {
	InitialBalance  Credits
	WeeklyAllowance Credits
}

// AccountUpdate is the full mutable state written back after a locked mutation.
type AccountUpdate struct {
	AccountID          AccountID
	Balance            Credits
	LastRenewalUnixUTC int64
	ExpectedVersion    int64
	NewVersion         int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetOrCreateAccount stamps a new account as renewed at nowUnixUTC so its first week keeps the opening balance.
	GetOrCreateAccount(ctx context.Context, userID UserID, defaults AccountDefaults, nowUnixUTC int64) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountByUserID(ctx context.Context, userID UserID) (Account, error)
	// LockAccount reads the account and holds a row lock until the surrounding transaction ends.
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccount(ctx context.Context, update AccountUpdate) error
	InsertEntry(ctx context.Context, entryInput EntryInput) (Entry, error)
	InsertRenewal(ctx context.Context, renewal Renewal) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListHistory(ctx context.Context, accountID AccountID) ([]Entry, []Renewal, error)
	ListAccountsDueForRenewal(ctx context.Context, cutoffUnixUTC int64, limit int) ([]AccountID, error)
}
