package ledger

import (
	"fmt"
	"strings"
)

// EntryKind enumerates ledger entry directions.
type EntryKind string

const (
	EntryCredit EntryKind = "CREDIT"
	EntryDebit  EntryKind = "DEBIT"
)

// ParseEntryKind validates a stored kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.ToUpper(strings.TrimSpace(raw))) {
	case EntryCredit:
		return EntryCredit, nil
	case EntryDebit:
		return EntryDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// EntryInput is a validated entry ready to be appended.
type EntryInput struct {
	accountID      AccountID
	sequence       int64
	kind           EntryKind
	amount         PositiveCredits
	balanceBefore  Credits
	balanceAfter   Credits
	description    Description
	reference      Reference
	idempotencyKey IdempotencyKey
	createdUnixUTC int64
}

// NewEntryInput validates the balance chain of an entry before it is stored.
func NewEntryInput(accountID AccountID, sequence int64, kind EntryKind, amount PositiveCredits, balanceBefore Credits, balanceAfter Credits, description Description, reference Reference, createdUnixUTC int64) (EntryInput, error) {
	if accountID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if sequence <= 0 {
		return EntryInput{}, fmt.Errorf("%w: sequence must be positive", ErrInvalidEntry)
	}
	if amount <= 0 {
		return EntryInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if balanceBefore < 0 || balanceAfter < 0 {
		return EntryInput{}, fmt.Errorf("%w: negative balance", ErrInvalidBalance)
	}
	switch kind {
	case EntryCredit:
		if balanceAfter.Int64() != balanceBefore.Int64()+amount.Int64() {
			return EntryInput{}, fmt.Errorf("%w: credit does not add up", ErrInvalidEntry)
		}
	case EntryDebit:
		if balanceAfter.Int64() != balanceBefore.Int64()-amount.Int64() {
			return EntryInput{}, fmt.Errorf("%w: debit does not add up", ErrInvalidEntry)
		}
	default:
		return EntryInput{}, fmt.Errorf("%w: %q", ErrInvalidEntryKind, kind)
	}
	if description.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if reference.Type == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceType)
	}
	return EntryInput{
		accountID:      accountID,
		sequence:       sequence,
		kind:           kind,
		amount:         amount,
		balanceBefore:  balanceBefore,
		balanceAfter:   balanceAfter,
		description:    description,
		reference:      reference,
		idempotencyKey: reference.IdempotencyKey(),
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (input EntryInput) AccountID() AccountID { return input.accountID }
func (input EntryInput) Sequence() int64 { return input.sequence }
func (input EntryInput) Kind() EntryKind { return input.kind }
func (input EntryInput) Amount() PositiveCredits { return input.amount }
func (input EntryInput) BalanceBefore() Credits { return input.balanceBefore }
func (input EntryInput) BalanceAfter() Credits { return input.balanceAfter }
func (input EntryInput) Description() Description { return input.description }
func (input EntryInput) Reference() Reference { return input.reference }
func (input EntryInput) IdempotencyKey() IdempotencyKey { return input.idempotencyKey }
func (input EntryInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Entry is a single immutable line in an account's ledger.
type Entry struct {
	entryID EntryID
	EntryInput
}

// NewEntry attaches the stored id to a validated input.
func NewEntry(entryID EntryID, input EntryInput) (Entry, error) {
	if entryID.String() == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if input.accountID.IsZero() {
		return Entry{}, fmt.Errorf("%w: entry input not initialized", ErrInvalidEntry)
	}
	return Entry{entryID: entryID, EntryInput: input}, nil
}

// EntryID returns the stored identifier.
func (entry Entry) EntryID() EntryID {
	return entry.entryID
}

// Renewal records a weekly reset of an account balance to its allowance.
type Renewal struct {
	AccountID      AccountID
	Sequence       int64
	BalanceBefore  Credits
	BalanceAfter   Credits
	RenewedUnixUTC int64
}
