package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID       string     `gorm:"type:uuid;primaryKey"`
	UserID          string     `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	Balance         int64      `gorm:"not null;check:chk_accounts_balance,balance >= 0"`
	WeeklyAllowance int64      `gorm:"not null"`
	LastRenewalAt   *time.Time `gorm:"index:idx_accounts_last_renewal"`
	Version         int64      `gorm:"not null;default:0"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID        string    `gorm:"type:uuid;primaryKey"`
	AccountID      string    `gorm:"type:uuid;not null;uniqueIndex:uniq_entry_sequence,priority:1;uniqueIndex:uniq_entry_idem,priority:1"`
	Sequence       int64     `gorm:"not null;uniqueIndex:uniq_entry_sequence,priority:2"`
	Kind           string    `gorm:"not null"`
	Amount         int64     `gorm:"not null;check:chk_entries_amount,amount > 0"`
	BalanceBefore  int64     `gorm:"not null"`
	BalanceAfter   int64     `gorm:"not null;check:chk_entries_balance_after,balance_after >= 0"`
	Description    string    `gorm:"not null"`
	ReferenceType  string    `gorm:"not null;index:idx_entries_reference,priority:1"`
	ReferenceID    *string   `gorm:"index:idx_entries_reference,priority:2"`
	IdempotencyKey *string   `gorm:"uniqueIndex:uniq_entry_idem,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// BalanceRenewal mirrors the balance_renewals table.
type BalanceRenewal struct {
	RenewalID     string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"type:uuid;not null;uniqueIndex:uniq_renewal_sequence,priority:1"`
	Sequence      int64     `gorm:"not null;uniqueIndex:uniq_renewal_sequence,priority:2"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	RenewedAt     time.Time `gorm:"not null"`
}

func (BalanceRenewal) TableName() string { return "balance_renewals" }

func (renewal *BalanceRenewal) BeforeCreate(tx *gorm.DB) error {
	if renewal.RenewalID == "" {
		renewal.RenewalID = uuid.NewString()
	}
	return nil
}

// PaymentIntent mirrors the payment_intents table.
type PaymentIntent struct {
	IntentID           string         `gorm:"type:uuid;primaryKey"`
	AccountID          string         `gorm:"type:uuid;not null;index:idx_intents_account_created,priority:1"`
	ExternalID         string         `gorm:"not null;uniqueIndex:uniq_intents_external_id"`
	PackageCode        string         `gorm:"not null"`
	AmountCents        int64          `gorm:"not null"`
	CreditsGranted     int64          `gorm:"not null"`
	Status             string         `gorm:"not null;index:idx_intents_status_expires,priority:1"`
	GatewayStatus      string         `gorm:"not null"`
	QRPayload          string         `gorm:"type:text;not null"`
	ExpiresAt          time.Time      `gorm:"not null;index:idx_intents_status_expires,priority:2"`
	PaidAt             *time.Time     `gorm:""`
	GatewayRawResponse datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt          time.Time      `gorm:"not null;index:idx_intents_account_created,priority:2"`
	UpdatedAt          time.Time      `gorm:"not null"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// WebhookEvent mirrors the webhook_events audit table.
type WebhookEvent struct {
	EventID           string         `gorm:"type:uuid;primaryKey"`
	ExternalID        string         `gorm:"not null;index:idx_webhook_events_external"`
	IntentID          *string        `gorm:"type:uuid"`
	GatewayStatus     string         `gorm:"not null"`
	Payload           datatypes.JSON `gorm:"type:jsonb;not null"`
	SignatureVerified bool           `gorm:"not null"`
	Outcome           string         `gorm:"not null"`
	ReceivedAt        time.Time      `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (event *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &BalanceRenewal{}, &PaymentIntent{}, &WebhookEvent{}}
}
