// Package ledger owns the per-payer credit accounting: balances as the sum of
// append-only entries, multi-party delegations, and reservations that encumber
// spendable balance for in-flight uploads.
package ledger

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Credits is a 12-decimal fixed-point amount persisted as a decimal string.
type Credits struct {
	big.Int
}

// NewCredits wraps a big.Int value.
func NewCredits(v *big.Int) Credits {
	var out Credits
	if v != nil {
		out.Set(v)
	}
	return out
}

// CreditsFromInt64 is a convenience constructor for tests and constants.
func CreditsFromInt64(v int64) Credits {
	var out Credits
	out.SetInt64(v)
	return out
}

// Value implements driver.Valuer.
func (c Credits) Value() (driver.Value, error) {
	return c.String(), nil
}

// Scan implements sql.Scanner.
func (c *Credits) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.SetInt64(0)
		return nil
	case int64:
		c.SetInt64(v)
		return nil
	case string:
		return c.setString(v)
	case []byte:
		return c.setString(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Credits", src)
	}
}

func (c *Credits) setString(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		c.SetInt64(0)
		return nil
	}
	if _, ok := c.SetString(trimmed, 10); !ok {
		return fmt.Errorf("invalid credit amount %q", s)
	}
	return nil
}

// GormDataType tells gorm to use a text column.
func (Credits) GormDataType() string { return "text" }

// Ledger entry reason codes.
const (
	ReasonCryptoTopUp    = "crypto_topup"
	ReasonFiatTopUp      = "fiat_topup"
	ReasonUploadCharge   = "upload_charge"
	ReasonGaslessCredit  = "gasless_credit"
	ReasonGaslessRefund  = "gasless_overpayment_refund"
	ReasonDelegationGive = "delegation_grant"
	ReasonDelegationBack = "delegation_return"
	ReasonArNSCharge     = "arns_charge"
	ReasonArNSRefund     = "arns_refund"
)

// Delegation deactivation reasons.
const (
	DeactivatedUsed    = "used"
	DeactivatedExpired = "expired"
	DeactivatedRevoked = "revoked"
)

// Gasless payment modes.
const (
	ModeExactOnly = "exact-only"
	ModeTopUp     = "topup"
	ModeHybrid    = "hybrid"
)

// Gasless payment states.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentRefunded  = "refunded"
	PaymentPenalized = "penalized"
)

// Address is a wallet known to the ledger. Balance is maintained
// transactionally as the running sum of the address's ledger entries.
type Address struct {
	Address   string    `gorm:"primaryKey;size:128"`
	Scheme    string    `gorm:"size:32;not null"`
	Balance   Credits   `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Entry is one append-only ledger row.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address   string    `gorm:"size:128;index;not null"`
	Amount    Credits   `gorm:"type:text;not null"`
	Reason    string    `gorm:"size:64;not null"`
	ChangeID  string    `gorm:"size:128;index;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// Delegation is an active spending grant from Grantor to Grantee.
type Delegation struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Grantor   string     `gorm:"size:128;index;not null"`
	Grantee   string     `gorm:"size:128;index;not null"`
	Approved  Credits    `gorm:"type:text;not null"`
	Used      Credits    `gorm:"type:text;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time  `gorm:"not null"`
}

// Remaining returns approved minus used.
func (d *Delegation) Remaining() *big.Int {
	return new(big.Int).Sub(&d.Approved.Int, &d.Used.Int)
}

// InactiveDelegation is the append-only archive of finished delegations.
type InactiveDelegation struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Grantor       string     `gorm:"size:128;index;not null"`
	Grantee       string     `gorm:"size:128;index;not null"`
	Approved      Credits    `gorm:"type:text;not null"`
	Used          Credits    `gorm:"type:text;not null"`
	ExpiresAt     *time.Time
	Reason        string    `gorm:"size:16;not null"`
	CreatedAt     time.Time `gorm:"not null"`
	DeactivatedAt time.Time `gorm:"not null"`
}

// Reservation encumbers spendable balance for one pending item.
type Reservation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ItemID    string    `gorm:"size:64;uniqueIndex;not null"`
	Grantee   string    `gorm:"size:128;index;not null"`
	Amount    Credits   `gorm:"type:text;not null"`
	Spends    []ReservationSpend
	CreatedAt time.Time `gorm:"not null"`
}

// ReservationSpend records how much of a reservation each payer funded, and
// from which delegation (nil for the grantee's own balance).
type ReservationSpend struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ReservationID uuid.UUID  `gorm:"type:uuid;index;not null"`
	Payer         string     `gorm:"size:128;not null"`
	DelegationID  *uuid.UUID `gorm:"type:uuid"`
	Amount        Credits    `gorm:"type:text;not null"`
}

// GaslessPayment is one x402 payment record.
type GaslessPayment struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Payer         string    `gorm:"size:128;index;not null"`
	Payee         string    `gorm:"size:128;not null"`
	Network       string    `gorm:"size:32;not null"`
	AtomicAmount  Credits   `gorm:"type:text;not null"`
	Credits       Credits   `gorm:"type:text;not null"`
	TxHash        string    `gorm:"size:128"`
	Mode          string    `gorm:"size:16;not null"`
	ItemID        string    `gorm:"size:64;index"`
	DeclaredBytes int64     `gorm:"not null"`
	ActualBytes   *int64
	Status        string    `gorm:"size:16;index;not null"`
	Nonce         string    `gorm:"size:80;not null"`
	CreatedAt     time.Time `gorm:"not null"`
	FinalizedAt   *time.Time
}

// FiatQuote is a pending card top-up quote.
type FiatQuote struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address     string    `gorm:"size:128;index;not null"`
	FiatAmount  string    `gorm:"size:32;not null"`
	Currency    string    `gorm:"size:8;not null"`
	Credits     Credits   `gorm:"type:text;not null"`
	Adjustments string    `gorm:"type:text"`
	SessionID   string    `gorm:"size:128;uniqueIndex"`
	Consumed    bool      `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

// CryptoDeposit tracks a native-token top-up by chain tx id.
type CryptoDeposit struct {
	TxID      string    `gorm:"primaryKey;size:128"`
	Scheme    string    `gorm:"size:32;not null"`
	Address   string    `gorm:"size:128;index;not null"`
	Amount    Credits   `gorm:"type:text;not null"`
	Status    string    `gorm:"size:16;index;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Crypto deposit states.
const (
	DepositPending   = "pending"
	DepositConfirmed = "confirmed"
	DepositRejected  = "rejected"
)

// NamePurchase records a name-system purchase funded from the ledger.
type NamePurchase struct {
	Nonce       string    `gorm:"primaryKey;size:64"`
	Intent      string    `gorm:"size:32;not null"`
	Name        string    `gorm:"size:128;not null"`
	Address     string    `gorm:"size:128;index;not null"`
	CostAtomic  Credits   `gorm:"type:text;not null"`
	CostCredits Credits   `gorm:"type:text;not null"`
	ResultID    string    `gorm:"size:128"`
	Status      string    `gorm:"size:16;index;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// Name purchase states.
const (
	PurchasePending = "pending"
	PurchaseSuccess = "success"
	PurchaseFailed  = "failed"
)

// Migrate creates or updates the ledger schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Address{},
		&Entry{},
		&Delegation{},
		&InactiveDelegation{},
		&Reservation{},
		&ReservationSpend{},
		&GaslessPayment{},
		&FiatQuote{},
		&CryptoDeposit{},
		&NamePurchase{},
	)
}
