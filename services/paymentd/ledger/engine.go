package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bundlegw/observability"
)

var (
	// ErrInsufficientBalance is returned when a reserve cannot be funded.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotFound is returned for unknown addresses, delegations, or reservations.
	ErrNotFound = errors.New("ledger record not found")
)

// Directive controls whether a reserve may fall back to the grantee's own
// balance after the payer list is exhausted.
type Directive string

const (
	DirectiveListOnly   Directive = "list-only"
	DirectiveListOrSelf Directive = "list-or-self"
)

// ReserveInput names the parameters of a reserve operation.
type ReserveInput struct {
	Grantee   string
	Scheme    string
	Cost      *big.Int
	PaidBy    []string
	Directive Directive
	ItemID    string
}

// SpendShare is one payer's contribution to a reservation.
type SpendShare struct {
	Payer        string
	DelegationID *uuid.UUID
	Amount       *big.Int
}

// ReserveResult reports the created (or pre-existing) reservation.
type ReserveResult struct {
	ReservationID uuid.UUID
	Amount        *big.Int
	Shares        []SpendShare
}

// CheckResult reports affordability without side effects.
type CheckResult struct {
	Sufficient bool
	Cost       *big.Int
	Spendable  *big.Int
}

// BalanceSummary is the /balance response shape.
type BalanceSummary struct {
	Owned     *big.Int
	Spendable *big.Int
	Effective *big.Int
	Given     []Delegation
	Received  []Delegation
}

// Auditor receives one event per balance-affecting ledger change. Record must
// never fail the calling operation.
type Auditor interface {
	Record(ctx context.Context, actor, action, itemID, amount, detail string)
}

// Engine serializes all balance mutations per grantee address and keeps the
// ledger invariants: balances equal entry sums, reservations encumber without
// debiting, delegation used never exceeds approved.
type Engine struct {
	db      *gorm.DB
	locks   sync.Map
	now     func() time.Time
	auditor Auditor
}

// NewEngine wraps a gorm handle.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db, now: time.Now}
}

// WithClock overrides the engine clock for tests.
func (e *Engine) WithClock(now func() time.Time) { e.now = now }

// WithAuditor attaches an audit sink. Every appended ledger entry is mirrored
// to it with the entry reason as the audit action.
func (e *Engine) WithAuditor(a Auditor) { e.auditor = a }

// AuditEvent forwards a non-entry event (penalties, rejections) to the
// attached auditor. No-op without one.
func (e *Engine) AuditEvent(ctx context.Context, actor, action, itemID, amount, detail string) {
	if e.auditor != nil {
		e.auditor.Record(ctx, actor, action, itemID, amount, detail)
	}
}

func (e *Engine) lock(address string) func() {
	actual, _ := e.locks.LoadOrStore(address, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) observe(op string, start time.Time, err error) {
	observability.Ledger().Observe(op, time.Since(start), err)
}

// Credit appends a positive ledger entry for address, creating the address on
// first credit. Idempotent by changeID.
func (e *Engine) Credit(ctx context.Context, address, scheme string, amount *big.Int, reason, changeID string) (err error) {
	start := e.now()
	defer func() { e.observe("credit", start, err) }()
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	unlock := e.lock(address)
	defer unlock()
	applied := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		applied, txErr = e.appendEntry(tx, address, scheme, amount, reason, changeID)
		return txErr
	})
	if err == nil && applied {
		e.AuditEvent(ctx, address, reason, changeID, amount.String(), "")
	}
	return err
}

// appendEntry writes one ledger row and moves the cached balance, skipping
// duplicates of (changeID, reason). Reports whether a row was written so the
// caller can audit committed changes only.
func (e *Engine) appendEntry(tx *gorm.DB, address, scheme string, amount *big.Int, reason, changeID string) (bool, error) {
	var existing int64
	if err := tx.Model(&Entry{}).
		Where("change_id = ? AND reason = ? AND address = ?", changeID, reason, address).
		Count(&existing).Error; err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	if existing > 0 {
		return false, nil
	}
	now := e.now()
	account, err := e.loadOrCreateAddress(tx, address, scheme, now)
	if err != nil {
		return false, err
	}
	next := new(big.Int).Add(&account.Balance.Int, amount)
	if next.Sign() < 0 {
		return false, fmt.Errorf("%w: balance would go negative", ErrInsufficientBalance)
	}
	entry := Entry{
		ID:        uuid.New(),
		Address:   address,
		Amount:    NewCredits(amount),
		Reason:    reason,
		ChangeID:  changeID,
		CreatedAt: now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	account.Balance = NewCredits(next)
	account.UpdatedAt = now
	if err := tx.Save(account).Error; err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	return true, nil
}

func (e *Engine) loadOrCreateAddress(tx *gorm.DB, address, scheme string, now time.Time) (*Address, error) {
	var account Address
	err := tx.Where("address = ?", address).First(&account).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		account = Address{Address: address, Scheme: scheme, Balance: CreditsFromInt64(0), CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&account).Error; err != nil {
			return nil, fmt.Errorf("create address: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load address: %w", err)
	}
	return &account, nil
}

// Balance returns the owned balance of address (zero if unknown).
func (e *Engine) Balance(ctx context.Context, address string) (*big.Int, error) {
	var account Address
	err := e.db.WithContext(ctx).Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load address: %w", err)
	}
	return new(big.Int).Set(&account.Balance.Int), nil
}

// Summary assembles the /balance response for an address.
func (e *Engine) Summary(ctx context.Context, address string) (*BalanceSummary, error) {
	owned, err := e.Balance(ctx, address)
	if err != nil {
		return nil, err
	}
	tx := e.db.WithContext(ctx)
	var given, received []Delegation
	if err := tx.Where("grantor = ?", address).Find(&given).Error; err != nil {
		return nil, fmt.Errorf("load given delegations: %w", err)
	}
	if err := tx.Where("grantee = ?", address).Find(&received).Error; err != nil {
		return nil, fmt.Errorf("load received delegations: %w", err)
	}
	spendable, err := e.spendable(tx, address, owned)
	if err != nil {
		return nil, err
	}
	effective := new(big.Int).Set(owned)
	for _, d := range received {
		if !e.expired(&d) {
			effective.Add(effective, d.Remaining())
		}
	}
	return &BalanceSummary{
		Owned:     owned,
		Spendable: spendable,
		Effective: effective,
		Given:     given,
		Received:  received,
	}, nil
}

// spendable computes balance + Σ remaining received − Σ remaining given −
// Σ reservation spends funded by the address.
func (e *Engine) spendable(tx *gorm.DB, address string, owned *big.Int) (*big.Int, error) {
	out := new(big.Int).Set(owned)
	var received []Delegation
	if err := tx.Where("grantee = ?", address).Find(&received).Error; err != nil {
		return nil, fmt.Errorf("load received delegations: %w", err)
	}
	for _, d := range received {
		if !e.expired(&d) {
			out.Add(out, d.Remaining())
		}
	}
	var given []Delegation
	if err := tx.Where("grantor = ?", address).Find(&given).Error; err != nil {
		return nil, fmt.Errorf("load given delegations: %w", err)
	}
	for _, d := range given {
		out.Sub(out, d.Remaining())
	}
	var spends []ReservationSpend
	if err := tx.Where("payer = ?", address).Find(&spends).Error; err != nil {
		return nil, fmt.Errorf("load reservation spends: %w", err)
	}
	for _, s := range spends {
		out.Sub(out, &s.Amount.Int)
	}
	return out, nil
}

// selfAvailable is the slice of spendable the grantee can self-fund: owned
// balance minus given encumbrances and own reservation spends, without
// received delegations.
func (e *Engine) selfAvailable(tx *gorm.DB, address string, owned *big.Int) (*big.Int, error) {
	out := new(big.Int).Set(owned)
	var given []Delegation
	if err := tx.Where("grantor = ?", address).Find(&given).Error; err != nil {
		return nil, fmt.Errorf("load given delegations: %w", err)
	}
	for _, d := range given {
		out.Sub(out, d.Remaining())
	}
	var spends []ReservationSpend
	if err := tx.Where("payer = ?", address).Find(&spends).Error; err != nil {
		return nil, fmt.Errorf("load reservation spends: %w", err)
	}
	for _, s := range spends {
		out.Sub(out, &s.Amount.Int)
	}
	return out, nil
}

func (e *Engine) expired(d *Delegation) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(e.now())
}

// Check reports whether grantee (with the given payer set) could fund cost.
// Same arithmetic as Reserve, no writes.
func (e *Engine) Check(ctx context.Context, in ReserveInput) (result *CheckResult, err error) {
	start := e.now()
	defer func() { e.observe("check", start, err) }()
	tx := e.db.WithContext(ctx)
	owned, err := e.Balance(ctx, in.Grantee)
	if err != nil {
		return nil, err
	}
	available := new(big.Int)
	delegations, err := e.eligibleDelegations(tx, in.Grantee, in.PaidBy)
	if err != nil {
		return nil, err
	}
	for _, d := range delegations {
		available.Add(available, d.Remaining())
	}
	if in.Directive == DirectiveListOrSelf || in.Directive == "" {
		self, err := e.selfAvailable(tx, in.Grantee, owned)
		if err != nil {
			return nil, err
		}
		if self.Sign() > 0 {
			available.Add(available, self)
		}
	}
	return &CheckResult{
		Sufficient: available.Cmp(in.Cost) >= 0,
		Cost:       new(big.Int).Set(in.Cost),
		Spendable:  available,
	}, nil
}

// eligibleDelegations returns active, unexpired delegations to grantee from
// the payer set, ordered by expiry ascending (no expiry last).
func (e *Engine) eligibleDelegations(tx *gorm.DB, grantee string, paidBy []string) ([]Delegation, error) {
	if len(paidBy) == 0 {
		return nil, nil
	}
	var delegations []Delegation
	if err := tx.Where("grantee = ? AND grantor IN ?", grantee, paidBy).Find(&delegations).Error; err != nil {
		return nil, fmt.Errorf("load delegations: %w", err)
	}
	filtered := delegations[:0]
	for _, d := range delegations {
		if !e.expired(&d) && d.Remaining().Sign() > 0 {
			filtered = append(filtered, d)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i].ExpiresAt, filtered[j].ExpiresAt
		switch {
		case a == nil && b == nil:
			return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return filtered, nil
}

// Reserve encumbers cost for one pending item, drawing from the payer set's
// delegations earliest-expiry first and optionally the grantee's own balance.
// Idempotent by item id.
func (e *Engine) Reserve(ctx context.Context, in ReserveInput) (result *ReserveResult, err error) {
	start := e.now()
	defer func() { e.observe("reserve", start, err) }()
	if in.Cost == nil || in.Cost.Sign() <= 0 {
		return nil, fmt.Errorf("reserve cost must be positive")
	}
	if in.ItemID == "" {
		return nil, fmt.Errorf("reserve requires an item id")
	}
	unlock := e.lock(in.Grantee)
	defer unlock()

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Reservation
		lookupErr := tx.Preload("Spends").Where("item_id = ?", in.ItemID).First(&existing).Error
		if lookupErr == nil {
			result = reservationResult(&existing)
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load reservation: %w", lookupErr)
		}

		remaining := new(big.Int).Set(in.Cost)
		now := e.now()
		reservation := Reservation{
			ID:        uuid.New(),
			ItemID:    in.ItemID,
			Grantee:   in.Grantee,
			Amount:    NewCredits(in.Cost),
			CreatedAt: now,
		}
		var spends []ReservationSpend

		delegations, err := e.eligibleDelegations(tx, in.Grantee, in.PaidBy)
		if err != nil {
			return err
		}
		for i := range delegations {
			if remaining.Sign() == 0 {
				break
			}
			d := delegations[i]
			draw := d.Remaining()
			if draw.Cmp(remaining) > 0 {
				draw.Set(remaining)
			}
			d.Used = NewCredits(new(big.Int).Add(&d.Used.Int, draw))
			if d.Remaining().Sign() == 0 {
				if err := e.deactivate(tx, &d, DeactivatedUsed, now); err != nil {
					return err
				}
			} else if err := tx.Save(&d).Error; err != nil {
				return fmt.Errorf("update delegation: %w", err)
			}
			id := d.ID
			spends = append(spends, ReservationSpend{
				ID:            uuid.New(),
				ReservationID: reservation.ID,
				Payer:         d.Grantor,
				DelegationID:  &id,
				Amount:        NewCredits(draw),
			})
			remaining.Sub(remaining, draw)
		}

		if remaining.Sign() > 0 && (in.Directive == DirectiveListOrSelf || in.Directive == "") {
			owned, err := e.Balance(ctx, in.Grantee)
			if err != nil {
				return err
			}
			self, err := e.selfAvailable(tx, in.Grantee, owned)
			if err != nil {
				return err
			}
			if self.Cmp(remaining) >= 0 {
				spends = append(spends, ReservationSpend{
					ID:            uuid.New(),
					ReservationID: reservation.ID,
					Payer:         in.Grantee,
					Amount:        NewCredits(remaining),
				})
				remaining.SetInt64(0)
			}
		}
		if remaining.Sign() > 0 {
			return ErrInsufficientBalance
		}

		if err := tx.Create(&reservation).Error; err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		for i := range spends {
			if err := tx.Create(&spends[i]).Error; err != nil {
				return fmt.Errorf("record reservation spend: %w", err)
			}
		}
		reservation.Spends = spends
		result = reservationResult(&reservation)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func reservationResult(r *Reservation) *ReserveResult {
	out := &ReserveResult{
		ReservationID: r.ID,
		Amount:        new(big.Int).Set(&r.Amount.Int),
	}
	for _, s := range r.Spends {
		out.Shares = append(out.Shares, SpendShare{
			Payer:        s.Payer,
			DelegationID: s.DelegationID,
			Amount:       new(big.Int).Set(&s.Amount.Int),
		})
	}
	return out
}

func (e *Engine) deactivate(tx *gorm.DB, d *Delegation, reason string, now time.Time) error {
	archived := InactiveDelegation{
		ID:            d.ID,
		Grantor:       d.Grantor,
		Grantee:       d.Grantee,
		Approved:      d.Approved,
		Used:          d.Used,
		ExpiresAt:     d.ExpiresAt,
		Reason:        reason,
		CreatedAt:     d.CreatedAt,
		DeactivatedAt: now,
	}
	if err := tx.Create(&archived).Error; err != nil {
		return fmt.Errorf("archive delegation: %w", err)
	}
	if err := tx.Delete(&Delegation{}, "id = ?", d.ID).Error; err != nil {
		return fmt.Errorf("remove delegation: %w", err)
	}
	return nil
}

// Refund releases the reservation for itemID, reversing delegation draws.
// A missing or already-refunded reservation is a no-op.
func (e *Engine) Refund(ctx context.Context, grantee, itemID string) (err error) {
	start := e.now()
	defer func() { e.observe("refund", start, err) }()
	unlock := e.lock(grantee)
	defer unlock()

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation Reservation
		lookupErr := tx.Preload("Spends").Where("item_id = ?", itemID).First(&reservation).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupErr != nil {
			return fmt.Errorf("load reservation: %w", lookupErr)
		}
		now := e.now()
		for _, spend := range reservation.Spends {
			if spend.DelegationID == nil {
				continue
			}
			if err := e.restoreDelegationDraw(tx, *spend.DelegationID, &spend.Amount.Int, now); err != nil {
				return err
			}
		}
		if err := tx.Delete(&ReservationSpend{}, "reservation_id = ?", reservation.ID).Error; err != nil {
			return fmt.Errorf("remove reservation spends: %w", err)
		}
		if err := tx.Delete(&Reservation{}, "id = ?", reservation.ID).Error; err != nil {
			return fmt.Errorf("remove reservation: %w", err)
		}
		return nil
	})
}

// restoreDelegationDraw undoes a draw of amount against the delegation,
// resurrecting it from the inactive table when it was fully used.
func (e *Engine) restoreDelegationDraw(tx *gorm.DB, id uuid.UUID, amount *big.Int, now time.Time) error {
	var active Delegation
	err := tx.Where("id = ?", id).First(&active).Error
	if err == nil {
		next := new(big.Int).Sub(&active.Used.Int, amount)
		if next.Sign() < 0 {
			return fmt.Errorf("delegation %s used would go negative", id)
		}
		active.Used = NewCredits(next)
		return tx.Save(&active).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load delegation: %w", err)
	}
	var archived InactiveDelegation
	if err := tx.Where("id = ? AND reason = ?", id, DeactivatedUsed).First(&archived).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: delegation %s", ErrNotFound, id)
		}
		return fmt.Errorf("load archived delegation: %w", err)
	}
	restoredUsed := new(big.Int).Sub(&archived.Used.Int, amount)
	if restoredUsed.Sign() < 0 {
		return fmt.Errorf("delegation %s used would go negative", id)
	}
	restored := Delegation{
		ID:        archived.ID,
		Grantor:   archived.Grantor,
		Grantee:   archived.Grantee,
		Approved:  archived.Approved,
		Used:      NewCredits(restoredUsed),
		ExpiresAt: archived.ExpiresAt,
		CreatedAt: archived.CreatedAt,
	}
	if err := tx.Create(&restored).Error; err != nil {
		return fmt.Errorf("restore delegation: %w", err)
	}
	if err := tx.Delete(&InactiveDelegation{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("remove archived delegation: %w", err)
	}
	return nil
}

// Finalize absorbs the reservation for an accepted item: each funding payer's
// balance is debited by their share and the reservation is removed. Idempotent
// by item id.
func (e *Engine) Finalize(ctx context.Context, grantee, itemID string) (err error) {
	start := e.now()
	defer func() { e.observe("finalize", start, err) }()
	unlock := e.lock(grantee)
	defer unlock()

	type charge struct {
		payer  string
		amount string
	}
	var charges []charge
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation Reservation
		lookupErr := tx.Preload("Spends").Where("item_id = ?", itemID).First(&reservation).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupErr != nil {
			return fmt.Errorf("load reservation: %w", lookupErr)
		}
		for _, spend := range reservation.Spends {
			debit := new(big.Int).Neg(&spend.Amount.Int)
			applied, err := e.appendEntry(tx, spend.Payer, "", debit, ReasonUploadCharge, itemID)
			if err != nil {
				return err
			}
			if applied {
				charges = append(charges, charge{payer: spend.Payer, amount: debit.String()})
			}
		}
		if err := tx.Delete(&ReservationSpend{}, "reservation_id = ?", reservation.ID).Error; err != nil {
			return fmt.Errorf("remove reservation spends: %w", err)
		}
		if err := tx.Delete(&Reservation{}, "id = ?", reservation.ID).Error; err != nil {
			return fmt.Errorf("remove reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range charges {
		e.AuditEvent(ctx, c.payer, ReasonUploadCharge, itemID, c.amount, "")
	}
	return nil
}

// FinalizeItem finalizes by item id alone, resolving the grantee from the
// reservation. Items with no reservation (free or gasless-funded uploads)
// are a no-op.
func (e *Engine) FinalizeItem(ctx context.Context, itemID string) error {
	var reservation Reservation
	err := e.db.WithContext(ctx).Where("item_id = ?", itemID).First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}
	return e.Finalize(ctx, reservation.Grantee, itemID)
}

// CreateDelegation grants grantee spending authority over grantor's balance.
// The approved amount encumbers the grantor's spendable immediately.
func (e *Engine) CreateDelegation(ctx context.Context, grantor, grantee string, approved *big.Int, expiresAt *time.Time) (id uuid.UUID, err error) {
	start := e.now()
	defer func() { e.observe("delegate", start, err) }()
	if approved == nil || approved.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("approved amount must be positive")
	}
	if grantor == grantee {
		return uuid.Nil, fmt.Errorf("cannot delegate to self")
	}
	unlock := e.lock(grantor)
	defer unlock()

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned, err := e.Balance(ctx, grantor)
		if err != nil {
			return err
		}
		self, err := e.selfAvailable(tx, grantor, owned)
		if err != nil {
			return err
		}
		if self.Cmp(approved) < 0 {
			return ErrInsufficientBalance
		}
		delegation := Delegation{
			ID:        uuid.New(),
			Grantor:   grantor,
			Grantee:   grantee,
			Approved:  NewCredits(approved),
			Used:      CreditsFromInt64(0),
			ExpiresAt: expiresAt,
			CreatedAt: e.now(),
		}
		if err := tx.Create(&delegation).Error; err != nil {
			return fmt.Errorf("create delegation: %w", err)
		}
		id = delegation.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// RevokeDelegation archives an active delegation with reason revoked. The
// unused remainder stops encumbering the grantor's spendable.
func (e *Engine) RevokeDelegation(ctx context.Context, grantor string, id uuid.UUID) (err error) {
	start := e.now()
	defer func() { e.observe("revoke", start, err) }()
	unlock := e.lock(grantor)
	defer unlock()

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var delegation Delegation
		if err := tx.Where("id = ? AND grantor = ?", id, grantor).First(&delegation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: delegation %s", ErrNotFound, id)
			}
			return fmt.Errorf("load delegation: %w", err)
		}
		return e.deactivate(tx, &delegation, DeactivatedRevoked, e.now())
	})
}

// ExpireDelegations archives delegations past their expiry. Called on a timer.
func (e *Engine) ExpireDelegations(ctx context.Context) (int, error) {
	var expired []Delegation
	now := e.now()
	if err := e.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now).Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("load expired delegations: %w", err)
	}
	for i := range expired {
		unlock := e.lock(expired[i].Grantor)
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return e.deactivate(tx, &expired[i], DeactivatedExpired, now)
		})
		unlock()
		if err != nil {
			return i, err
		}
	}
	return len(expired), nil
}

// DB exposes the underlying handle for sibling packages that share the
// payment database (gasless records, top-up quotes, name purchases).
func (e *Engine) DB() *gorm.DB { return e.db }
