package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.TempDir()+"/ledger.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return NewEngine(db)
}

func mustCredit(t *testing.T, e *Engine, address string, amount int64, changeID string) {
	t.Helper()
	require.NoError(t, e.Credit(context.Background(), address, "ethereum", big.NewInt(amount), ReasonCryptoTopUp, changeID))
}

func TestCreditIsIdempotentByChangeID(t *testing.T) {
	engine := testEngine(t)
	mustCredit(t, engine, "alice", 1000, "tx-1")
	mustCredit(t, engine, "alice", 1000, "tx-1")

	balance, err := engine.Balance(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), balance)
}

func TestBalanceEqualsEntrySum(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "alice", 700, "tx-1")
	mustCredit(t, engine, "alice", 300, "tx-2")

	var entries []Entry
	require.NoError(t, engine.DB().Where("address = ?", "alice").Find(&entries).Error)
	sum := new(big.Int)
	for _, entry := range entries {
		sum.Add(sum, &entry.Amount.Int)
	}
	balance, err := engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, sum, balance)
}

func TestReserveSelfFundedAndFinalize(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "alice", 1000, "tx-1")

	in := ReserveInput{Grantee: "alice", Cost: big.NewInt(400), Directive: DirectiveListOrSelf, ItemID: "item-1"}
	res, err := engine.Reserve(ctx, in)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(400), res.Amount)
	require.Len(t, res.Shares, 1)
	require.Equal(t, "alice", res.Shares[0].Payer)

	// Reservation encumbers but does not debit.
	balance, err := engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), balance)

	summary, err := engine.Summary(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(600), summary.Spendable)

	require.NoError(t, engine.Finalize(ctx, "alice", "item-1"))
	balance, err = engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(600), balance)
}

func TestReserveIsIdempotentByItemID(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "alice", 1000, "tx-1")

	in := ReserveInput{Grantee: "alice", Cost: big.NewInt(300), Directive: DirectiveListOrSelf, ItemID: "item-1"}
	first, err := engine.Reserve(ctx, in)
	require.NoError(t, err)
	second, err := engine.Reserve(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.ReservationID, second.ReservationID)

	summary, err := engine.Summary(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(700), summary.Spendable)
}

func TestReserveFailsWithNothingToDraw(t *testing.T) {
	engine := testEngine(t)
	_, err := engine.Reserve(context.Background(), ReserveInput{
		Grantee: "nobody", Cost: big.NewInt(1), Directive: DirectiveListOrSelf, ItemID: "item-x",
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRefundIsNoOpWhenMissing(t *testing.T) {
	engine := testEngine(t)
	require.NoError(t, engine.Refund(context.Background(), "alice", "missing-item"))
}

func TestMultiPartyReservationAndRefund(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	// A grants 80, B grants 150 with 10 already used; cost 200 draws 80 from
	// D1 (archived as used) and 120 from D2.
	mustCredit(t, engine, "A", 1000, "tx-a")
	mustCredit(t, engine, "B", 1000, "tx-b")

	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(2 * time.Hour)
	d1, err := engine.CreateDelegation(ctx, "A", "G", big.NewInt(80), &soon)
	require.NoError(t, err)
	d2, err := engine.CreateDelegation(ctx, "B", "G", big.NewInt(150), &later)
	require.NoError(t, err)

	// Consume 10 of D2 up front.
	_, err = engine.Reserve(ctx, ReserveInput{
		Grantee: "G", Cost: big.NewInt(10), PaidBy: []string{"B"},
		Directive: DirectiveListOnly, ItemID: "warmup",
	})
	require.NoError(t, err)
	require.NoError(t, engine.Finalize(ctx, "G", "warmup"))

	res, err := engine.Reserve(ctx, ReserveInput{
		Grantee: "G", Cost: big.NewInt(200), PaidBy: []string{"A", "B"},
		Directive: DirectiveListOrSelf, ItemID: "item-6",
	})
	require.NoError(t, err)
	require.Len(t, res.Shares, 2)
	require.Equal(t, "A", res.Shares[0].Payer)
	require.Equal(t, big.NewInt(80), res.Shares[0].Amount)
	require.Equal(t, "B", res.Shares[1].Payer)
	require.Equal(t, big.NewInt(120), res.Shares[1].Amount)

	// D1 is fully used and archived.
	var archived InactiveDelegation
	require.NoError(t, engine.DB().Where("id = ?", d1).First(&archived).Error)
	require.Equal(t, DeactivatedUsed, archived.Reason)

	// D2 shows 130 used.
	var active Delegation
	require.NoError(t, engine.DB().Where("id = ?", d2).First(&active).Error)
	require.Equal(t, "130", active.Used.String())

	// Refund restores D2 to 10 used and resurrects D1.
	require.NoError(t, engine.Refund(ctx, "G", "item-6"))
	require.NoError(t, engine.DB().Where("id = ?", d2).First(&active).Error)
	require.Equal(t, "10", active.Used.String())
	active = Delegation{}
	require.NoError(t, engine.DB().Where("id = ?", d1).First(&active).Error)
	require.Equal(t, "0", active.Used.String())
}

func TestDelegationUsedNeverExceedsApproved(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "A", 100, "tx-a")
	_, err := engine.CreateDelegation(ctx, "A", "G", big.NewInt(100), nil)
	require.NoError(t, err)

	// Cost above the delegation with list-only fails outright.
	_, err = engine.Reserve(ctx, ReserveInput{
		Grantee: "G", Cost: big.NewInt(150), PaidBy: []string{"A"},
		Directive: DirectiveListOnly, ItemID: "item-1",
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestCreateDelegationRequiresSpendable(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "A", 100, "tx-a")
	_, err := engine.CreateDelegation(ctx, "A", "G", big.NewInt(80), nil)
	require.NoError(t, err)
	// Only 20 spendable remains.
	_, err = engine.CreateDelegation(ctx, "A", "H", big.NewInt(30), nil)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRevokeDelegationReleasesEncumbrance(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "A", 100, "tx-a")
	id, err := engine.CreateDelegation(ctx, "A", "G", big.NewInt(80), nil)
	require.NoError(t, err)

	summary, err := engine.Summary(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(20), summary.Spendable)

	require.NoError(t, engine.RevokeDelegation(ctx, "A", id))
	summary, err = engine.Summary(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), summary.Spendable)

	var archived InactiveDelegation
	require.NoError(t, engine.DB().Where("id = ?", id).First(&archived).Error)
	require.Equal(t, DeactivatedRevoked, archived.Reason)
}

func TestExpiredDelegationIsNotDrawn(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "A", 100, "tx-a")

	past := time.Now().Add(time.Hour)
	_, err := engine.CreateDelegation(ctx, "A", "G", big.NewInt(100), &past)
	require.NoError(t, err)

	// Move the clock past expiry.
	engine.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	check, err := engine.Check(ctx, ReserveInput{
		Grantee: "G", Cost: big.NewInt(1), PaidBy: []string{"A"}, Directive: DirectiveListOnly,
	})
	require.NoError(t, err)
	require.False(t, check.Sufficient)
}

func TestCheckMatchesReserveArithmetic(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "A", 500, "tx-a")
	_, err := engine.CreateDelegation(ctx, "A", "G", big.NewInt(200), nil)
	require.NoError(t, err)

	check, err := engine.Check(ctx, ReserveInput{
		Grantee: "G", Cost: big.NewInt(200), PaidBy: []string{"A"}, Directive: DirectiveListOnly,
	})
	require.NoError(t, err)
	require.True(t, check.Sufficient)
	require.Equal(t, big.NewInt(200), check.Spendable)

	// Check writes nothing: reserve still succeeds for the full amount.
	_, err = engine.Reserve(ctx, ReserveInput{
		Grantee: "G", Cost: big.NewInt(200), PaidBy: []string{"A"},
		Directive: DirectiveListOnly, ItemID: "item-1",
	})
	require.NoError(t, err)
}

func TestFinalizeItemResolvesGranteeFromReservation(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "alice", 1_000_000, "tx-1")
	_, err := engine.Reserve(ctx, ReserveInput{
		Grantee: "alice", Cost: big.NewInt(400), Directive: DirectiveListOrSelf, ItemID: "item-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.FinalizeItem(ctx, "item-1"))

	balance, err := engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(999_600), balance)

	var reservations int64
	require.NoError(t, engine.DB().Model(&Reservation{}).Count(&reservations).Error)
	require.Zero(t, reservations)

	// Unknown items are a no-op, not an error.
	require.NoError(t, engine.FinalizeItem(ctx, "never-reserved"))
}

type recordingAuditor struct {
	actors  []string
	actions []string
	items   []string
	amounts []string
}

func (a *recordingAuditor) Record(_ context.Context, actor, action, itemID, amount, _ string) {
	a.actors = append(a.actors, actor)
	a.actions = append(a.actions, action)
	a.items = append(a.items, itemID)
	a.amounts = append(a.amounts, amount)
}

func TestBalanceChangesReachTheAuditor(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	sink := &recordingAuditor{}
	engine.WithAuditor(sink)

	mustCredit(t, engine, "alice", 1000, "tx-1")
	_, err := engine.Reserve(ctx, ReserveInput{
		Grantee: "alice", Cost: big.NewInt(400), Directive: DirectiveListOrSelf, ItemID: "item-1",
	})
	require.NoError(t, err)
	require.NoError(t, engine.FinalizeItem(ctx, "item-1"))

	require.Equal(t, []string{ReasonCryptoTopUp, ReasonUploadCharge}, sink.actions)
	require.Equal(t, []string{"alice", "alice"}, sink.actors)
	require.Equal(t, "item-1", sink.items[1])
	require.Equal(t, "-400", sink.amounts[1])
}

func TestFinalizeIsIdempotent(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	mustCredit(t, engine, "alice", 1000, "tx-1")
	_, err := engine.Reserve(ctx, ReserveInput{
		Grantee: "alice", Cost: big.NewInt(400), Directive: DirectiveListOrSelf, ItemID: "item-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Finalize(ctx, "alice", "item-1"))
	require.NoError(t, engine.Finalize(ctx, "alice", "item-1"))

	balance, err := engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(600), balance)
}
