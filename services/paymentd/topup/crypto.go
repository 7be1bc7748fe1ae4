package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"gorm.io/gorm"

	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
)

// ErrDepositRejected marks a deposit whose chain transaction is invalid.
var ErrDepositRejected = errors.New("deposit rejected")

// ChainTx is the gateway's view of a native-token transfer.
type ChainTx struct {
	ID            string
	Target        string
	Quantity      *big.Int
	Confirmations int
}

// ChainReader looks up transactions on the storage chain.
type ChainReader interface {
	Transaction(ctx context.Context, scheme, txID string) (*ChainTx, error)
}

// depositConfirmations is the depth required before crediting.
const depositConfirmations = 10

// Crypto tracks native-token deposits submitted by tx id.
type Crypto struct {
	db          *gorm.DB
	ledger      *ledger.Engine
	pricing     *pricing.Engine
	chain       ChainReader
	depositAddr string
	log         *slog.Logger
	now         func() time.Time
}

// NewCrypto wires the crypto deposit flow. depositAddr is the service wallet
// deposits must target.
func NewCrypto(led *ledger.Engine, price *pricing.Engine, chain ChainReader, depositAddr string, log *slog.Logger) *Crypto {
	return &Crypto{
		db:          led.DB(),
		ledger:      led,
		pricing:     price,
		chain:       chain,
		depositAddr: depositAddr,
		log:         log,
		now:         time.Now,
	}
}

// SubmitResult is the immediate response to a deposit submission.
type SubmitResult struct {
	Status  string
	Credits *big.Int
}

// Submit records a deposit tx id and settles it immediately when the chain
// already shows enough confirmations; otherwise it is left pending for the
// watcher. Idempotent by tx id.
func (c *Crypto) Submit(ctx context.Context, scheme, address, txID string) (*SubmitResult, error) {
	var existing ledger.CryptoDeposit
	err := c.db.WithContext(ctx).Where("tx_id = ?", txID).First(&existing).Error
	if err == nil {
		return &SubmitResult{Status: existing.Status, Credits: &existing.Amount.Int}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load deposit: %w", err)
	}

	now := c.now()
	deposit := ledger.CryptoDeposit{
		TxID:      txID,
		Scheme:    scheme,
		Address:   address,
		Amount:    ledger.CreditsFromInt64(0),
		Status:    ledger.DepositPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.db.WithContext(ctx).Create(&deposit).Error; err != nil {
		return nil, fmt.Errorf("persist deposit: %w", err)
	}
	if err := c.settle(ctx, &deposit); err != nil {
		if errors.Is(err, ErrDepositRejected) {
			return &SubmitResult{Status: ledger.DepositRejected}, err
		}
		// Chain not ready yet: stay pending.
		c.log.Debug("deposit pending", "tx", txID, "error", err)
	}
	return &SubmitResult{Status: deposit.Status, Credits: &deposit.Amount.Int}, nil
}

// settle checks the chain and credits the deposit when confirmed. Mutates the
// deposit row in place.
func (c *Crypto) settle(ctx context.Context, deposit *ledger.CryptoDeposit) error {
	tx, err := c.chain.Transaction(ctx, deposit.Scheme, deposit.TxID)
	if err != nil {
		return fmt.Errorf("look up deposit tx: %w", err)
	}
	if tx.Target != c.depositAddr {
		deposit.Status = ledger.DepositRejected
		deposit.UpdatedAt = c.now()
		if saveErr := c.db.WithContext(ctx).Save(deposit).Error; saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("%w: tx targets %s", ErrDepositRejected, tx.Target)
	}
	if tx.Confirmations < depositConfirmations {
		return fmt.Errorf("tx has %d of %d confirmations", tx.Confirmations, depositConfirmations)
	}

	assessment, err := c.pricing.CreditsForCrypto(ctx, tx.Quantity, pricing.FeeSubtract)
	if err != nil {
		return err
	}
	if err := c.ledger.Credit(ctx, deposit.Address, deposit.Scheme, assessment.Net, ledger.ReasonCryptoTopUp, "deposit:"+deposit.TxID); err != nil {
		return err
	}
	deposit.Amount = ledger.NewCredits(assessment.Net)
	deposit.Status = ledger.DepositConfirmed
	deposit.UpdatedAt = c.now()
	if err := c.db.WithContext(ctx).Save(deposit).Error; err != nil {
		return fmt.Errorf("mark deposit confirmed: %w", err)
	}
	c.log.Info("crypto deposit confirmed",
		"tx", deposit.TxID, "address", deposit.Address, "credits", assessment.Net.String())
	return nil
}

// Watch polls pending deposits until ctx is cancelled.
func (c *Crypto) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweepPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("deposit sweep failed", "error", err)
			}
		}
	}
}

func (c *Crypto) sweepPending(ctx context.Context) error {
	var pending []ledger.CryptoDeposit
	if err := c.db.WithContext(ctx).Where("status = ?", ledger.DepositPending).Limit(100).Find(&pending).Error; err != nil {
		return fmt.Errorf("load pending deposits: %w", err)
	}
	for i := range pending {
		if err := c.settle(ctx, &pending[i]); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			continue
		}
	}
	return nil
}
