package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minexch/stockbook/internal/apperr"
	"github.com/minexch/stockbook/internal/db"
	"github.com/minexch/stockbook/internal/models"
)

// WalletLedger owns settled fund balances.
type WalletLedger interface {
	GetWallet(ctx context.Context, q db.Querier, userID uuid.UUID) (*models.Wallet, error)
	GetWalletForUpdate(ctx context.Context, q db.Querier, userID uuid.UUID) (*models.Wallet, error)
	UpdateFunds(ctx context.Context, q db.Querier, userID uuid.UUID, delta decimal.Decimal) (*models.Wallet, error)
}

// OpenOrderSource supplies a user's own resting orders, used to compute
// funds pledged in open buys.
type OpenOrderSource interface {
	GetOpenOrdersForOwner(ctx context.Context, q db.Querier, ownerID uuid.UUID, stockName string, side models.Side) ([]models.Order, error)
}

// Settlement moves funds between counterparties for one trade batch and
// validates prospective debits against available balance.
type Settlement struct {
	wallets WalletLedger
	orders  OpenOrderSource
	log     *zap.Logger
}

// NewSettlement wires a settlement processor over the wallet ledger.
func NewSettlement(wallets WalletLedger, orders OpenOrderSource, log *zap.Logger) *Settlement {
	return &Settlement{wallets: wallets, orders: orders, log: log}
}

// ProcessFundsForSell credits the seller once with the flat quoted ask
// over the total filled quantity, then applies one aggregated debit per
// distinct buyer at each trade's own price. Everything runs inside the
// caller's transaction; a failing buyer debit rolls back the seller
// credit with the rest of the submission.
func (s *Settlement) ProcessFundsForSell(ctx context.Context, q db.Querier, sellerID uuid.UUID, trades []models.Trade, askPrice decimal.Decimal) error {
	sellerCredit := decimal.Zero
	for _, t := range trades {
		sellerCredit = sellerCredit.Add(askPrice.Mul(decimal.NewFromInt(t.Quantity)))
	}
	if _, err := s.wallets.UpdateFunds(ctx, q, sellerID, sellerCredit); err != nil {
		return fmt.Errorf("failed to credit seller %s: %w", sellerID, err)
	}

	debits := map[uuid.UUID]decimal.Decimal{}
	var buyers []uuid.UUID
	for _, t := range trades {
		if _, seen := debits[t.BuyerID]; !seen {
			buyers = append(buyers, t.BuyerID)
		}
		debits[t.BuyerID] = debits[t.BuyerID].Sub(t.Price.Mul(decimal.NewFromInt(t.Quantity)))
	}
	for _, buyerID := range buyers {
		if _, err := s.wallets.UpdateFunds(ctx, q, buyerID, debits[buyerID]); err != nil {
			return fmt.Errorf("failed to debit buyer %s: %w", buyerID, err)
		}
	}

	s.log.Info("settled sell funds",
		zap.String("seller_id", sellerID.String()),
		zap.String("seller_credit", sellerCredit.String()),
		zap.Int("buyers", len(buyers)))
	return nil
}

// ProcessFundsForBuy debits the buyer once with the sum of each trade's
// own execution price, then applies one aggregated credit per distinct
// seller.
func (s *Settlement) ProcessFundsForBuy(ctx context.Context, q db.Querier, buyerID uuid.UUID, trades []models.Trade) error {
	buyerDebit := decimal.Zero
	credits := map[uuid.UUID]decimal.Decimal{}
	var sellers []uuid.UUID
	for _, t := range trades {
		total := t.Price.Mul(decimal.NewFromInt(t.Quantity))
		buyerDebit = buyerDebit.Sub(total)
		if _, seen := credits[t.SellerID]; !seen {
			sellers = append(sellers, t.SellerID)
		}
		credits[t.SellerID] = credits[t.SellerID].Add(total)
	}

	if _, err := s.wallets.UpdateFunds(ctx, q, buyerID, buyerDebit); err != nil {
		return fmt.Errorf("failed to debit buyer %s: %w", buyerID, err)
	}
	for _, sellerID := range sellers {
		if _, err := s.wallets.UpdateFunds(ctx, q, sellerID, credits[sellerID]); err != nil {
			return fmt.Errorf("failed to credit seller %s: %w", sellerID, err)
		}
	}

	s.log.Info("settled buy funds",
		zap.String("buyer_id", buyerID.String()),
		zap.String("buyer_debit", buyerDebit.String()),
		zap.Int("sellers", len(sellers)))
	return nil
}

// ValidateBalance decides whether a prospective funds delta is covered
// by settled funds minus funds already pledged in the user's own open
// buy orders. A non-negative delta needs no check. The wallet row is
// read under a lock so concurrent submissions from the same user
// serialize on the balance check.
func (s *Settlement) ValidateBalance(ctx context.Context, q db.Querier, userID uuid.UUID, proposedDelta decimal.Decimal) (bool, error) {
	if proposedDelta.Sign() >= 0 {
		return true, nil
	}

	wallet, err := s.wallets.GetWalletForUpdate(ctx, q, userID)
	if err != nil {
		return false, err
	}
	if wallet == nil {
		return false, fmt.Errorf("wallet for user %s: %w", userID, apperr.ErrNotFound)
	}

	pledged, err := s.pledgedFunds(ctx, q, userID)
	if err != nil {
		return false, err
	}

	ok := wallet.Funds.Add(proposedDelta).Add(pledged).Sign() >= 0
	s.log.Info("validated balance",
		zap.String("user_id", userID.String()),
		zap.String("funds", wallet.Funds.String()),
		zap.String("proposed_delta", proposedDelta.String()),
		zap.String("pledged", pledged.String()),
		zap.Bool("sufficient", ok))
	return ok, nil
}

// pledgedFunds returns the notional reserved by the user's open buy
// orders as a negative quantity, keeping the balance formula a plain sum.
func (s *Settlement) pledgedFunds(ctx context.Context, q db.Querier, userID uuid.UUID) (decimal.Decimal, error) {
	openBuys, err := s.orders.GetOpenOrdersForOwner(ctx, q, userID, "", models.SideBuy)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get open buy orders: %w", err)
	}
	pledged := decimal.Zero
	for _, o := range openBuys {
		pledged = pledged.Sub(o.Price.Mul(decimal.NewFromInt(o.Quantity)))
	}
	return pledged, nil
}
