package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/minexch/stockbook/internal/apperr"
	"github.com/minexch/stockbook/internal/models"
)

const walletColumns = "user_id, funds, created_at, updated_at"

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := row.Scan(&w.UserID, &w.Funds, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet retrieves a user's wallet. Returns nil, nil when no row
// exists yet; an absent wallet is an implicit zero balance.
func (db *DB) GetWallet(ctx context.Context, q Querier, userID uuid.UUID) (*models.Wallet, error) {
	wallet, err := scanWallet(q.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// GetWalletForUpdate is GetWallet with a row lock, serializing balance
// checks per user for the rest of the enclosing transaction.
func (db *DB) GetWalletForUpdate(ctx context.Context, q Querier, userID uuid.UUID) (*models.Wallet, error) {
	wallet, err := scanWallet(q.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 FOR UPDATE", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return wallet, nil
}

// UpdateFunds applies a signed delta to a user's settled funds. The
// wallet row is created lazily at zero balance, and the update only
// succeeds when the resulting balance stays non-negative; otherwise
// apperr.ErrInsufficientBalance is returned and nothing changes.
func (db *DB) UpdateFunds(ctx context.Context, q Querier, userID uuid.UUID, delta decimal.Decimal) (*models.Wallet, error) {
	_, err := q.Exec(ctx,
		"INSERT INTO wallets (user_id, funds) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	wallet, err := scanWallet(q.QueryRow(ctx,
		"UPDATE wallets SET funds = funds + $1, updated_at = now() WHERE user_id = $2 AND funds + $1 >= 0 RETURNING "+walletColumns,
		delta, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("debit of %s for user %s: %w", delta, userID, apperr.ErrInsufficientBalance)
		}
		return nil, fmt.Errorf("failed to update funds: %w", err)
	}
	return wallet, nil
}
