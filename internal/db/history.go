package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/minexch/stockbook/internal/models"
)

// AppendOrderHistory writes one executed-fill record. Zero-quantity
// records are silently skipped; history rows are never mutated after
// the fact.
func (db *DB) AppendOrderHistory(ctx context.Context, q Querier, rec models.OrderHistoryRecord) (*models.OrderHistoryRecord, error) {
	if rec.Quantity <= 0 {
		return nil, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	row := q.QueryRow(ctx,
		"INSERT INTO order_history (id, stock_name, side, price, quantity, user_id, transaction_id) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, stock_name, side, price, quantity, user_id, transaction_id, created_at",
		rec.ID, rec.StockName, rec.Side, rec.Price, rec.Quantity, rec.OwnerID, rec.TransactionID)
	saved := &models.OrderHistoryRecord{}
	err := row.Scan(&saved.ID, &saved.StockName, &saved.Side, &saved.Price, &saved.Quantity, &saved.OwnerID, &saved.TransactionID, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append order history: %w", err)
	}
	return saved, nil
}

// GetOrderHistoryByUserID lists a user's fill history ordered for
// display grouping: transaction id descending, then creation time
// ascending inside each transaction.
func (db *DB) GetOrderHistoryByUserID(ctx context.Context, q Querier, userID uuid.UUID) ([]models.OrderHistoryRecord, error) {
	rows, err := q.Query(ctx,
		"SELECT id, stock_name, side, price, quantity, user_id, transaction_id, created_at FROM order_history WHERE user_id = $1 ORDER BY transaction_id DESC, created_at ASC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	defer rows.Close()

	var records []models.OrderHistoryRecord
	for rows.Next() {
		var r models.OrderHistoryRecord
		if err := rows.Scan(&r.ID, &r.StockName, &r.Side, &r.Price, &r.Quantity, &r.OwnerID, &r.TransactionID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order history: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
