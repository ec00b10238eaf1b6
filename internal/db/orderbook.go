package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/minexch/stockbook/internal/apperr"
	"github.com/minexch/stockbook/internal/models"
)

const orderColumns = "id, user_id, stock_name, side, price, quantity, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.OwnerID, &o.StockName, &o.Side, &o.Price, &o.Quantity, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.StockName, &o.Side, &o.Price, &o.Quantity, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// InsertOrder persists a new open order. A caller-supplied id is
// preserved so a remainder can keep the id it was matched under.
func (db *DB) InsertOrder(ctx context.Context, q Querier, order models.Order) (*models.Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	row := q.QueryRow(ctx,
		"INSERT INTO orders (id, user_id, stock_name, side, price, quantity) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+orderColumns,
		order.ID, order.OwnerID, order.StockName, order.Side, order.Price, order.Quantity)
	inserted, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}
	return inserted, nil
}

// GetOrderByID retrieves one open order scoped to its owner. Used for
// delete authorization.
func (db *DB) GetOrderByID(ctx context.Context, q Querier, id, ownerID uuid.UUID) (*models.Order, error) {
	row := q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2",
		id, ownerID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetOpenOrdersForOwner lists a user's own resting orders, newest first
// within each side. stockName and side are optional filters.
func (db *DB) GetOpenOrdersForOwner(ctx context.Context, q Querier, ownerID uuid.UUID, stockName string, side models.Side) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE user_id = $1"
	args := []any{ownerID}
	if stockName != "" {
		args = append(args, "%"+stockName+"%")
		query += fmt.Sprintf(" AND stock_name ILIKE $%d", len(args))
	}
	if side != "" {
		args = append(args, side)
		query += fmt.Sprintf(" AND side = $%d", len(args))
	}
	query += " ORDER BY side, created_at DESC"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collectOrders(rows)
}

// GetAggregatedDepth groups other users' resting orders by
// (side, stock, price) with summed quantity. The caller's own orders are
// excluded: a participant should not see their own liquidity as the
// market.
func (db *DB) GetAggregatedDepth(ctx context.Context, q Querier, excludeOwnerID uuid.UUID, stockName string, side models.Side) ([]models.DepthRow, error) {
	query := "SELECT side, stock_name, price, SUM(quantity)::bigint FROM orders WHERE user_id != $1"
	args := []any{excludeOwnerID}
	if stockName != "" {
		args = append(args, "%"+stockName+"%")
		query += fmt.Sprintf(" AND stock_name ILIKE $%d", len(args))
	}
	if side != "" {
		args = append(args, side)
		query += fmt.Sprintf(" AND side = $%d", len(args))
	}
	query += " GROUP BY side, stock_name, price ORDER BY stock_name ASC, price DESC"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregated depth: %w", err)
	}
	defer rows.Close()

	var depth []models.DepthRow
	for rows.Next() {
		var d models.DepthRow
		if err := rows.Scan(&d.Side, &d.StockName, &d.Price, &d.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan depth row: %w", err)
		}
		depth = append(depth, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return depth, nil
}

// GetMatchCandidates returns other users' opposite-side orders that are
// price-compatible with the incoming order, best price first and oldest
// first within a price level. Rows are locked FOR UPDATE so two
// concurrent matches cannot consume the same remaining quantity twice.
func (db *DB) GetMatchCandidates(ctx context.Context, q Querier, ownerID uuid.UUID, incoming models.Order) ([]models.Order, error) {
	var priceCond, priceOrder string
	if incoming.Side == models.SideBuy {
		priceCond = "price <= $4"
		priceOrder = "price ASC"
	} else {
		priceCond = "price >= $4"
		priceOrder = "price DESC"
	}
	query := fmt.Sprintf(
		"SELECT %s FROM orders WHERE user_id != $1 AND stock_name = $2 AND side = $3 AND %s ORDER BY %s, created_at ASC FOR UPDATE",
		orderColumns, priceCond, priceOrder)

	rows, err := q.Query(ctx, query, ownerID, incoming.StockName, incoming.Side.Opposite(), incoming.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to get match candidates: %w", err)
	}
	return collectOrders(rows)
}

// BulkDeleteOrders removes fully-filled (or cancelled) resting orders.
// No-op on empty input.
func (db *DB) BulkDeleteOrders(ctx context.Context, q Querier, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, "DELETE FROM orders WHERE id = ANY($1)", ids); err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	return nil
}

// BulkUpdateOrderQuantities applies partial-fill decrements in one batch.
// No-op on empty input.
func (db *DB) BulkUpdateOrderQuantities(ctx context.Context, q Querier, updates []models.QuantityUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue("UPDATE orders SET quantity = $1 WHERE id = $2", u.Quantity, u.ID)
	}
	br := q.SendBatch(ctx, batch)
	defer br.Close()
	for range updates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to update order quantity: %w", err)
		}
	}
	return nil
}
