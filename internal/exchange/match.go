package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minexch/stockbook/internal/db"
	"github.com/minexch/stockbook/internal/models"
)

// HistoryRecorder persists one fill leg inside the caller's transaction.
type HistoryRecorder interface {
	AppendOrderHistory(ctx context.Context, q db.Querier, rec models.OrderHistoryRecord) (*models.OrderHistoryRecord, error)
}

// MatchRequest describes the incoming order being matched.
type MatchRequest struct {
	InitiatorID uuid.UUID
	OrderID     uuid.UUID // pre-generated id linking trades, history and remainder
	StockName   string
	Price       decimal.Decimal
	Quantity    int64
	IsSell      bool
}

// MatchResult is everything the orchestrator needs to mutate the book
// and settle funds for one matching pass.
type MatchResult struct {
	Trades            []models.Trade
	OrdersToRemove    []uuid.UUID
	OrdersToUpdate    []models.QuantityUpdate
	RemainingQuantity int64
}

// TotalFilled is the quantity consumed from the incoming order.
func (r MatchResult) TotalFilled(incoming int64) int64 {
	return incoming - r.RemainingQuantity
}

// Engine walks a price/time-sorted candidate list and greedily fills the
// incoming order. It holds no book state of its own; candidates come
// fresh from the store on every call.
type Engine struct {
	history HistoryRecorder
}

// NewEngine creates a matching engine that records fills through history.
func NewEngine(history HistoryRecorder) *Engine {
	return &Engine{history: history}
}

// Match fills the incoming order against opposite-side resting orders,
// which must already be sorted best price first, oldest first within a
// price level.
//
// Execution price follows the book's asymmetric rule: an incoming SELL
// trades at its own quoted ask, an incoming BUY trades at the resting
// sell's price.
func (e *Engine) Match(ctx context.Context, q db.Querier, req MatchRequest, opposites []models.Order) (MatchResult, error) {
	res := MatchResult{RemainingQuantity: req.Quantity}

	for _, opp := range opposites {
		if res.RemainingQuantity <= 0 {
			break
		}
		// Candidates are price-sorted, so the first unaffordable resting
		// sell ends the walk for an incoming buy.
		if !req.IsSell && opp.Price.GreaterThan(req.Price) {
			break
		}

		fillQty := min(res.RemainingQuantity, opp.Quantity)

		var trade models.Trade
		if req.IsSell {
			trade = models.Trade{
				BuyOrderID:  opp.ID,
				BuyerID:     opp.OwnerID,
				SellOrderID: req.OrderID,
				SellerID:    req.InitiatorID,
				StockName:   req.StockName,
				Price:       req.Price,
				Quantity:    fillQty,
			}
		} else {
			trade = models.Trade{
				BuyOrderID:  req.OrderID,
				BuyerID:     req.InitiatorID,
				SellOrderID: opp.ID,
				SellerID:    opp.OwnerID,
				StockName:   req.StockName,
				Price:       opp.Price,
				Quantity:    fillQty,
			}
		}
		res.Trades = append(res.Trades, trade)

		if fillQty > 0 {
			if err := e.recordFill(ctx, q, req, opp, fillQty); err != nil {
				return MatchResult{}, err
			}
		}

		if opp.Quantity <= res.RemainingQuantity {
			res.OrdersToRemove = append(res.OrdersToRemove, opp.ID)
		} else {
			res.OrdersToUpdate = append(res.OrdersToUpdate, models.QuantityUpdate{
				ID:       opp.ID,
				Quantity: opp.Quantity - fillQty,
			})
		}

		res.RemainingQuantity -= fillQty
	}

	return res, nil
}

// recordFill writes the history legs for one fill. A sell-initiated fill
// produces one record for the consumed resting buy, re-priced at the
// incoming ask. A buy-initiated fill produces two: the resting sell's
// consumed slice at its own price, and the initiator's slice grouped
// under the initiator's order id.
func (e *Engine) recordFill(ctx context.Context, q db.Querier, req MatchRequest, opp models.Order, fillQty int64) error {
	if req.IsSell {
		_, err := e.history.AppendOrderHistory(ctx, q, models.OrderHistoryRecord{
			StockName:     opp.StockName,
			Side:          opp.Side,
			Price:         req.Price,
			Quantity:      fillQty,
			OwnerID:       opp.OwnerID,
			TransactionID: opp.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to record resting buy fill: %w", err)
		}
		return nil
	}

	_, err := e.history.AppendOrderHistory(ctx, q, models.OrderHistoryRecord{
		StockName:     opp.StockName,
		Side:          opp.Side,
		Price:         opp.Price,
		Quantity:      fillQty,
		OwnerID:       opp.OwnerID,
		TransactionID: opp.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to record resting sell fill: %w", err)
	}
	_, err = e.history.AppendOrderHistory(ctx, q, models.OrderHistoryRecord{
		StockName:     req.StockName,
		Side:          models.SideBuy,
		Price:         opp.Price,
		Quantity:      fillQty,
		OwnerID:       req.InitiatorID,
		TransactionID: req.OrderID,
	})
	if err != nil {
		return fmt.Errorf("failed to record initiator buy fill: %w", err)
	}
	return nil
}
