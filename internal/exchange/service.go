package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minexch/stockbook/internal/apperr"
	"github.com/minexch/stockbook/internal/db"
	"github.com/minexch/stockbook/internal/models"
)

// TxManager provides the transactional boundary every buy/sell
// submission runs inside, plus a querier for non-transactional reads.
type TxManager interface {
	WithTx(ctx context.Context, fn func(q db.Querier) error) error
	Querier() db.Querier
}

// OrderBookStore owns the set of open resting orders.
type OrderBookStore interface {
	InsertOrder(ctx context.Context, q db.Querier, order models.Order) (*models.Order, error)
	GetOrderByID(ctx context.Context, q db.Querier, id, ownerID uuid.UUID) (*models.Order, error)
	GetOpenOrdersForOwner(ctx context.Context, q db.Querier, ownerID uuid.UUID, stockName string, side models.Side) ([]models.Order, error)
	GetAggregatedDepth(ctx context.Context, q db.Querier, excludeOwnerID uuid.UUID, stockName string, side models.Side) ([]models.DepthRow, error)
	GetMatchCandidates(ctx context.Context, q db.Querier, ownerID uuid.UUID, incoming models.Order) ([]models.Order, error)
	BulkDeleteOrders(ctx context.Context, q db.Querier, ids []uuid.UUID) error
	BulkUpdateOrderQuantities(ctx context.Context, q db.Querier, updates []models.QuantityUpdate) error
}

// HistoryStore is the append-only ledger of executed fills.
type HistoryStore interface {
	HistoryRecorder
	GetOrderHistoryByUserID(ctx context.Context, q db.Querier, userID uuid.UUID) ([]models.OrderHistoryRecord, error)
}

// Matcher produces the trade list and book mutations for one pass.
type Matcher interface {
	Match(ctx context.Context, q db.Querier, req MatchRequest, opposites []models.Order) (MatchResult, error)
}

// FundsProcessor settles a trade batch and validates balances.
type FundsProcessor interface {
	ProcessFundsForSell(ctx context.Context, q db.Querier, sellerID uuid.UUID, trades []models.Trade, askPrice decimal.Decimal) error
	ProcessFundsForBuy(ctx context.Context, q db.Querier, buyerID uuid.UUID, trades []models.Trade) error
	ValidateBalance(ctx context.Context, q db.Querier, userID uuid.UUID, proposedDelta decimal.Decimal) (bool, error)
}

// OrderRequest is the validated shape of a submitted order.
type OrderRequest struct {
	StockName string          `json:"stock_name"`
	Side      models.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
}

// SellResult summarizes one sell submission.
type SellResult struct {
	TotalStockSold int64           `json:"total_stock_sold"`
	FundsAdded     decimal.Decimal `json:"funds_added"`
	Trades         []models.Trade  `json:"trades"`
	RemainingOrder *models.Order   `json:"remaining_order,omitempty"`
}

// BuyResult summarizes one buy submission.
type BuyResult struct {
	TotalStockBought int64           `json:"total_stock_bought"`
	FundsSpent       decimal.Decimal `json:"funds_spent"`
	Trades           []models.Trade  `json:"trades"`
	RemainingOrder   *models.Order   `json:"remaining_order,omitempty"`
}

// OrderBookView is the aggregated depth view keyed by side.
type OrderBookView struct {
	Buy  []DepthLevel `json:"BUY"`
	Sell []DepthLevel `json:"SELL"`
}

// DepthLevel is one price bucket of resting liquidity.
type DepthLevel struct {
	StockName string          `json:"stock_name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
}

// HistoryGroup is one logical multi-fill execution, grouped for display
// by the initiating order's id.
type HistoryGroup struct {
	TransactionID uuid.UUID                   `json:"transaction_id"`
	Orders        []models.OrderHistoryRecord `json:"orders"`
}

// Service is the transactional use-case layer over the order book,
// matching engine, funds settlement and history ledger.
type Service struct {
	tx      TxManager
	books   OrderBookStore
	history HistoryStore
	wallets WalletLedger
	matcher Matcher
	funds   FundsProcessor
	log     *zap.Logger
}

// NewService wires the orchestrator.
func NewService(tx TxManager, books OrderBookStore, history HistoryStore, wallets WalletLedger, matcher Matcher, funds FundsProcessor, log *zap.Logger) *Service {
	return &Service{
		tx:      tx,
		books:   books,
		history: history,
		wallets: wallets,
		matcher: matcher,
		funds:   funds,
		log:     log,
	}
}

// normalizeOrderRequest validates and canonicalizes a submitted order.
// Stock names are case-normalized so the book keys on one spelling.
func normalizeOrderRequest(req OrderRequest, forceSide models.Side) (OrderRequest, error) {
	if forceSide != "" {
		req.Side = forceSide
	}
	req.StockName = strings.ToUpper(strings.TrimSpace(req.StockName))
	if req.StockName == "" {
		return req, apperr.Validationf("stock name is required")
	}
	if !req.Side.Valid() {
		return req, apperr.Validationf("side must be BUY or SELL")
	}
	if req.Price.Sign() <= 0 {
		return req, apperr.Validationf("price must be positive")
	}
	if req.Price.Exponent() < -2 {
		return req, apperr.Validationf("price cannot have more than 2 decimal places")
	}
	if req.Quantity <= 0 {
		return req, apperr.Validationf("quantity must be positive")
	}
	return req, nil
}

// CreateOrder inserts a resting order directly, with no matching pass.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, req OrderRequest) (*models.Order, error) {
	req, err := normalizeOrderRequest(req, "")
	if err != nil {
		return nil, err
	}
	order, err := s.books.InsertOrder(ctx, s.tx.Querier(), models.Order{
		OwnerID:   userID,
		StockName: req.StockName,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("stock", order.StockName),
		zap.String("side", string(order.Side)))
	return order, nil
}

// SellOrder matches an incoming ask against resting buys inside one
// transaction: fetch candidates, match, mutate the book, persist the
// remainder under a fresh id, settle funds and record the seller's
// filled slice. Any failure rolls the whole submission back.
func (s *Service) SellOrder(ctx context.Context, userID uuid.UUID, req OrderRequest) (*SellResult, error) {
	req, err := normalizeOrderRequest(req, models.SideSell)
	if err != nil {
		return nil, err
	}

	s.log.Info("sell order init",
		zap.String("user_id", userID.String()),
		zap.String("stock", req.StockName),
		zap.Int64("quantity", req.Quantity),
		zap.String("price", req.Price.String()))

	orderID := uuid.New()
	var result *SellResult
	err = s.tx.WithTx(ctx, func(q db.Querier) error {
		incoming := models.Order{
			ID:        orderID,
			OwnerID:   userID,
			StockName: req.StockName,
			Side:      models.SideSell,
			Price:     req.Price,
			Quantity:  req.Quantity,
		}
		candidates, err := s.books.GetMatchCandidates(ctx, q, userID, incoming)
		if err != nil {
			return err
		}

		match, err := s.matcher.Match(ctx, q, MatchRequest{
			InitiatorID: userID,
			OrderID:     orderID,
			StockName:   req.StockName,
			Price:       req.Price,
			Quantity:    req.Quantity,
			IsSell:      true,
		}, candidates)
		if err != nil {
			return err
		}

		if err := s.applyBookMutations(ctx, q, match); err != nil {
			return err
		}

		var remaining *models.Order
		if match.RemainingQuantity > 0 {
			rem := incoming
			rem.ID = uuid.New()
			rem.Quantity = match.RemainingQuantity
			remaining, err = s.books.InsertOrder(ctx, q, rem)
			if err != nil {
				return err
			}
		}

		if err := s.funds.ProcessFundsForSell(ctx, q, userID, match.Trades, req.Price); err != nil {
			return err
		}

		totalFilled := match.TotalFilled(req.Quantity)
		if totalFilled > 0 {
			_, err = s.history.AppendOrderHistory(ctx, q, models.OrderHistoryRecord{
				StockName:     req.StockName,
				Side:          models.SideSell,
				Price:         req.Price,
				Quantity:      totalFilled,
				OwnerID:       userID,
				TransactionID: orderID,
			})
			if err != nil {
				return err
			}
		}

		result = &SellResult{
			TotalStockSold: totalFilled,
			FundsAdded:     tradeNotional(match.Trades),
			Trades:         match.Trades,
			RemainingOrder: remaining,
		}
		return nil
	})
	if err != nil {
		s.log.Warn("sell order failed", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, err
	}

	s.log.Info("sell order complete",
		zap.String("user_id", userID.String()),
		zap.Int64("filled", result.TotalStockSold),
		zap.Int64("remaining", req.Quantity-result.TotalStockSold))
	return result, nil
}

// BuyOrder matches an incoming bid against resting sells inside one
// transaction. The full bid notional must be covered by settled funds
// minus funds pledged in the user's other open buys before any book or
// wallet mutation happens; the remainder keeps the pre-generated order
// id so its fills and history share one transaction id.
func (s *Service) BuyOrder(ctx context.Context, userID uuid.UUID, req OrderRequest) (*BuyResult, error) {
	req, err := normalizeOrderRequest(req, models.SideBuy)
	if err != nil {
		return nil, err
	}

	s.log.Info("buy order init",
		zap.String("user_id", userID.String()),
		zap.String("stock", req.StockName),
		zap.Int64("quantity", req.Quantity),
		zap.String("price", req.Price.String()))

	orderID := uuid.New()
	notional := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	var result *BuyResult
	err = s.tx.WithTx(ctx, func(q db.Querier) error {
		ok, err := s.funds.ValidateBalance(ctx, q, userID, notional.Neg())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("buy order of %s for user %s: %w", notional, userID, apperr.ErrInsufficientBalance)
		}

		incoming := models.Order{
			ID:        orderID,
			OwnerID:   userID,
			StockName: req.StockName,
			Side:      models.SideBuy,
			Price:     req.Price,
			Quantity:  req.Quantity,
		}
		candidates, err := s.books.GetMatchCandidates(ctx, q, userID, incoming)
		if err != nil {
			return err
		}

		match, err := s.matcher.Match(ctx, q, MatchRequest{
			InitiatorID: userID,
			OrderID:     orderID,
			StockName:   req.StockName,
			Price:       req.Price,
			Quantity:    req.Quantity,
			IsSell:      false,
		}, candidates)
		if err != nil {
			return err
		}

		if err := s.applyBookMutations(ctx, q, match); err != nil {
			return err
		}

		var remaining *models.Order
		if match.RemainingQuantity > 0 {
			rem := incoming
			rem.Quantity = match.RemainingQuantity
			remaining, err = s.books.InsertOrder(ctx, q, rem)
			if err != nil {
				return err
			}
		}

		if err := s.funds.ProcessFundsForBuy(ctx, q, userID, match.Trades); err != nil {
			return err
		}

		result = &BuyResult{
			TotalStockBought: match.TotalFilled(req.Quantity),
			FundsSpent:       tradeNotional(match.Trades),
			Trades:           match.Trades,
			RemainingOrder:   remaining,
		}
		return nil
	})
	if err != nil {
		s.log.Warn("buy order failed", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, err
	}

	s.log.Info("buy order complete",
		zap.String("user_id", userID.String()),
		zap.Int64("filled", result.TotalStockBought),
		zap.Int64("remaining", req.Quantity-result.TotalStockBought))
	return result, nil
}

func (s *Service) applyBookMutations(ctx context.Context, q db.Querier, match MatchResult) error {
	if err := s.books.BulkDeleteOrders(ctx, q, match.OrdersToRemove); err != nil {
		return err
	}
	return s.books.BulkUpdateOrderQuantities(ctx, q, match.OrdersToUpdate)
}

func tradeNotional(trades []models.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Price.Mul(decimal.NewFromInt(t.Quantity)))
	}
	return total
}

// GetOrderBooks returns the aggregated depth view, reshaped into
// side-keyed arrays. The caller's own orders are excluded.
func (s *Service) GetOrderBooks(ctx context.Context, userID uuid.UUID, stockName string, side models.Side) (*OrderBookView, error) {
	rows, err := s.books.GetAggregatedDepth(ctx, s.tx.Querier(), userID, strings.TrimSpace(stockName), side)
	if err != nil {
		return nil, err
	}
	view := &OrderBookView{Buy: []DepthLevel{}, Sell: []DepthLevel{}}
	for _, row := range rows {
		level := DepthLevel{StockName: row.StockName, Price: row.Price, Quantity: row.Quantity}
		if row.Side == models.SideBuy {
			view.Buy = append(view.Buy, level)
		} else {
			view.Sell = append(view.Sell, level)
		}
	}
	return view, nil
}

// GetOrdersByUserID lists the caller's own resting orders.
func (s *Service) GetOrdersByUserID(ctx context.Context, userID uuid.UUID, stockName string, side models.Side) ([]models.Order, error) {
	return s.books.GetOpenOrdersForOwner(ctx, s.tx.Querier(), userID, strings.TrimSpace(stockName), side)
}

// DeleteOrder removes one resting order after verifying ownership.
func (s *Service) DeleteOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	order, err := s.books.GetOrderByID(ctx, s.tx.Querier(), orderID, userID)
	if err != nil {
		return err
	}
	if err := s.books.BulkDeleteOrders(ctx, s.tx.Querier(), []uuid.UUID{order.ID}); err != nil {
		return err
	}
	s.log.Info("order deleted",
		zap.String("order_id", orderID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// GetOrderHistoryByUserID groups the user's fill history by transaction
// id, groups newest transaction first, fills inside a group oldest
// first.
func (s *Service) GetOrderHistoryByUserID(ctx context.Context, userID uuid.UUID) ([]HistoryGroup, error) {
	records, err := s.history.GetOrderHistoryByUserID(ctx, s.tx.Querier(), userID)
	if err != nil {
		return nil, err
	}
	groups := []HistoryGroup{}
	index := map[uuid.UUID]int{}
	for _, rec := range records {
		i, ok := index[rec.TransactionID]
		if !ok {
			i = len(groups)
			index[rec.TransactionID] = i
			groups = append(groups, HistoryGroup{TransactionID: rec.TransactionID})
		}
		groups[i].Orders = append(groups[i].Orders, rec)
	}
	return groups, nil
}

// UpdateUserFunds applies a signed delta to the caller's wallet.
func (s *Service) UpdateUserFunds(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.tx.WithTx(ctx, func(q db.Querier) error {
		var err error
		wallet, err = s.wallets.UpdateFunds(ctx, q, userID, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("funds updated",
		zap.String("user_id", userID.String()),
		zap.String("delta", delta.String()),
		zap.String("balance", wallet.Funds.String()))
	return wallet, nil
}

// GetUserFunds returns the caller's wallet; an absent row reads as a
// zero balance.
func (s *Service) GetUserFunds(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	wallet, err := s.wallets.GetWallet(ctx, s.tx.Querier(), userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		wallet = &models.Wallet{UserID: userID, Funds: decimal.Zero}
	}
	return wallet, nil
}
