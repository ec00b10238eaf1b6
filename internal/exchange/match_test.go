package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minexch/stockbook/internal/db"
	"github.com/minexch/stockbook/internal/models"
)

// historyLog records appended fills without a database.
type historyLog struct {
	records []models.OrderHistoryRecord
}

func (h *historyLog) AppendOrderHistory(_ context.Context, _ db.Querier, rec models.OrderHistoryRecord) (*models.OrderHistoryRecord, error) {
	if rec.Quantity <= 0 {
		return nil, nil
	}
	h.records = append(h.records, rec)
	return &rec, nil
}

func price(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func restingOrder(owner uuid.UUID, side models.Side, p string, qty int64, age time.Duration) models.Order {
	return models.Order{
		ID:        uuid.New(),
		OwnerID:   owner,
		StockName: "APPLE",
		Side:      side,
		Price:     price(p),
		Quantity:  qty,
		CreatedAt: time.Now().Add(-age),
	}
}

func buyRequest(initiator uuid.UUID, p string, qty int64) MatchRequest {
	return MatchRequest{
		InitiatorID: initiator,
		OrderID:     uuid.New(),
		StockName:   "APPLE",
		Price:       price(p),
		Quantity:    qty,
		IsSell:      false,
	}
}

func sellRequest(initiator uuid.UUID, p string, qty int64) MatchRequest {
	req := buyRequest(initiator, p, qty)
	req.IsSell = true
	return req
}

func TestEngine_Match_ExactFill(t *testing.T) {
	history := &historyLog{}
	engine := NewEngine(history)
	seller := uuid.New()
	buyer := uuid.New()

	resting := restingOrder(seller, models.SideSell, "150.50", 100, time.Minute)
	req := buyRequest(buyer, "150.50", 100)

	res, err := engine.Match(context.Background(), nil, req, []models.Order{resting})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, int64(100), trade.Quantity)
	assert.True(t, trade.Price.Equal(price("150.50")))
	assert.Equal(t, buyer, trade.BuyerID)
	assert.Equal(t, seller, trade.SellerID)
	assert.Equal(t, resting.ID, trade.SellOrderID)
	assert.Equal(t, req.OrderID, trade.BuyOrderID)

	assert.Equal(t, []uuid.UUID{resting.ID}, res.OrdersToRemove)
	assert.Empty(t, res.OrdersToUpdate)
	assert.Equal(t, int64(0), res.RemainingQuantity)
}

func TestEngine_Match_PartialFillOfResting(t *testing.T) {
	history := &historyLog{}
	engine := NewEngine(history)

	resting := restingOrder(uuid.New(), models.SideSell, "150.00", 300, time.Minute)
	req := buyRequest(uuid.New(), "150.00", 100)

	res, err := engine.Match(context.Background(), nil, req, []models.Order{resting})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(100), res.Trades[0].Quantity)
	assert.Empty(t, res.OrdersToRemove)
	require.Len(t, res.OrdersToUpdate, 1)
	assert.Equal(t, resting.ID, res.OrdersToUpdate[0].ID)
	assert.Equal(t, int64(200), res.OrdersToUpdate[0].Quantity)
	assert.Equal(t, int64(0), res.RemainingQuantity)
}

func TestEngine_Match_RemainderForIncoming(t *testing.T) {
	history := &historyLog{}
	engine := NewEngine(history)

	resting := restingOrder(uuid.New(), models.SideSell, "150.00", 50, time.Minute)
	req := buyRequest(uuid.New(), "150.00", 100)

	res, err := engine.Match(context.Background(), nil, req, []models.Order{resting})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(50), res.Trades[0].Quantity)
	assert.Equal(t, []uuid.UUID{resting.ID}, res.OrdersToRemove)
	assert.Empty(t, res.OrdersToUpdate)
	assert.Equal(t, int64(50), res.RemainingQuantity)
}

func TestEngine_Match_EmptyBook(t *testing.T) {
	engine := NewEngine(&historyLog{})
	req := buyRequest(uuid.New(), "100.00", 25)

	res, err := engine.Match(context.Background(), nil, req, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Empty(t, res.OrdersToRemove)
	assert.Empty(t, res.OrdersToUpdate)
	assert.Equal(t, int64(25), res.RemainingQuantity)
}

func TestEngine_Match_PriceTimePriority(t *testing.T) {
	engine := NewEngine(&historyLog{})
	buyer := uuid.New()

	// Sorted as the store returns them: best price first, oldest first
	// within a price level.
	t1 := restingOrder(uuid.New(), models.SideSell, "100.00", 10, 3*time.Minute)
	t2 := restingOrder(uuid.New(), models.SideSell, "100.00", 10, 2*time.Minute)
	t3 := restingOrder(uuid.New(), models.SideSell, "105.00", 10, time.Minute)

	res, err := engine.Match(context.Background(), nil,
		buyRequest(buyer, "105.00", 30), []models.Order{t1, t2, t3})
	require.NoError(t, err)

	require.Len(t, res.Trades, 3)
	assert.Equal(t, t1.ID, res.Trades[0].SellOrderID)
	assert.Equal(t, t2.ID, res.Trades[1].SellOrderID)
	assert.Equal(t, t3.ID, res.Trades[2].SellOrderID)
	assert.Equal(t, int64(0), res.RemainingQuantity)
}

func TestEngine_Match_BuyStopsAtUnaffordablePrice(t *testing.T) {
	engine := NewEngine(&historyLog{})

	cheap := restingOrder(uuid.New(), models.SideSell, "100.00", 100, 2*time.Minute)
	expensive := restingOrder(uuid.New(), models.SideSell, "110.00", 100, time.Minute)

	res, err := engine.Match(context.Background(), nil,
		buyRequest(uuid.New(), "105.00", 200), []models.Order{cheap, expensive})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, cheap.ID, res.Trades[0].SellOrderID)
	assert.Equal(t, int64(100), res.RemainingQuantity)
}

func TestEngine_Match_ExecutionPriceAsymmetry(t *testing.T) {
	t.Run("incoming buy trades at resting sell price", func(t *testing.T) {
		engine := NewEngine(&historyLog{})
		resting := restingOrder(uuid.New(), models.SideSell, "98.00", 10, time.Minute)

		res, err := engine.Match(context.Background(), nil,
			buyRequest(uuid.New(), "105.00", 10), []models.Order{resting})
		require.NoError(t, err)

		require.Len(t, res.Trades, 1)
		assert.True(t, res.Trades[0].Price.Equal(price("98.00")))
	})

	t.Run("incoming sell trades at its own quoted ask", func(t *testing.T) {
		engine := NewEngine(&historyLog{})
		// Resting buyer bid higher than the ask; the seller still gets
		// exactly their ask.
		resting := restingOrder(uuid.New(), models.SideBuy, "110.00", 10, time.Minute)

		res, err := engine.Match(context.Background(), nil,
			sellRequest(uuid.New(), "105.00", 10), []models.Order{resting})
		require.NoError(t, err)

		require.Len(t, res.Trades, 1)
		assert.True(t, res.Trades[0].Price.Equal(price("105.00")))
	})
}

func TestEngine_Match_HistoryRecords(t *testing.T) {
	t.Run("buy fill writes both legs", func(t *testing.T) {
		history := &historyLog{}
		engine := NewEngine(history)
		seller := uuid.New()
		buyer := uuid.New()

		resting := restingOrder(seller, models.SideSell, "150.00", 40, time.Minute)
		req := buyRequest(buyer, "150.00", 40)

		_, err := engine.Match(context.Background(), nil, req, []models.Order{resting})
		require.NoError(t, err)

		require.Len(t, history.records, 2)
		sellerLeg, buyerLeg := history.records[0], history.records[1]
		assert.Equal(t, seller, sellerLeg.OwnerID)
		assert.Equal(t, models.SideSell, sellerLeg.Side)
		assert.Equal(t, resting.ID, sellerLeg.TransactionID)
		assert.Equal(t, buyer, buyerLeg.OwnerID)
		assert.Equal(t, models.SideBuy, buyerLeg.Side)
		assert.Equal(t, req.OrderID, buyerLeg.TransactionID)
		assert.True(t, buyerLeg.Price.Equal(resting.Price))
	})

	t.Run("sell fill writes one repriced leg for the resting buyer", func(t *testing.T) {
		history := &historyLog{}
		engine := NewEngine(history)
		buyer := uuid.New()

		resting := restingOrder(buyer, models.SideBuy, "110.00", 40, time.Minute)
		req := sellRequest(uuid.New(), "105.00", 40)

		_, err := engine.Match(context.Background(), nil, req, []models.Order{resting})
		require.NoError(t, err)

		require.Len(t, history.records, 1)
		leg := history.records[0]
		assert.Equal(t, buyer, leg.OwnerID)
		assert.Equal(t, models.SideBuy, leg.Side)
		assert.Equal(t, resting.ID, leg.TransactionID)
		// Re-priced at the incoming ask, not the resting bid.
		assert.True(t, leg.Price.Equal(price("105.00")))
	})
}

func TestEngine_Match_QuantityConservation(t *testing.T) {
	engine := NewEngine(&historyLog{})

	opposites := []models.Order{
		restingOrder(uuid.New(), models.SideSell, "99.00", 7, 4*time.Minute),
		restingOrder(uuid.New(), models.SideSell, "100.00", 13, 3*time.Minute),
		restingOrder(uuid.New(), models.SideSell, "101.00", 29, 2*time.Minute),
	}

	for _, incomingQty := range []int64{1, 7, 20, 49, 60} {
		res, err := engine.Match(context.Background(), nil,
			buyRequest(uuid.New(), "101.00", incomingQty), opposites)
		require.NoError(t, err)

		var filled int64
		for _, trade := range res.Trades {
			filled += trade.Quantity
		}
		assert.Equal(t, incomingQty, filled+res.RemainingQuantity, "qty=%d", incomingQty)

		// No zero or negative resting quantity survives a pass.
		for _, u := range res.OrdersToUpdate {
			assert.Greater(t, u.Quantity, int64(0))
		}
	}
}
