package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// User represents a registered user
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order is an open resting order awaiting a match. Quantity is the
// remaining unfilled amount and is always positive for a persisted row;
// an order whose quantity reaches zero is deleted, never stored.
type Order struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	StockName string          `json:"stock_name"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	CreatedAt time.Time       `json:"created_at"` // time-priority tiebreak
}

// Trade is one fill produced during a matching pass. Trades are never
// persisted directly; they are projected into order history rows and
// wallet deltas, then discarded.
type Trade struct {
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	BuyerID     uuid.UUID       `json:"buyer_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	SellerID    uuid.UUID       `json:"seller_id"`
	StockName   string          `json:"stock_name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
}

// OrderHistoryRecord is one leg of an executed fill. TransactionID is the
// initiating order's id and groups the legs of a multi-fill execution for
// display; it is not a durability boundary.
type OrderHistoryRecord struct {
	ID            uuid.UUID       `json:"id"`
	StockName     string          `json:"stock_name"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Wallet holds a user's settled funds. Funds never go negative.
type Wallet struct {
	UserID    uuid.UUID       `json:"user_id"`
	Funds     decimal.Decimal `json:"funds"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DepthRow is one price level of the aggregated order book view.
type DepthRow struct {
	Side      Side            `json:"side"`
	StockName string          `json:"stock_name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
}

// QuantityUpdate is a partial-fill decrement applied to a resting order.
type QuantityUpdate struct {
	ID       uuid.UUID
	Quantity int64
}
