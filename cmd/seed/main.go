package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minexch/stockbook/internal/auth"
	"github.com/minexch/stockbook/internal/config"
	"github.com/minexch/stockbook/internal/db"
	"github.com/minexch/stockbook/internal/exchange"
	"github.com/minexch/stockbook/internal/models"
)

type seedOrder struct {
	stockName string
	side      models.Side
	price     string
	quantity  int64
}

var seedUsers = []struct {
	email     string
	password  string
	firstName string
	lastName  string
	funds     string
	orders    []seedOrder
}{
	{
		email: "admin@stockbook.dev", password: "Admin@123",
		firstName: "Admin", lastName: "User", funds: "100000000",
		orders: []seedOrder{
			{stockName: "APPLE", side: models.SideSell, price: "150.50", quantity: 100},
			{stockName: "APPLE", side: models.SideBuy, price: "148.00", quantity: 50},
		},
	},
	{
		email: "trader@stockbook.dev", password: "Trader@123",
		firstName: "Demo", lastName: "Trader", funds: "50000",
		orders: []seedOrder{
			{stockName: "TESLA", side: models.SideSell, price: "240.25", quantity: 20},
		},
	},
}

// Seed the database with demo users, opening funds and resting orders.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	logger := zap.NewNop()
	engine := exchange.NewEngine(database)
	settlement := exchange.NewSettlement(database, database, logger)
	service := exchange.NewService(database, database, database, database, engine, settlement, logger)
	authService := auth.NewAuthService(database, cfg.JWTSecret)

	// Re-running the seeder against a populated database is a no-op.
	var userCount int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&userCount); err != nil {
		log.Fatalf("Failed to check users: %v", err)
	}
	if userCount > 0 {
		fmt.Printf("Database already has %d users. No need to seed.\n", userCount)
		os.Exit(0)
	}

	for _, su := range seedUsers {
		user, err := authService.Register(ctx, su.email, su.password, su.firstName, su.lastName)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", su.email, err)
		}

		funds, err := decimal.NewFromString(su.funds)
		if err != nil {
			log.Fatalf("Bad seed funds for %s: %v", su.email, err)
		}
		if _, err := service.UpdateUserFunds(ctx, user.ID, funds); err != nil {
			log.Fatalf("Failed to fund wallet for %s: %v", su.email, err)
		}

		for _, so := range su.orders {
			price, err := decimal.NewFromString(so.price)
			if err != nil {
				log.Fatalf("Bad seed price for %s: %v", so.stockName, err)
			}
			_, err = service.CreateOrder(ctx, user.ID, exchange.OrderRequest{
				StockName: so.stockName,
				Side:      so.side,
				Price:     price,
				Quantity:  so.quantity,
			})
			if err != nil {
				log.Fatalf("Failed to create seed order for %s: %v", su.email, err)
			}
		}
	}

	fmt.Println("Successfully seeded the database!")
}
