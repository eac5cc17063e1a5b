// Package storage defines the persistence interfaces for the warehouse. Two
// implementations exist: an in-memory store for tests and a MySQL store for
// production.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/order"
	"github.com/stellarbeauty/relatorios/internal/app/domain/report"
	"github.com/stellarbeauty/relatorios/internal/app/domain/seller"
	"github.com/stellarbeauty/relatorios/internal/app/domain/token"
)

var (
	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("storage: not found")
	// ErrStateUsed signals an OAuth state consumed a second time.
	ErrStateUsed = errors.New("storage: oauth state already used")
	// ErrStateExpired signals an OAuth state past its TTL.
	ErrStateExpired = errors.New("storage: oauth state expired")
)

// SellerStore persists seller accounts.
type SellerStore interface {
	UpsertSeller(ctx context.Context, s seller.Seller) error
	GetSeller(ctx context.Context, id int64) (seller.Seller, error)
}

// OrderStore persists synced orders and their items.
type OrderStore interface {
	UpsertOrders(ctx context.Context, orders []order.Order) error
	UpsertItems(ctx context.Context, items []order.Item) error
	GetOrder(ctx context.Context, id int64) (order.Order, error)
	ListOrders(ctx context.Context, sellerID int64, limit int) ([]order.Order, error)
	ListItems(ctx context.Context, orderID int64) ([]order.Item, error)
}

// TokenStore persists OAuth credential bundles.
type TokenStore interface {
	UpsertBundle(ctx context.Context, b token.Bundle) error
	GetBundle(ctx context.Context, sellerID int64) (token.Bundle, error)

	// UpdateBundleLocked runs fn with the bundle held under a row lock so
	// concurrent refreshes of the same seller serialize. fn returns the new
	// bundle and whether to persist it. When fn declines to persist, the
	// stored bundle is returned unchanged.
	UpdateBundleLocked(ctx context.Context, sellerID int64, fn func(token.Bundle) (token.Bundle, bool, error)) (token.Bundle, error)
}

// StateStore persists pending OAuth states.
type StateStore interface {
	SaveState(ctx context.Context, s token.State) error

	// PopState marks the state used and returns its code verifier. A state
	// can be popped exactly once; expired or reused states fail with
	// ErrStateExpired or ErrStateUsed.
	PopState(ctx context.Context, stateHash string, now time.Time) (string, error)

	CleanupStates(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ReportStore persists billing report runs.
type ReportStore interface {
	CreateRun(ctx context.Context, r report.Run) error
	UpdateRun(ctx context.Context, r report.Run) error
	GetRun(ctx context.Context, id string) (report.Run, error)
	ListRuns(ctx context.Context, limit int) ([]report.Run, error)
}
