package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"stockpos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrForbidden           = errors.New("forbidden")
)

// InsufficientStockError reports the quantity that was available when an
// adjustment was refused. It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ProductID  string
	LocationID string
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s at %s: requested %d, available %d",
		e.ProductID, e.LocationID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListLocations(ctx context.Context) ([]domain.Location, error)
	GetLocation(ctx context.Context, id string) (*domain.Location, error)
	FindWarehouse(ctx context.Context) (*domain.Location, error)

	GetQuantity(ctx context.Context, productID string, locationID string) (int, error)
	AdjustQuantity(ctx context.Context, productID string, locationID string, delta int) (int, error)
	ApplyDeltas(ctx context.Context, deltas []domain.StockDelta) error
	ListInventory(ctx context.Context) ([]domain.InventoryRecord, error)

	AppendTransactions(ctx context.Context, txs []domain.Transaction) error
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	CompleteTransfer(ctx context.Context, transferID string, receiptID string, receivedAt time.Time) (*domain.Transaction, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	// UpdateUser overwrites role, assigned location and active flag. The
	// password and creation time are kept.
	UpdateUser(ctx context.Context, user domain.UserAccount) error
}

// MergeDeltas folds deltas on the same (product, location) key together and
// returns them sorted by key, so every writer locks rows in the same order.
func MergeDeltas(deltas []domain.StockDelta) []domain.StockDelta {
	if len(deltas) == 0 {
		return nil
	}

	type key struct{ product, location string }
	sums := make(map[key]int, len(deltas))
	order := make([]key, 0, len(deltas))
	for _, d := range deltas {
		k := key{d.ProductID, d.LocationID}
		if _, seen := sums[k]; !seen {
			order = append(order, k)
		}
		sums[k] += d.Delta
	}

	merged := make([]domain.StockDelta, 0, len(order))
	for _, k := range order {
		merged = append(merged, domain.StockDelta{ProductID: k.product, LocationID: k.location, Delta: sums[k]})
	}
	slices.SortFunc(merged, compareDelta)
	return merged
}

func compareDelta(a, b domain.StockDelta) int {
	if c := strings.Compare(a.ProductID, b.ProductID); c != 0 {
		return c
	}
	return strings.Compare(a.LocationID, b.LocationID)
}

// Negate returns the compensating deltas for a previously applied batch.
func Negate(deltas []domain.StockDelta) []domain.StockDelta {
	out := make([]domain.StockDelta, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, domain.StockDelta{ProductID: d.ProductID, LocationID: d.LocationID, Delta: -d.Delta})
	}
	return out
}
