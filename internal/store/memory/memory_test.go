package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/store"
)

const testProduct = "prd-kurta-m-blue"

func TestNewSeededWarnsThroughInjectedLogger(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "")
	t.Setenv("SEED_CASHIER_PASSWORD", "")
	core, logs := observer.New(zap.WarnLevel)

	NewSeeded(zap.New(core))

	warnings := logs.FilterMessageSnippet("default dev credentials").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "memory", warnings[0].LoggerName)
}

func TestAdjustQuantityNeverGoesNegative(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	qty, err := s.AdjustQuantity(ctx, testProduct, SeedStoreAID, -20)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	_, err = s.AdjustQuantity(ctx, testProduct, SeedStoreAID, -1)
	require.Error(t, err)
	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 0, stockErr.Available)
	assert.Equal(t, 1, stockErr.Requested)

	got, err := s.GetQuantity(ctx, testProduct, SeedStoreAID)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestAdjustQuantityCreatesRecordOnFirstTouch(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	qty, err := s.AdjustQuantity(ctx, "prd-new", "loc-new", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, qty)

	_, err = s.AdjustQuantity(ctx, "prd-other", "loc-new", -1)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	missing, err := s.GetQuantity(ctx, "prd-other", "loc-new")
	require.NoError(t, err)
	assert.Equal(t, 0, missing)
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AdjustQuantity(ctx, testProduct, SeedStoreBID, -1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, succeeded)
	qty, err := s.GetQuantity(ctx, testProduct, SeedStoreBID)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)
}

func TestApplyDeltasIsAllOrNothing(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	err := s.ApplyDeltas(ctx, []domain.StockDelta{
		{ProductID: testProduct, LocationID: SeedStoreAID, Delta: -5},
		{ProductID: "prd-saree-silk", LocationID: SeedStoreAID, Delta: -21},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	qty, _ := s.GetQuantity(ctx, testProduct, SeedStoreAID)
	assert.Equal(t, 20, qty, "first line must not be decremented when a later line fails")

	require.NoError(t, s.ApplyDeltas(ctx, []domain.StockDelta{
		{ProductID: testProduct, LocationID: SeedStoreAID, Delta: -5},
		{ProductID: testProduct, LocationID: SeedStoreAID, Delta: -5},
		{ProductID: testProduct, LocationID: SeedWarehouseID, Delta: 3},
	}))
	qty, _ = s.GetQuantity(ctx, testProduct, SeedStoreAID)
	assert.Equal(t, 10, qty)
	qty, _ = s.GetQuantity(ctx, testProduct, SeedWarehouseID)
	assert.Equal(t, 103, qty)
}

func TestApplyDeltasChecksMergedQuantity(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()

	err := s.ApplyDeltas(ctx, []domain.StockDelta{
		{ProductID: testProduct, LocationID: SeedStoreAID, Delta: -15},
		{ProductID: testProduct, LocationID: SeedStoreAID, Delta: -15},
	})
	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 30, stockErr.Requested)
	assert.Equal(t, 20, stockErr.Available)
}

func TestCompleteTransferOnlyOnce(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendTransactions(ctx, []domain.Transaction{{
		ID:             "tx-out-1",
		Type:           domain.TxTypeTransferOut,
		ProductID:      testProduct,
		FromLocationID: SeedWarehouseID,
		ToLocationID:   SeedStoreBID,
		Quantity:       5,
		Status:         domain.TxStatusPending,
		CreatedAt:      now,
	}}))

	in, err := s.CompleteTransfer(ctx, "tx-out-1", "tx-in-1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeTransferIn, in.Type)
	assert.Equal(t, 5, in.Quantity)
	assert.Equal(t, SeedWarehouseID, in.FromLocationID)

	qty, _ := s.GetQuantity(ctx, testProduct, SeedStoreBID)
	assert.Equal(t, 25, qty)

	_, err = s.CompleteTransfer(ctx, "tx-out-1", "tx-in-2", now)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	qty, _ = s.GetQuantity(ctx, testProduct, SeedStoreBID)
	assert.Equal(t, 25, qty)

	_, err = s.CompleteTransfer(ctx, "missing", "tx-in-3", now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	out, err := s.FindTransactionByID(ctx, "tx-out-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, out.Status)
}

func TestListTransactionsFiltersNewestFirst(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendTransactions(ctx, []domain.Transaction{
		{ID: "t1", Type: domain.TxTypeSale, ProductID: testProduct, FromLocationID: SeedStoreAID, Quantity: 1, Status: domain.TxStatusCompleted, CreatedAt: base},
		{ID: "t2", Type: domain.TxTypePurchase, ProductID: testProduct, ToLocationID: SeedWarehouseID, Quantity: 1, Status: domain.TxStatusCompleted, CreatedAt: base.Add(time.Minute)},
		{ID: "t3", Type: domain.TxTypeSale, ProductID: testProduct, FromLocationID: SeedStoreBID, Quantity: 1, Status: domain.TxStatusCompleted, CreatedAt: base.Add(2 * time.Minute)},
	}))

	sales, err := s.ListTransactions(ctx, domain.TransactionFilter{Types: []string{domain.TxTypeSale}})
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, "t3", sales[0].ID)
	assert.Equal(t, "t1", sales[1].ID)

	storeA, err := s.ListTransactions(ctx, domain.TransactionFilter{Types: []string{domain.TxTypeSale}, FromLocationID: SeedStoreAID})
	require.NoError(t, err)
	require.Len(t, storeA, 1)
	assert.Equal(t, "t1", storeA[0].ID)

	limited, err := s.ListTransactions(ctx, domain.TransactionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "t3", limited[0].ID)
}

func TestAppendTransactionsRejectsDuplicateIDs(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()
	row := domain.Transaction{ID: "dup", Type: domain.TxTypeSale, ProductID: testProduct, Quantity: 1, Status: domain.TxStatusCompleted}

	require.NoError(t, s.AppendTransactions(ctx, []domain.Transaction{row}))
	assert.ErrorIs(t, s.AppendTransactions(ctx, []domain.Transaction{row}), store.ErrInvalidInput)
}

func TestUpdateUserKeepsPasswordAndCreationTime(t *testing.T) {
	s := NewSeeded(nil)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{
		Username: "clerk01", Password: "hash", Role: domain.RoleCashier, AssignedLocationID: SeedStoreAID, CreatedAt: created,
	}))

	require.NoError(t, s.UpdateUser(ctx, domain.UserAccount{Username: "CLERK01", Role: domain.RoleManager, Active: false}))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	var got *domain.UserAccount
	for i := range users {
		if users[i].Username == "clerk01" {
			got = &users[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, domain.RoleManager, got.Role)
	assert.Empty(t, got.AssignedLocationID)
	assert.False(t, got.Active)
	assert.Equal(t, "hash", got.Password)
	assert.Equal(t, created, got.CreatedAt)

	assert.ErrorIs(t, s.UpdateUser(ctx, domain.UserAccount{Username: "ghost", Role: domain.RoleCashier}), store.ErrNotFound)
}
