package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockpos/backend/internal/dashboard"
	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/invoice"
	"stockpos/backend/internal/store"
	"stockpos/backend/internal/xid"
)

const (
	invoiceRowLimit  = 500
	transferRowLimit = 200
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	dashboard *dashboard.Engine
	logger    *zap.Logger
	now       func() time.Time
}

func New(repo store.Repository, dashboardEngine *dashboard.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dashboardEngine == nil {
		dashboardEngine = dashboard.NewEngine(nil, 0, logger)
	}

	return &Service{
		repo:      repo,
		dashboard: dashboardEngine,
		logger:    logger.Named("service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return s.repo.ListLocations(ctx)
}

// GetLocation resolves a location id; unknown ids are invalid input.
func (s *Service) GetLocation(ctx context.Context, locationID string) (*domain.Location, error) {
	return s.lookupLocation(ctx, strings.TrimSpace(locationID))
}

func (s *Service) GetStock(ctx context.Context, productID string, locationID string) (domain.StockResponse, error) {
	productID = strings.TrimSpace(productID)
	locationID = strings.TrimSpace(locationID)
	if productID == "" || locationID == "" {
		return domain.StockResponse{}, fmt.Errorf("%w: product_id and location_id are required", store.ErrInvalidInput)
	}

	qty, err := s.repo.GetQuantity(ctx, productID, locationID)
	if err != nil {
		return domain.StockResponse{}, err
	}
	return domain.StockResponse{ProductID: productID, LocationID: locationID, Quantity: qty}, nil
}

// ListStock returns every stock level, optionally narrowed to one location,
// ordered by location then product.
func (s *Service) ListStock(ctx context.Context, locationID string) (domain.InventoryListResponse, error) {
	locationID = strings.TrimSpace(locationID)
	if locationID != "" {
		if _, err := s.lookupLocation(ctx, locationID); err != nil {
			return domain.InventoryListResponse{}, err
		}
	}

	records, err := s.repo.ListInventory(ctx)
	if err != nil {
		return domain.InventoryListResponse{}, err
	}
	if locationID != "" {
		records = slices.DeleteFunc(records, func(rec domain.InventoryRecord) bool {
			return rec.LocationID != locationID
		})
	}
	slices.SortFunc(records, func(a, b domain.InventoryRecord) int {
		if c := strings.Compare(a.LocationID, b.LocationID); c != 0 {
			return c
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return domain.InventoryListResponse{LocationID: locationID, Items: records}, nil
}

func (s *Service) ListInvoices(ctx context.Context, filter domain.InvoiceFilter) (domain.InvoiceListResponse, error) {
	filter.LocationID = strings.TrimSpace(filter.LocationID)
	rows, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{
		Types:          []string{domain.TxTypeSale},
		FromLocationID: filter.LocationID,
		Limit:          invoiceRowLimit,
	})
	if err != nil {
		return domain.InvoiceListResponse{}, err
	}

	return domain.InvoiceListResponse{Invoices: invoice.Filter(invoice.Build(rows), filter)}, nil
}

// RecordPurchase books inbound stock into the warehouse.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResponse, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" || req.Quantity < 1 {
		return domain.PurchaseResponse{}, fmt.Errorf("%w: product_id and a positive quantity are required", store.ErrInvalidInput)
	}
	if _, err := s.lookupProduct(ctx, req.ProductID); err != nil {
		return domain.PurchaseResponse{}, err
	}
	warehouse, err := s.repo.FindWarehouse(ctx)
	if err != nil {
		return domain.PurchaseResponse{}, fmt.Errorf("find warehouse: %w", err)
	}

	deltas := []domain.StockDelta{{ProductID: req.ProductID, LocationID: warehouse.ID, Delta: req.Quantity}}
	if err := s.reserve(ctx, deltas); err != nil {
		return domain.PurchaseResponse{}, err
	}

	persistCtx := context.WithoutCancel(ctx)
	row := domain.Transaction{
		ID:           xid.New("tx"),
		Type:         domain.TxTypePurchase,
		ProductID:    req.ProductID,
		ToLocationID: warehouse.ID,
		Quantity:     req.Quantity,
		Status:       domain.TxStatusCompleted,
		CreatedAt:    s.now(),
	}
	if err := s.persistOrCompensate(persistCtx, []domain.Transaction{row}, deltas); err != nil {
		return domain.PurchaseResponse{}, err
	}

	s.dashboard.Invalidate(persistCtx, startOfDay(row.CreatedAt))
	s.logger.Info("purchase recorded",
		zap.String("transaction_id", row.ID),
		zap.String("product_id", row.ProductID),
		zap.Int("quantity", row.Quantity),
		zap.String("actor", actorName(ctx)),
	)
	return domain.PurchaseResponse{TransactionID: row.ID, LocationID: warehouse.ID, Quantity: row.Quantity}, nil
}

func (s *Service) Dashboard(ctx context.Context) (domain.DashboardSummary, error) {
	day := startOfDay(s.now())
	return s.dashboard.Summary(ctx, day, func(ctx context.Context) (dashboard.Snapshot, error) {
		var snap dashboard.Snapshot
		var err error
		if snap.Products, err = s.repo.ListProducts(ctx); err != nil {
			return snap, err
		}
		if snap.Locations, err = s.repo.ListLocations(ctx); err != nil {
			return snap, err
		}
		if snap.Inventory, err = s.repo.ListInventory(ctx); err != nil {
			return snap, err
		}
		if snap.SalesToday, err = s.repo.ListTransactions(ctx, domain.TransactionFilter{
			Types: []string{domain.TxTypeSale},
			Since: &day,
		}); err != nil {
			return snap, err
		}
		snap.PendingTransfers, err = s.repo.ListTransactions(ctx, domain.TransactionFilter{
			Types:  []string{domain.TxTypeTransferOut},
			Status: domain.TxStatusPending,
		})
		return snap, err
	})
}

// reserve applies ledger deltas unless the caller has already gone away.
func (s *Service) reserve(ctx context.Context, deltas []domain.StockDelta) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
	}
	if err := s.repo.ApplyDeltas(ctx, deltas); err != nil {
		return classifyLedgerError(err)
	}
	return nil
}

// persistOrCompensate appends rows for already applied deltas. On failure the
// deltas are reversed before PersistenceFailure is returned.
func (s *Service) persistOrCompensate(ctx context.Context, rows []domain.Transaction, applied []domain.StockDelta) error {
	err := s.repo.AppendTransactions(ctx, rows)
	if err == nil {
		return nil
	}

	s.logger.Warn("transaction append failed, restoring stock", zap.Error(err), zap.Int("rows", len(rows)))
	if cerr := s.compensate(ctx, applied); cerr != nil {
		return fmt.Errorf("%w: %w", store.ErrPersistence, errors.Join(err, cerr))
	}
	return fmt.Errorf("%w: %v", store.ErrPersistence, err)
}

// compensate reverses applied deltas. Decrements are restored first in one
// batch, which cannot fail on stock. Credits are then taken back one at a
// time, since the credited stock may already have been sold.
func (s *Service) compensate(ctx context.Context, applied []domain.StockDelta) error {
	var restore, reclaim []domain.StockDelta
	for _, d := range store.Negate(applied) {
		if d.Delta > 0 {
			restore = append(restore, d)
		} else if d.Delta < 0 {
			reclaim = append(reclaim, d)
		}
	}

	var errs []error
	if len(restore) > 0 {
		if err := s.repo.ApplyDeltas(ctx, restore); err != nil {
			s.logger.Error("stock compensation failed", zap.Error(err), zap.Any("deltas", restore))
			errs = append(errs, err)
		}
	}
	for _, d := range reclaim {
		if err := s.repo.ApplyDeltas(ctx, []domain.StockDelta{d}); err != nil {
			s.logger.Error("credit reversal failed",
				zap.Error(err),
				zap.String("product_id", d.ProductID),
				zap.String("location_id", d.LocationID),
				zap.Int("delta", d.Delta),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) lookupProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown product %s", store.ErrInvalidInput, productID)
	}
	return product, err
}

func (s *Service) lookupLocation(ctx context.Context, locationID string) (*domain.Location, error) {
	location, err := s.repo.GetLocation(ctx, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown location %s", store.ErrInvalidInput, locationID)
	}
	return location, err
}

func classifyLedgerError(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrConcurrencyConflict),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrPersistence):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
	default:
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
