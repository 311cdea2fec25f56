package dashboard

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockpos/backend/internal/cache"
	"stockpos/backend/internal/domain"
)

// Snapshot is the raw ledger state a summary is computed from.
type Snapshot struct {
	Products         []domain.Product
	Locations        []domain.Location
	Inventory        []domain.InventoryRecord
	SalesToday       []domain.Transaction
	PendingTransfers []domain.Transaction
}

type Loader func(ctx context.Context) (Snapshot, error)

type Engine struct {
	cache    cache.SummaryCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewEngine(cacheStore cache.SummaryCache, cacheTTL time.Duration, logger *zap.Logger) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopSummaryCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		logger:   logger.Named("dashboard"),
	}
}

// Summary returns the cached summary for day, computing and caching it on a miss.
// Cache failures are logged and never fail the request.
func (e *Engine) Summary(ctx context.Context, day time.Time, load Loader) (domain.DashboardSummary, error) {
	key := cacheKey(day)
	cached, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("summary cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	snapshot, err := load(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}

	summary := Build(snapshot, day)
	if err := e.cache.Set(ctx, key, &summary, e.cacheTTL); err != nil {
		e.logger.Warn("summary cache write failed", zap.String("key", key), zap.Error(err))
	}
	return summary, nil
}

// Invalidate drops the cached summary for day after a stock or sale mutation.
func (e *Engine) Invalidate(ctx context.Context, day time.Time) {
	key := cacheKey(day)
	if err := e.cache.Delete(ctx, key); err != nil {
		e.logger.Warn("summary cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

func Build(snapshot Snapshot, day time.Time) domain.DashboardSummary {
	products := make(map[string]domain.Product, len(snapshot.Products))
	for _, p := range snapshot.Products {
		products[p.ID] = p
	}

	warehouseID := ""
	for _, l := range snapshot.Locations {
		if l.Type == domain.LocationWarehouse {
			warehouseID = l.ID
			break
		}
	}

	salesToday := decimal.Zero
	for _, sale := range snapshot.SalesToday {
		if sale.SalePrice == nil {
			continue
		}
		salesToday = salesToday.Add(sale.SalePrice.Mul(decimal.NewFromInt(int64(sale.Quantity))))
	}

	perLocation := make(map[string]*domain.LocationStock, len(snapshot.Locations))
	locations := make([]domain.LocationStock, len(snapshot.Locations))
	for i, l := range snapshot.Locations {
		locations[i] = domain.LocationStock{LocationID: l.ID, Name: l.Name, Type: l.Type, TotalValue: decimal.Zero}
		perLocation[l.ID] = &locations[i]
	}

	warehouseQty := make(map[string]int, len(snapshot.Products))
	for _, rec := range snapshot.Inventory {
		if rec.LocationID == warehouseID {
			warehouseQty[rec.ProductID] = rec.Quantity
		}
		stock, ok := perLocation[rec.LocationID]
		if !ok {
			continue
		}
		stock.TotalStock += rec.Quantity
		if p, ok := products[rec.ProductID]; ok {
			stock.TotalValue = stock.TotalValue.Add(p.Price.Mul(decimal.NewFromInt(int64(rec.Quantity))))
		}
	}

	lowStock := make([]domain.LowStockItem, 0, 8)
	if warehouseID != "" {
		for _, p := range snapshot.Products {
			qty := warehouseQty[p.ID]
			if qty > p.MinStockAlert {
				continue
			}
			lowStock = append(lowStock, domain.LowStockItem{
				ProductID:     p.ID,
				SKU:           p.SKU,
				Name:          p.Name,
				Quantity:      qty,
				MinStockAlert: p.MinStockAlert,
			})
		}
	}
	slices.SortFunc(lowStock, func(a, b domain.LowStockItem) int {
		if a.Quantity != b.Quantity {
			return a.Quantity - b.Quantity
		}
		return strings.Compare(a.SKU, b.SKU)
	})

	return domain.DashboardSummary{
		Date:             day.UTC().Format(time.DateOnly),
		SalesToday:       salesToday,
		SaleLinesToday:   len(snapshot.SalesToday),
		LowStock:         lowStock,
		PendingTransfers: len(snapshot.PendingTransfers),
		Locations:        locations,
		GeneratedAt:      time.Now().UTC(),
	}
}

func cacheKey(day time.Time) string {
	return "dashboard:" + day.UTC().Format(time.DateOnly)
}
