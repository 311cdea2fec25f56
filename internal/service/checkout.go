package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/pricing"
	"stockpos/backend/internal/store"
	"stockpos/backend/internal/xid"
)

var saleTransitions = map[domain.SaleState][]domain.SaleState{
	domain.SaleStarted:       {domain.SaleStockReserved, domain.SaleAborted},
	domain.SaleStockReserved: {domain.SaleCommitted, domain.SaleRolledBack},
	domain.SaleRolledBack:    {domain.SaleAborted},
}

// saleRun follows one checkout through its states.
type saleRun struct {
	invoiceID string
	state     domain.SaleState
	logger    *zap.Logger
}

func newSaleRun(invoiceID string, logger *zap.Logger) *saleRun {
	return &saleRun{invoiceID: invoiceID, state: domain.SaleStarted, logger: logger}
}

func (r *saleRun) advance(next domain.SaleState) error {
	if !slices.Contains(saleTransitions[r.state], next) {
		return fmt.Errorf("%w: sale %s cannot move from %s to %s", store.ErrInvalidTransition, r.invoiceID, r.state, next)
	}
	r.logger.Debug("sale state", zap.String("invoice_id", r.invoiceID), zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
	return nil
}

// QuoteCheckout prices a cart against the catalog without touching stock.
func (s *Service) QuoteCheckout(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	return s.quote(ctx, req.CartItems, req.BillDiscount)
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	run := newSaleRun(xid.Invoice(), s.logger)

	resp, err := s.checkout(ctx, run, req)
	if err != nil && run.state == domain.SaleStarted {
		_ = run.advance(domain.SaleAborted)
	}
	return resp, err
}

func (s *Service) checkout(ctx context.Context, run *saleRun, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.LocationID = strings.TrimSpace(req.LocationID)
	if req.LocationID == "" {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: location_id is required", store.ErrInvalidInput)
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role != domain.RoleAdmin &&
		actor.AssignedLocationID != "" && actor.AssignedLocationID != req.LocationID {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: cannot sell from location %s", store.ErrForbidden, req.LocationID)
	}
	if _, err := s.lookupLocation(ctx, req.LocationID); err != nil {
		return domain.CheckoutResponse{}, err
	}

	quote, err := s.quote(ctx, req.CartItems, req.BillDiscount)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	deltas := make([]domain.StockDelta, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		deltas = append(deltas, domain.StockDelta{ProductID: line.ProductID, LocationID: req.LocationID, Delta: -line.Quantity})
	}

	if err := s.reserve(ctx, deltas); err != nil {
		return domain.CheckoutResponse{}, err
	}
	if err := run.advance(domain.SaleStockReserved); err != nil {
		return domain.CheckoutResponse{}, err
	}

	// Stock is held from here on; finish or compensate regardless of the caller.
	persistCtx := context.WithoutCancel(ctx)
	createdAt := s.now()
	customerName := strings.TrimSpace(req.Customer.Name)
	customerPhone := strings.TrimSpace(req.Customer.Phone)

	rows := make([]domain.Transaction, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		salePrice := line.EffectiveUnitPrice
		rows = append(rows, domain.Transaction{
			ID:             xid.New("tx"),
			Type:           domain.TxTypeSale,
			ProductID:      line.ProductID,
			FromLocationID: req.LocationID,
			Quantity:       line.Quantity,
			Status:         domain.TxStatusCompleted,
			SalePrice:      &salePrice,
			CustomerName:   customerName,
			CustomerPhone:  customerPhone,
			InvoiceID:      run.invoiceID,
			CreatedAt:      createdAt,
		})
	}

	if err := s.persistOrCompensate(persistCtx, rows, deltas); err != nil {
		_ = run.advance(domain.SaleRolledBack)
		_ = run.advance(domain.SaleAborted)
		s.logger.Error("checkout rolled back", zap.String("invoice_id", run.invoiceID), zap.Error(err))
		return domain.CheckoutResponse{}, err
	}
	if err := run.advance(domain.SaleCommitted); err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.dashboard.Invalidate(persistCtx, startOfDay(createdAt))
	s.logger.Info("checkout committed",
		zap.String("invoice_id", run.invoiceID),
		zap.String("location_id", req.LocationID),
		zap.Int("lines", len(rows)),
		zap.String("grand_total", quote.GrandTotal.StringFixed(2)),
		zap.String("actor", actorName(ctx)),
	)

	return domain.CheckoutResponse{
		InvoiceID:    run.invoiceID,
		State:        run.state,
		Subtotal:     quote.Subtotal,
		BillDiscount: quote.BillDiscountAmount,
		GrandTotal:   quote.GrandTotal,
		TaxBreakdown: quote.TaxBreakdown,
		Lines:        quote.Lines,
		CreatedAt:    createdAt.Format(time.RFC3339),
	}, nil
}

// quote resolves catalog prices and tax rates for each cart line.
func (s *Service) quote(ctx context.Context, items []domain.CartItem, bill domain.BillDiscount) (domain.Quote, error) {
	if len(items) == 0 {
		return domain.Quote{}, fmt.Errorf("%w: cart is empty", store.ErrInvalidInput)
	}

	items = slices.Clone(items)
	ids := make([]string, 0, len(items))
	for i := range items {
		items[i].ProductID = strings.TrimSpace(items[i].ProductID)
		items[i].LineDiscount.Type = normalizeDiscountType(items[i].LineDiscount.Type)
		if items[i].ProductID == "" {
			return domain.Quote{}, fmt.Errorf("%w: line %d has no product_id", store.ErrInvalidInput, i+1)
		}
		ids = append(ids, items[i].ProductID)
	}
	bill.Type = normalizeDiscountType(bill.Type)

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Quote{}, err
	}

	cart := make([]domain.PricingLine, 0, len(items))
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return domain.Quote{}, fmt.Errorf("%w: unknown product %s", store.ErrInvalidInput, item.ProductID)
		}
		cart = append(cart, domain.PricingLine{
			ProductID:    product.ID,
			UnitPrice:    product.Price,
			Quantity:     item.Quantity,
			GSTRate:      product.GSTRate,
			LineDiscount: item.LineDiscount,
		})
	}

	return pricing.Quote(cart, bill)
}

func normalizeDiscountType(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}
