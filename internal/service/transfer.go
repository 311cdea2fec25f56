package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/store"
	"stockpos/backend/internal/xid"
)

// DispatchTransfer moves stock out of the warehouse toward a store. With
// AutoReceive the destination is credited in the same ledger batch.
func (s *Service) DispatchTransfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResponse, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.ToLocationID = strings.TrimSpace(req.ToLocationID)
	if req.ProductID == "" || req.ToLocationID == "" {
		return domain.TransferResponse{}, fmt.Errorf("%w: product_id and to_location_id are required", store.ErrInvalidInput)
	}
	if req.Quantity < 1 {
		return domain.TransferResponse{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}

	if _, err := s.lookupProduct(ctx, req.ProductID); err != nil {
		return domain.TransferResponse{}, err
	}
	destination, err := s.lookupLocation(ctx, req.ToLocationID)
	if err != nil {
		return domain.TransferResponse{}, err
	}
	if destination.Type != domain.LocationStore {
		return domain.TransferResponse{}, fmt.Errorf("%w: transfers must target a store", store.ErrInvalidInput)
	}
	warehouse, err := s.repo.FindWarehouse(ctx)
	if err != nil {
		return domain.TransferResponse{}, fmt.Errorf("find warehouse: %w", err)
	}

	deltas := []domain.StockDelta{{ProductID: req.ProductID, LocationID: warehouse.ID, Delta: -req.Quantity}}
	if req.AutoReceive {
		deltas = append(deltas, domain.StockDelta{ProductID: req.ProductID, LocationID: destination.ID, Delta: req.Quantity})
	}
	if err := s.reserve(ctx, deltas); err != nil {
		return domain.TransferResponse{}, err
	}

	persistCtx := context.WithoutCancel(ctx)
	createdAt := s.now()
	out := domain.Transaction{
		ID:             xid.New("tx"),
		Type:           domain.TxTypeTransferOut,
		ProductID:      req.ProductID,
		FromLocationID: warehouse.ID,
		ToLocationID:   destination.ID,
		Quantity:       req.Quantity,
		Status:         domain.TxStatusPending,
		CreatedAt:      createdAt,
	}
	rows := []domain.Transaction{out}
	resp := domain.TransferResponse{TransferID: out.ID, Status: domain.TxStatusPending}
	if req.AutoReceive {
		rows[0].Status = domain.TxStatusCompleted
		in := out
		in.ID = xid.New("tx")
		in.Type = domain.TxTypeTransferIn
		in.Status = domain.TxStatusCompleted
		rows = append(rows, in)
		resp.Status = domain.TxStatusCompleted
		resp.ReceiptID = in.ID
	}

	if err := s.persistOrCompensate(persistCtx, rows, deltas); err != nil {
		return domain.TransferResponse{}, err
	}

	s.dashboard.Invalidate(persistCtx, startOfDay(createdAt))
	s.logger.Info("transfer dispatched",
		zap.String("transfer_id", out.ID),
		zap.String("product_id", out.ProductID),
		zap.String("to_location_id", out.ToLocationID),
		zap.Int("quantity", out.Quantity),
		zap.Bool("auto_receive", req.AutoReceive),
		zap.String("actor", actorName(ctx)),
	)
	return resp, nil
}

// ReceiveTransfer completes a PENDING transfer. Only an admin or a user
// assigned to the destination may receive it.
func (s *Service) ReceiveTransfer(ctx context.Context, transferID string) (domain.TransferResponse, error) {
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return domain.TransferResponse{}, fmt.Errorf("%w: transfer id is required", store.ErrInvalidInput)
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.TransferResponse{}, fmt.Errorf("%w: caller identity required", store.ErrForbidden)
	}

	transfer, err := s.repo.FindTransactionByID(ctx, transferID)
	if err != nil {
		return domain.TransferResponse{}, err
	}
	if transfer.Type != domain.TxTypeTransferOut {
		return domain.TransferResponse{}, fmt.Errorf("%w: %s is not a transfer", store.ErrInvalidTransition, transferID)
	}
	if !canReceive(actor, transfer.ToLocationID) {
		return domain.TransferResponse{}, fmt.Errorf("%w: not assigned to destination", store.ErrForbidden)
	}
	if transfer.Status != domain.TxStatusPending {
		return domain.TransferResponse{}, fmt.Errorf("%w: transfer %s is %s", store.ErrInvalidTransition, transferID, transfer.Status)
	}
	if err := ctx.Err(); err != nil {
		return domain.TransferResponse{}, fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
	}

	receipt, err := s.repo.CompleteTransfer(ctx, transferID, xid.New("tx"), s.now())
	if err != nil {
		return domain.TransferResponse{}, classifyLedgerError(err)
	}

	s.dashboard.Invalidate(context.WithoutCancel(ctx), startOfDay(receipt.CreatedAt))
	s.logger.Info("transfer received",
		zap.String("transfer_id", transferID),
		zap.String("receipt_id", receipt.ID),
		zap.String("to_location_id", receipt.ToLocationID),
		zap.Int("quantity", receipt.Quantity),
		zap.String("actor", actor.Username),
	)
	return domain.TransferResponse{TransferID: transferID, Status: domain.TxStatusCompleted, ReceiptID: receipt.ID}, nil
}

func (s *Service) ListTransfers(ctx context.Context, pendingOnly bool) (domain.TransferListResponse, error) {
	filter := domain.TransactionFilter{
		Types: []string{domain.TxTypeTransferOut, domain.TxTypeTransferIn},
		Limit: transferRowLimit,
	}
	if pendingOnly {
		filter.Types = []string{domain.TxTypeTransferOut}
		filter.Status = domain.TxStatusPending
	}

	rows, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return domain.TransferListResponse{}, err
	}
	return domain.TransferListResponse{Transfers: rows}, nil
}

func canReceive(actor domain.Actor, destinationID string) bool {
	if actor.Role == domain.RoleAdmin {
		return true
	}
	return actor.AssignedLocationID != "" && actor.AssignedLocationID == destinationID
}
