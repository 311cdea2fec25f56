package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	maxTxAttempts = 3
	lockTimeout   = "5s"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const productColumns = `id, sku, name, price, cost_price, gst_rate, hsn_code, min_stock_alert, category, size, color, group_id`

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	err := scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.CostPrice, &p.GSTRate, &p.HSNCode,
		&p.MinStockAlert, &p.Category, &p.Size, &p.Color, &p.GroupID)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name, sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type
		FROM locations
		ORDER BY CASE WHEN type = 'WAREHOUSE' THEN 0 ELSE 1 END, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.Location, 0, 8)
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Type); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

func (s *Store) GetLocation(ctx context.Context, id string) (*domain.Location, error) {
	var l domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type
		FROM locations
		WHERE id = $1
	`, id).Scan(&l.ID, &l.Name, &l.Type)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) FindWarehouse(ctx context.Context) (*domain.Location, error) {
	var l domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type
		FROM locations
		WHERE type = $1
		ORDER BY id
		LIMIT 1
	`, domain.LocationWarehouse).Scan(&l.ID, &l.Name, &l.Type)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetQuantity(ctx context.Context, productID string, locationID string) (int, error) {
	return currentQuantity(ctx, s.db, productID, locationID)
}

func (s *Store) AdjustQuantity(ctx context.Context, productID string, locationID string, delta int) (int, error) {
	if productID == "" || locationID == "" {
		return 0, store.ErrInvalidInput
	}

	var qty int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		qty, err = adjust(ctx, tx, domain.StockDelta{ProductID: productID, LocationID: locationID, Delta: delta})
		return err
	})
	if err != nil {
		return 0, err
	}
	return qty, nil
}

// ApplyDeltas applies the batch in one transaction. Records are touched in
// (product, location) order so concurrent batches lock rows consistently.
func (s *Store) ApplyDeltas(ctx context.Context, deltas []domain.StockDelta) error {
	merged := store.MergeDeltas(deltas)
	if len(merged) == 0 {
		return nil
	}
	for _, d := range merged {
		if d.ProductID == "" || d.LocationID == "" {
			return store.ErrInvalidInput
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range merged {
			if _, err := adjust(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, location_id, quantity
		FROM inventory
		ORDER BY location_id, product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 256)
	for rows.Next() {
		var rec domain.InventoryRecord
		if err := rows.Scan(&rec.ProductID, &rec.LocationID, &rec.Quantity); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) AppendTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	for _, tx := range txs {
		if tx.ID == "" || tx.Quantity < 1 {
			return store.ErrInvalidInput
		}
	}

	return s.inTx(ctx, func(pgTx *sql.Tx) error {
		for _, tx := range txs {
			if err := insertTransaction(ctx, pgTx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

const transactionColumns = `id, type, product_id, from_location_id, to_location_id, quantity, status,
	sale_price, customer_name, customer_phone, invoice_id, created_at`

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
	`, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if len(filter.Types) > 0 {
		args = append(args, filter.Types)
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.FromLocationID != "" {
		args = append(args, filter.FromLocationID)
		where = append(where, fmt.Sprintf("from_location_id = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, filter.Since.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// CompleteTransfer flips a PENDING transfer, credits its destination and
// writes the TRANSFER_IN row in one transaction. Only one concurrent caller
// can win the conditional status update.
func (s *Store) CompleteTransfer(ctx context.Context, transferID string, receiptID string, receivedAt time.Time) (*domain.Transaction, error) {
	if transferID == "" || receiptID == "" {
		return nil, store.ErrInvalidInput
	}

	var receipt domain.Transaction
	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		out, err := scanTransaction(pgTx.QueryRowContext(ctx, `
			UPDATE transactions
			SET status = $2
			WHERE id = $1 AND type = $3 AND status = $4
			RETURNING `+transactionColumns+`
		`, transferID, domain.TxStatusCompleted, domain.TxTypeTransferOut, domain.TxStatusPending).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return transferStateError(ctx, pgTx, transferID)
		}
		if err != nil {
			return err
		}

		if _, err := adjust(ctx, pgTx, domain.StockDelta{ProductID: out.ProductID, LocationID: out.ToLocationID, Delta: out.Quantity}); err != nil {
			return err
		}

		receipt = domain.Transaction{
			ID:             receiptID,
			Type:           domain.TxTypeTransferIn,
			ProductID:      out.ProductID,
			FromLocationID: out.FromLocationID,
			ToLocationID:   out.ToLocationID,
			Quantity:       out.Quantity,
			Status:         domain.TxStatusCompleted,
			CreatedAt:      receivedAt.UTC(),
		}
		return insertTransaction(ctx, pgTx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, assigned_location_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, nullIfEmpty(user.AssignedLocationID), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) || isForeignKeyViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, assigned_location_id, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var assigned sql.NullString
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &assigned, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.AssignedLocationID = assigned.String
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Role) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET role = $2, assigned_location_id = $3, active = $4, updated_at = now()
		WHERE username = $1
	`, username, user.Role, nullIfEmpty(user.AssignedLocationID), user.Active)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// inTx runs fn in a transaction, retrying serialization failures and deadlocks.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) || attempt == maxTxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return mapError(ctx.Err())
		case <-time.After(time.Duration(attempt) * 15 * time.Millisecond):
		}
	}
	return mapError(err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// adjust applies one delta. Decrements only succeed when the result stays
// non-negative; increments create the record on first touch.
func adjust(ctx context.Context, q queryer, d domain.StockDelta) (int, error) {
	var qty int
	if d.Delta >= 0 {
		err := q.QueryRowContext(ctx, `
			INSERT INTO inventory (product_id, location_id, quantity, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (product_id, location_id)
			DO UPDATE SET quantity = inventory.quantity + EXCLUDED.quantity, updated_at = now()
			RETURNING quantity
		`, d.ProductID, d.LocationID, d.Delta).Scan(&qty)
		return qty, err
	}

	err := q.QueryRowContext(ctx, `
		UPDATE inventory
		SET quantity = quantity + $3, updated_at = now()
		WHERE product_id = $1 AND location_id = $2 AND quantity + $3 >= 0
		RETURNING quantity
	`, d.ProductID, d.LocationID, d.Delta).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		available, qerr := currentQuantity(ctx, q, d.ProductID, d.LocationID)
		if qerr != nil {
			return 0, qerr
		}
		return 0, &store.InsufficientStockError{
			ProductID:  d.ProductID,
			LocationID: d.LocationID,
			Requested:  -d.Delta,
			Available:  available,
		}
	}
	return qty, err
}

func currentQuantity(ctx context.Context, q queryer, productID string, locationID string) (int, error) {
	var qty int
	err := q.QueryRowContext(ctx, `
		SELECT quantity
		FROM inventory
		WHERE product_id = $1 AND location_id = $2
	`, productID, locationID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

func insertTransaction(ctx context.Context, q queryer, tx domain.Transaction) error {
	var salePrice any
	if tx.SalePrice != nil {
		salePrice = tx.SalePrice.String()
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (
			id, type, product_id, from_location_id, to_location_id, quantity, status,
			sale_price, customer_name, customer_phone, invoice_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, tx.ID, tx.Type, tx.ProductID, nullIfEmpty(tx.FromLocationID), nullIfEmpty(tx.ToLocationID), tx.Quantity, tx.Status,
		salePrice, tx.CustomerName, tx.CustomerPhone, nullIfEmpty(tx.InvoiceID), createdAt.UTC())
	return err
}

func scanTransaction(scan func(dest ...any) error) (domain.Transaction, error) {
	var tx domain.Transaction
	var from, to, invoiceID sql.NullString
	var salePrice decimal.NullDecimal
	err := scan(&tx.ID, &tx.Type, &tx.ProductID, &from, &to, &tx.Quantity, &tx.Status,
		&salePrice, &tx.CustomerName, &tx.CustomerPhone, &invoiceID, &tx.CreatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx.FromLocationID = from.String
	tx.ToLocationID = to.String
	tx.InvoiceID = invoiceID.String
	if salePrice.Valid {
		price := salePrice.Decimal
		tx.SalePrice = &price
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

// transferStateError explains why a transfer could not be completed.
func transferStateError(ctx context.Context, q queryer, transferID string) error {
	var txType, status string
	err := q.QueryRowContext(ctx, `
		SELECT type, status
		FROM transactions
		WHERE id = $1
	`, transferID).Scan(&txType, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s is %s", store.ErrInvalidTransition, txType, transferID, status)
}

// mapError folds driver failures into the ledger error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidTransition):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
		case "23505", "23503":
			return fmt.Errorf("%w: %s", store.ErrInvalidInput, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrPersistence, err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
