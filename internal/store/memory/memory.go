package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/store"
)

type Store struct {
	mu               sync.RWMutex
	locations        map[string]domain.Location
	products         map[string]domain.Product
	inventory        map[string]map[string]int
	transactions     []*domain.Transaction
	transactionsByID map[string]*domain.Transaction
	usersByUsername  map[string]domain.UserAccount
}

const (
	SeedWarehouseID = "loc-warehouse"
	SeedStoreAID    = "loc-store-a"
	SeedStoreBID    = "loc-store-b"
)

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; unset values fall back to dev defaults.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store using default dev credentials; set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		location string
	}{
		{"admin", adminPwd, domain.RoleAdmin, ""},
		{"manager", managerPwd, domain.RoleManager, SeedStoreAID},
		{"cashier", cashierPwd, domain.RoleCashier, SeedStoreAID},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:           u.username,
			Password:           string(hash),
			Role:               u.role,
			AssignedLocationID: u.location,
			Active:             true,
			CreatedAt:          now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("memory")

	locations := []domain.Location{
		{ID: SeedWarehouseID, Name: "Central Warehouse", Type: domain.LocationWarehouse},
		{ID: SeedStoreAID, Name: "Store A", Type: domain.LocationStore},
		{ID: SeedStoreBID, Name: "Store B", Type: domain.LocationStore},
	}

	products := []domain.Product{
		{ID: "prd-kurta-m-blue", SKU: "KUR-M-BLU", Name: "Cotton Kurta", Price: decimal.NewFromInt(100), CostPrice: decimal.NewFromInt(60), GSTRate: decimal.NewFromInt(18), HSNCode: "6211", MinStockAlert: 10, Category: "apparel", Size: "M", Color: "Blue", GroupID: "grp-kurta"},
		{ID: "prd-kurta-l-blue", SKU: "KUR-L-BLU", Name: "Cotton Kurta", Price: decimal.NewFromInt(100), CostPrice: decimal.NewFromInt(60), GSTRate: decimal.NewFromInt(18), HSNCode: "6211", MinStockAlert: 10, Category: "apparel", Size: "L", Color: "Blue", GroupID: "grp-kurta"},
		{ID: "prd-saree-silk", SKU: "SAR-SILK", Name: "Silk Saree", Price: decimal.NewFromInt(2499), CostPrice: decimal.NewFromInt(1500), GSTRate: decimal.NewFromInt(12), HSNCode: "5007", MinStockAlert: 5, Category: "apparel"},
		{ID: "prd-dupatta", SKU: "DUP-CHF", Name: "Chiffon Dupatta", Price: decimal.RequireFromString("349.50"), CostPrice: decimal.NewFromInt(200), GSTRate: decimal.NewFromInt(5), HSNCode: "6214", MinStockAlert: 8, Category: "accessories"},
		{ID: "prd-bangle-set", SKU: "BNG-SET", Name: "Bangle Set", Price: decimal.NewFromInt(199), CostPrice: decimal.NewFromInt(90), GSTRate: decimal.NewFromInt(3), HSNCode: "7117", MinStockAlert: 15, Category: "accessories"},
		{ID: "prd-gift-card", SKU: "GIFT-500", Name: "Gift Card 500", Price: decimal.NewFromInt(500), CostPrice: decimal.NewFromInt(500), GSTRate: decimal.Zero, MinStockAlert: 0, Category: "gift"},
	}

	locationMap := make(map[string]domain.Location, len(locations))
	for _, l := range locations {
		locationMap[l.ID] = l
	}

	productMap := make(map[string]domain.Product, len(products))
	inventory := make(map[string]map[string]int, len(products))
	for _, p := range products {
		productMap[p.ID] = p
		inventory[p.ID] = map[string]int{
			SeedWarehouseID: 100,
			SeedStoreAID:    20,
			SeedStoreBID:    20,
		}
	}

	return &Store{
		locations:        locationMap,
		products:         productMap,
		inventory:        inventory,
		transactions:     make([]*domain.Transaction, 0, 128),
		transactionsByID: make(map[string]*domain.Transaction),
		usersByUsername:  seedUsers(logger),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			if a.Name == b.Name {
				return strings.Compare(a.SKU, b.SKU)
			}
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locations := make([]domain.Location, 0, len(s.locations))
	for _, l := range s.locations {
		locations = append(locations, l)
	}
	slices.SortFunc(locations, func(a, b domain.Location) int {
		if a.Type != b.Type {
			// warehouse first
			if a.Type == domain.LocationWarehouse {
				return -1
			}
			if b.Type == domain.LocationWarehouse {
				return 1
			}
		}
		return strings.Compare(a.Name, b.Name)
	})
	return locations, nil
}

func (s *Store) GetLocation(_ context.Context, id string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	location, exists := s.locations[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &location, nil
}

func (s *Store) FindWarehouse(_ context.Context) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.locations {
		if l.Type == domain.LocationWarehouse {
			warehouse := l
			return &warehouse, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetQuantity(_ context.Context, productID string, locationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.inventory[productID][locationID], nil
}

func (s *Store) AdjustQuantity(_ context.Context, productID string, locationID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDeltaLocked(domain.StockDelta{ProductID: productID, LocationID: locationID, Delta: delta}); err != nil {
		return 0, err
	}
	return s.applyDeltaLocked(productID, locationID, delta), nil
}

// ApplyDeltas validates the whole batch before touching any record.
func (s *Store) ApplyDeltas(_ context.Context, deltas []domain.StockDelta) error {
	merged := store.MergeDeltas(deltas)
	if len(merged) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range merged {
		if err := s.checkDeltaLocked(d); err != nil {
			return err
		}
	}
	for _, d := range merged {
		s.applyDeltaLocked(d.ProductID, d.LocationID, d.Delta)
	}
	return nil
}

func (s *Store) checkDeltaLocked(d domain.StockDelta) error {
	if d.ProductID == "" || d.LocationID == "" {
		return store.ErrInvalidInput
	}
	current := s.inventory[d.ProductID][d.LocationID]
	if current+d.Delta < 0 {
		return &store.InsufficientStockError{
			ProductID:  d.ProductID,
			LocationID: d.LocationID,
			Requested:  -d.Delta,
			Available:  current,
		}
	}
	return nil
}

func (s *Store) applyDeltaLocked(productID string, locationID string, delta int) int {
	byLocation, ok := s.inventory[productID]
	if !ok {
		byLocation = make(map[string]int)
		s.inventory[productID] = byLocation
	}
	byLocation[locationID] += delta
	return byLocation[locationID]
}

func (s *Store) ListInventory(_ context.Context) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.InventoryRecord, 0, len(s.inventory)*3)
	for productID, byLocation := range s.inventory {
		for locationID, qty := range byLocation {
			records = append(records, domain.InventoryRecord{ProductID: productID, LocationID: locationID, Quantity: qty})
		}
	}
	slices.SortFunc(records, func(a, b domain.InventoryRecord) int {
		if a.ProductID == b.ProductID {
			return strings.Compare(a.LocationID, b.LocationID)
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return records, nil
}

func (s *Store) AppendTransactions(_ context.Context, txs []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		if tx.ID == "" || tx.Quantity < 1 {
			return store.ErrInvalidInput
		}
		if _, exists := s.transactionsByID[tx.ID]; exists {
			return store.ErrInvalidInput
		}
	}
	for _, tx := range txs {
		stored := cloneTransaction(&tx)
		s.transactions = append(s.transactions, stored)
		s.transactionsByID[stored.ID] = stored
	}
	return nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactionsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 64)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, tx.Type) {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.FromLocationID != "" && tx.FromLocationID != filter.FromLocationID {
			continue
		}
		if filter.Since != nil && tx.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}

	slices.SortStableFunc(result, func(a, b domain.Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CompleteTransfer flips a PENDING transfer, credits its destination and
// records the TRANSFER_IN mirror under one lock.
func (s *Store) CompleteTransfer(_ context.Context, transferID string, receiptID string, receivedAt time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, exists := s.transactionsByID[transferID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if out.Type != domain.TxTypeTransferOut || out.Status != domain.TxStatusPending {
		return nil, store.ErrInvalidTransition
	}
	if _, exists := s.transactionsByID[receiptID]; exists {
		return nil, store.ErrInvalidInput
	}

	out.Status = domain.TxStatusCompleted
	s.applyDeltaLocked(out.ProductID, out.ToLocationID, out.Quantity)

	in := &domain.Transaction{
		ID:             receiptID,
		Type:           domain.TxTypeTransferIn,
		ProductID:      out.ProductID,
		FromLocationID: out.FromLocationID,
		ToLocationID:   out.ToLocationID,
		Quantity:       out.Quantity,
		Status:         domain.TxStatusCompleted,
		CreatedAt:      receivedAt,
	}
	s.transactions = append(s.transactions, in)
	s.transactionsByID[in.ID] = in
	return cloneTransaction(in), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Role) == "" {
		return store.ErrInvalidInput
	}
	existing, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	existing.Role = user.Role
	existing.AssignedLocationID = user.AssignedLocationID
	existing.Active = user.Active
	s.usersByUsername[username] = existing
	return nil
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	cloned := *src
	if src.SalePrice != nil {
		price := *src.SalePrice
		cloned.SalePrice = &price
	}
	return &cloned
}
