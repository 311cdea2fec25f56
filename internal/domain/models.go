package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	LocationWarehouse = "WAREHOUSE"
	LocationStore     = "STORE"
)

const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleCashier = "CASHIER"
)

const (
	TxTypePurchase    = "PURCHASE"
	TxTypeSale        = "SALE"
	TxTypeTransferOut = "TRANSFER_OUT"
	TxTypeTransferIn  = "TRANSFER_IN"
)

const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
)

const (
	DiscountFixed      = "FIXED"
	DiscountPercentage = "PERCENTAGE"
)

// SaleState tracks a checkout through reservation and commit.
type SaleState string

const (
	SaleStarted       SaleState = "STARTED"
	SaleStockReserved SaleState = "STOCK_RESERVED"
	SaleCommitted     SaleState = "COMMITTED"
	SaleRolledBack    SaleState = "ROLLED_BACK"
	SaleAborted       SaleState = "ABORTED"
)

type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Product struct {
	ID            string          `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	GSTRate       decimal.Decimal `json:"gst_rate"`
	HSNCode       string          `json:"hsn_code,omitempty"`
	MinStockAlert int             `json:"min_stock_alert"`
	Category      string          `json:"category"`
	Size          string          `json:"size,omitempty"`
	Color         string          `json:"color,omitempty"`
	GroupID       string          `json:"group_id,omitempty"`
}

type InventoryRecord struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   int    `json:"quantity"`
}

// StockDelta is one signed adjustment for the ledger.
type StockDelta struct {
	ProductID  string
	LocationID string
	Delta      int
}

type Transaction struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	ProductID      string           `json:"product_id"`
	FromLocationID string           `json:"from_location_id,omitempty"`
	ToLocationID   string           `json:"to_location_id,omitempty"`
	Quantity       int              `json:"quantity"`
	Status         string           `json:"status"`
	SalePrice      *decimal.Decimal `json:"sale_price,omitempty"`
	CustomerName   string           `json:"customer_name,omitempty"`
	CustomerPhone  string           `json:"customer_phone,omitempty"`
	InvoiceID      string           `json:"invoice_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type TransactionFilter struct {
	Types          []string
	Status         string
	FromLocationID string
	Since          *time.Time
	Limit          int
}

type Discount struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

type BillDiscount struct {
	Type                   string          `json:"type"`
	Value                  decimal.Decimal `json:"value"`
	ApplyToDiscountedItems bool            `json:"apply_to_discounted_items"`
}

// PricingLine is one cart line as seen by the pricing engine.
type PricingLine struct {
	ProductID    string          `json:"product_id"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	GSTRate      decimal.Decimal `json:"gst_rate"`
	LineDiscount Discount        `json:"line_discount"`
}

type PricedLine struct {
	ProductID          string          `json:"product_id"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	GSTRate            decimal.Decimal `json:"gst_rate"`
	Base               decimal.Decimal `json:"base"`
	LineDiscountAmount decimal.Decimal `json:"line_discount_amount"`
	LineTotal          decimal.Decimal `json:"line_total"`
	BillEligible       bool            `json:"bill_eligible"`
	BillShare          decimal.Decimal `json:"bill_share"`
	FinalLineTotal     decimal.Decimal `json:"final_line_total"`
	EffectiveUnitPrice decimal.Decimal `json:"effective_unit_price"`
	Taxable            decimal.Decimal `json:"taxable"`
	GST                decimal.Decimal `json:"gst"`
}

type TaxGroup struct {
	Rate    decimal.Decimal `json:"rate"`
	Taxable decimal.Decimal `json:"taxable"`
	GST     decimal.Decimal `json:"gst"`
	Total   decimal.Decimal `json:"total"`
}

type Quote struct {
	Lines              []PricedLine    `json:"lines"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	PostLineTotal      decimal.Decimal `json:"post_line_total"`
	BillDiscountAmount decimal.Decimal `json:"bill_discount_amount"`
	GrandTotal         decimal.Decimal `json:"grand_total"`
	TaxBreakdown       []TaxGroup      `json:"tax_breakdown"`
}

type CartItem struct {
	ProductID    string   `json:"product_id"`
	Quantity     int      `json:"quantity"`
	LineDiscount Discount `json:"line_discount"`
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type QuoteRequest struct {
	CartItems    []CartItem   `json:"cart_items"`
	BillDiscount BillDiscount `json:"bill_discount"`
}

type CheckoutRequest struct {
	LocationID   string       `json:"location_id"`
	Customer     Customer     `json:"customer"`
	CartItems    []CartItem   `json:"cart_items"`
	BillDiscount BillDiscount `json:"bill_discount"`
}

type CheckoutResponse struct {
	InvoiceID    string          `json:"invoice_id"`
	State        SaleState       `json:"state"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	BillDiscount decimal.Decimal `json:"bill_discount_amount"`
	GrandTotal   decimal.Decimal `json:"grand_total"`
	TaxBreakdown []TaxGroup      `json:"tax_breakdown"`
	Lines        []PricedLine    `json:"lines"`
	CreatedAt    string          `json:"created_at"`
}

type TransferRequest struct {
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity"`
	ToLocationID string `json:"to_location_id"`
	AutoReceive  bool   `json:"auto_receive"`
}

type TransferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	ReceiptID  string `json:"receipt_id,omitempty"`
}

type TransferListResponse struct {
	Transfers []Transaction `json:"transfers"`
}

type PurchaseRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PurchaseResponse struct {
	TransactionID string `json:"transaction_id"`
	LocationID    string `json:"location_id"`
	Quantity      int    `json:"quantity"`
}

type StockResponse struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   int    `json:"quantity"`
}

type InventoryListResponse struct {
	LocationID string            `json:"location_id,omitempty"`
	Items      []InventoryRecord `json:"items"`
}

type InvoiceItem struct {
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	Quantity      int             `json:"quantity"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	Amount        decimal.Decimal `json:"amount"`
}

// Invoice is rebuilt from SALE rows; only totals survive persistence.
type Invoice struct {
	InvoiceID     string          `json:"invoice_id"`
	Legacy        bool            `json:"legacy"`
	Date          time.Time       `json:"date"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	LocationID    string          `json:"location_id"`
	Items         []InvoiceItem   `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalQuantity int             `json:"total_quantity"`
}

type InvoiceFilter struct {
	LocationID string
	Search     string
}

type InvoiceListResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type LowStockItem struct {
	ProductID     string `json:"product_id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	Quantity      int    `json:"quantity"`
	MinStockAlert int    `json:"min_stock_alert"`
}

type LocationStock struct {
	LocationID string          `json:"location_id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	TotalStock int             `json:"total_stock"`
	TotalValue decimal.Decimal `json:"total_value"`
}

type DashboardSummary struct {
	Date             string          `json:"date"`
	SalesToday       decimal.Decimal `json:"sales_today"`
	SaleLinesToday   int             `json:"sale_lines_today"`
	LowStock         []LowStockItem  `json:"low_stock"`
	PendingTransfers int             `json:"pending_transfers"`
	Locations        []LocationStock `json:"locations"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken        string `json:"access_token"`
	Role               string `json:"role"`
	AssignedLocationID string `json:"assigned_location_id,omitempty"`
	ExpiresAt          string `json:"expires_at"`
}

type Actor struct {
	Username           string
	Role               string
	AssignedLocationID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username           string
	Password           string
	Role               string
	AssignedLocationID string
	Active             bool
	CreatedAt          time.Time
}

type UserCreateRequest struct {
	Username           string `json:"username"`
	Password           string `json:"password"`
	Role               string `json:"role"`
	AssignedLocationID string `json:"assigned_location_id"`
}

// UserUpdateRequest changes an account in place; nil fields are left as they are.
type UserUpdateRequest struct {
	Role               *string `json:"role"`
	AssignedLocationID *string `json:"assigned_location_id"`
	Active             *bool   `json:"active"`
}

type UserSummary struct {
	Username           string    `json:"username"`
	Role               string    `json:"role"`
	AssignedLocationID string    `json:"assigned_location_id,omitempty"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}
