package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/service"
	"stockpos/backend/internal/store"
	"stockpos/backend/internal/store/memory"
)

const testKurta = "prd-kurta-m-blue"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(nil)
	svc := service.New(repo, nil, nil)
	auth := NewAuthManager("test-secret-key-at-least-32-bytes!!", time.Hour, repo, nil)

	return New(svc, auth, "*", 5*time.Second, nil)
}

// doJSON sends payload to path with the bearer token and a fresh CSRF token.
func doJSON(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "manager",
		Password: "manager123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token")
	}
	if resp.Role != domain.RoleManager || resp.AssignedLocationID != memory.SeedStoreAID {
		t.Fatalf("unexpected login response: %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin",
		Password: "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[map[string][]domain.Product](t, rec)
	if len(body["products"]) == 0 {
		t.Fatalf("expected seeded products")
	}
}

func TestHandleStock(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	path := fmt.Sprintf("/api/v1/stock?product_id=%s&location_id=%s", testKurta, memory.SeedStoreAID)
	rec := doJSON(t, api, http.MethodGet, path, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	stock := decodeBody[domain.StockResponse](t, rec)
	if stock.Quantity != 20 {
		t.Fatalf("expected 20 on hand, got %d", stock.Quantity)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock?location_id="+memory.SeedStoreAID, token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without product_id, got %d", rec.Code)
	}
}

func TestHandleInventory(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory?location_id="+memory.SeedStoreAID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	list := decodeBody[domain.InventoryListResponse](t, rec)
	if list.LocationID != memory.SeedStoreAID || len(list.Items) != 6 {
		t.Fatalf("expected 6 store A records, got %+v", list)
	}
	for _, item := range list.Items {
		if item.LocationID != memory.SeedStoreAID || item.Quantity != 20 {
			t.Fatalf("unexpected store A record: %+v", item)
		}
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory", token, nil)
	all := decodeBody[domain.InventoryListResponse](t, rec)
	if len(all.Items) != 18 || all.Items[0].LocationID != memory.SeedStoreAID {
		t.Fatalf("expected 18 records ordered by location, got %d starting %+v", len(all.Items), all.Items[0])
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory?location_id=loc-nowhere", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown location, got %d", rec.Code)
	}
}

func TestCheckoutRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		LocationID: memory.SeedStoreAID,
		Customer:   domain.Customer{Name: "Asha", Phone: "9800011111"},
		CartItems:  []domain.CartItem{{ProductID: testKurta, Quantity: 2}},
		BillDiscount: domain.BillDiscount{
			Type:  domain.DiscountPercentage,
			Value: decimal.NewFromInt(10),
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.CheckoutResponse](t, rec)
	if resp.InvoiceID == "" || !resp.GrandTotal.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("unexpected checkout response: %+v", resp)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/invoices?location_id="+memory.SeedStoreAID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	invoices := decodeBody[domain.InvoiceListResponse](t, rec)
	if len(invoices.Invoices) != 1 || invoices.Invoices[0].InvoiceID != resp.InvoiceID {
		t.Fatalf("unexpected invoices: %+v", invoices)
	}
	if !invoices.Invoices[0].TotalAmount.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("expected invoice total 180, got %s", invoices.Invoices[0].TotalAmount)
	}
}

func TestCheckoutQuoteDoesNotMoveStock(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout/quote", token, domain.QuoteRequest{
		CartItems: []domain.CartItem{{ProductID: testKurta, Quantity: 500}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	quote := decodeBody[domain.Quote](t, rec)
	if !quote.GrandTotal.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected grand total 50000, got %s", quote.GrandTotal)
	}
}

func TestCheckoutInsufficientStockReportsShortLine(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		LocationID: memory.SeedStoreAID,
		CartItems:  []domain.CartItem{{ProductID: testKurta, Quantity: 21}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["product_id"] != testKurta || body["available"] != float64(20) || body["requested"] != float64(21) {
		t.Fatalf("unexpected shortage body: %v", body)
	}
}

func TestCheckoutOutsideAssignedLocationForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		LocationID: memory.SeedStoreBID,
		CartItems:  []domain.CartItem{{ProductID: testKurta, Quantity: 1}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCashierCannotDispatchTransfers(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/transfers", token, domain.TransferRequest{
		ProductID:    testKurta,
		Quantity:     1,
		ToLocationID: memory.SeedStoreAID,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestTransferDispatchAndReceive(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	manager := loginAs(t, api, "manager", "manager123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/transfers", admin, domain.TransferRequest{
		ProductID:    testKurta,
		Quantity:     5,
		ToLocationID: memory.SeedStoreAID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	dispatched := decodeBody[domain.TransferResponse](t, rec)
	if dispatched.Status != domain.TxStatusPending {
		t.Fatalf("expected pending transfer, got %+v", dispatched)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/transfers?status=pending", manager, nil)
	pending := decodeBody[domain.TransferListResponse](t, rec)
	if len(pending.Transfers) != 1 || pending.Transfers[0].ID != dispatched.TransferID {
		t.Fatalf("unexpected pending transfers: %+v", pending)
	}

	receivePath := "/api/v1/transfers/" + dispatched.TransferID + "/receive"
	rec = doJSON(t, api, http.MethodPost, receivePath, manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	received := decodeBody[domain.TransferResponse](t, rec)
	if received.Status != domain.TxStatusCompleted || received.ReceiptID == "" {
		t.Fatalf("unexpected receive response: %+v", received)
	}

	rec = doJSON(t, api, http.MethodPost, receivePath, manager, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second receive, got %d", rec.Code)
	}

	path := fmt.Sprintf("/api/v1/stock?product_id=%s&location_id=%s", testKurta, memory.SeedStoreAID)
	stock := decodeBody[domain.StockResponse](t, doJSON(t, api, http.MethodGet, path, manager, nil))
	if stock.Quantity != 25 {
		t.Fatalf("expected store A stock 25, got %d", stock.Quantity)
	}
}

func TestReceiveUnknownTransferNotFound(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/transfers/tx-missing/receive", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/transfers/tx-missing/cancel", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestPurchaseAndDashboard(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/purchases", admin, domain.PurchaseRequest{
		ProductID: testKurta,
		Quantity:  12,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	purchase := decodeBody[domain.PurchaseResponse](t, rec)
	if purchase.LocationID != memory.SeedWarehouseID || purchase.Quantity != 12 {
		t.Fatalf("unexpected purchase response: %+v", purchase)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/dashboard", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	summary := decodeBody[domain.DashboardSummary](t, rec)
	if len(summary.Locations) != 3 || summary.Locations[0].LocationID != memory.SeedWarehouseID {
		t.Fatalf("unexpected dashboard locations: %+v", summary.Locations)
	}
}

func TestUsersAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	manager := loginAs(t, api, "manager", "manager123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/users", manager, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/users", admin, domain.UserCreateRequest{
		Username:           "clerkb",
		Password:           "pass1234",
		Role:               domain.RoleCashier,
		AssignedLocationID: memory.SeedStoreBID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/users", admin, domain.UserCreateRequest{
		Username:           "clerkx",
		Password:           "pass1234",
		Role:               domain.RoleCashier,
		AssignedLocationID: "loc-nowhere",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown location, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/users", admin, nil)
	users := decodeBody[map[string][]domain.UserSummary](t, rec)
	if len(users["users"]) != 4 {
		t.Fatalf("expected 4 users, got %+v", users["users"])
	}
}

func TestUserUpdateByAdmin(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	manager := loginAs(t, api, "manager", "manager123")

	storeB := memory.SeedStoreBID
	rec := doJSON(t, api, http.MethodPatch, "/api/v1/users/cashier", manager, domain.UserUpdateRequest{AssignedLocationID: &storeB})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for manager, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/users/cashier", admin, domain.UserUpdateRequest{AssignedLocationID: &storeB})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	updated := decodeBody[map[string]domain.UserSummary](t, rec)
	if updated["user"].AssignedLocationID != memory.SeedStoreBID || updated["user"].Role != domain.RoleCashier {
		t.Fatalf("unexpected updated user: %+v", updated["user"])
	}

	body, _ := json.Marshal(domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	login := decodeBody[domain.LoginResponse](t, res)
	if login.AssignedLocationID != memory.SeedStoreBID {
		t.Fatalf("expected new logins to carry store B, got %q", login.AssignedLocationID)
	}

	nowhere := "loc-nowhere"
	rec = doJSON(t, api, http.MethodPatch, "/api/v1/users/cashier", admin, domain.UserUpdateRequest{AssignedLocationID: &nowhere})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown location, got %d", rec.Code)
	}

	inactive := false
	rec = doJSON(t, api, http.MethodPatch, "/api/v1/users/ghost", admin, domain.UserUpdateRequest{Active: &inactive})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/users/cashier", admin, domain.UserUpdateRequest{Active: &inactive})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on deactivate, got %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected deactivated cashier login to fail, got %d", res.Code)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{store.ErrInvalidInput, http.StatusBadRequest},
		{store.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("lookup: %w", store.ErrNotFound), http.StatusNotFound},
		{&store.InsufficientStockError{ProductID: testKurta, Requested: 3}, http.StatusConflict},
		{store.ErrInvalidTransition, http.StatusConflict},
		{store.ErrConcurrencyConflict, http.StatusConflict},
		{store.ErrPersistence, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
