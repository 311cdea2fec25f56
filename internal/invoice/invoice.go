package invoice

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"stockpos/backend/internal/domain"
)

const (
	legacyPrefix = "legacy-"
	moneyPlaces  = 2
)

// Build regroups SALE rows into invoices. Rows without an invoice id become
// single-line invoices keyed by their own transaction id. Customer and
// location come from the first row seen for each invoice.
func Build(rows []domain.Transaction) []domain.Invoice {
	invoices := make([]domain.Invoice, 0, len(rows))
	index := make(map[string]int, len(rows))

	for _, row := range rows {
		if row.Type != domain.TxTypeSale {
			continue
		}

		key := row.InvoiceID
		legacy := key == ""
		if legacy {
			key = legacyPrefix + row.ID
		}

		pos, ok := index[key]
		if !ok {
			pos = len(invoices)
			index[key] = pos
			invoices = append(invoices, domain.Invoice{
				InvoiceID:     key,
				Legacy:        legacy,
				Date:          row.CreatedAt,
				CustomerName:  row.CustomerName,
				CustomerPhone: row.CustomerPhone,
				LocationID:    row.FromLocationID,
				Items:         make([]domain.InvoiceItem, 0, 4),
				TotalAmount:   decimal.Zero,
			})
		}

		price := decimal.Zero
		if row.SalePrice != nil {
			price = *row.SalePrice
		}
		// sale_price keeps 4 places; the charged line total had 2.
		amount := price.Mul(decimal.NewFromInt(int64(row.Quantity))).Round(moneyPlaces)

		inv := &invoices[pos]
		inv.Items = append(inv.Items, domain.InvoiceItem{
			TransactionID: row.ID,
			ProductID:     row.ProductID,
			Quantity:      row.Quantity,
			SalePrice:     price,
			Amount:        amount,
		})
		inv.TotalAmount = inv.TotalAmount.Add(amount)
		inv.TotalQuantity += row.Quantity
	}

	slices.SortStableFunc(invoices, func(a, b domain.Invoice) int {
		return b.Date.Compare(a.Date)
	})
	return invoices
}

// Filter keeps invoices at the given location whose customer name, phone or
// invoice id contains the search text, ignoring case.
func Filter(invoices []domain.Invoice, filter domain.InvoiceFilter) []domain.Invoice {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	location := strings.TrimSpace(filter.LocationID)

	result := make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if location != "" && inv.LocationID != location {
			continue
		}
		if search != "" && !matches(inv, search) {
			continue
		}
		result = append(result, inv)
	}
	return result
}

func matches(inv domain.Invoice, search string) bool {
	return strings.Contains(strings.ToLower(inv.CustomerName), search) ||
		strings.Contains(strings.ToLower(inv.CustomerPhone), search) ||
		strings.Contains(strings.ToLower(inv.InvoiceID), search)
}
