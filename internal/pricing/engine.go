// Package pricing turns a cart and its discounts into line totals, the
// invoice total and a GST breakdown. Prices are tax-inclusive.
package pricing

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/store"
)

const (
	moneyPlaces     = 2
	unitPricePlaces = 4
)

var (
	hundred    = decimal.NewFromInt(100)
	maxGSTRate = decimal.NewFromInt(28)
)

// Quote prices a cart. It never touches storage and never fails on stock.
func Quote(cart []domain.PricingLine, bill domain.BillDiscount) (domain.Quote, error) {
	if err := validate(cart, bill); err != nil {
		return domain.Quote{}, err
	}

	lines := make([]domain.PricedLine, len(cart))
	subtotal := decimal.Zero
	postLineTotal := decimal.Zero
	billBase := decimal.Zero
	lastEligible := -1

	for i, item := range cart {
		base := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(moneyPlaces)
		discount := decimal.Min(lineDiscountAmount(item.LineDiscount, base), base)
		lineTotal := base.Sub(discount)
		eligible := !item.LineDiscount.Value.IsPositive() || bill.ApplyToDiscountedItems

		lines[i] = domain.PricedLine{
			ProductID:          item.ProductID,
			Quantity:           item.Quantity,
			UnitPrice:          item.UnitPrice,
			GSTRate:            item.GSTRate,
			Base:               base,
			LineDiscountAmount: discount,
			LineTotal:          lineTotal,
			BillEligible:       eligible,
			BillShare:          decimal.Zero,
			FinalLineTotal:     lineTotal,
		}

		subtotal = subtotal.Add(base)
		postLineTotal = postLineTotal.Add(lineTotal)
		if eligible {
			billBase = billBase.Add(lineTotal)
			lastEligible = i
		}
	}

	// The bill discount is reported as requested. When it exceeds billBase the
	// eligible lines floor at zero and the line sum stays above grandTotal.
	billAmount := billDiscountAmount(bill, billBase)

	finalSum := decimal.Zero
	for i := range lines {
		line := &lines[i]
		if line.BillEligible && billAmount.IsPositive() {
			line.BillShare = billAmount.Mul(line.LineTotal).Div(billBase).Round(moneyPlaces)
			line.FinalLineTotal = decimal.Max(decimal.Zero, line.LineTotal.Sub(line.BillShare))
		}
		finalSum = finalSum.Add(line.FinalLineTotal)
	}

	grandTotal := decimal.Max(decimal.Zero, postLineTotal.Sub(billAmount))
	if billAmount.LessThanOrEqual(billBase) {
		if residual := grandTotal.Sub(finalSum); !residual.IsZero() {
			assignResidual(lines, lastEligible, residual)
		}
	}

	for i := range lines {
		line := &lines[i]
		line.EffectiveUnitPrice = line.FinalLineTotal.Div(decimal.NewFromInt(int64(line.Quantity))).Round(unitPricePlaces)
		line.Taxable, line.GST = splitTax(line.FinalLineTotal, line.GSTRate)
	}

	return domain.Quote{
		Lines:              lines,
		Subtotal:           subtotal,
		PostLineTotal:      postLineTotal,
		BillDiscountAmount: billAmount,
		GrandTotal:         grandTotal,
		TaxBreakdown:       taxBreakdown(lines),
	}, nil
}

func lineDiscountAmount(discount domain.Discount, base decimal.Decimal) decimal.Decimal {
	switch discount.Type {
	case domain.DiscountPercentage:
		return base.Mul(discount.Value).Div(hundred).Round(moneyPlaces)
	case domain.DiscountFixed:
		return discount.Value.Round(moneyPlaces)
	default:
		return decimal.Zero
	}
}

func billDiscountAmount(bill domain.BillDiscount, billBase decimal.Decimal) decimal.Decimal {
	if !billBase.IsPositive() {
		return decimal.Zero
	}
	switch bill.Type {
	case domain.DiscountPercentage:
		return billBase.Mul(bill.Value).Div(hundred).Round(moneyPlaces)
	case domain.DiscountFixed:
		return bill.Value.Round(moneyPlaces)
	default:
		return decimal.Zero
	}
}

// assignResidual moves rounding drift onto the last eligible line that can
// absorb it without going negative.
func assignResidual(lines []domain.PricedLine, lastEligible int, residual decimal.Decimal) {
	for i := lastEligible; i >= 0; i-- {
		if !lines[i].BillEligible {
			continue
		}
		adjusted := lines[i].FinalLineTotal.Add(residual)
		if adjusted.IsNegative() {
			continue
		}
		lines[i].FinalLineTotal = adjusted
		lines[i].BillShare = lines[i].BillShare.Sub(residual)
		return
	}
}

func splitTax(final decimal.Decimal, rate decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	divisor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	taxable := final.Div(divisor).Round(moneyPlaces)
	return taxable, final.Sub(taxable)
}

func taxBreakdown(lines []domain.PricedLine) []domain.TaxGroup {
	groups := make([]domain.TaxGroup, 0, 4)
	index := make(map[string]int, 4)
	for _, line := range lines {
		key := line.GSTRate.String()
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, domain.TaxGroup{
				Rate:    line.GSTRate,
				Taxable: decimal.Zero,
				GST:     decimal.Zero,
				Total:   decimal.Zero,
			})
		}
		groups[pos].Taxable = groups[pos].Taxable.Add(line.Taxable)
		groups[pos].GST = groups[pos].GST.Add(line.GST)
		groups[pos].Total = groups[pos].Total.Add(line.FinalLineTotal)
	}
	slices.SortFunc(groups, func(a, b domain.TaxGroup) int {
		return a.Rate.Cmp(b.Rate)
	})
	return groups
}

func validate(cart []domain.PricingLine, bill domain.BillDiscount) error {
	if len(cart) == 0 {
		return fmt.Errorf("%w: cart is empty", store.ErrInvalidInput)
	}
	for i, line := range cart {
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive", store.ErrInvalidInput, i+1)
		}
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d unit price is negative", store.ErrInvalidInput, i+1)
		}
		if line.GSTRate.IsNegative() || line.GSTRate.GreaterThan(maxGSTRate) {
			return fmt.Errorf("%w: line %d gst rate must be between 0 and 28", store.ErrInvalidInput, i+1)
		}
		if err := validateDiscount(line.LineDiscount.Type, line.LineDiscount.Value); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	if err := validateDiscount(bill.Type, bill.Value); err != nil {
		return fmt.Errorf("bill discount: %w", err)
	}
	return nil
}

func validateDiscount(kind string, value decimal.Decimal) error {
	if value.IsNegative() {
		return fmt.Errorf("%w: discount value is negative", store.ErrInvalidInput)
	}
	switch kind {
	case domain.DiscountFixed, domain.DiscountPercentage:
		return nil
	case "":
		if value.IsZero() {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown discount type %q", store.ErrInvalidInput, kind)
}
