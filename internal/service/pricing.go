package service

import (
	"time"

	"petcare-checkout/internal/models"

	"github.com/shopspring/decimal"
)

// Line is a requested (product, quantity) pair
type Line struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

// PricedLine is a line resolved against the catalog
type PricedLine struct {
	Product   models.Product
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Quote is the pre-discount price of a candidate order
type Quote struct {
	Lines       []PricedLine
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
}

// Total returns subtotal plus shipping, before any discount
func (q *Quote) Total() decimal.Decimal {
	return q.Subtotal.Add(q.ShippingFee)
}

// PricingCalculator prices order lines from current catalog state
type PricingCalculator struct {
	shippingFee           decimal.Decimal
	freeShippingThreshold decimal.Decimal
	clock                 func() time.Time
}

// NewPricingCalculator creates a calculator charging a flat shipping fee. A positive
// freeShippingThreshold waives the fee for subtotals at or above it.
func NewPricingCalculator(shippingFee, freeShippingThreshold decimal.Decimal) *PricingCalculator {
	return &PricingCalculator{
		shippingFee:           shippingFee,
		freeShippingThreshold: freeShippingThreshold,
		clock:                 time.Now,
	}
}

// normalizeLines rejects non-positive quantities and merges repeated products,
// keeping first-seen order.
func normalizeLines(lines []Line) ([]Line, error) {
	merged := make([]Line, 0, len(lines))
	index := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, newError(KindInvalidQuantity, "quantity for product %d must be positive, got %d", l.ProductID, l.Quantity)
		}
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// Quote prices lines against products. It has no side effects.
func (pc *PricingCalculator) Quote(lines []Line, products map[int64]models.Product) (*Quote, error) {
	now := pc.clock()
	quote := &Quote{
		Lines:    make([]PricedLine, 0, len(lines)),
		Subtotal: decimal.Zero,
	}

	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, newError(KindInvalidQuantity, "quantity for product %d must be positive, got %d", l.ProductID, l.Quantity)
		}
		p, ok := products[l.ProductID]
		if !ok || !p.IsActive {
			return nil, newError(KindProductUnavailable, "product %d is not available", l.ProductID)
		}

		unit := p.EffectivePrice(now)
		lineTotal := unit.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
		quote.Lines = append(quote.Lines, PricedLine{
			Product:   p,
			UnitPrice: unit,
			Quantity:  l.Quantity,
			LineTotal: lineTotal,
		})
		quote.Subtotal = quote.Subtotal.Add(lineTotal)
	}

	quote.ShippingFee = pc.shippingFee
	if pc.freeShippingThreshold.IsPositive() && quote.Subtotal.GreaterThanOrEqual(pc.freeShippingThreshold) {
		quote.ShippingFee = decimal.Zero
	}
	return quote, nil
}

// FinalAmount is subtotal + shipping - discount, floored at zero
func FinalAmount(subtotal, shipping, discount decimal.Decimal) decimal.Decimal {
	final := subtotal.Add(shipping).Sub(discount)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}
