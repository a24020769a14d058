package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store"
	"petcare-checkout/internal/util"

	"go.uber.org/zap"
)

// StockReservation decrements product stock inside the caller's transaction
type StockReservation struct {
	logger *zap.Logger
}

// NewStockReservation creates a stock reservation component
func NewStockReservation() *StockReservation {
	return &StockReservation{logger: util.GetLogger()}
}

// LockProducts row-locks the products of lines in ascending id order, so concurrent
// checkouts over overlapping products queue instead of deadlocking.
func (sr *StockReservation) LockProducts(ctx context.Context, q store.Querier, lines []Line) (map[int64]models.Product, error) {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products, err := q.GetProductsForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID, nil
}

// Reserve takes every line's quantity off stock. The first line that cannot be
// satisfied fails the whole batch; the caller's rollback undoes earlier lines.
func (sr *StockReservation) Reserve(ctx context.Context, q store.Querier, lines []PricedLine) error {
	ctx, span := util.StartSpan(ctx, "StockReservation.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	for _, l := range lines {
		if l.Product.StockQuantity < l.Quantity {
			return sr.insufficient(l)
		}

		ok, err := q.DecrementStock(ctx, l.Product.ID, l.Quantity)
		if err != nil {
			return fmt.Errorf("failed to reserve stock for product %d: %w", l.Product.ID, err)
		}
		if !ok {
			return sr.insufficient(l)
		}
	}
	return nil
}

func (sr *StockReservation) insufficient(l PricedLine) error {
	util.StockRejectionsTotal.Inc()
	sr.logger.Warn("Insufficient stock",
		zap.Int64("product_id", l.Product.ID),
		zap.Int("requested", l.Quantity),
		zap.Int("available", l.Product.StockQuantity))
	return newError(KindInsufficientStock, "insufficient stock for %s (product %d): requested %d",
		l.Product.Name, l.Product.ID, l.Quantity)
}

// Release returns the quantities of order items to stock
func (sr *StockReservation) Release(ctx context.Context, q store.Querier, items []models.OrderItem) error {
	for _, item := range items {
		if err := q.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
