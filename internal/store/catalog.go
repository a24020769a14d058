package store

import (
	"context"
	"fmt"

	"petcare-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, sku, name, category, price, sale_price, sale_ends_at, is_active, stock_quantity, updated_at`

// GetProductsForUpdate locks the given products in ascending id order
func (q *queries) GetProductsForUpdate(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+productColumns+" FROM products WHERE id IN (?) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, err
	}
	query = q.ext.Rebind(query)

	var products []models.Product
	if err := sqlx.SelectContext(ctx, q.ext, &products, query, args...); err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	return products, nil
}

// DecrementStock takes quantity units off a product.
// Returns false when the product does not hold enough stock.
func (q *queries) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	n, err := q.exec(ctx,
		"UPDATE products SET stock_quantity = stock_quantity - $1, updated_at = NOW() WHERE id = $2 AND stock_quantity >= $1",
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}
	return n == 1, nil
}

// IncrementStock puts quantity units back on a product
func (q *queries) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	_, err := q.exec(ctx,
		"UPDATE products SET stock_quantity = stock_quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	return nil
}
