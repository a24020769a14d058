package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petcare-checkout/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Querier is the narrow per-entity query surface. The same set runs either directly
// against the pool (Store.Read) or inside one transaction (Store.WithTx).
type Querier interface {
	// catalog
	GetProductsForUpdate(ctx context.Context, ids []int64) ([]models.Product, error)
	DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error)
	IncrementStock(ctx context.Context, productID int64, quantity int) error

	// orders
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
	UpdateOrderPaymentStatus(ctx context.Context, orderID int64, status models.OrderPaymentStatus) error
	AppendStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error
	GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)

	// vouchers
	GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
	CountUserVoucherUsages(ctx context.Context, voucherID, userID int64) (int, error)
	IncrementVoucherUsage(ctx context.Context, voucherID int64) (bool, error)
	CreateVoucherUsage(ctx context.Context, usage *models.VoucherUsage) error

	// payments
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	LockPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

// Transactor hands out queriers. Write paths must go through WithTx.
type Transactor interface {
	Read() Querier
	WithTx(ctx context.Context, fn func(q Querier) error) error
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Read returns a querier running outside any transaction
func (s *Store) Read() Querier {
	return &queries{ext: s.db}
}

// WithTx runs fn inside one transaction. Any error from fn rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a postgres unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
