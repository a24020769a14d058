// Package storetest provides an in-memory store.Transactor for tests.
//
// Transactions are serialised behind one mutex and work on a copy of the data that
// replaces the live copy only when the callback returns nil, so a failed transaction
// leaves no trace.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store"

	"github.com/lib/pq"
)

// ErrConditionFailed makes a conditional update (DecrementStock, IncrementVoucherUsage,
// UpdateOrderStatus) report "no row matched" when registered as a fault.
var ErrConditionFailed = errors.New("condition failed")

type state struct {
	seq      int64
	products map[int64]models.Product
	orders   map[int64]models.Order
	items    map[int64][]models.OrderItem
	history  []models.OrderStatusHistory
	vouchers map[int64]models.Voucher
	usages   []models.VoucherUsage
	payments map[int64]models.Payment
}

func newState() *state {
	return &state{
		products: map[int64]models.Product{},
		orders:   map[int64]models.Order{},
		items:    map[int64][]models.OrderItem{},
		vouchers: map[int64]models.Voucher{},
		payments: map[int64]models.Payment{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	c.history = append([]models.OrderStatusHistory(nil), s.history...)
	for k, v := range s.vouchers {
		c.vouchers[k] = v
	}
	c.usages = append([]models.VoucherUsage(nil), s.usages...)
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

// Store is an in-memory store.Transactor
type Store struct {
	mu     sync.Mutex
	st     *state
	faults map[string]error
}

var _ store.Transactor = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{st: newState(), faults: map[string]error{}}
}

// Fail makes the next call of the named Querier method return err.
func (s *Store) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

// Read implements store.Transactor
func (s *Store) Read() store.Querier {
	return &querier{s: s}
}

// WithTx implements store.Transactor
func (s *Store) WithTx(ctx context.Context, fn func(q store.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&querier{s: s, tx: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// AddProduct seeds a product and returns it with its id
func (s *Store) AddProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.st.next()
	}
	s.st.products[p.ID] = p
	return p
}

// AddVoucher seeds a voucher and returns it with its id
func (s *Store) AddVoucher(v models.Voucher) models.Voucher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.st.next()
	}
	s.st.vouchers[v.ID] = v
	return v
}

// Product returns the committed state of a product
func (s *Store) Product(id int64) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id]
}

// Voucher returns the committed state of a voucher
func (s *Store) Voucher(id int64) models.Voucher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.vouchers[id]
}

// VoucherUsages returns the committed redemptions of a voucher
func (s *Store) VoucherUsages(voucherID int64) []models.VoucherUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VoucherUsage
	for _, u := range s.st.usages {
		if u.VoucherID == voucherID {
			out = append(out, u)
		}
	}
	return out
}

// OrderCount returns the number of committed orders
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

// SetOrderStatus overwrites an order status without history, for arranging tests
func (s *Store) SetOrderStatus(id int64, status models.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.st.orders[id]
	o.Status = status
	s.st.orders[id] = o
}

type querier struct {
	s  *Store
	tx *state
}

// do runs f against the transaction copy, or against live data under the lock.
func (q *querier) do(method string, f func(st *state) error) error {
	if q.tx != nil {
		if err := q.s.fault(method); err != nil {
			return err
		}
		return f(q.tx)
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if err := q.s.fault(method); err != nil {
		return err
	}
	return f(q.s.st)
}

// fault pops a registered fault; callers hold the lock.
func (s *Store) fault(method string) error {
	err, ok := s.faults[method]
	if !ok {
		return nil
	}
	delete(s.faults, method)
	return err
}

func conditional(err error) (bool, error) {
	if errors.Is(err, ErrConditionFailed) {
		return false, nil
	}
	return err == nil, err
}

func (q *querier) GetProductsForUpdate(ctx context.Context, ids []int64) ([]models.Product, error) {
	var out []models.Product
	err := q.do("GetProductsForUpdate", func(st *state) error {
		for _, id := range ids {
			if p, ok := st.products[id]; ok {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (q *querier) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	ok := false
	err := q.do("DecrementStock", func(st *state) error {
		p, found := st.products[productID]
		if !found || p.StockQuantity < quantity {
			return nil
		}
		p.StockQuantity -= quantity
		st.products[productID] = p
		ok = true
		return nil
	})
	if err != nil {
		return conditional(err)
	}
	return ok, nil
}

func (q *querier) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	return q.do("IncrementStock", func(st *state) error {
		p := st.products[productID]
		p.StockQuantity += quantity
		st.products[productID] = p
		return nil
	})
}

func (q *querier) CreateOrder(ctx context.Context, order *models.Order) error {
	return q.do("CreateOrder", func(st *state) error {
		for _, o := range st.orders {
			if o.OrderNumber == order.OrderNumber {
				return &pq.Error{Code: "23505", Message: "duplicate order_number"}
			}
			if order.IdempotencyKey != nil && o.IdempotencyKey != nil &&
				o.UserID == order.UserID && *o.IdempotencyKey == *order.IdempotencyKey {
				return &pq.Error{Code: "23505", Message: "duplicate idempotency_key"}
			}
		}
		order.ID = st.next()
		order.OrderedAt = time.Now()
		order.UpdatedAt = order.OrderedAt
		st.orders[order.ID] = *order
		return nil
	})
}

func (q *querier) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	return q.do("CreateOrderItem", func(st *state) error {
		item.ID = st.next()
		st.items[item.OrderID] = append(st.items[item.OrderID], *item)
		return nil
	})
}

func (q *querier) findOrder(method string, match func(o models.Order) bool) (*models.Order, error) {
	var found *models.Order
	err := q.do(method, func(st *state) error {
		for _, o := range st.orders {
			if match(o) {
				o := o
				found = &o
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (q *querier) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	o, err := q.findOrder("GetOrderByID", func(o models.Order) bool { return o.ID == id })
	if err == nil && o == nil {
		err = fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return o, err
}

func (q *querier) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, err := q.findOrder("GetOrderForUpdate", func(o models.Order) bool { return o.ID == id })
	if err == nil && o == nil {
		err = fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return o, err
}

func (q *querier) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	o, err := q.findOrder("GetOrderByNumber", func(o models.Order) bool { return o.OrderNumber == number })
	if err == nil && o == nil {
		err = fmt.Errorf("order %s: %w", number, store.ErrNotFound)
	}
	return o, err
}

func (q *querier) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	return q.findOrder("GetOrderByIdempotencyKey", func(o models.Order) bool {
		return o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key
	})
}

func (q *querier) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	out := []models.Order{}
	err := q.do("GetOrdersByUserID", func(st *state) error {
		for _, o := range st.orders {
			if o.UserID == userID {
				out = append(out, o)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		return nil
	})
	return out, err
}

func (q *querier) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	out := []models.OrderItem{}
	err := q.do("GetOrderItemsByOrderID", func(st *state) error {
		out = append(out, st.items[orderID]...)
		return nil
	})
	return out, err
}

func (q *querier) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	ok := false
	err := q.do("UpdateOrderStatus", func(st *state) error {
		o, found := st.orders[orderID]
		if !found || o.Status != from {
			return nil
		}
		o.Status = to
		o.UpdatedAt = time.Now()
		st.orders[orderID] = o
		ok = true
		return nil
	})
	if err != nil {
		return conditional(err)
	}
	return ok, nil
}

func (q *querier) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, status models.OrderPaymentStatus) error {
	return q.do("UpdateOrderPaymentStatus", func(st *state) error {
		o := st.orders[orderID]
		o.PaymentStatus = status
		st.orders[orderID] = o
		return nil
	})
}

func (q *querier) AppendStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	return q.do("AppendStatusHistory", func(st *state) error {
		h.ID = st.next()
		h.CreatedAt = time.Now()
		st.history = append(st.history, *h)
		return nil
	})
}

func (q *querier) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	out := []models.OrderStatusHistory{}
	err := q.do("GetStatusHistory", func(st *state) error {
		for _, h := range st.history {
			if h.OrderID == orderID {
				out = append(out, h)
			}
		}
		return nil
	})
	return out, err
}

func (q *querier) GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	var found *models.Voucher
	err := q.do("GetVoucherByCode", func(st *state) error {
		for _, v := range st.vouchers {
			if strings.EqualFold(v.Code, code) {
				v := v
				found = &v
				return nil
			}
		}
		return fmt.Errorf("voucher %q: %w", code, store.ErrNotFound)
	})
	return found, err
}

func (q *querier) CountUserVoucherUsages(ctx context.Context, voucherID, userID int64) (int, error) {
	n := 0
	err := q.do("CountUserVoucherUsages", func(st *state) error {
		for _, u := range st.usages {
			if u.VoucherID == voucherID && u.UserID == userID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *querier) IncrementVoucherUsage(ctx context.Context, voucherID int64) (bool, error) {
	ok := false
	err := q.do("IncrementVoucherUsage", func(st *state) error {
		v, found := st.vouchers[voucherID]
		if !found || v.LimitReached() {
			return nil
		}
		v.UsedCount++
		st.vouchers[voucherID] = v
		ok = true
		return nil
	})
	if err != nil {
		return conditional(err)
	}
	return ok, nil
}

func (q *querier) CreateVoucherUsage(ctx context.Context, usage *models.VoucherUsage) error {
	return q.do("CreateVoucherUsage", func(st *state) error {
		usage.ID = st.next()
		usage.UsedAt = time.Now()
		st.usages = append(st.usages, *usage)
		return nil
	})
}

func (q *querier) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return q.do("CreatePayment", func(st *state) error {
		payment.ID = st.next()
		payment.CreatedAt = time.Now()
		payment.UpdatedAt = payment.CreatedAt
		st.payments[payment.ID] = *payment
		return nil
	})
}

func (q *querier) findPayment(method string, match func(p models.Payment) bool, key interface{}) (*models.Payment, error) {
	var found *models.Payment
	err := q.do(method, func(st *state) error {
		for _, p := range st.payments {
			if match(p) {
				p := p
				found = &p
				return nil
			}
		}
		return fmt.Errorf("payment %v: %w", key, store.ErrNotFound)
	})
	return found, err
}

func (q *querier) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	return q.findPayment("GetPaymentByID", func(p models.Payment) bool { return p.ID == id }, id)
}

func (q *querier) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	return q.findPayment("GetPaymentByTransactionID", func(p models.Payment) bool {
		return p.TransactionID != nil && *p.TransactionID == transactionID
	}, transactionID)
}

func (q *querier) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return q.findPayment("GetPaymentByReference", func(p models.Payment) bool {
		return p.Reference == reference
	}, reference)
}

func (q *querier) paymentsOf(method string, orderID int64) ([]models.Payment, error) {
	out := []models.Payment{}
	err := q.do(method, func(st *state) error {
		for _, p := range st.payments {
			if p.OrderID == orderID {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		return nil
	})
	return out, err
}

func (q *querier) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	return q.paymentsOf("GetPaymentsByOrderID", orderID)
}

func (q *querier) LockPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	return q.paymentsOf("LockPaymentsByOrderID", orderID)
}

func (q *querier) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	return q.do("UpdatePayment", func(st *state) error {
		if _, ok := st.payments[payment.ID]; !ok {
			return fmt.Errorf("payment %d: %w", payment.ID, store.ErrNotFound)
		}
		payment.UpdatedAt = time.Now()
		st.payments[payment.ID] = *payment
		return nil
	})
}
