// Package memory содержит in-memory хранилище для локальной разработки и тестов.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// state: снимок всех таблиц. Транзакция работает с копией и подменяет исходник при Commit.
type state struct {
	products     map[int64]domain.Product
	items        map[int64]domain.ProductItem
	sales        map[int64]domain.SeasonalSale
	saleLines    map[int64]domain.SeasonalSaleLine
	orders       map[int64]domain.Order
	lines        map[int64]domain.OrderLine
	outbox       map[string]*outboxRecord
	nextOrderID  int64
	nextLineID   int64
	nextOutboxNo int64
}

func newState() *state {
	return &state{
		products:  make(map[int64]domain.Product),
		items:     make(map[int64]domain.ProductItem),
		sales:     make(map[int64]domain.SeasonalSale),
		saleLines: make(map[int64]domain.SeasonalSaleLine),
		orders:    make(map[int64]domain.Order),
		lines:     make(map[int64]domain.OrderLine),
		outbox:    make(map[string]*outboxRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		products:     make(map[int64]domain.Product, len(s.products)),
		items:        make(map[int64]domain.ProductItem, len(s.items)),
		sales:        make(map[int64]domain.SeasonalSale, len(s.sales)),
		saleLines:    make(map[int64]domain.SeasonalSaleLine, len(s.saleLines)),
		orders:       make(map[int64]domain.Order, len(s.orders)),
		lines:        make(map[int64]domain.OrderLine, len(s.lines)),
		outbox:       make(map[string]*outboxRecord, len(s.outbox)),
		nextOrderID:  s.nextOrderID,
		nextLineID:   s.nextLineID,
		nextOutboxNo: s.nextOutboxNo,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.saleLines {
		c.saleLines[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.outbox {
		rec := *v
		c.outbox[k] = &rec
	}
	return c
}

// Store: in-memory реализация domain.OrderStore.
// Транзакции сериализуются: одновременно открыта не больше одной.
type Store struct {
	lock  chan struct{}
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		lock:  make(chan struct{}, 1),
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() {
	<-s.lock
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// mutate выполняет fn над копией состояния и сохраняет её, если fn не вернула ошибку.
func (s *Store) mutate(ctx context.Context, fn func(*state) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	work := s.snapshot().clone()
	if err := fn(work); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// Begin открывает транзакцию, дожидаясь завершения предыдущей или отмены ctx.
func (s *Store) Begin(ctx context.Context) (domain.OrderTx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{store: s, work: s.snapshot().clone()}, nil
}

// ErrTxDone возвращается при работе с завершённой транзакцией.
var ErrTxDone = errors.New("memory: transaction has already been committed or rolled back")

type tx struct {
	store *Store
	work  *state
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.store.release()

	if err := checkUniqueOrderItems(t.work); err != nil {
		return err
	}

	t.store.mu.Lock()
	t.store.state = t.work
	t.store.mu.Unlock()
	return nil
}

// Rollback отбрасывает изменения. После Commit ничего не делает.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.release()
	return nil
}

func (t *tx) active() error {
	if t.done {
		return ErrTxDone
	}
	return nil
}

// checkUniqueOrderItems проверяет уникальность (order_id, item_id) на момент фиксации.
func checkUniqueOrderItems(s *state) error {
	seen := make(map[[2]int64]struct{}, len(s.lines))
	for _, id := range sortedKeys(s.lines) {
		line := s.lines[id]
		key := [2]int64{line.OrderID, line.ItemID}
		if _, ok := seen[key]; ok {
			return &domain.DuplicateLineItemError{ItemID: line.ItemID}
		}
		seen[key] = struct{}{}
	}
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (t *tx) GetProductItem(_ context.Context, id int64) (domain.ProductItem, error) {
	if err := t.active(); err != nil {
		return domain.ProductItem{}, err
	}
	item, ok := t.work.items[id]
	if !ok {
		return domain.ProductItem{}, domain.NewNotFound("product item", id)
	}
	return item, nil
}

func (t *tx) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	if err := t.active(); err != nil {
		return domain.Product{}, err
	}
	product, ok := t.work.products[id]
	if !ok {
		return domain.Product{}, domain.NewNotFound("product", id)
	}
	return product, nil
}

func (t *tx) ActiveSeasonalSaleLines(_ context.Context, itemID int64, at time.Time) ([]domain.SeasonalSaleLine, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	var result []domain.SeasonalSaleLine
	for _, id := range sortedKeys(t.work.saleLines) {
		line := t.work.saleLines[id]
		if line.ItemID != itemID {
			continue
		}
		sale, ok := t.work.sales[line.SeasonalSaleID]
		if !ok || !sale.ActiveAt(at) {
			continue
		}
		result = append(result, line)
	}
	return result, nil
}

func (t *tx) GetOrder(_ context.Context, id int64) (domain.Order, error) {
	if err := t.active(); err != nil {
		return domain.Order{}, err
	}
	order, ok := t.work.orders[id]
	if !ok {
		return domain.Order{}, domain.NewNotFound("order", id)
	}
	return order, nil
}

func (t *tx) ListOrders(_ context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	result := make([]domain.Order, 0, len(t.work.orders))
	for _, id := range sortedKeys(t.work.orders) {
		order := t.work.orders[id]
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		if filter.CustomerID != nil && order.CustomerID != *filter.CustomerID {
			continue
		}
		result = append(result, order)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (t *tx) InsertOrder(_ context.Context, order domain.Order) (domain.Order, error) {
	if err := t.active(); err != nil {
		return domain.Order{}, err
	}
	t.work.nextOrderID++
	order.ID = t.work.nextOrderID
	t.work.orders[order.ID] = order
	return order, nil
}

func (t *tx) UpdateOrder(_ context.Context, order domain.Order, prevUpdatedAt time.Time) (domain.Order, error) {
	if err := t.active(); err != nil {
		return domain.Order{}, err
	}
	current, ok := t.work.orders[order.ID]
	if !ok {
		return domain.Order{}, domain.NewNotFound("order", order.ID)
	}
	if !current.UpdatedAt.Equal(prevUpdatedAt) {
		return domain.Order{}, fmt.Errorf("order %d: %w", order.ID, domain.ErrUpdateConflict)
	}
	t.work.orders[order.ID] = order
	return order, nil
}

// DeleteOrder повторяет поведение внешнего ключа ON DELETE RESTRICT.
func (t *tx) DeleteOrder(_ context.Context, id int64) error {
	if err := t.active(); err != nil {
		return err
	}
	if _, ok := t.work.orders[id]; !ok {
		return domain.NewNotFound("order", id)
	}
	for _, line := range t.work.lines {
		if line.OrderID == id {
			return fmt.Errorf("delete order %d: %w", id, domain.ErrRestrictedDeletion)
		}
	}
	delete(t.work.orders, id)
	return nil
}

func (t *tx) GetOrderLine(_ context.Context, id int64) (domain.OrderLine, error) {
	if err := t.active(); err != nil {
		return domain.OrderLine{}, err
	}
	line, ok := t.work.lines[id]
	if !ok {
		return domain.OrderLine{}, domain.NewNotFound("order line", id)
	}
	return line, nil
}

func (t *tx) ListOrderLines(_ context.Context, orderID int64) ([]domain.OrderLine, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	var result []domain.OrderLine
	for _, id := range sortedKeys(t.work.lines) {
		if line := t.work.lines[id]; line.OrderID == orderID {
			result = append(result, line)
		}
	}
	return result, nil
}

func (t *tx) InsertOrderLine(_ context.Context, line domain.OrderLine) (domain.OrderLine, error) {
	if err := t.active(); err != nil {
		return domain.OrderLine{}, err
	}
	if err := t.checkLineRefs(line); err != nil {
		return domain.OrderLine{}, err
	}
	t.work.nextLineID++
	line.ID = t.work.nextLineID
	t.work.lines[line.ID] = line
	return line, nil
}

func (t *tx) UpdateOrderLine(_ context.Context, line domain.OrderLine, prevUpdatedAt time.Time) (domain.OrderLine, error) {
	if err := t.active(); err != nil {
		return domain.OrderLine{}, err
	}
	current, ok := t.work.lines[line.ID]
	if !ok {
		return domain.OrderLine{}, domain.NewNotFound("order line", line.ID)
	}
	if !current.UpdatedAt.Equal(prevUpdatedAt) {
		return domain.OrderLine{}, fmt.Errorf("order line %d: %w", line.ID, domain.ErrUpdateConflict)
	}
	if err := t.checkLineRefs(line); err != nil {
		return domain.OrderLine{}, err
	}
	t.work.lines[line.ID] = line
	return line, nil
}

func (t *tx) checkLineRefs(line domain.OrderLine) error {
	if _, ok := t.work.orders[line.OrderID]; !ok {
		return domain.NewNotFound("order", line.OrderID)
	}
	if _, ok := t.work.items[line.ItemID]; !ok {
		return domain.NewNotFound("product item", line.ItemID)
	}
	return nil
}

func (t *tx) DeleteOrderLinesNotIn(_ context.Context, orderID int64, keep []int64) (int, error) {
	if err := t.active(); err != nil {
		return 0, err
	}
	kept := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	deleted := 0
	for id, line := range t.work.lines {
		if line.OrderID != orderID {
			continue
		}
		if _, ok := kept[id]; ok {
			continue
		}
		delete(t.work.lines, id)
		deleted++
	}
	return deleted, nil
}

var (
	_ domain.OrderStore = (*Store)(nil)
	_ domain.OrderTx    = (*tx)(nil)
)
