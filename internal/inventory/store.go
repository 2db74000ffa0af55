// Package inventory owns the materialized stock of every product. All stock
// mutation goes through Store.Update, which serializes work per product and
// is the only path that appends to the ledger.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/ledger"
	"github.com/bookstore/stockcore/internal/lock"
	"github.com/bookstore/stockcore/internal/metrics"
)

const (
	defaultLockWait    = 2 * time.Second
	defaultMaxAttempts = 5
)

var tracer = otel.Tracer("github.com/bookstore/stockcore/internal/inventory")

type Store struct {
	db          *db.DB
	ledger      *ledger.Ledger
	locks       *lock.KeyedMutex
	log         *zap.Logger
	metrics     *metrics.Metrics
	dispatcher  *events.Dispatcher
	now         func() time.Time
	lockWait    time.Duration
	maxAttempts uint
	newBackOff  func() backoff.BackOff
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockWait bounds how long one attempt waits for the product locks.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) { s.lockWait = d }
}

// WithMaxAttempts sets how many times a contended unit is tried before
// ErrContention is returned.
func WithMaxAttempts(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithDispatcher(d *events.Dispatcher) Option {
	return func(s *Store) { s.dispatcher = d }
}

// WithBackOff replaces the retry policy between contended attempts.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Store) { s.newBackOff = newBackOff }
}

func NewStore(database *db.DB, log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		db:          database,
		locks:       lock.NewKeyedMutex(),
		log:         log,
		now:         time.Now,
		lockWait:    defaultLockWait,
		maxAttempts: defaultMaxAttempts,
		newBackOff:  defaultBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = ledger.New(database, log)
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

// Now is the store's clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) DB() *db.DB { return s.db }

func (s *Store) Ledger() *ledger.Ledger { return s.ledger }

func (s *Store) Metrics() *metrics.Metrics { return s.metrics }

func (s *Store) Dispatcher() *events.Dispatcher { return s.dispatcher }

// Update runs fn as one atomic unit over productIDs. The products are locked
// in sorted order, then one database transaction is opened and the product
// rows are loaded (and row-locked on PostgreSQL). Contention is retried with
// backoff; any other error rolls the transaction back and is returned as is.
// Events emitted by fn are published only after the transaction commits.
// Keys that name no product are locked but load no row, which lets callers
// serialize work on other entities alongside their products.
func (s *Store) Update(ctx context.Context, productIDs []string, fn func(*Tx) error) (err error) {
	ids := uniqueSorted(productIDs)

	ctx, span := tracer.Start(ctx, "inventory.Update", trace.WithAttributes(attribute.StringSlice("stockcore.keys", ids)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
	}()

	attempt := func() (*Tx, error) {
		tx, err := s.attempt(ctx, ids, fn)
		if err == nil {
			return tx, nil
		}
		if apperr.Retryable(err) {
			s.metrics.ContentionRetry()
			span.AddEvent("contention retry")
			s.log.Debug("Atomic unit contended, retrying", zap.Strings("product_ids", ids), zap.Error(err))
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	tx, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if apperr.Retryable(err) {
			s.metrics.ContentionFailure()
			s.log.Warn("Contention retry budget exhausted", zap.Strings("product_ids", ids), zap.Error(err))
		}
		return err
	}

	for _, f := range tx.afterCommit {
		f()
	}
	if tx.movements > 0 {
		s.refreshLowStockGauge(ctx)
	}
	s.dispatcher.Dispatch(ctx, tx.events...)
	return nil
}

func (s *Store) attempt(ctx context.Context, ids []string, fn func(*Tx) error) (*Tx, error) {
	unlock, err := s.locks.LockAll(ctx, ids, s.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, apperr.Contention(firstOr(ids), err)
		}
		return nil, err
	}
	defer unlock()

	tx := &Tx{store: s, products: make(map[string]*db.Product, len(ids)), locked: make(map[string]bool, len(ids))}
	for _, id := range ids {
		tx.locked[id] = true
	}

	err = s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx.db = gtx
		if err := s.lockRows(gtx, ids, tx.products); err != nil {
			return err
		}
		return fn(tx)
	})
	if err != nil {
		if db.IsContention(err) {
			return nil, apperr.Contention(firstOr(ids), err)
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) lockRows(gtx *gorm.DB, ids []string, into map[string]*db.Product) error {
	if len(ids) == 0 {
		return nil
	}
	q := gtx
	if s.db.IsPostgres() {
		ms := s.lockWait.Milliseconds()
		if ms <= 0 {
			ms = defaultLockWait.Milliseconds()
		}
		if err := gtx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error; err != nil {
			return err
		}
		q = gtx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var products []*db.Product
	if err := q.Where("product_id IN ?", ids).Order("product_id").Find(&products).Error; err != nil {
		return err
	}
	for _, p := range products {
		into[p.ProductID] = p
	}
	return nil
}

// ApplyMovement applies a single change to one product as its own atomic unit.
func (s *Store) ApplyMovement(ctx context.Context, productID string, change Change) (*db.StockMovement, error) {
	var movement *db.StockMovement
	err := s.Update(ctx, []string{productID}, func(tx *Tx) error {
		m, err := tx.ApplyMovement(productID, change)
		movement = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

func (s *Store) refreshLowStockGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Product{}).
		Where("active = ? AND stock_quantity - reserved_quantity <= low_stock_threshold", true).
		Count(&n).Error
	if err != nil {
		s.log.Warn("Failed to count low stock products", zap.Error(err))
		return
	}
	s.metrics.SetLowStock(int(n))
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func firstOr(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return ids[0]
}
