// Package ledger keeps the append-only stock movement log. The log, replayed
// from zero, is the authoritative history of every product's stock.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
)

// ErrMismatch is returned by Verify when the log and the product row disagree.
var ErrMismatch = errors.New("ledger mismatch")

const replayBatchSize = 500

type Ledger struct {
	db  *db.DB
	log *zap.Logger
}

func New(database *db.DB, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: database, log: log}
}

// Append inserts one movement inside tx. The database assigns Seq, so callers
// must leave it zero.
func Append(tx *gorm.DB, m *db.StockMovement) error {
	if m.Seq != 0 {
		return fmt.Errorf("append movement: seq is assigned by the ledger, got %d", m.Seq)
	}
	if m.ProductID == "" {
		return apperr.Invalid("movement without product id")
	}
	if !m.MovementType.Valid() {
		return apperr.Invalid("unknown movement type %q", m.MovementType)
	}
	if m.NewStock != m.PreviousStock+m.QuantityChange {
		return fmt.Errorf("append movement: new stock %d != %d%+d", m.NewStock, m.PreviousStock, m.QuantityChange)
	}
	if m.NewReserved != m.PreviousReserved+m.ReservedChange {
		return fmt.Errorf("append movement: new reserved %d != %d%+d", m.NewReserved, m.PreviousReserved, m.ReservedChange)
	}
	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("append movement: %w", err)
	}
	return nil
}

// Replay folds quantity_change for productID from an initial zero stock.
func (l *Ledger) Replay(ctx context.Context, productID string) (int, error) {
	stock, _, err := l.fold(ctx, productID, nil)
	return stock, err
}

// ReplayReserved folds reserved_change for productID from zero.
func (l *Ledger) ReplayReserved(ctx context.Context, productID string) (int, error) {
	_, reserved, err := l.fold(ctx, productID, nil)
	return reserved, err
}

func (l *Ledger) fold(ctx context.Context, productID string, visit func(*db.StockMovement) error) (int, int, error) {
	var stock, reserved int
	var batch []db.StockMovement
	res := l.db.WithContext(ctx).
		Where("product_id = ?", productID).
		FindInBatches(&batch, replayBatchSize, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				if visit != nil {
					if err := visit(&batch[i]); err != nil {
						return err
					}
				}
				stock += batch[i].QuantityChange
				reserved += batch[i].ReservedChange
			}
			return nil
		})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("replay %s: %w", productID, res.Error)
	}
	return stock, reserved, nil
}

// Movements returns the log of productID in sequence order.
func (l *Ledger) Movements(ctx context.Context, productID string) ([]db.StockMovement, error) {
	var movements []db.StockMovement
	err := l.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("seq ASC").
		Find(&movements).Error
	if err != nil {
		return nil, fmt.Errorf("list movements of %s: %w", productID, err)
	}
	return movements, nil
}

// ByReference returns every movement caused by one reservation, order or refund.
func (l *Ledger) ByReference(ctx context.Context, referenceID string) ([]db.StockMovement, error) {
	var movements []db.StockMovement
	err := l.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("seq ASC").
		Find(&movements).Error
	if err != nil {
		return nil, fmt.Errorf("list movements of reference %s: %w", referenceID, err)
	}
	return movements, nil
}

// Report is the outcome of verifying one product.
type Report struct {
	ProductID        string
	Movements        int
	ReplayedStock    int
	ReplayedReserved int
	StockQuantity    int
	ReservedQuantity int
}

// Verify replays productID, checks that every movement continues the previous
// one, and compares the result with the materialized product row.
func (l *Ledger) Verify(ctx context.Context, productID string) (*Report, error) {
	var product db.Product
	if err := l.db.WithContext(ctx).Where("product_id = ?", productID).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrUnknownProduct, productID)
		}
		return nil, err
	}

	report := &Report{
		ProductID:        productID,
		StockQuantity:    product.StockQuantity,
		ReservedQuantity: product.ReservedQuantity,
	}

	var runningStock, runningReserved int
	stock, reserved, err := l.fold(ctx, productID, func(m *db.StockMovement) error {
		report.Movements++
		if m.PreviousStock != runningStock || m.PreviousReserved != runningReserved {
			return fmt.Errorf("%w: movement %d of %s starts at stock=%d reserved=%d, expected stock=%d reserved=%d",
				ErrMismatch, m.Seq, productID, m.PreviousStock, m.PreviousReserved, runningStock, runningReserved)
		}
		runningStock = m.NewStock
		runningReserved = m.NewReserved
		return nil
	})
	if err != nil {
		return report, err
	}

	report.ReplayedStock = stock
	report.ReplayedReserved = reserved
	if stock != product.StockQuantity || reserved != product.ReservedQuantity {
		l.log.Error("Ledger does not match product",
			zap.String("product_id", productID),
			zap.Int("replayed_stock", stock),
			zap.Int("stock_quantity", product.StockQuantity),
			zap.Int("replayed_reserved", reserved),
			zap.Int("reserved_quantity", product.ReservedQuantity))
		return report, fmt.Errorf("%w: %s replays to stock=%d reserved=%d, row has stock=%d reserved=%d",
			ErrMismatch, productID, stock, reserved, product.StockQuantity, product.ReservedQuantity)
	}
	return report, nil
}

// VerifyAll runs Verify for every product and returns the first mismatch.
func (l *Ledger) VerifyAll(ctx context.Context) ([]*Report, error) {
	var ids []string
	if err := l.db.WithContext(ctx).Model(&db.Product{}).Order("product_id").Pluck("product_id", &ids).Error; err != nil {
		return nil, err
	}
	reports := make([]*Report, 0, len(ids))
	for _, id := range ids {
		report, err := l.Verify(ctx, id)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
