package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradable/internal/domain"
)

// ExecutionJournal appends diff results to daily Parquet files for offline
// analysis. Journalling is optional; a nil journal is a no-op.
type ExecutionJournal struct {
	dir string
}

// NewExecutionJournal creates a journal rooted at dir.
func NewExecutionJournal(dir string) *ExecutionJournal {
	return &ExecutionJournal{dir: dir}
}

// Diff categories as recorded in the journal.
const (
	CategoryOpened    = "opened"
	CategoryClosed    = "closed"
	CategoryOrder     = "order"
	CategoryCancelled = "cancelled"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// PositionEventRecord is the Parquet schema for position execution events.
type PositionEventRecord struct {
	Category     string  `parquet:"category"`
	ID           string  `parquet:"id"`
	Symbol       string  `parquet:"symbol"`
	Side         string  `parquet:"side"`
	Amount       float64 `parquet:"amount"`
	LastModified int64   `parquet:"last_modified,timestamp(millisecond)"`
	RecordedAt   int64   `parquet:"recorded_at,timestamp(millisecond)"`
}

// OrderEventRecord is the Parquet schema for order execution events.
type OrderEventRecord struct {
	Category   string  `parquet:"category"`
	ID         string  `parquet:"id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Type       string  `parquet:"type"`
	Amount     float64 `parquet:"amount"`
	Price      float64 `parquet:"price"`
	RecordedAt int64   `parquet:"recorded_at,timestamp(millisecond)"`
}

// Append writes the diff result to the day's files. Existing records for the
// day are merged in, deduplicated by (category, id, last_modified) for
// positions and (category, id) for orders.
func (j *ExecutionJournal) Append(res domain.DiffResult, now time.Time) error {
	if j == nil || res.Empty() {
		return nil
	}
	recordedAt := now.UnixMilli()

	var positions []PositionEventRecord
	for _, p := range res.NewPositions {
		positions = append(positions, positionRecord(CategoryOpened, p, recordedAt))
	}
	for _, p := range res.NewClosedPositions {
		positions = append(positions, positionRecord(CategoryClosed, p, recordedAt))
	}

	var orders []OrderEventRecord
	for _, o := range res.NewOrders {
		orders = append(orders, orderRecord(CategoryOrder, o, recordedAt))
	}
	for _, o := range res.NewCancelledOrders {
		orders = append(orders, orderRecord(CategoryCancelled, o, recordedAt))
	}

	if len(positions) > 0 {
		path := j.positionPath(now)
		existing, _ := readParquetFile[PositionEventRecord](path)
		if err := writeParquetFile(path, mergePositionEvents(existing, positions)); err != nil {
			return fmt.Errorf("writing position events: %w", err)
		}
	}
	if len(orders) > 0 {
		path := j.orderPath(now)
		existing, _ := readParquetFile[OrderEventRecord](path)
		if err := writeParquetFile(path, mergeOrderEvents(existing, orders)); err != nil {
			return fmt.Errorf("writing order events: %w", err)
		}
	}
	return nil
}

// ReadDay returns all journalled events for the day containing t.
func (j *ExecutionJournal) ReadDay(t time.Time) ([]PositionEventRecord, []OrderEventRecord, error) {
	positions, err := readParquetFile[PositionEventRecord](j.positionPath(t))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	orders, err := readParquetFile[OrderEventRecord](j.orderPath(t))
	if err != nil && !os.IsNotExist(err) {
		return positions, nil, err
	}
	return positions, orders, nil
}

func positionRecord(category string, p domain.Position, recordedAt int64) PositionEventRecord {
	return PositionEventRecord{
		Category:     category,
		ID:           p.ID,
		Symbol:       p.Symbol,
		Side:         p.Side,
		Amount:       p.Amount,
		LastModified: p.LastModified,
		RecordedAt:   recordedAt,
	}
}

func orderRecord(category string, o domain.Order, recordedAt int64) OrderEventRecord {
	return OrderEventRecord{
		Category:   category,
		ID:         o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Amount:     o.Amount,
		Price:      o.Price,
		RecordedAt: recordedAt,
	}
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// Layout: <dir>/<YYYY-MM-DD>/positions.parquet and orders.parquet.
func (j *ExecutionJournal) positionPath(t time.Time) string {
	return filepath.Join(j.dir, t.Format("2006-01-02"), "positions.parquet")
}

func (j *ExecutionJournal) orderPath(t time.Time) string {
	return filepath.Join(j.dir, t.Format("2006-01-02"), "orders.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergePositionEvents deduplicates by (category, id, last_modified),
// preferring incoming records. Results are sorted by recording time.
func mergePositionEvents(existing, incoming []PositionEventRecord) []PositionEventRecord {
	type key struct {
		category string
		id       string
		modified int64
	}
	seen := make(map[key]PositionEventRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Category, r.ID, r.LastModified}] = r
	}
	for _, r := range incoming {
		seen[key{r.Category, r.ID, r.LastModified}] = r
	}

	merged := make([]PositionEventRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].RecordedAt < merged[j].RecordedAt
	})
	return merged
}

// mergeOrderEvents deduplicates by (category, id), preferring incoming
// records. Results are sorted by recording time.
func mergeOrderEvents(existing, incoming []OrderEventRecord) []OrderEventRecord {
	type key struct {
		category string
		id       string
	}
	seen := make(map[key]OrderEventRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Category, r.ID}] = r
	}
	for _, r := range incoming {
		seen[key{r.Category, r.ID}] = r
	}

	merged := make([]OrderEventRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].RecordedAt < merged[j].RecordedAt
	})
	return merged
}
