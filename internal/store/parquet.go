package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"trailguard/internal/domain"
)

// Compile-time interface check.
var _ StateStore = (*ArchivingStore)(nil)

// FillRecord is the Parquet schema for archived fills.
type FillRecord struct {
	OrderID  string `parquet:"order_id"`
	Symbol   string `parquet:"symbol"`
	Side     string `parquet:"side"`
	Qty      string `parquet:"qty"`
	Price    string `parquet:"price"`              // "" when unknown
	FilledAt int64  `parquet:"filled_at_unix_nano"` // 0 when unknown
}

// FillArchive is an append-only daily journal of fills in Parquet files:
//
//	<DataDir>/<profile>/fills/<YYYY-MM-DD>.parquet
//
// Appending merges with the existing day file and drops duplicates.
type FillArchive struct {
	DataDir string

	mu  sync.Mutex
	now func() time.Time
}

// NewFillArchive creates a FillArchive rooted at dataDir.
func NewFillArchive(dataDir string) *FillArchive {
	return &FillArchive{DataDir: dataDir, now: time.Now}
}

// Append writes fills to their day files. Fills without a fill time are
// filed under the current UTC day.
func (a *FillArchive) Append(profileID string, fills ...domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	groups := make(map[string][]FillRecord)
	for _, f := range fills {
		day := a.now().UTC()
		if f.FilledAt != nil {
			day = f.FilledAt.UTC()
		}
		path := a.path(profileID, day)
		groups[path] = append(groups[path], toFillRecord(f))
	}

	for path, records := range groups {
		var existing []FillRecord
		if _, err := os.Stat(path); err == nil {
			if existing, err = readParquetFile[FillRecord](path); err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
		}
		if err := writeParquetFile(path, mergeFillRecords(existing, records)); err != nil {
			return fmt.Errorf("writing fills to %s: %w", path, err)
		}
	}
	return nil
}

// Read returns the fills archived for the given UTC day, oldest first.
func (a *FillArchive) Read(profileID string, day time.Time) ([]domain.Fill, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.path(profileID, day.UTC())
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	records, err := readParquetFile[FillRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	fills := make([]domain.Fill, 0, len(records))
	for _, r := range records {
		f, err := fromFillRecord(r)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, nil
}

func (a *FillArchive) path(profileID string, day time.Time) string {
	return filepath.Join(a.DataDir, profileID, "fills", day.Format("2006-01-02")+".parquet")
}

// ArchivingStore decorates a StateStore so that every newly recorded fill is
// also appended to a FillArchive. Archive failures are logged and never fail
// the fill.
type ArchivingStore struct {
	StateStore
	archive *FillArchive
	log     *slog.Logger
}

// NewArchivingStore wraps inner with a fill archive.
func NewArchivingStore(inner StateStore, archive *FillArchive, log *slog.Logger) *ArchivingStore {
	return &ArchivingStore{StateStore: inner, archive: archive, log: log.With("component", "fill_archive")}
}

// RecordFill records the fill and archives it when it was new.
func (s *ArchivingStore) RecordFill(ctx context.Context, profileID string, f domain.Fill) (bool, error) {
	created, err := s.StateStore.RecordFill(ctx, profileID, f)
	if err != nil || !created {
		return created, err
	}
	if err := s.archive.Append(profileID, f); err != nil {
		s.log.Warn("archiving fill", "order_id", f.OrderID, "symbol", f.Symbol, "error", err)
	}
	return true, nil
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
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func toFillRecord(f domain.Fill) FillRecord {
	r := FillRecord{
		OrderID: f.OrderID,
		Symbol:  f.Symbol,
		Side:    string(f.Side),
		Qty:     f.Qty.String(),
	}
	if f.Price != nil {
		r.Price = f.Price.String()
	}
	if f.FilledAt != nil {
		r.FilledAt = f.FilledAt.UnixNano()
	}
	return r
}

func fromFillRecord(r FillRecord) (domain.Fill, error) {
	qty, err := decimal.NewFromString(r.Qty)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("archived fill %s qty: %w", r.OrderID, err)
	}
	f := domain.Fill{OrderID: r.OrderID, Symbol: r.Symbol, Side: domain.OrderSide(r.Side), Qty: qty}
	if r.Price != "" {
		p, err := decimal.NewFromString(r.Price)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("archived fill %s price: %w", r.OrderID, err)
		}
		f.Price = &p
	}
	if r.FilledAt != 0 {
		t := time.Unix(0, r.FilledAt).UTC()
		f.FilledAt = &t
	}
	return f, nil
}

// mergeFillRecords deduplicates fill records by (order id, qty, price, fill
// time). Results are sorted by fill time.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	type key struct {
		orderID, qty, price string
		at                  int64
	}
	seen := make(map[key]bool, len(existing)+len(incoming))
	merged := make([]FillRecord, 0, len(existing)+len(incoming))
	for _, r := range append(existing, incoming...) {
		k := key{r.OrderID, r.Qty, r.Price, r.FilledAt}
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, r)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].FilledAt < merged[j].FilledAt
	})
	return merged
}
