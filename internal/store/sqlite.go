package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trailguard/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ StateStore = (*SQLiteStore)(nil)

// SQLiteStore implements StateStore backed by a SQLite database. Decimals are
// stored as text so no precision is lost; timestamps as Unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		profile_id      TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		asset_id        TEXT NOT NULL DEFAULT '',
		asset_class     TEXT NOT NULL DEFAULT '',
		exchange        TEXT NOT NULL DEFAULT '',
		side            TEXT NOT NULL DEFAULT '',
		qty             TEXT NOT NULL,
		avg_entry_price TEXT NOT NULL,
		market_value    TEXT NOT NULL,
		cost_basis      TEXT NOT NULL,
		unrealized_pl   TEXT,
		unrealized_plpc TEXT,
		current_price   TEXT,
		lastday_price   TEXT,
		change_today    TEXT,
		synced_at       INTEGER NOT NULL,
		PRIMARY KEY (profile_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		profile_id       TEXT NOT NULL,
		id               TEXT NOT NULL,
		client_order_id  TEXT NOT NULL DEFAULT '',
		symbol           TEXT NOT NULL DEFAULT '',
		side             TEXT NOT NULL DEFAULT '',
		type             TEXT NOT NULL DEFAULT '',
		time_in_force    TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT '',
		order_class      TEXT NOT NULL DEFAULT '',
		qty              TEXT,
		filled_qty       TEXT,
		filled_avg_price TEXT,
		trail_percent    TEXT,
		submitted_at     INTEGER,
		updated_at       INTEGER,
		filled_at        INTEGER,
		has_legs         INTEGER NOT NULL DEFAULT 0,
		source           TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		PRIMARY KEY (profile_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS fills (
		profile_id  TEXT NOT NULL,
		order_id    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		qty         TEXT NOT NULL,
		price       TEXT,
		filled_at   INTEGER,
		dedup_key   TEXT NOT NULL UNIQUE,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS protection_links (
		profile_id          TEXT NOT NULL,
		entry_order_id      TEXT NOT NULL,
		protection_order_id TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		PRIMARY KEY (profile_id, entry_order_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_profile ON fills (profile_id, filled_at)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// OpenSQLite opens a SQLite database with WAL journaling and a busy timeout.
// Writes are serialized through a single connection.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// UpsertPositions replaces the profile's positions in one transaction.
func (s *SQLiteStore) UpsertPositions(ctx context.Context, profileID string, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("clearing positions: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (profile_id, symbol, asset_id, asset_class, exchange, side,
			qty, avg_entry_price, market_value, cost_basis,
			unrealized_pl, unrealized_plpc, current_price, lastday_price, change_today, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing position insert: %w", err)
	}
	defer stmt.Close()

	syncedAt := s.now().UnixNano()
	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, profileID, p.Symbol, p.AssetID, p.AssetClass, p.Exchange, string(p.Side),
			p.Qty.String(), p.AvgEntryPrice.String(), p.MarketValue.String(), p.CostBasis.String(),
			nullDecimal(p.UnrealizedPL), nullDecimal(p.UnrealizedPLPC), nullDecimal(p.CurrentPrice),
			nullDecimal(p.LastdayPrice), nullDecimal(p.ChangeToday), syncedAt); err != nil {
			return fmt.Errorf("inserting position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

// ListPositions returns positions ordered by market value, largest first.
func (s *SQLiteStore) ListPositions(ctx context.Context, profileID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, asset_id, asset_class, exchange, side, qty, avg_entry_price, market_value, cost_basis,
			unrealized_pl, unrealized_plpc, current_price, lastday_price, change_today
		FROM positions WHERE profile_id = ?
		ORDER BY CAST(market_value AS REAL) DESC, symbol`, profileID)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var (
			p                             domain.Position
			side                          string
			qty, avg, mv, cost            string
			upl, uplpc, cur, lastday, chg sql.NullString
		)
		if err := rows.Scan(&p.Symbol, &p.AssetID, &p.AssetClass, &p.Exchange, &side,
			&qty, &avg, &mv, &cost, &upl, &uplpc, &cur, &lastday, &chg); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Side = domain.PositionSide(side)
		if p.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("position %s qty: %w", p.Symbol, err)
		}
		p.AvgEntryPrice, _ = decimal.NewFromString(avg)
		p.MarketValue, _ = decimal.NewFromString(mv)
		p.CostBasis, _ = decimal.NewFromString(cost)
		p.UnrealizedPL = scanDecimal(upl)
		p.UnrealizedPLPC = scanDecimal(uplpc)
		p.CurrentPrice = scanDecimal(cur)
		p.LastdayPrice = scanDecimal(lastday)
		p.ChangeToday = scanDecimal(chg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// UpsertOrder inserts or updates an order keyed by (profile, broker ID).
func (s *SQLiteStore) UpsertOrder(ctx context.Context, profileID string, o domain.Order, source string) error {
	if o.ID == "" {
		return fmt.Errorf("upserting order: %w: missing order id", domain.ErrInvalidPayload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (profile_id, id, client_order_id, symbol, side, type, time_in_force, status,
			order_class, qty, filled_qty, filled_avg_price, trail_percent, submitted_at, updated_at,
			filled_at, has_legs, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, id) DO UPDATE SET
			client_order_id  = CASE WHEN excluded.client_order_id = '' THEN orders.client_order_id ELSE excluded.client_order_id END,
			symbol           = excluded.symbol,
			side             = excluded.side,
			type             = excluded.type,
			time_in_force    = excluded.time_in_force,
			status           = excluded.status,
			order_class      = excluded.order_class,
			qty              = excluded.qty,
			filled_qty       = excluded.filled_qty,
			filled_avg_price = excluded.filled_avg_price,
			trail_percent    = excluded.trail_percent,
			submitted_at     = excluded.submitted_at,
			updated_at       = excluded.updated_at,
			filled_at        = excluded.filled_at,
			has_legs         = excluded.has_legs,
			source           = CASE WHEN excluded.source = '' THEN orders.source ELSE excluded.source END`,
		profileID, o.ID, o.ClientOrderID, o.Symbol, string(o.Side), o.Type, o.TimeInForce, o.Status,
		o.OrderClass, nullDecimal(o.Qty), nullDecimal(o.FilledQty), nullDecimal(o.FilledAvgPrice),
		nullDecimal(o.TrailPercent), nullTime(o.SubmittedAt), nullTime(o.UpdatedAt), nullTime(o.FilledAt),
		o.HasLegs, source, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("upserting order %s: %w", o.ID, err)
	}
	return nil
}

// ListOrders returns orders by last broker update, newest first; orders
// without an update time sort last.
func (s *SQLiteStore) ListOrders(ctx context.Context, profileID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_order_id, symbol, side, type, time_in_force, status, order_class,
			qty, filled_qty, filled_avg_price, trail_percent, submitted_at, updated_at, filled_at, has_legs
		FROM orders WHERE profile_id = ?
		ORDER BY updated_at IS NULL, updated_at DESC, created_at DESC
		LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o                                domain.Order
			side                             string
			qty, filledQty, avgPrice, trail  sql.NullString
			submittedAt, updatedAt, filledAt sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &side, &o.Type, &o.TimeInForce, &o.Status,
			&o.OrderClass, &qty, &filledQty, &avgPrice, &trail, &submittedAt, &updatedAt, &filledAt,
			&o.HasLegs); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.Side = domain.OrderSide(side)
		o.Qty = scanDecimal(qty)
		o.FilledQty = scanDecimal(filledQty)
		o.FilledAvgPrice = scanDecimal(avgPrice)
		o.TrailPercent = scanDecimal(trail)
		o.SubmittedAt = scanTime(submittedAt)
		o.UpdatedAt = scanTime(updatedAt)
		o.FilledAt = scanTime(filledAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderSource returns the source tag recorded for an order, or "" when the
// order is unknown.
func (s *SQLiteStore) OrderSource(ctx context.Context, profileID, orderID string) (string, error) {
	var source string
	err := s.db.QueryRowContext(ctx, `SELECT source FROM orders WHERE profile_id = ? AND id = ?`,
		profileID, orderID).Scan(&source)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying order source: %w", err)
	}
	return source, nil
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// FillKey is the deduplication key of a fill: order ID, quantity, price and
// fill time.
func FillKey(profileID string, f domain.Fill) string {
	price, at := "", ""
	if f.Price != nil {
		price = f.Price.String()
	}
	if f.FilledAt != nil {
		at = f.FilledAt.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join([]string{profileID, f.OrderID, f.Qty.String(), price, at}, "|")
}

// RecordFill appends a fill, ignoring exact duplicates.
func (s *SQLiteStore) RecordFill(ctx context.Context, profileID string, f domain.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (profile_id, order_id, symbol, side, qty, price, filled_at, dedup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING`,
		profileID, f.OrderID, f.Symbol, string(f.Side), f.Qty.String(), nullDecimal(f.Price),
		nullTime(f.FilledAt), FillKey(profileID, f), s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("recording fill for order %s: %w", f.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording fill for order %s: %w", f.OrderID, err)
	}
	return n == 1, nil
}

// ListFills returns fills by fill time, newest first.
func (s *SQLiteStore) ListFills(ctx context.Context, profileID string, limit int) ([]domain.Fill, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, side, qty, price, filled_at
		FROM fills WHERE profile_id = ?
		ORDER BY filled_at IS NULL, filled_at DESC, created_at DESC
		LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f         domain.Fill
			side, qty string
			price     sql.NullString
			filledAt  sql.NullInt64
		)
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &qty, &price, &filledAt); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("fill %s qty: %w", f.OrderID, err)
		}
		f.Price = scanDecimal(price)
		f.FilledAt = scanTime(filledAt)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// Protection links
// ---------------------------------------------------------------------------

// HasProtectionLink reports whether a link exists for the entry order.
func (s *SQLiteStore) HasProtectionLink(ctx context.Context, profileID, entryOrderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM protection_links WHERE profile_id = ? AND entry_order_id = ?`,
		profileID, entryOrderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying protection link for %s: %w", entryOrderID, err)
	}
	return n > 0, nil
}

// CreateProtectionLink inserts the link if absent. The primary key makes
// concurrent callers race safely: exactly one of them reports true.
func (s *SQLiteStore) CreateProtectionLink(ctx context.Context, profileID, entryOrderID, protectionOrderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO protection_links (profile_id, entry_order_id, protection_order_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (profile_id, entry_order_id) DO NOTHING`,
		profileID, entryOrderID, protectionOrderID, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("creating protection link %s -> %s: %w", entryOrderID, protectionOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creating protection link %s: %w", entryOrderID, err)
	}
	return n == 1, nil
}

// ProtectionLink returns the link for an entry order, if any.
func (s *SQLiteStore) ProtectionLink(ctx context.Context, profileID, entryOrderID string) (domain.ProtectionLink, bool, error) {
	link := domain.ProtectionLink{EntryOrderID: entryOrderID}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT protection_order_id, created_at FROM protection_links
		WHERE profile_id = ? AND entry_order_id = ?`, profileID, entryOrderID).
		Scan(&link.ProtectionOrderID, &createdAt)
	if err == sql.ErrNoRows {
		return domain.ProtectionLink{}, false, nil
	}
	if err != nil {
		return domain.ProtectionLink{}, false, fmt.Errorf("querying protection link %s: %w", entryOrderID, err)
	}
	link.CreatedAt = time.Unix(0, createdAt).UTC()
	return link, true, nil
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func scanTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
