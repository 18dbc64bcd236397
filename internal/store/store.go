// Package store defines the engine's state store and provides a SQLite
// implementation plus a Parquet fill archive.
package store

import (
	"context"

	"trailguard/internal/domain"
)

// DefaultListLimit bounds ListOrders and ListFills when limit <= 0.
const DefaultListLimit = 100

// StateStore persists positions, orders, fills and protection links. Every
// call is scoped by profile ID.
type StateStore interface {
	// UpsertPositions replaces the full position set for the profile.
	UpsertPositions(ctx context.Context, profileID string, positions []domain.Position) error

	// ListPositions returns the profile's positions, largest market value
	// first.
	ListPositions(ctx context.Context, profileID string) ([]domain.Position, error)

	// UpsertOrder inserts or updates an order by broker ID. An empty client
	// order ID keeps the stored one; an empty source keeps the stored tag.
	UpsertOrder(ctx context.Context, profileID string, order domain.Order, source string) error

	// ListOrders returns the most recently updated orders first.
	ListOrders(ctx context.Context, profileID string, limit int) ([]domain.Order, error)

	// RecordFill appends a fill unless an identical one (order ID, qty,
	// price, fill time) exists. It reports whether the fill was new.
	RecordFill(ctx context.Context, profileID string, fill domain.Fill) (bool, error)

	// ListFills returns the most recent fills first.
	ListFills(ctx context.Context, profileID string, limit int) ([]domain.Fill, error)

	// HasProtectionLink reports whether the entry order is already protected.
	HasProtectionLink(ctx context.Context, profileID, entryOrderID string) (bool, error)

	// CreateProtectionLink links an entry order to its protective order if
	// no link exists yet. It reports whether this call created the link.
	CreateProtectionLink(ctx context.Context, profileID, entryOrderID, protectionOrderID string) (bool, error)

	// Close releases the underlying resources.
	Close() error
}
