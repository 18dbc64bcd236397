package engine

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"trailguard/internal/domain"
)

// CoerceTimeInForceForFractional downgrades GTC to DAY for fractional
// quantities, which the broker only accepts as day orders. Any other
// combination is returned unchanged. context tags the warning.
func CoerceTimeInForceForFractional(qty decimal.Decimal, tif domain.TimeInForce, context string, log *slog.Logger) domain.TimeInForce {
	if tif != domain.TimeInForceGTC || !IsFractional(qty) {
		return tif
	}
	if log != nil {
		log.Warn("fractional qty requires DAY time in force; overriding",
			"context", context, "qty", qty.String())
	}
	return domain.TimeInForceDay
}

// IsFractional reports whether qty has a non-zero fractional part.
func IsFractional(qty decimal.Decimal) bool {
	return !qty.Equal(qty.Truncate(0))
}
