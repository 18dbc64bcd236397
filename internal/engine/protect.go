package engine

import (
	"context"
	"log/slog"
	"strings"

	"trailguard/internal/broker"
	"trailguard/internal/domain"
	"trailguard/internal/store"
)

// Outcomes of AutoProtector.OnFill.
const (
	ProtectDisabled      = "disabled"
	ProtectMissingFields = "missing_order_fields"
	ProtectNonBuy        = "non_buy_order"
	ProtectOrderType     = "order_type"
	ProtectHasLegs       = "bracket_or_legs"
	ProtectAlreadyLinked = "already_linked"
	ProtectNoPosition    = "no_position"
	ProtectFailed        = "failed"
	ProtectDuplicate     = "duplicate_link"
	ProtectPlaced        = "placed"
)

const autoProtectPrefix = "auto-protect-"

// AutoProtector places a trailing-stop sell behind every filled entry buy
// that is not already protected.
type AutoProtector struct {
	settings Settings
	broker   broker.Client
	store    store.StateStore
	metrics  *Metrics
	log      *slog.Logger
}

// NewAutoProtector creates an AutoProtector. metrics may be nil.
func NewAutoProtector(s Settings, b broker.Client, st store.StateStore, m *Metrics, log *slog.Logger) *AutoProtector {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &AutoProtector{
		settings: s,
		broker:   b,
		store:    st,
		metrics:  m,
		log:      log.With("component", "auto_protect"),
	}
}

// OnFill evaluates a filled order and returns the outcome. Failures are
// logged and never returned; the entry stays unprotected and is not retried.
func (p *AutoProtector) OnFill(ctx context.Context, order domain.Order) string {
	outcome := p.onFill(ctx, order)
	p.metrics.AutoProtect.WithLabelValues(outcome).Inc()
	return outcome
}

func (p *AutoProtector) onFill(ctx context.Context, order domain.Order) string {
	if !p.settings.AutoProtectEnabled {
		return ProtectDisabled
	}
	log := p.log.With("order_id", order.ID, "symbol", order.Symbol)

	skip := func(reason string, args ...any) string {
		log.Info("auto-protect skipped", append([]any{"reason", reason}, args...)...)
		return reason
	}
	if order.ID == "" || order.Symbol == "" {
		return skip(ProtectMissingFields)
	}
	if order.Side != domain.OrderSideBuy {
		return skip(ProtectNonBuy, "side", order.Side)
	}
	if !p.settings.autoProtectAllows(order.Type) {
		return skip(ProtectOrderType, "order_type", order.Type)
	}
	if order.IsMultiLeg() {
		return skip(ProtectHasLegs, "order_class", order.OrderClass)
	}

	linked, err := p.store.HasProtectionLink(ctx, p.settings.ProfileID, order.ID)
	if err != nil {
		log.Error("checking protection link", "error", err)
		return ProtectFailed
	}
	if linked {
		return skip(ProtectAlreadyLinked)
	}

	positions, err := p.broker.GetPositions(ctx)
	if err != nil {
		log.Error("fetching positions for auto-protect", "error", err)
		return ProtectFailed
	}
	qty, ok := heldQty(positions, order.Symbol)
	if !ok || !qty.IsPositive() {
		log.Warn("auto-protect skipped", "reason", ProtectNoPosition)
		return ProtectNoPosition
	}

	req := domain.TrailingStopOrderRequest{
		Symbol:        strings.ToUpper(order.Symbol),
		Side:          domain.OrderSideSell,
		Qty:           qty,
		TrailPercent:  p.settings.DefaultTrailPercent,
		TimeInForce:   CoerceTimeInForceForFractional(qty, p.settings.SellTIF, "auto_protect", log),
		ClientOrderID: AutoProtectClientOrderID(order.ID),
	}
	placed, err := p.broker.SubmitTrailingStopOrder(ctx, req)
	if err != nil {
		log.Error("auto-protect order failed", "error", err)
		return ProtectFailed
	}
	log = log.With("protection_order_id", placed.ID)

	if err := p.store.UpsertOrder(ctx, p.settings.ProfileID, placed, domain.SourceAutoProtect); err != nil {
		log.Error("storing auto-protect order", "error", err)
	}
	created, err := p.store.CreateProtectionLink(ctx, p.settings.ProfileID, order.ID, placed.ID)
	if err != nil {
		log.Error("creating protection link", "error", err)
		return ProtectFailed
	}
	if !created {
		log.Warn("protection link already existed; keeping the first")
		return ProtectDuplicate
	}
	log.Info("auto-protect order placed",
		"qty", qty.String(),
		"trail_percent", req.TrailPercent.String(),
		"time_in_force", req.TimeInForce)
	return ProtectPlaced
}

// AutoProtectClientOrderID derives the client order id of the protective
// order from the entry order id.
func AutoProtectClientOrderID(entryOrderID string) string {
	id := entryOrderID
	if len(id) > 20 {
		id = id[:20]
	}
	return autoProtectPrefix + id
}
