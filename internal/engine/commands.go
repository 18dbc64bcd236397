package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trailguard/internal/broker"
	"trailguard/internal/bus"
	"trailguard/internal/domain"
	"trailguard/internal/store"
)

// seenCommandsSize bounds the memory of handled command ids.
const seenCommandsSize = 1024

// ErrUnresolvedQty is returned when a trailing-stop sell names no quantity
// and no position for the symbol can be found.
var ErrUnresolvedQty = errors.New("quantity could not be resolved")

// CommandProcessor executes operator commands for one profile.
type CommandProcessor struct {
	settings Settings
	broker   broker.Client
	store    store.StateStore
	bus      bus.CommandBus
	metrics  *Metrics
	log      *slog.Logger

	mu   sync.Mutex
	seen *idRing
}

// NewCommandProcessor creates a processor. The bus is only needed by Run.
func NewCommandProcessor(
	s Settings,
	b broker.Client,
	st store.StateStore,
	cb bus.CommandBus,
	m *Metrics,
	log *slog.Logger,
) *CommandProcessor {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &CommandProcessor{
		settings: s,
		broker:   b,
		store:    st,
		bus:      cb,
		metrics:  m,
		log:      log.With("component", "commands"),
		seen:     newIDRing(seenCommandsSize),
	}
}

// Run consumes the bus until ctx is cancelled. A failing or panicking
// command is logged and the loop moves on.
func (p *CommandProcessor) Run(ctx context.Context) error {
	for cmd := range p.bus.Consume(ctx) {
		p.safeHandle(ctx, cmd)
	}
	return nil
}

func (p *CommandProcessor) safeHandle(ctx context.Context, cmd domain.Command) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("command handler panicked", "command_id", cmd.ID, "type", cmd.Type, "panic", r)
			p.metrics.Commands.WithLabelValues(string(cmd.Type), "panic").Inc()
		}
	}()
	if err := p.Handle(ctx, cmd); err != nil {
		p.log.Error("command handling failed", "command_id", cmd.ID, "type", cmd.Type, "error", err)
	}
}

// Handle executes a single command. Commands for another profile, and ids
// already handled, are ignored.
func (p *CommandProcessor) Handle(ctx context.Context, cmd domain.Command) error {
	log := p.log.With("command_id", cmd.ID, "type", cmd.Type)
	if cmd.ProfileID != p.settings.ProfileID {
		log.Debug("ignoring command for another profile", "profile_id", cmd.ProfileID)
		p.metrics.Commands.WithLabelValues(string(cmd.Type), "ignored").Inc()
		return nil
	}
	if !p.markSeen(cmd.ID) {
		log.Info("ignoring duplicate command")
		p.metrics.Commands.WithLabelValues(string(cmd.Type), "duplicate").Inc()
		return nil
	}

	err := p.dispatch(ctx, cmd, log)
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.Commands.WithLabelValues(string(cmd.Type), result).Inc()
	return err
}

func (p *CommandProcessor) dispatch(ctx context.Context, cmd domain.Command, log *slog.Logger) error {
	action, err := cmd.Action()
	if err != nil {
		return err
	}
	switch a := action.(type) {
	case domain.KillSwitch:
		return p.killSwitch(ctx, a, log)
	case domain.TrailingStop:
		return p.trailingStop(ctx, a, log)
	default:
		log.Info("received command (not implemented)")
		return nil
	}
}

func (p *CommandProcessor) killSwitch(ctx context.Context, a domain.KillSwitch, log *slog.Logger) error {
	log.Warn("executing kill switch", "reason", a.Reason)
	closed, err := p.broker.CloseAllPositions(ctx, true)
	if err != nil {
		return fmt.Errorf("closing all positions: %w", err)
	}
	if err := p.store.UpsertPositions(ctx, p.settings.ProfileID, nil); err != nil {
		return fmt.Errorf("clearing positions: %w", err)
	}
	log.Warn("kill switch complete", "closing_orders", len(closed))
	return nil
}

func (p *CommandProcessor) trailingStop(ctx context.Context, a domain.TrailingStop, log *slog.Logger) error {
	log = log.With("symbol", a.Symbol)

	trail := p.settings.DefaultTrailPercent
	if a.TrailPercent != nil {
		trail = *a.TrailPercent
	}
	if !trail.IsPositive() {
		return fmt.Errorf("%s %s: %w: trail percent must be positive", a.Side, a.Symbol, domain.ErrInvalidPayload)
	}

	var (
		qty decimal.Decimal
		tif domain.TimeInForce
	)
	switch a.Side {
	case domain.OrderSideBuy:
		if a.Qty == nil {
			return fmt.Errorf("buy %s: %w: qty is required", a.Symbol, domain.ErrInvalidPayload)
		}
		qty, tif = *a.Qty, p.settings.BuyTIF
	default:
		resolved, err := p.resolveSellQty(ctx, a)
		if err != nil {
			return err
		}
		qty = resolved
		tif = CoerceTimeInForceForFractional(qty, p.settings.SellTIF, "trailing_stop_sell", log)
	}

	clientID := a.ClientOrderID
	if clientID == "" {
		clientID = TrailingClientOrderID(a.Side)
	}
	req := domain.TrailingStopOrderRequest{
		Symbol:        a.Symbol,
		Side:          a.Side,
		Qty:           qty,
		TrailPercent:  trail,
		TimeInForce:   tif,
		ExtendedHours: a.ExtendedHours,
		ClientOrderID: clientID,
	}
	order, err := p.broker.SubmitTrailingStopOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("submitting trailing stop %s %s: %w", a.Side, a.Symbol, err)
	}
	if err := p.store.UpsertOrder(ctx, p.settings.ProfileID, order, domain.SourceUI); err != nil {
		return fmt.Errorf("storing order %s: %w", order.ID, err)
	}
	log.Info("trailing stop submitted",
		"order_id", order.ID,
		"side", a.Side,
		"qty", qty.String(),
		"trail_percent", trail.String(),
		"time_in_force", tif)
	return nil
}

// resolveSellQty takes the payload qty, then the cached position, then the
// live broker position.
func (p *CommandProcessor) resolveSellQty(ctx context.Context, a domain.TrailingStop) (decimal.Decimal, error) {
	if a.Qty != nil {
		return *a.Qty, nil
	}
	cached, err := p.store.ListPositions(ctx, p.settings.ProfileID)
	if err != nil {
		p.log.Warn("reading cached positions", "symbol", a.Symbol, "error", err)
	}
	if qty, ok := heldQty(cached, a.Symbol); ok && qty.IsPositive() {
		return qty, nil
	}
	live, err := p.broker.GetPositions(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sell %s: fetching positions: %w", a.Symbol, err)
	}
	if qty, ok := heldQty(live, a.Symbol); ok && qty.IsPositive() {
		return qty, nil
	}
	return decimal.Decimal{}, fmt.Errorf("sell %s: %w", a.Symbol, ErrUnresolvedQty)
}

func (p *CommandProcessor) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen.add(id)
}

// TrailingClientOrderID returns a fresh client order id for a manual
// trailing stop: trail-<side>-<8 hex chars>.
func TrailingClientOrderID(side domain.OrderSide) string {
	return "trail-" + string(side) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// heldQty finds the quantity held in symbol, matched case-insensitively.
func heldQty(positions []domain.Position, symbol string) (decimal.Decimal, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, pos := range positions {
		if strings.ToUpper(pos.Symbol) == symbol {
			return pos.Qty, true
		}
	}
	return decimal.Decimal{}, false
}

// idRing remembers the most recent ids, evicting the oldest.
type idRing struct {
	ids  []string
	set  map[string]struct{}
	next int
}

func newIDRing(size int) *idRing {
	return &idRing{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

// add records id and reports whether it was new.
func (r *idRing) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}
