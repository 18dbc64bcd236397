package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommandType enumerates operator commands carried on the command bus.
type CommandType string

const (
	CommandKillSwitch       CommandType = "kill_switch"
	CommandTrailingStopBuy  CommandType = "trailing_stop_buy"
	CommandTrailingStopSell CommandType = "trailing_stop_sell"
	CommandDraftOrder       CommandType = "draft_order"
	CommandConfirmOrder     CommandType = "confirm_order"
)

// Command is an immutable operator instruction addressed to one profile.
type Command struct {
	ID        string         `json:"command_id"`
	Type      CommandType    `json:"type"`
	ProfileID string         `json:"profile_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewCommand stamps a fresh ID and creation time on a command.
func NewCommand(typ CommandType, profileID string, payload map[string]any) Command {
	if payload == nil {
		payload = map[string]any{}
	}
	return Command{
		ID:        uuid.NewString(),
		Type:      typ,
		ProfileID: profileID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// DecodeCommand parses the JSON wire form of a command.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w: %v", ErrInvalidPayload, err)
	}
	if c.ID == "" || c.Type == "" {
		return Command{}, fmt.Errorf("decoding command: %w: missing command_id or type", ErrInvalidPayload)
	}
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}
	return c, nil
}

// Encode returns the JSON wire form of the command.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// ---------------------------------------------------------------------------
// Tagged actions
// ---------------------------------------------------------------------------

// Action is the validated, type-specific content of a command.
type Action interface {
	CommandType() CommandType
}

// KillSwitch closes every position and cancels open orders.
type KillSwitch struct {
	Reason string
}

// CommandType implements Action.
func (KillSwitch) CommandType() CommandType { return CommandKillSwitch }

// TrailingStop asks for a trailing stop order. Qty and TrailPercent are nil
// when the payload omitted them.
type TrailingStop struct {
	Side          OrderSide
	Symbol        string
	Qty           *decimal.Decimal
	TrailPercent  *decimal.Decimal
	ClientOrderID string
	ExtendedHours bool
}

// CommandType implements Action.
func (a TrailingStop) CommandType() CommandType {
	if a.Side == OrderSideBuy {
		return CommandTrailingStopBuy
	}
	return CommandTrailingStopSell
}

// Unhandled is a known or future command type the engine does not act on.
type Unhandled struct {
	Type CommandType
}

// CommandType implements Action.
func (a Unhandled) CommandType() CommandType { return a.Type }

// Action validates the payload against the command type and returns the
// matching variant. Errors wrap ErrInvalidPayload.
func (c Command) Action() (Action, error) {
	switch c.Type {
	case CommandKillSwitch:
		reason, _ := c.Payload["reason"].(string)
		return KillSwitch{Reason: reason}, nil
	case CommandTrailingStopBuy:
		return c.trailingStop(OrderSideBuy)
	case CommandTrailingStopSell:
		return c.trailingStop(OrderSideSell)
	default:
		return Unhandled{Type: c.Type}, nil
	}
}

func (c Command) trailingStop(side OrderSide) (Action, error) {
	a := TrailingStop{Side: side}

	symbol, _ := c.Payload["symbol"].(string)
	a.Symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if a.Symbol == "" {
		return nil, fmt.Errorf("%s: %w: symbol is required", c.Type, ErrInvalidPayload)
	}

	qty, err := payloadDecimal(c.Payload, "qty", "quantity")
	if err != nil {
		return nil, fmt.Errorf("%s: %w: qty: %v", c.Type, ErrInvalidPayload, err)
	}
	if qty != nil && !qty.IsPositive() {
		return nil, fmt.Errorf("%s: %w: qty must be positive", c.Type, ErrInvalidPayload)
	}
	a.Qty = qty

	trail, err := payloadDecimal(c.Payload, "trail_percent")
	if err != nil {
		return nil, fmt.Errorf("%s: %w: trail_percent: %v", c.Type, ErrInvalidPayload, err)
	}
	a.TrailPercent = trail

	if id, ok := c.Payload["client_order_id"].(string); ok {
		a.ClientOrderID = strings.TrimSpace(id)
	}
	if ext, ok := c.Payload["extended_hours"].(bool); ok {
		a.ExtendedHours = ext
	}
	return a, nil
}

// payloadDecimal reads the first present key as a decimal. JSON numbers,
// numeric strings and Go integer types are accepted; nil means absent.
func payloadDecimal(payload map[string]any, keys ...string) (*decimal.Decimal, error) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	return nil, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Decimal{}, fmt.Errorf("empty number")
		}
		return decimal.NewFromString(s)
	case decimal.Decimal:
		return n, nil
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported number type %T", v)
}
