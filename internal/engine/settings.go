package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trailguard/internal/config"
	"trailguard/internal/domain"
)

// Settings is the engine's view of the configuration, with every value
// already parsed into the type the workers use.
type Settings struct {
	ProfileID         string
	PollInterval      time.Duration
	SyncMinInterval   time.Duration
	EnableTradeStream bool
	StreamMaxBackoff  time.Duration

	DefaultTrailPercent decimal.Decimal
	BuyTIF              domain.TimeInForce
	SellTIF             domain.TimeInForce

	AutoProtectEnabled    bool
	AutoProtectOrderTypes []string
}

// SettingsFromConfig converts a validated config.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	buy, err := domain.ParseTimeInForce(cfg.Trailing.BuyTIF)
	if err != nil {
		return Settings{}, fmt.Errorf("trailing.buy_tif: %w", err)
	}
	sell, err := domain.ParseTimeInForce(cfg.Trailing.SellTIF)
	if err != nil {
		return Settings{}, fmt.Errorf("trailing.sell_tif: %w", err)
	}
	types := make([]string, 0, len(cfg.AutoProtect.OrderTypes))
	for _, t := range cfg.AutoProtect.OrderTypes {
		types = append(types, domain.NormalizeEnum(t))
	}
	return Settings{
		ProfileID:             cfg.ProfileID,
		PollInterval:          cfg.Engine.PollInterval(),
		SyncMinInterval:       cfg.Engine.SyncMinInterval(),
		EnableTradeStream:     cfg.Engine.EnableTradeStream,
		StreamMaxBackoff:      cfg.Engine.StreamMaxBackoff(),
		DefaultTrailPercent:   decimal.NewFromFloat(cfg.Trailing.DefaultPercent),
		BuyTIF:                buy,
		SellTIF:               sell,
		AutoProtectEnabled:    cfg.AutoProtect.Enabled,
		AutoProtectOrderTypes: types,
	}, nil
}

func (s Settings) autoProtectAllows(orderType string) bool {
	orderType = domain.NormalizeEnum(orderType)
	for _, t := range s.AutoProtectOrderTypes {
		if t == orderType {
			return true
		}
	}
	return false
}
