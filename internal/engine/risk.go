package engine

import (
	"math"

	"mt5bridge/internal/domain"
)

// RiskManager enforces pre-trade rules: volume limits from the symbol and
// the bridge configuration, and stop levels on the correct side of the entry.
type RiskManager struct {
	maxVolume float64
}

// NewRiskManager creates a RiskManager. maxVolume caps a single order in
// lots; zero disables the cap.
func NewRiskManager(maxVolume float64) *RiskManager {
	return &RiskManager{maxVolume: maxVolume}
}

// CheckOrder validates the order size against the symbol's volume
// constraints.
func (rm *RiskManager) CheckOrder(req domain.TradeRequest, si *domain.SymbolInfo) error {
	if req.Symbol == "" {
		return domain.Invalidf("symbol is required")
	}
	if req.Volume <= 0 || math.IsNaN(req.Volume) {
		return domain.Invalidf("volume must be positive")
	}
	if rm.maxVolume > 0 && req.Volume > rm.maxVolume {
		return domain.Invalidf("volume %.2f exceeds the configured maximum %.2f", req.Volume, rm.maxVolume)
	}
	if si == nil {
		return nil
	}
	if si.VolumeMin > 0 && req.Volume < si.VolumeMin {
		return domain.Invalidf("volume %.2f below minimum %.2f for %s", req.Volume, si.VolumeMin, si.Name)
	}
	if si.VolumeMax > 0 && req.Volume > si.VolumeMax {
		return domain.Invalidf("volume %.2f above maximum %.2f for %s", req.Volume, si.VolumeMax, si.Name)
	}
	if si.VolumeStep > 0 {
		steps := req.Volume / si.VolumeStep
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			return domain.Invalidf("volume %.4f is not a multiple of step %.4f", req.Volume, si.VolumeStep)
		}
	}
	return nil
}

// CheckStops validates stop-loss and take-profit levels against the entry
// price. Zero levels are not set.
func (rm *RiskManager) CheckStops(side domain.OrderSide, price, sl, tp float64) error {
	if sl < 0 || tp < 0 {
		return domain.Invalidf("stop levels must not be negative")
	}
	if price <= 0 {
		return nil
	}
	switch side {
	case domain.OrderBuy:
		if sl > 0 && sl >= price {
			return domain.Invalidf("stop loss %.5f must be below entry %.5f for a buy", sl, price)
		}
		if tp > 0 && tp <= price {
			return domain.Invalidf("take profit %.5f must be above entry %.5f for a buy", tp, price)
		}
	case domain.OrderSell:
		if sl > 0 && sl <= price {
			return domain.Invalidf("stop loss %.5f must be above entry %.5f for a sell", sl, price)
		}
		if tp > 0 && tp >= price {
			return domain.Invalidf("take profit %.5f must be below entry %.5f for a sell", tp, price)
		}
	}
	return nil
}
