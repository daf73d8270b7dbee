// Package riskgate validates order intents against configured limits.
// It runs entirely in-process with no I/O and must complete before any
// broker interaction.
package riskgate

import (
	"fmt"

	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
)

const (
	CheckMaxOrderQuantity    = "max_order_quantity"
	CheckMaxOrderNotional    = "max_order_notional"
	CheckMaxPositionExposure = "max_position_exposure"
	CheckMaxLeverage         = "max_leverage"
)

// Violation is the reject reason of the first failing check.
type Violation struct {
	Check  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk check %s failed: %s", v.Check, v.Reason)
}

// PositionSource returns the current signed position quantity for a
// symbol. Supplied by the caller so the gate itself stays pure.
type PositionSource func(symbol string) (decimal.Decimal, bool)

type Gate struct {
	cfg       config.RiskConfig
	positions PositionSource
}

func New(cfg config.RiskConfig, positions PositionSource) *Gate {
	if positions == nil {
		positions = func(string) (decimal.Decimal, bool) {
			return decimal.Zero, false
		}
	}

	return &Gate{cfg: cfg, positions: positions}
}

// Check evaluates the configured checks in order and short-circuits on
// the first failure. A zero-valued limit disables its check.
func (g *Gate) Check(req entity.OrderRequest) error {
	if err := g.checkMaxOrderQuantity(req); err != nil {
		return err
	}
	if err := g.checkMaxOrderNotional(req); err != nil {
		return err
	}
	if err := g.checkMaxPositionExposure(req); err != nil {
		return err
	}
	if err := g.checkMaxLeverage(req); err != nil {
		return err
	}

	return nil
}

func (g *Gate) checkMaxOrderQuantity(req entity.OrderRequest) error {
	limit := g.cfg.MaxOrderQuantity
	if limit.IsZero() {
		return nil
	}

	if req.Quantity.GreaterThan(limit) {
		return &Violation{
			Check:  CheckMaxOrderQuantity,
			Reason: fmt.Sprintf("quantity %s exceeds limit %s", req.Quantity, limit),
		}
	}

	return nil
}

func (g *Gate) checkMaxOrderNotional(req entity.OrderRequest) error {
	limit := g.cfg.MaxOrderNotional
	if limit.IsZero() {
		return nil
	}

	price, ok := g.referencePrice(req)
	if !ok {
		return nil
	}

	notional := req.Quantity.Mul(price)
	if notional.GreaterThan(limit) {
		return &Violation{
			Check:  CheckMaxOrderNotional,
			Reason: fmt.Sprintf("notional %s exceeds limit %s", notional, limit),
		}
	}

	return nil
}

func (g *Gate) checkMaxPositionExposure(req entity.OrderRequest) error {
	limit := g.cfg.MaxPositionExposure
	if limit.IsZero() {
		return nil
	}

	current, _ := g.positions(req.Symbol)

	delta := req.Quantity
	if req.Side == entity.OrderSideSell {
		delta = delta.Neg()
	}

	projected := current.Add(delta).Abs()
	if projected.GreaterThan(limit) {
		return &Violation{
			Check:  CheckMaxPositionExposure,
			Reason: fmt.Sprintf("projected position %s for %s exceeds limit %s", projected, req.Symbol, limit),
		}
	}

	return nil
}

func (g *Gate) checkMaxLeverage(req entity.OrderRequest) error {
	limit := g.cfg.MaxLeverage
	if limit.IsZero() || g.cfg.AccountEquity.IsZero() {
		return nil
	}

	price, ok := g.referencePrice(req)
	if !ok {
		return nil
	}

	notional := req.Quantity.Mul(price)
	leverage := notional.Div(g.cfg.AccountEquity)
	if leverage.GreaterThan(limit) {
		return &Violation{
			Check:  CheckMaxLeverage,
			Reason: fmt.Sprintf("leverage %s exceeds ceiling %s", leverage.StringFixed(2), limit),
		}
	}

	return nil
}

// referencePrice resolves a price for notional computations: the limit
// price when the order carries one, otherwise the configured reference
// price for the symbol.
func (g *Gate) referencePrice(req entity.OrderRequest) (decimal.Decimal, bool) {
	if req.LimitPrice != nil && req.LimitPrice.GreaterThan(decimal.Zero) {
		return *req.LimitPrice, true
	}

	price, ok := g.cfg.ReferencePrices[req.Symbol]
	if !ok || price.IsZero() {
		return decimal.Zero, false
	}

	return price, true
}
