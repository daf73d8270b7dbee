package riskgate

import (
	"testing"

	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitBuy(symbol string, qty, price int64) entity.OrderRequest {
	limit := decimal.NewFromInt(price)
	return entity.OrderRequest{
		CorrelationID: "ord-1",
		Symbol:        symbol,
		Quantity:      decimal.NewFromInt(qty),
		Side:          entity.OrderSideBuy,
		Type:          entity.OrderTypeLimit,
		LimitPrice:    &limit,
	}
}

func TestCheckPasses(t *testing.T) {
	gate := New(config.RiskConfig{
		MaxOrderQuantity: decimal.NewFromInt(1000),
		MaxOrderNotional: decimal.NewFromInt(1_000_000),
	}, nil)

	assert.NoError(t, gate.Check(limitBuy("AAPL", 100, 150)))
}

func TestCheckMaxOrderQuantity(t *testing.T) {
	gate := New(config.RiskConfig{MaxOrderQuantity: decimal.NewFromInt(50)}, nil)

	err := gate.Check(limitBuy("AAPL", 100, 150))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CheckMaxOrderQuantity, violation.Check)
}

func TestCheckMaxOrderNotional(t *testing.T) {
	gate := New(config.RiskConfig{MaxOrderNotional: decimal.NewFromInt(10_000)}, nil)

	err := gate.Check(limitBuy("AAPL", 100, 150))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CheckMaxOrderNotional, violation.Check)
}

func TestCheckNotionalUsesReferencePriceForMarketOrders(t *testing.T) {
	gate := New(config.RiskConfig{
		MaxOrderNotional: decimal.NewFromInt(10_000),
		ReferencePrices: map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(180),
		},
	}, nil)

	err := gate.Check(entity.OrderRequest{
		CorrelationID: "ord-1",
		Symbol:        "AAPL",
		Quantity:      decimal.NewFromInt(100),
		Side:          entity.OrderSideBuy,
		Type:          entity.OrderTypeMarket,
	})
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CheckMaxOrderNotional, violation.Check)
}

func TestCheckMaxPositionExposure(t *testing.T) {
	positions := func(symbol string) (decimal.Decimal, bool) {
		return decimal.NewFromInt(900), true
	}
	gate := New(config.RiskConfig{MaxPositionExposure: decimal.NewFromInt(1000)}, positions)

	err := gate.Check(limitBuy("AAPL", 200, 150))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CheckMaxPositionExposure, violation.Check)

	// selling reduces the projected position
	sell := limitBuy("AAPL", 200, 150)
	sell.Side = entity.OrderSideSell
	assert.NoError(t, gate.Check(sell))
}

func TestCheckMaxLeverage(t *testing.T) {
	gate := New(config.RiskConfig{
		MaxLeverage:   decimal.NewFromInt(2),
		AccountEquity: decimal.NewFromInt(10_000),
	}, nil)

	err := gate.Check(limitBuy("AAPL", 1000, 150))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CheckMaxLeverage, violation.Check)
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	gate := New(config.RiskConfig{}, nil)

	assert.NoError(t, gate.Check(limitBuy("AAPL", 1_000_000, 10_000)))
}

func TestChecksShortCircuitInOrder(t *testing.T) {
	gate := New(config.RiskConfig{
		MaxOrderQuantity: decimal.NewFromInt(50),
		MaxOrderNotional: decimal.NewFromInt(1),
	}, nil)

	err := gate.Check(limitBuy("AAPL", 100, 150))
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CheckMaxOrderQuantity, violation.Check)
}
