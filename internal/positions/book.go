// Package positions derives position state from the fill stream. The
// book is a read model only; the order state store and the broker stay
// authoritative.
package positions

import (
	"sort"
	"sync"
	"time"

	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
)

// Book accumulates signed per-symbol positions from applied fills. Buys
// add, sells subtract. Average cost is fill-quantity weighted and resets
// when a position crosses through flat.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*entity.Position
}

func NewBook() *Book {
	return &Book{
		positions: map[string]*entity.Position{},
	}
}

// Apply folds one fill into the book.
func (b *Book) Apply(fill entity.Fill) {
	signed := fill.Quantity
	if fill.Side == entity.OrderSideSell {
		signed = signed.Neg()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	position, ok := b.positions[fill.Symbol]
	if !ok {
		position = &entity.Position{Symbol: fill.Symbol}
		b.positions[fill.Symbol] = position
	}

	prior := position.Quantity
	next := prior.Add(signed)

	switch {
	case next.IsZero():
		position.AverageCost = decimal.Zero
	case prior.IsZero() || prior.Sign() != next.Sign():
		// Opened or flipped through flat: cost basis restarts at the
		// fill price.
		position.AverageCost = fill.Price
	case prior.Sign() == signed.Sign():
		// Increasing exposure: weighted average over absolute size.
		total := prior.Abs().Mul(position.AverageCost).Add(fill.Quantity.Mul(fill.Price))
		position.AverageCost = total.Div(prior.Abs().Add(fill.Quantity))
	}
	// Reducing without flipping keeps the existing average cost.

	position.Quantity = next
	position.MarketValue = next.Mul(fill.Price)
	position.UnrealizedPnl = next.Mul(fill.Price.Sub(position.AverageCost))
	position.Timestamp = fill.Timestamp
}

// Get returns the position for one symbol.
func (b *Book) Get(symbol string) (entity.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	position, ok := b.positions[symbol]
	if !ok {
		return entity.Position{}, false
	}

	return *position, true
}

// Exposure returns the signed quantity for one symbol, zero when flat.
// Satisfies the risk gate's position source.
func (b *Book) Exposure(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	position, ok := b.positions[symbol]
	if !ok {
		return decimal.Zero, false
	}

	return position.Quantity, true
}

// Snapshot returns all non-flat positions ordered by symbol.
func (b *Book) Snapshot() []entity.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snapshot := make([]entity.Position, 0, len(b.positions))
	for _, position := range b.positions {
		if position.Quantity.IsZero() {
			continue
		}
		snapshot = append(snapshot, *position)
	}

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Symbol < snapshot[j].Symbol
	})

	return snapshot
}

// Replace swaps the whole book for a broker-reported snapshot. Used when
// reconciliation finds drift.
func (b *Book) Replace(positions []entity.Position, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[string]*entity.Position, len(positions))
	for _, position := range positions {
		copied := position
		if copied.Timestamp.IsZero() {
			copied.Timestamp = at
		}
		b.positions[copied.Symbol] = &copied
	}
}
