package processor

import (
	"github.com/shopspring/decimal"

	"goldflow/models"
)

// fillPrice walks levels in priority order (bids best-to-worst descending,
// asks ascending), consuming min(remaining, level quantity) at each level
// until the target quantity is filled. It returns the volume-weighted fill
// price. ok is false when the book is too shallow to fill the target.
func fillPrice(levels []models.OrderbookLevel, target decimal.Decimal) (decimal.Decimal, bool) {
	remaining := target
	weighted := decimal.Zero

	for _, lvl := range levels {
		if remaining.Sign() <= 0 {
			break
		}
		consumed := lvl.Quantity
		if consumed.GreaterThan(remaining) {
			consumed = remaining
		}
		weighted = weighted.Add(lvl.Price.Mul(consumed))
		remaining = remaining.Sub(consumed)
	}

	if remaining.Sign() > 0 {
		return decimal.Zero, false
	}
	return weighted.Div(target), true
}

// walkSpread computes the depth-weighted spread over the target notional:
// ask fill price minus bid fill price. A crossed book yields a negative
// spread which is passed through untouched.
func walkSpread(depth *models.DepthSnapshot, target decimal.Decimal) (decimal.Decimal, bool) {
	bidFill, ok := fillPrice(depth.Bids, target)
	if !ok {
		return decimal.Zero, false
	}
	askFill, ok := fillPrice(depth.Asks, target)
	if !ok {
		return decimal.Zero, false
	}
	return askFill.Sub(bidFill), true
}
