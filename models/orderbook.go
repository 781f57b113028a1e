package models

import (
	"github.com/shopspring/decimal"
)

// OrderbookLevel is a single price level.
type OrderbookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthSnapshot is a parsed order book: bids descending by price, asks
// ascending, exactly as the venue returns them.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []OrderbookLevel
	Asks         []OrderbookLevel
}

// BestBid returns the top bid level, or false when the side is empty.
func (d *DepthSnapshot) BestBid() (OrderbookLevel, bool) {
	if len(d.Bids) == 0 {
		return OrderbookLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (d *DepthSnapshot) BestAsk() (OrderbookLevel, bool) {
	if len(d.Asks) == 0 {
		return OrderbookLevel{}, false
	}
	return d.Asks[0], true
}
