package models

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Records carry plain decimal literals on the wire, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// StreamKind identifies one of the six output streams. The value doubles as
// the log file base name.
type StreamKind string

const (
	StreamPrice        StreamKind = "price"
	StreamBasis        StreamKind = "basisRate"
	StreamOpenInterest StreamKind = "openinterest"
	StreamFundingRate  StreamKind = "fundingRate"
	StreamVolume24h    StreamKind = "volume_24h"
	StreamSpread       StreamKind = "spread"
)

// AllStreams lists every stream kind in a stable order.
var AllStreams = []StreamKind{
	StreamPrice,
	StreamBasis,
	StreamOpenInterest,
	StreamFundingRate,
	StreamVolume24h,
	StreamSpread,
}

// Record is one immutable per-tick observation destined for a stream log.
type Record interface {
	Stream() StreamKind
	// RecordTime returns the record timestamp in epoch milliseconds.
	RecordTime() int64
}

// PriceRecord holds the last traded price together with the top-of-book
// midpoint taken from the same tick's depth snapshot.
type PriceRecord struct {
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	MidPrice  decimal.Decimal `json:"mid_price"`
}

func (r PriceRecord) Stream() StreamKind { return StreamPrice }
func (r PriceRecord) RecordTime() int64  { return r.Timestamp }

// BasisRecord mirrors one sample of the venue's futures basis endpoint.
// Numeric fields arrive as strings upstream and are passed through untouched.
type BasisRecord struct {
	IndexPrice          string `json:"indexPrice"`
	ContractType        string `json:"contractType"`
	BasisRate           string `json:"basisRate"`
	FuturesPrice        string `json:"futuresPrice"`
	AnnualizedBasisRate string `json:"annualizedBasisRate"`
	Basis               string `json:"basis"`
	Pair                string `json:"pair"`
	Timestamp           int64  `json:"timestamp"`
}

func (r BasisRecord) Stream() StreamKind { return StreamBasis }
func (r BasisRecord) RecordTime() int64  { return r.Timestamp }

// OpenInterestRecord is one 5-minute-granularity open-interest sample.
type OpenInterestRecord struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

func (r OpenInterestRecord) Stream() StreamKind { return StreamOpenInterest }
func (r OpenInterestRecord) RecordTime() int64  { return r.Timestamp }

// FundingRateRecord carries the venue's current funding rate. The rate is an
// opaque decimal string; no scale is inferred.
type FundingRateRecord struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	Timestamp   int64  `json:"timestamp"`
}

func (r FundingRateRecord) Stream() StreamKind { return StreamFundingRate }
func (r FundingRateRecord) RecordTime() int64  { return r.Timestamp }

// Volume24hRecord carries rolling 24h base and quote volume.
type Volume24hRecord struct {
	Symbol      string `json:"symbol"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	Timestamp   int64  `json:"timestamp"`
}

func (r Volume24hRecord) Stream() StreamKind { return StreamVolume24h }
func (r Volume24hRecord) RecordTime() int64  { return r.Timestamp }

// SpreadRecord is the depth-weighted spread over the configured notional.
type SpreadRecord struct {
	Symbol    string          `json:"symbol"`
	Spread    decimal.Decimal `json:"spread"`
	Timestamp int64           `json:"timestamp"`
}

func (r SpreadRecord) Stream() StreamKind { return StreamSpread }
func (r SpreadRecord) RecordTime() int64  { return r.Timestamp }

// RawPayload is the undecoded upstream response for one stream's tick. For
// the price stream Depth carries the order-book body fetched in the same
// tick as the ticker body, so price and mid_price share one snapshot.
type RawPayload struct {
	Stream    StreamKind
	Body      []byte
	Depth     []byte
	FetchedAt time.Time
}
