package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	appconfig "goldflow/config"
	"goldflow/logger"
	"goldflow/models"
)

// Extractor maps raw upstream payloads to fixed-shape stream records. Each
// extraction is pure: same payload in, same record out, no side effects.
type Extractor struct {
	symbol   string
	pair     string
	notional decimal.Decimal
	log      *logger.Log
}

// NewExtractor builds an extractor bound to the configured instrument and
// depth-walk notional target.
func NewExtractor(cfg *appconfig.Config) *Extractor {
	return &Extractor{
		symbol:   strings.ToUpper(cfg.Source.Binance.Symbol),
		pair:     strings.ToUpper(cfg.Source.Binance.Pair),
		notional: cfg.NotionalTarget(),
		log:      logger.GetLogger(),
	}
}

// Extract dispatches on the payload's stream kind.
func (e *Extractor) Extract(p *models.RawPayload) (models.Record, error) {
	switch p.Stream {
	case models.StreamPrice:
		return e.extractPrice(p)
	case models.StreamBasis:
		return e.extractBasis(p)
	case models.StreamOpenInterest:
		return e.extractOpenInterest(p)
	case models.StreamFundingRate:
		return e.extractFundingRate(p)
	case models.StreamVolume24h:
		return e.extractVolume24h(p)
	case models.StreamSpread:
		return e.extractSpread(p)
	}
	return nil, fmt.Errorf("unknown stream kind %q", p.Stream)
}

type tickerPayload struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
}

type depthPayload struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type basisPayload struct {
	IndexPrice          string `json:"indexPrice"`
	ContractType        string `json:"contractType"`
	BasisRate           string `json:"basisRate"`
	FuturesPrice        string `json:"futuresPrice"`
	AnnualizedBasisRate string `json:"annualizedBasisRate"`
	Basis               string `json:"basis"`
	Pair                string `json:"pair"`
	Timestamp           int64  `json:"timestamp"`
}

type openInterestPayload struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

type premiumIndexPayload struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (e *Extractor) extractPrice(p *models.RawPayload) (models.Record, error) {
	var ticker tickerPayload
	if err := json.Unmarshal(p.Body, &ticker); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, p.Stream, "ticker payload", err)
	}
	if ticker.LastPrice == "" {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "ticker missing lastPrice")
	}
	price, err := decimal.NewFromString(ticker.LastPrice)
	if err != nil {
		return nil, models.WrapFailure(models.FailureSchema, p.Stream, "lastPrice not a decimal", err)
	}

	depth, err := e.parseDepth(p.Stream, p.Depth)
	if err != nil {
		return nil, err
	}
	bestBid, ok := depth.BestBid()
	if !ok {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "depth has no bid levels")
	}
	bestAsk, ok := depth.BestAsk()
	if !ok {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "depth has no ask levels")
	}

	mid := bestBid.Price.Add(bestAsk.Price).Div(decimal.NewFromInt(2))

	return models.PriceRecord{
		Timestamp: p.FetchedAt.UnixMilli(),
		Price:     price,
		MidPrice:  mid,
	}, nil
}

func (e *Extractor) extractBasis(p *models.RawPayload) (models.Record, error) {
	var samples []basisPayload
	if err := json.Unmarshal(p.Body, &samples); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, p.Stream, "basis payload", err)
	}
	if len(samples) == 0 {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "basis endpoint returned no samples")
	}

	// The endpoint is queried with limit=1; the single element is the most
	// recent 5-minute sample.
	sample := samples[len(samples)-1]
	if sample.IndexPrice == "" || sample.FuturesPrice == "" || sample.Basis == "" || sample.BasisRate == "" {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "basis sample missing required fields")
	}
	if sample.Timestamp <= 0 {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "basis sample missing timestamp")
	}
	contractType := sample.ContractType
	if contractType == "" {
		contractType = "PERPETUAL"
	}

	return models.BasisRecord{
		IndexPrice:          sample.IndexPrice,
		ContractType:        contractType,
		BasisRate:           sample.BasisRate,
		FuturesPrice:        sample.FuturesPrice,
		AnnualizedBasisRate: sample.AnnualizedBasisRate,
		Basis:               sample.Basis,
		Pair:                e.pair,
		Timestamp:           sample.Timestamp,
	}, nil
}

func (e *Extractor) extractOpenInterest(p *models.RawPayload) (models.Record, error) {
	var samples []openInterestPayload
	if err := json.Unmarshal(p.Body, &samples); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, p.Stream, "open interest payload", err)
	}
	if len(samples) == 0 {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "open interest history returned no samples")
	}

	sample := samples[len(samples)-1]
	if sample.SumOpenInterest == "" || sample.SumOpenInterestValue == "" {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "open interest sample missing required fields")
	}
	if sample.Timestamp <= 0 {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "open interest sample missing timestamp")
	}

	return models.OpenInterestRecord{
		Symbol:               e.symbol,
		SumOpenInterest:      sample.SumOpenInterest,
		SumOpenInterestValue: sample.SumOpenInterestValue,
		Timestamp:            sample.Timestamp,
	}, nil
}

func (e *Extractor) extractFundingRate(p *models.RawPayload) (models.Record, error) {
	var premium premiumIndexPayload
	if err := json.Unmarshal(p.Body, &premium); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, p.Stream, "premium index payload", err)
	}
	// Opaque pass-through: no scale or unit is inferred from the rate.
	if premium.LastFundingRate == "" {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "premium index missing lastFundingRate")
	}

	return models.FundingRateRecord{
		Symbol:      e.symbol,
		FundingRate: premium.LastFundingRate,
		Timestamp:   p.FetchedAt.UnixMilli(),
	}, nil
}

func (e *Extractor) extractVolume24h(p *models.RawPayload) (models.Record, error) {
	var ticker tickerPayload
	if err := json.Unmarshal(p.Body, &ticker); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, p.Stream, "ticker payload", err)
	}
	if ticker.Volume == "" || ticker.QuoteVolume == "" {
		return nil, models.NewFailure(models.FailureSchema, p.Stream, "ticker missing volume fields")
	}

	return models.Volume24hRecord{
		Symbol:      e.symbol,
		Volume:      ticker.Volume,
		QuoteVolume: ticker.QuoteVolume,
		Timestamp:   p.FetchedAt.UnixMilli(),
	}, nil
}

func (e *Extractor) extractSpread(p *models.RawPayload) (models.Record, error) {
	depth, err := e.parseDepth(p.Stream, p.Body)
	if err != nil {
		return nil, err
	}

	spread, ok := walkSpread(depth, e.notional)
	if !ok {
		return nil, models.NewFailure(models.FailureInsufficientDepth, p.Stream,
			fmt.Sprintf("book too shallow to fill %s oz on both sides", e.notional))
	}

	return models.SpreadRecord{
		Symbol:    e.symbol,
		Spread:    spread,
		Timestamp: p.FetchedAt.UnixMilli(),
	}, nil
}

// parseDepth decodes a raw depth body into ordered decimal levels. The venue
// returns bids descending and asks ascending; that ordering is preserved.
func (e *Extractor) parseDepth(kind models.StreamKind, body []byte) (*models.DepthSnapshot, error) {
	var payload depthPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, kind, "depth payload", err)
	}

	snapshot := &models.DepthSnapshot{LastUpdateID: payload.LastUpdateID}

	var err error
	if snapshot.Bids, err = parseLevels(payload.Bids); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, kind, "bid levels", err)
	}
	if snapshot.Asks, err = parseLevels(payload.Asks); err != nil {
		return nil, models.WrapFailure(models.FailureSchema, kind, "ask levels", err)
	}

	return snapshot, nil
}

func parseLevels(raw [][2]string) ([]models.OrderbookLevel, error) {
	levels := make([]models.OrderbookLevel, 0, len(raw))
	for i, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price %q: %w", i, pair[0], err)
		}
		quantity, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d quantity %q: %w", i, pair[1], err)
		}
		if quantity.Sign() <= 0 {
			continue
		}
		levels = append(levels, models.OrderbookLevel{Price: price, Quantity: quantity})
	}
	return levels, nil
}
