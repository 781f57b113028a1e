package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appconfig "goldflow/config"
	"goldflow/logger"
	"goldflow/models"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

// USD-M futures endpoints sampled by the pipeline.
const (
	endpointTicker24h        = "/fapi/v1/ticker/24hr"
	endpointDepth            = "/fapi/v1/depth"
	endpointPremiumIndex     = "/fapi/v1/premiumIndex"
	endpointBasis            = "/futures/data/basis"
	endpointOpenInterestHist = "/futures/data/openInterestHist"
)

// Client issues typed read-only queries against the Binance futures REST API,
// one logical fetch per stream kind. HTTP-level trouble comes back as a typed
// models.Failure; only a broken configuration surfaces as a plain error.
type Client struct {
	config  *appconfig.Config
	client  *futures.Client
	limiter *rate.Limiter
	log     *logger.Log
	baseURL string
	symbol  string
	pair    string
}

// NewClient builds a client with a pooled transport sized from configuration.
func NewClient(cfg *appconfig.Config) *Client {
	log := logger.GetLogger()
	src := cfg.Source.Binance

	transport := &http.Transport{
		MaxIdleConns:        src.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: src.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     src.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     src.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Monitor.FetchTimeout,
	}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if parsed, err := url.Parse(src.BaseURL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	limiter := rate.NewLimiter(rate.Limit(src.RateLimit.RequestsPerSecond), src.RateLimit.BurstSize)

	log.WithComponent("binance_client").WithFields(logger.Fields{
		"base_url":    src.BaseURL,
		"symbol":      src.Symbol,
		"timeout":     cfg.Monitor.FetchTimeout,
		"depth_limit": src.DepthLimit,
	}).Info("binance client initialized")

	return &Client{
		config:  cfg,
		client:  client,
		limiter: limiter,
		log:     log,
		baseURL: strings.TrimRight(src.BaseURL, "/"),
		symbol:  strings.ToUpper(src.Symbol),
		pair:    strings.ToUpper(src.Pair),
	}
}

// ValidateSymbol checks the configured symbol against the venue's exchange
// info. An unknown symbol is a fatal configuration error for the caller.
func (c *Client) ValidateSymbol(ctx context.Context) error {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if strings.EqualFold(s.Symbol, c.symbol) {
			return nil
		}
	}
	return fmt.Errorf("symbol %s not listed on venue", c.symbol)
}

// Fetch performs the upstream call(s) backing one stream's tick. The price
// stream fetches ticker and depth together so that price and mid_price share
// a single snapshot.
func (c *Client) Fetch(ctx context.Context, kind models.StreamKind) (*models.RawPayload, error) {
	src := c.config.Source.Binance

	switch kind {
	case models.StreamPrice:
		ticker, err := c.get(ctx, kind, endpointTicker24h, url.Values{"symbol": {c.symbol}})
		if err != nil {
			return nil, err
		}
		depth, err := c.get(ctx, kind, endpointDepth, url.Values{
			"symbol": {c.symbol},
			"limit":  {strconv.Itoa(src.DepthLimit)},
		})
		if err != nil {
			return nil, err
		}
		return &models.RawPayload{Stream: kind, Body: ticker, Depth: depth, FetchedAt: time.Now().UTC()}, nil

	case models.StreamSpread:
		body, err := c.get(ctx, kind, endpointDepth, url.Values{
			"symbol": {c.symbol},
			"limit":  {strconv.Itoa(src.DepthLimit)},
		})
		if err != nil {
			return nil, err
		}
		return &models.RawPayload{Stream: kind, Body: body, FetchedAt: time.Now().UTC()}, nil

	case models.StreamBasis:
		body, err := c.get(ctx, kind, endpointBasis, url.Values{
			"pair":         {c.pair},
			"contractType": {"PERPETUAL"},
			"period":       {"5m"},
			"limit":        {"1"},
		})
		if err != nil {
			return nil, err
		}
		return &models.RawPayload{Stream: kind, Body: body, FetchedAt: time.Now().UTC()}, nil

	case models.StreamOpenInterest:
		body, err := c.get(ctx, kind, endpointOpenInterestHist, url.Values{
			"symbol": {c.symbol},
			"period": {"5m"},
			"limit":  {"1"},
		})
		if err != nil {
			return nil, err
		}
		return &models.RawPayload{Stream: kind, Body: body, FetchedAt: time.Now().UTC()}, nil

	case models.StreamFundingRate:
		body, err := c.get(ctx, kind, endpointPremiumIndex, url.Values{"symbol": {c.symbol}})
		if err != nil {
			return nil, err
		}
		return &models.RawPayload{Stream: kind, Body: body, FetchedAt: time.Now().UTC()}, nil

	case models.StreamVolume24h:
		body, err := c.get(ctx, kind, endpointTicker24h, url.Values{"symbol": {c.symbol}})
		if err != nil {
			return nil, err
		}
		return &models.RawPayload{Stream: kind, Body: body, FetchedAt: time.Now().UTC()}, nil
	}

	return nil, fmt.Errorf("unknown stream kind %q", kind)
}

func (c *Client) get(ctx context.Context, kind models.StreamKind, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.WrapFailure(models.FailureTimeout, kind, "rate limiter wait", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Monitor.FetchTimeout)
	defer cancel()

	reqURL := c.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		// A request that cannot even be built is a configuration fault.
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}

	start := time.Now()
	resp, err := c.client.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, models.WrapFailure(models.FailureTimeout, kind, path, err)
		}
		return nil, models.WrapFailure(models.FailureHTTP, kind, path, err)
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("binance_client"), "binance_client", "api_request", time.Since(start), logger.Fields{
		"endpoint": path,
		"stream":   string(kind),
	})

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, models.WrapFailure(models.FailureTimeout, kind, path, err)
		}
		return nil, models.WrapFailure(models.FailureHTTP, kind, "read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := fmt.Sprintf("%s: status %d", path, resp.StatusCode)
		if len(body) > 0 && len(body) <= 256 {
			detail += ": " + string(body)
		}
		return nil, models.NewFailure(models.FailureHTTP, kind, detail)
	}

	if !json.Valid(body) {
		return nil, models.NewFailure(models.FailureParse, kind, path+": response is not valid JSON")
	}

	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
