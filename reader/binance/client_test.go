package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "goldflow/config"
	"goldflow/models"
)

func testConfig(baseURL string) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Source.Binance.BaseURL = baseURL
	cfg.Source.Binance.Symbol = "PAXGUSDT"
	cfg.Source.Binance.Pair = "PAXGUSDT"
	cfg.Source.Binance.DepthLimit = 100
	cfg.Source.Binance.RateLimit.RequestsPerSecond = 100
	cfg.Source.Binance.RateLimit.BurstSize = 100
	cfg.Monitor.TickPeriod = time.Minute
	cfg.Monitor.FetchTimeout = 500 * time.Millisecond
	return cfg
}

func TestFetchPriceCombinesTickerAndDepth(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/fapi/v1/ticker/24hr":
			w.Write([]byte(`{"symbol":"PAXGUSDT","lastPrice":"4200.10","volume":"123.4","quoteVolume":"518000.1"}`))
		case "/fapi/v1/depth":
			if r.URL.Query().Get("limit") != "100" {
				t.Errorf("unexpected depth limit: %s", r.URL.Query().Get("limit"))
			}
			w.Write([]byte(`{"lastUpdateId":7,"bids":[["4200","1"]],"asks":[["4201","1"]]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	payload, err := c.Fetch(context.Background(), models.StreamPrice)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(payload.Body) == 0 || len(payload.Depth) == 0 {
		t.Fatalf("expected ticker and depth bodies, got %d/%d bytes", len(payload.Body), len(payload.Depth))
	}
	if len(paths) != 2 {
		t.Errorf("expected 2 upstream requests, got %v", paths)
	}
	if payload.FetchedAt.IsZero() {
		t.Errorf("FetchedAt not set")
	}
}

func TestFetchBasisQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/futures/data/basis" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("pair") != "PAXGUSDT" || q.Get("contractType") != "PERPETUAL" || q.Get("period") != "5m" || q.Get("limit") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	if _, err := c.Fetch(context.Background(), models.StreamBasis); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}

func TestFetchClassifiesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Fetch(context.Background(), models.StreamVolume24h)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := models.KindOf(err); got != models.FailureHTTP {
		t.Errorf("expected http_error, got %s (%v)", got, err)
	}
}

func TestFetchClassifiesParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Fetch(context.Background(), models.StreamFundingRate)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := models.KindOf(err); got != models.FailureParse {
		t.Errorf("expected parse_error, got %s (%v)", got, err)
	}
}

func TestFetchClassifiesTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	cfg := testConfig(srv.URL)
	cfg.Monitor.FetchTimeout = 50 * time.Millisecond

	c := NewClient(cfg)
	_, err := c.Fetch(context.Background(), models.StreamOpenInterest)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := models.KindOf(err); got != models.FailureTimeout {
		t.Errorf("expected timeout, got %s (%v)", got, err)
	}
}
