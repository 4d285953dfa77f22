package dataapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DataAPIConfig{
		RatePerMinute: 6000, // effectively unlimited in tests
		Timeout:       5 * time.Second,
		MaxRetries:    0,
	}
	return NewClient(cfg, srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetTradesPagination(t *testing.T) {
	t.Parallel()

	tradeJSON := func(tx string, ts int64) string {
		return fmt.Sprintf(`{
			"proxyWallet": "0xAbCd",
			"transactionHash": %q,
			"asset": "tok1",
			"conditionId": "mkt1",
			"side": "buy",
			"size": "100",
			"price": "0.40",
			"timestamp": %d,
			"title": "Will it rain?",
			"outcome": "Yes"
		}`, tx, ts)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("offset") {
		case "0":
			fmt.Fprintf(w, "[%s,%s]", tradeJSON("0x01", 1700000100), tradeJSON("0x02", 1700000050))
		default:
			fmt.Fprint(w, "[]")
		}
	})

	c := testClient(t, mux)
	pager := c.GetTrades(types.TradeFilter{User: "0xAbCd", Limit: 2})

	page1, err := pager.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}
	if page1[0].Trader != "0xabcd" {
		t.Errorf("Trader = %q, want lowercased 0xabcd", page1[0].Trader)
	}
	if page1[0].Side != types.BUY {
		t.Errorf("Side = %v, want BUY", page1[0].Side)
	}
	if page1[0].SizeUSD.String() != "40" {
		t.Errorf("SizeUSD = %v, want 40", page1[0].SizeUSD)
	}

	page2, err := pager.Next(context.Background())
	if err != nil {
		t.Fatalf("Next page2: %v", err)
	}
	if len(page2) != 0 {
		t.Errorf("page2 len = %d, want 0", len(page2))
	}

	// Exhausted pager keeps returning nil without hitting the server.
	page3, err := pager.Next(context.Background())
	if err != nil || page3 != nil {
		t.Errorf("exhausted pager returned (%v, %v), want (nil, nil)", page3, err)
	}
}

func TestGetTradesSinceBoundStopsPaging(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"proxyWallet":"0xaa","transactionHash":"0x01","asset":"a","conditionId":"m","side":"SELL","size":"10","price":"0.5","timestamp":1700000100},
			{"proxyWallet":"0xaa","transactionHash":"0x02","asset":"a","conditionId":"m","side":"SELL","size":"10","price":"0.5","timestamp":1600000000}
		]`)
	})

	c := testClient(t, mux)
	since := time.Unix(1650000000, 0).UTC()
	pager := c.GetTrades(types.TradeFilter{Since: since, Limit: 2})

	page, err := pager.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page len = %d, want 1 (older trade cut off)", len(page))
	}
	if next, _ := pager.Next(context.Background()); next != nil {
		t.Error("pager should be exhausted after Since bound")
	}
}

func TestGetTradesSkipsMalformedRows(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"proxyWallet":"","transactionHash":"0x01","side":"BUY","size":"10","price":"0.5","timestamp":1700000100},
			{"proxyWallet":"0xbb","transactionHash":"0x02","asset":"a","conditionId":"m","side":"HOLD","size":"10","price":"0.5","timestamp":1700000100},
			{"proxyWallet":"0xcc","transactionHash":"0x03","asset":"a","conditionId":"m","side":"BUY","size":"10","price":"0.5","timestamp":1700000100}
		]`)
	})

	c := testClient(t, mux)
	page, err := c.GetTrades(types.TradeFilter{Limit: 10}).Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page len = %d, want 1 (two malformed rows skipped)", len(page))
	}
	if page[0].Trader != "0xcc" {
		t.Errorf("Trader = %q, want 0xcc", page[0].Trader)
	}
}

func TestGetMarketsRejectsHistoricalPath(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.NewServeMux())

	_, err := c.GetMarkets(context.Background(), false)
	if !errors.Is(err, types.ErrProtocol) {
		t.Errorf("GetMarkets(activeOnly=false) error = %v, want ErrProtocol", err)
	}
}

func TestGetMarketsParsesTokenIDs(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("closed") != "false" {
			t.Errorf("closed param = %q, want false", r.URL.Query().Get("closed"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{
			"conditionId": "mkt1",
			"question": "Will it rain?",
			"slug": "will-it-rain",
			"active": true,
			"closed": false,
			"openInterest": "12345.67",
			"volume24hr": "999",
			"clobTokenIds": "[\"tokYes\",\"tokNo\"]",
			"endDate": "2026-12-31T00:00:00Z"
		}]`)
	})

	c := testClient(t, mux)
	markets, err := c.GetMarkets(context.Background(), true)
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets len = %d, want 1", len(markets))
	}
	m := markets[0]
	if m.OpenInterest.String() != "12345.67" {
		t.Errorf("OpenInterest = %v, want 12345.67", m.OpenInterest)
	}
	if len(m.AssetIDs) != 2 || m.AssetIDs[0] != "tokYes" {
		t.Errorf("AssetIDs = %v, want [tokYes tokNo]", m.AssetIDs)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"auth", http.StatusForbidden, types.ErrAuth},
		{"rate_limit", http.StatusTooManyRequests, types.ErrRateLimit},
		{"terminal_4xx", http.StatusBadRequest, types.ErrProtocol},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			c := testClient(t, mux)

			_, err := c.GetPositions(context.Background(), "0xaa")
			if !errors.Is(err, tc.want) {
				t.Errorf("status %d → error %v, want kind %v", tc.status, err, tc.want)
			}
		})
	}
}
