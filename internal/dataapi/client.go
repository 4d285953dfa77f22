// Package dataapi implements the read-only client for Polymarket's
// public data API.
//
// The client provides three paged, rate-limited, retrying reads:
//   - GetTrades:    GET /trades?user=&market=&limit=&offset= — trades with trader addresses
//   - GetPositions: GET /positions?user=                     — open positions for an address
//   - GetMarkets:   GET /markets?closed=false                — market metadata for active markets
//
// Every request waits on a per-category token bucket, retries transient
// 5xx/network failures, and honors Retry-After on 429 before the retry
// budget surfaces a rate-limit error.
package dataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

const maxTradesPerQuery = 1000 // hard API cap on /trades page size

// Client is the public data API client. It wraps a resty HTTP client
// with rate limiting, retry, and decimal-exact payload parsing.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a data API client with rate limiting and retry.
func NewClient(cfg config.DataAPIConfig, baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(16 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			if r != nil && r.StatusCode() == http.StatusTooManyRequests {
				if ra := r.Header().Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil // fall back to the configured backoff
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(cfg.RatePerMinute),
		logger: logger.With("component", "dataapi"),
	}
}

// classify maps an HTTP response to the client's error taxonomy.
// Called only for non-2xx responses that survived the retry budget.
func classify(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: status 429 after retries", types.ErrRateLimit, op)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", types.ErrAuth, op, code)
	case code >= 500:
		return fmt.Errorf("%w: %s: status %d", types.ErrTransient, op, code)
	default:
		return types.ProtocolErrorf("%s: status %d: %s", op, code, resp.String())
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// dataTrade is the wire shape of one /trades row. Numeric fields use
// json.Number so values convert to decimal without a float round trip.
type dataTrade struct {
	ProxyWallet     string      `json:"proxyWallet"`
	TransactionHash string      `json:"transactionHash"`
	Asset           string      `json:"asset"`
	ConditionID     string      `json:"conditionId"`
	Side            string      `json:"side"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Timestamp       int64       `json:"timestamp"`
	Title           string      `json:"title"`
	Outcome         string      `json:"outcome"`
}

// TradePager pages through GET /trades results lazily. Next returns the
// following page, or (nil, nil) once the sequence is exhausted.
type TradePager struct {
	c      *Client
	filter types.TradeFilter
	offset int
	done   bool
}

// GetTrades returns a pager over trades matching the filter.
func (c *Client) GetTrades(filter types.TradeFilter) *TradePager {
	if filter.Limit <= 0 || filter.Limit > maxTradesPerQuery {
		filter.Limit = maxTradesPerQuery
	}
	return &TradePager{c: c, filter: filter}
}

// Next fetches the next page. A page shorter than the limit, or a trade
// older than the Since bound, ends the sequence.
func (p *TradePager) Next(ctx context.Context) ([]types.TradeRecord, error) {
	if p.done {
		return nil, nil
	}
	if err := p.c.rl.Trades.Wait(ctx); err != nil {
		return nil, err
	}

	req := p.c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(p.filter.Limit)).
		SetQueryParam("offset", strconv.Itoa(p.offset))
	if p.filter.User != "" {
		req.SetQueryParam("user", strings.ToLower(p.filter.User))
	}
	if p.filter.Market != "" {
		req.SetQueryParam("market", p.filter.Market)
	}

	var raw []dataTrade
	resp, err := req.SetResult(&raw).Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("%w: get trades: %v", types.ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify(resp, "get trades")
	}

	trades := make([]types.TradeRecord, 0, len(raw))
	for _, rt := range raw {
		rec, err := parseTrade(rt)
		if err != nil {
			p.c.logger.Debug("skipping malformed trade", "tx", rt.TransactionHash, "error", err)
			continue
		}
		if !p.filter.Since.IsZero() && rec.Timestamp.Before(p.filter.Since) {
			p.done = true
			return trades, nil
		}
		trades = append(trades, rec)
	}

	p.offset += len(raw)
	if len(raw) < p.filter.Limit {
		p.done = true
	}
	return trades, nil
}

func parseTrade(rt dataTrade) (types.TradeRecord, error) {
	if rt.ProxyWallet == "" {
		return types.TradeRecord{}, fmt.Errorf("missing proxyWallet")
	}
	size, err := decimal.NewFromString(rt.Size.String())
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("size %q: %w", rt.Size, err)
	}
	price, err := decimal.NewFromString(rt.Price.String())
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("price %q: %w", rt.Price, err)
	}
	side := types.Side(strings.ToUpper(rt.Side))
	if side != types.BUY && side != types.SELL {
		return types.TradeRecord{}, fmt.Errorf("side %q", rt.Side)
	}
	return types.TradeRecord{
		Trader:      strings.ToLower(rt.ProxyWallet),
		TxHash:      rt.TransactionHash,
		AssetID:     rt.Asset,
		ConditionID: rt.ConditionID,
		Side:        side,
		Size:        size,
		Price:       price,
		SizeUSD:     size.Mul(price),
		Timestamp:   time.Unix(rt.Timestamp, 0).UTC(),
		MarketTitle: rt.Title,
		Outcome:     rt.Outcome,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type dataPosition struct {
	ProxyWallet  string      `json:"proxyWallet"`
	Asset        string      `json:"asset"`
	ConditionID  string      `json:"conditionId"`
	Size         json.Number `json:"size"`
	AvgPrice     json.Number `json:"avgPrice"`
	CurrentValue json.Number `json:"currentValue"`
	CashPnL      json.Number `json:"cashPnl"`
}

// GetPositions fetches open positions for one address.
func (c *Client) GetPositions(ctx context.Context, user string) ([]types.PositionRecord, error) {
	if err := c.rl.Positions.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []dataPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", strings.ToLower(user)).
		SetResult(&raw).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("%w: get positions: %v", types.ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify(resp, "get positions")
	}

	positions := make([]types.PositionRecord, 0, len(raw))
	for _, rp := range raw {
		size, err := decimal.NewFromString(rp.Size.String())
		if err != nil {
			continue
		}
		avg, _ := decimal.NewFromString(rp.AvgPrice.String())
		cur, _ := decimal.NewFromString(rp.CurrentValue.String())
		pnl, _ := decimal.NewFromString(rp.CashPnL.String())
		positions = append(positions, types.PositionRecord{
			Trader:       strings.ToLower(rp.ProxyWallet),
			AssetID:      rp.Asset,
			ConditionID:  rp.ConditionID,
			Size:         size,
			AvgPrice:     avg,
			CurrentValue: cur,
			CashPnL:      pnl,
		})
	}
	return positions, nil
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

type dataMarket struct {
	ConditionID  string      `json:"conditionId"`
	Question     string      `json:"question"`
	Slug         string      `json:"slug"`
	Active       bool        `json:"active"`
	Closed       bool        `json:"closed"`
	OpenInterest json.Number `json:"openInterest"`
	Volume24hr   json.Number `json:"volume24hr"`
	ClobTokenIds string      `json:"clobTokenIds"`
	EndDate      string      `json:"endDate"`
}

// GetMarkets fetches market metadata. activeOnly must be true when the
// result feeds live subscriptions: only closed=false markets are a valid
// data source for trading, so the historical path is refused outright.
func (c *Client) GetMarkets(ctx context.Context, activeOnly bool) ([]types.MarketSummary, error) {
	if !activeOnly {
		return nil, types.ProtocolErrorf("historical market listing is not a valid trading data source")
	}
	if err := c.rl.Markets.Wait(ctx); err != nil {
		return nil, err
	}

	var all []types.MarketSummary
	offset := 0
	limit := 100

	for {
		var page []dataMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("%w: get markets page %d: %v", types.ErrTransient, offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, classify(resp, "get markets")
		}

		for _, rm := range page {
			if rm.Closed {
				continue
			}
			oi, _ := decimal.NewFromString(rm.OpenInterest.String())
			vol, _ := decimal.NewFromString(rm.Volume24hr.String())

			var assetIDs []string
			if rm.ClobTokenIds != "" {
				if err := json.Unmarshal([]byte(rm.ClobTokenIds), &assetIDs); err != nil {
					c.logger.Debug("unparseable token IDs", "slug", rm.Slug)
				}
			}

			endDate, _ := time.Parse(time.RFC3339, rm.EndDate)

			all = append(all, types.MarketSummary{
				ConditionID:  rm.ConditionID,
				Question:     rm.Question,
				Slug:         rm.Slug,
				Active:       rm.Active,
				Closed:       rm.Closed,
				OpenInterest: oi,
				Volume24h:    vol,
				AssetIDs:     assetIDs,
				EndDate:      endDate,
			})
		}

		if len(page) < limit {
			break
		}
		offset += limit
	}

	return all, nil
}
