package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// OrderPayload is the wire form of one exchange order. Amounts are
// base-unit (6-decimal USDC) integers in string form.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SideCode      int    `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderRequest struct {
	Order     OrderPayload `json:"order"`
	Owner     string       `json:"owner"`
	OrderType string       `json:"orderType"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Error   string `json:"errorMsg"`
}

// TokenResolver maps a condition ID to the CLOB token the order trades.
// The market scanner provides this from its metadata cache.
type TokenResolver func(marketID string) (string, bool)

// LiveExecutor routes orders to the gasless Builder REST endpoint as
// signed fill-or-kill orders. Fills are assumed at the signal price;
// the Builder rejects rather than partially fills.
type LiveExecutor struct {
	http    *resty.Client
	signer  *Signer
	sizing  config.SizingConfig
	resolve TokenResolver
	logger  *slog.Logger
}

// NewLiveExecutor wires the live backend.
func NewLiveExecutor(cfg config.ExecutorConfig, sizing config.SizingConfig, signer *Signer, resolve TokenResolver, logger *slog.Logger) *LiveExecutor {
	httpClient := resty.New().
		SetBaseURL(cfg.BuilderBaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &LiveExecutor{
		http:    httpClient,
		signer:  signer,
		sizing:  sizing,
		resolve: resolve,
		logger:  logger.With("component", "executor"),
	}
}

func (e *LiveExecutor) Mode() types.Mode { return types.ModeLive }

func (e *LiveExecutor) Open(ctx context.Context, marketID string, side types.Side, size, price decimal.Decimal, whaleSource string) (OpenResult, error) {
	orderID, err := e.placeOrder(ctx, marketID, side, size, price)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{
		TradeID: orderID,
		Fill: types.Fill{
			Price:      price,
			Commission: size.Mul(e.sizing.CommissionRate),
			GasCostUSD: e.sizing.GasCostUSD,
			ExternalID: orderID,
		},
	}, nil
}

func (e *LiveExecutor) Close(ctx context.Context, pos types.CopyPosition, exitPrice decimal.Decimal) (CloseOutcome, error) {
	orderID, err := e.placeOrder(ctx, pos.MarketID, pos.Side.Opposite(), pos.SizeUSD, exitPrice)
	if err != nil {
		return CloseOutcome{}, err
	}

	gross := pos.SizeUSD.Mul(exitPrice.Sub(pos.EntryPrice)).Div(pos.EntryPrice)
	if pos.Side == types.SELL {
		gross = gross.Neg()
	}
	fees := pos.SizeUSD.Mul(e.sizing.CommissionRate).Add(e.sizing.GasCostUSD)

	return CloseOutcome{
		Fill: types.Fill{
			Price:      exitPrice,
			Commission: pos.SizeUSD.Mul(e.sizing.CommissionRate),
			GasCostUSD: e.sizing.GasCostUSD,
			ExternalID: orderID,
		},
		GrossPnL: gross,
		NetPnL:   gross.Sub(fees),
	}, nil
}

// placeOrder signs and submits one fill-or-kill order, returning the
// exchange order ID.
func (e *LiveExecutor) placeOrder(ctx context.Context, marketID string, side types.Side, sizeUSD, price decimal.Decimal) (string, error) {
	tokenID, ok := e.resolve(marketID)
	if !ok {
		return "", fmt.Errorf("%w: no token for market %s", types.ErrExecutor, marketID)
	}

	makerAmt, takerAmt, sideCode := orderAmounts(side, sizeUSD, price)

	order := OrderPayload{
		Salt:        strconv.FormatInt(rand.Int63(), 10),
		Maker:       e.signer.Funder().Hex(),
		Signer:      e.signer.Address().Hex(),
		Taker:       zeroAddress,
		TokenID:     tokenID,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		SideCode:    sideCode,
	}
	sig, err := e.signer.SignOrder(order)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrExecutor, err)
	}
	order.Signature = sig

	reqBody := orderRequest{Order: order, OrderType: "FOK"}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshal order: %v", types.ErrExecutor, err)
	}

	headers, err := e.signer.L2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrExecutor, err)
	}

	var out orderResponse
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&out).
		Post("/order")
	if err != nil {
		return "", fmt.Errorf("%w: submit order: %v", types.ErrExecutor, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", fmt.Errorf("%w: order rejected with status %d", types.ErrAuth, resp.StatusCode())
	}
	if !resp.IsSuccess() || !out.Success {
		return "", fmt.Errorf("%w: order rejected: status %d: %s", types.ErrExecutor, resp.StatusCode(), out.Error)
	}

	e.logger.Info("order placed", "order_id", out.OrderID, "market", marketID, "side", side, "size_usd", sizeUSD, "price", price)
	return out.OrderID, nil
}

// orderAmounts converts a USD size at a price into base-unit maker and
// taker amounts. Token quantity truncates to 2 decimals, matching the
// exchange's size granularity.
func orderAmounts(side types.Side, sizeUSD, price decimal.Decimal) (makerAmt, takerAmt string, sideCode int) {
	tokens := sizeUSD.Div(price).Truncate(2)
	usdc := tokens.Mul(price).Truncate(2)

	tokenUnits := tokens.Shift(6).Truncate(0).String()
	usdcUnits := usdc.Shift(6).Truncate(0).String()

	if side == types.BUY {
		return usdcUnits, tokenUnits, 0
	}
	return tokenUnits, usdcUnits, 1
}
