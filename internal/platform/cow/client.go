// Package cow places orders through the CoW Protocol order-book API. Orders
// settle in batch auctions, which is what makes this the impact-minimizing,
// MEV-protected route for large notionals.
package cow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

const (
	orderValiditySecs = 30 * 60
	pollInterval      = 5 * time.Second
	fillTimeout       = 10 * time.Minute
)

// Adapter implements domain.TradeAdapter against a CoW order-book endpoint,
// e.g. "https://api.cow.fi/mainnet".
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	sender     common.Address
	logger     *slog.Logger
}

var _ domain.TradeAdapter = (*Adapter)(nil)

// NewAdapter creates an order-book client. sender is the custody account the
// settlement contract pulls sell tokens from.
func NewAdapter(baseURL string, sender common.Address, logger *slog.Logger) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		sender: sender,
		logger: logger.With(slog.String("component", "cow")),
	}
}

// Venue identifies the route this adapter serves.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueCowProtocol
}

type apiQuote struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	ID int64 `json:"id"`
}

type apiOrderStatus struct {
	Status            string `json:"status"`
	ExecutedBuyAmount string `json:"executedBuyAmount"`
}

// SwapExactInput quotes, places, and waits for a sell order. It returns the
// executed buy amount once the batch auction fills the order.
func (a *Adapter) SwapExactInput(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	quoteReq := map[string]any{
		"sellToken":           req.AssetIn.Hex(),
		"buyToken":            req.AssetOut.Hex(),
		"from":                a.sender.Hex(),
		"receiver":            req.Recipient.Hex(),
		"kind":                "sell",
		"sellAmountBeforeFee": req.AmountIn.String(),
	}
	quoteBody, err := a.doRequest(ctx, http.MethodPost, "/api/v1/quote", quoteReq)
	if err != nil {
		return nil, fmt.Errorf("cow: quote: %w", err)
	}

	var quote apiQuote
	if err := json.Unmarshal(quoteBody, &quote); err != nil {
		return nil, fmt.Errorf("cow: decode quote: %w", err)
	}

	orderReq := map[string]any{
		"sellToken":         req.AssetIn.Hex(),
		"buyToken":          req.AssetOut.Hex(),
		"receiver":          req.Recipient.Hex(),
		"sellAmount":        quote.Quote.SellAmount,
		"buyAmount":         req.MinAmountOut.String(),
		"validTo":           time.Now().Unix() + orderValiditySecs,
		"feeAmount":         quote.Quote.FeeAmount,
		"kind":              "sell",
		"partiallyFillable": false,
		"from":              a.sender.Hex(),
		"signingScheme":     "presign",
		"signature":         "0x",
		"quoteId":           quote.ID,
	}
	orderBody, err := a.doRequest(ctx, http.MethodPost, "/api/v1/orders", orderReq)
	if err != nil {
		return nil, fmt.Errorf("cow: place order: %w", err)
	}

	var orderUID string
	if err := json.Unmarshal(orderBody, &orderUID); err != nil {
		return nil, fmt.Errorf("cow: decode order uid: %w", err)
	}

	a.logger.InfoContext(ctx, "cow: order placed",
		slog.String("uid", orderUID),
		slog.String("sell_amount", req.AmountIn.String()),
	)
	return a.waitForFill(ctx, orderUID)
}

// waitForFill polls the order until it fills, expires, or is cancelled.
func (a *Adapter) waitForFill(ctx context.Context, uid string) (*big.Int, error) {
	fillCtx, cancel := context.WithTimeout(ctx, fillTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fillCtx.Done():
			return nil, fmt.Errorf("cow: order %s not filled: %w", uid, fillCtx.Err())
		case <-ticker.C:
			body, err := a.doRequest(fillCtx, http.MethodGet, "/api/v1/orders/"+uid, nil)
			if err != nil {
				a.logger.WarnContext(fillCtx, "cow: order status check failed",
					slog.String("uid", uid),
					slog.String("error", err.Error()),
				)
				continue
			}

			var status apiOrderStatus
			if err := json.Unmarshal(body, &status); err != nil {
				return nil, fmt.Errorf("cow: decode order status: %w", err)
			}

			switch status.Status {
			case "fulfilled":
				bought, ok := new(big.Int).SetString(status.ExecutedBuyAmount, 10)
				if !ok {
					return nil, fmt.Errorf("cow: order %s: malformed executed amount %q", uid, status.ExecutedBuyAmount)
				}
				return bought, nil
			case "expired", "cancelled":
				return nil, fmt.Errorf("cow: order %s terminal without fill: %s", uid, status.Status)
			}
		}
	}
}

// doRequest builds, sends, and reads an HTTP request against the order-book
// API, returning the raw response body.
func (a *Adapter) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
