package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"tradable/internal/domain"
)

// Thin endpoint wrappers. Each one is a single pass-through to Request plus
// a decode; all routing, auth, and expiry handling lives in the gateway.

// GetAccounts lists the accounts reachable with the current token.
func (g *Gateway) GetAccounts(ctx context.Context) ([]domain.AccountRef, error) {
	var out struct {
		Accounts []domain.AccountRef `json:"accounts"`
	}
	if err := g.get(ctx, "", "accounts", &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// GetMetrics returns the account's financial summary.
func (g *Gateway) GetMetrics(ctx context.Context, accountID string) (*domain.AccountMetrics, error) {
	var out domain.AccountMetrics
	if err := g.get(ctx, accountID, "accounts/"+accountID+"/metrics", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOpenPositions returns the account's open positions.
func (g *Gateway) GetOpenPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	var out struct {
		Open []domain.Position `json:"open"`
	}
	if err := g.get(ctx, accountID, "accounts/"+accountID+"/positions", &out); err != nil {
		return nil, err
	}
	return out.Open, nil
}

// GetPendingOrders returns the account's pending orders.
func (g *Gateway) GetPendingOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	var out struct {
		Pending []domain.Order `json:"pending"`
	}
	if err := g.get(ctx, accountID, "accounts/"+accountID+"/orders", &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

// GetPrices returns quotes for the given symbols.
func (g *Gateway) GetPrices(ctx context.Context, accountID string, symbols []string) ([]domain.Price, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	body := map[string]any{"symbols": symbols}
	raw, err := g.Request(ctx, KindAccounts, http.MethodPost, accountID, "accounts/"+accountID+"/prices", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Prices []domain.Price `json:"prices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding prices: %w", err)
	}
	return out.Prices, nil
}

// GetCandles returns OHLC bars for a symbol between from and to (Unix ms) at
// the given bar width in minutes.
func (g *Gateway) GetCandles(ctx context.Context, accountID, symbol string, from, to int64, widthMinutes int) ([]domain.Candle, error) {
	body := map[string]any{
		"symbol":       symbol,
		"from":         from,
		"to":           to,
		"widthMinutes": widthMinutes,
	}
	raw, err := g.Request(ctx, KindAccounts, http.MethodPost, accountID, "accounts/"+accountID+"/candles", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Candles []domain.Candle `json:"candles"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding candles: %w", err)
	}
	return out.Candles, nil
}

// GetSnapshot returns the full account snapshot in one call: positions,
// orders, metrics, and prices for the requested symbols. This is the call the
// poller drives.
func (g *Gateway) GetSnapshot(ctx context.Context, accountID string, symbols []string) (*domain.AccountSnapshot, error) {
	body := map[string]any{"symbols": symbols}
	raw, err := g.Request(ctx, KindAccounts, http.MethodPost, accountID, "accounts/"+accountID+"/snapshot", body)
	if err != nil {
		return nil, err
	}
	var out domain.AccountSnapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &out, nil
}

// PlaceOrder submits an order and returns it with broker-assigned fields.
func (g *Gateway) PlaceOrder(ctx context.Context, accountID string, order *domain.Order) (*domain.Order, error) {
	raw, err := g.Request(ctx, KindAccounts, http.MethodPost, accountID, "accounts/"+accountID+"/orders", order)
	if err != nil {
		return nil, err
	}
	var out domain.Order
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	return &out, nil
}

// CancelOrder requests cancellation of a pending order.
func (g *Gateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	_, err := g.Request(ctx, KindAccounts, http.MethodDelete, accountID, "accounts/"+accountID+"/orders/"+orderID, nil)
	return err
}

// ClosePosition requests a full close of an open position.
func (g *Gateway) ClosePosition(ctx context.Context, accountID, positionID string) error {
	_, err := g.Request(ctx, KindAccounts, http.MethodDelete, accountID, "accounts/"+accountID+"/positions/"+positionID, nil)
	return err
}

// GetBrokers lists the brokers available for linking (served by the OAuth
// host, no session required).
func (g *Gateway) GetBrokers(ctx context.Context) (json.RawMessage, error) {
	return g.Request(ctx, KindBrokers, http.MethodGet, "", "brokers", nil)
}

// get is the shared GET-and-decode helper for the wrappers above.
func (g *Gateway) get(ctx context.Context, accountID, path string, out any) error {
	raw, err := g.Request(ctx, KindAccounts, http.MethodGet, accountID, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
