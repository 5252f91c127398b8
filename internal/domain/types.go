// Package domain defines the core data types shared across the tradable SDK:
// sessions, accounts, positions, orders, account snapshots, and the fixed set
// of notification event kinds.
package domain

import "time"

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session holds the authentication state for one application instance. There
// is exactly one Session per SDK instance, owned by the session manager.
type Session struct {
	AccessToken       string `json:"accessToken"`
	AuthEndpoint      string `json:"authEndpoint"`
	TradingEnabled    bool   `json:"tradingEnabled"`
	ExpirationTimeUTC int64  `json:"expirationTimeUTC"` // Unix ms, 0 = unknown
}

// Reset clears all session fields, returning the session to the
// unauthenticated state.
func (s *Session) Reset() {
	s.AccessToken = ""
	s.AuthEndpoint = ""
	s.TradingEnabled = false
	s.ExpirationTimeUTC = 0
}

// RemainingMillis returns the milliseconds until the token expires relative
// to now. Negative when already expired, 0 when no expiry is known.
func (s *Session) RemainingMillis(now time.Time) int64 {
	if s.ExpirationTimeUTC == 0 {
		return 0
	}
	return s.ExpirationTimeUTC - now.UnixMilli()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// AccountRef identifies one brokerage account and the API endpoint that
// serves it. Accounts come from the account-list endpoint and are read-only
// as far as the SDK is concerned.
type AccountRef struct {
	UniqueID       string `json:"uniqueId"`
	EndpointURL    string `json:"endpointURL"`
	BrokerID       string `json:"brokerId"`
	BrokerName     string `json:"brokerName"`
	DisplayName    string `json:"displayName"`
	Currency       string `json:"currencyIsoCode"`
	TradingEnabled bool   `json:"tradingEnabled"`
}

// AccountMetrics is the per-account financial summary returned with each
// snapshot.
type AccountMetrics struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	OpenPnL     float64 `json:"openPnL"`
	MarginUsed  float64 `json:"marginUsed"`
	MarginAvail float64 `json:"marginAvailable"`
}

// ---------------------------------------------------------------------------
// Positions and orders
// ---------------------------------------------------------------------------

// Position side values.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order type values. Market orders fill near-instantly and are excluded from
// pending-order diffing.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"
)

// Position is one open or recently closed position. Brokers reuse position
// ids after partial closes and reopens, so identity for diffing is composite
// (see the diff package).
type Position struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Amount       float64 `json:"amount"`
	OpenPrice    float64 `json:"openPrice"`
	ClosePrice   float64 `json:"closePrice,omitempty"`
	LastModified int64   `json:"lastModified"` // Unix ms
}

// Order is one pending or recently cancelled order.
type Order struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Amount       float64 `json:"amount"`
	Price        float64 `json:"price,omitempty"`
	Status       string  `json:"status,omitempty"`
	LastModified int64   `json:"lastModified"`
}

// Price is one bid/ask quote for a symbol.
type Price struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"timestamp"` // Unix ms
}

// Candle is one OHLC bar returned by the candles endpoint.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"` // Unix ms, bar open time
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

// ---------------------------------------------------------------------------
// Snapshots and diffs
// ---------------------------------------------------------------------------

// PositionBook groups the position lists carried by one snapshot.
type PositionBook struct {
	Open           []Position `json:"open"`
	RecentlyClosed []Position `json:"recentlyClosed"`
}

// OrderBook groups the order lists carried by one snapshot.
type OrderBook struct {
	Pending           []Order `json:"pending"`
	RecentlyCancelled []Order `json:"recentlyCancelled"`
}

// AccountSnapshot is one point-in-time read of an account's positions,
// orders, metrics, and requested prices. Snapshots are immutable values
// produced by one poll cycle; only the previous one is retained, and only
// long enough to diff against the current one.
type AccountSnapshot struct {
	Positions PositionBook   `json:"positions"`
	Orders    OrderBook      `json:"orders"`
	Metrics   AccountMetrics `json:"metrics"`
	Prices    []Price        `json:"prices"`
}

// DiffResult holds the items that appeared since the previous snapshot, one
// set per diff category. Pending market orders never appear in NewOrders.
type DiffResult struct {
	NewPositions       []Position
	NewClosedPositions []Position
	NewOrders          []Order
	NewCancelledOrders []Order
}

// Empty reports whether the diff detected no changes at all.
func (d DiffResult) Empty() bool {
	return len(d.NewPositions) == 0 &&
		len(d.NewClosedPositions) == 0 &&
		len(d.NewOrders) == 0 &&
		len(d.NewCancelledOrders) == 0
}

// ---------------------------------------------------------------------------
// Event kinds
// ---------------------------------------------------------------------------

// EventKind names one of the fixed notification events the SDK emits.
type EventKind string

// The recognised event kinds. Registering a callback for any other kind is
// an invalid-argument error.
const (
	EventEmbedStarting   EventKind = "embedStarting"
	EventEmbedReady      EventKind = "embedReady"
	EventAccountUpdated  EventKind = "accountUpdated"
	EventTokenWillExpire EventKind = "tokenWillExpire"
	EventTokenExpired    EventKind = "tokenExpired"
	EventReLoginRequired EventKind = "reLoginRequired"
	EventExecution       EventKind = "execution"
	EventTwoFactorAuth   EventKind = "twoFactorAuthentication"
	EventError           EventKind = "error"
	EventAccountSwitch   EventKind = "accountSwitch"
)

var eventKinds = map[EventKind]bool{
	EventEmbedStarting:   true,
	EventEmbedReady:      true,
	EventAccountUpdated:  true,
	EventTokenWillExpire: true,
	EventTokenExpired:    true,
	EventReLoginRequired: true,
	EventExecution:       true,
	EventTwoFactorAuth:   true,
	EventError:           true,
	EventAccountSwitch:   true,
}

// Valid reports whether k is one of the recognised event kinds.
func (k EventKind) Valid() bool {
	return eventKinds[k]
}
