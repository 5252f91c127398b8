// Package tradable is the embeddable trading SDK facade. A Client wires the
// session manager, REST gateway, snapshot poller, execution differ, and
// notification bus into one object with the public surface an embedding
// application programs against.
package tradable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradable/internal/bus"
	"tradable/internal/config"
	"tradable/internal/diff"
	"tradable/internal/domain"
	"tradable/internal/gateway"
	"tradable/internal/poll"
	"tradable/internal/session"
	"tradable/internal/store"
	"tradable/internal/util"
)

// Client is one SDK instance. Create it with New, subscribe to events with
// On, and drive authentication through EnableTrading or the OAuth flow.
type Client struct {
	cfg     *config.Config
	log     *slog.Logger
	kv      store.KV
	tokens  *store.TokenStore
	journal *store.ExecutionJournal
	bus     *bus.Bus
	manager *session.Manager
	gw      *gateway.Gateway
	keys    *poll.UpdateKeySet
	poller  *poll.Poller

	diffMu sync.Mutex
	differ *diff.Differ
}

// accountLister adapts the gateway to the session manager's account source.
// The indirection exists because the manager and the gateway reference each
// other: the manager routes the gateway's requests, the gateway fetches the
// manager's accounts.
type accountLister struct{ c *Client }

func (l accountLister) GetAccounts(ctx context.Context) ([]domain.AccountRef, error) {
	return l.c.gw.GetAccounts(ctx)
}

// New builds a fully wired Client from configuration. flow supplies the
// platform's way of sending the user to the OAuth page; pass NoBrowserFlow
// when the embedding application handles tokens itself.
func New(cfg *config.Config, flow session.AuthFlow) (*Client, error) {
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	c := &Client{
		cfg:    cfg,
		log:    log,
		differ: diff.New(),
		keys:   poll.NewUpdateKeySet(),
	}

	c.kv = store.Open(cfg.Storage.StatePath, log)
	c.tokens = store.NewTokenStore(c.kv, cfg.App.ID, log)
	c.journal = store.NewExecutionJournal(cfg.Storage.JournalDir)
	c.bus = bus.New(log)

	c.manager = session.NewManager(session.Config{
		AppID:               cfg.App.ID,
		OAuthHost:           cfg.App.OAuthHost,
		RedirectURL:         cfg.App.RedirectURL,
		ExpiryCheckInterval: time.Duration(cfg.Expiry.CheckIntervalMinutes) * time.Minute,
		WarnThreshold:       time.Duration(cfg.Expiry.WarnThresholdMinutes) * time.Minute,
	}, c.tokens, accountLister{c}, flow, c.bus, log)

	c.gw = gateway.New(cfg.App.OAuthHost, c.manager, log)
	c.gw.SetAuthFailureHandler(c.manager.HandleRequestFailure)
	if cfg.Gateway.RateLimitPerMin > 0 {
		c.gw.SetRateLimit(cfg.Gateway.RateLimitPerMin, cfg.Gateway.RateLimitPerMin/10+1)
	}

	c.poller = poll.New(c, c.keys, c.manager.TradingEnabled, c.handleSnapshot, log)
	if cfg.Polling.IntervalMillis > 0 {
		if err := c.poller.SetInterval(time.Duration(cfg.Polling.IntervalMillis) * time.Millisecond); err != nil {
			return nil, err
		}
	}

	// Background work runs only while someone is listening for its output.
	c.bus.SetActivation(domain.EventAccountUpdated, c.poller.Start, c.poller.Stop)
	c.bus.SetActivation(domain.EventTokenWillExpire, c.manager.StartExpiryWatch, c.manager.StopExpiryWatch)

	return c, nil
}

// Start announces the SDK to subscribers and, when a persisted session was
// restored, validates its token before declaring readiness.
func (c *Client) Start(ctx context.Context) error {
	c.bus.Notify(domain.EventEmbedStarting)
	if c.manager.TradingEnabled() {
		return c.manager.ValidateToken(ctx)
	}
	c.bus.Notify(domain.EventEmbedReady)
	return nil
}

// Close stops background work and releases the state store.
func (c *Client) Close() error {
	c.poller.Stop()
	c.manager.StopExpiryWatch()
	return c.kv.Close()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// On registers a callback for an event kind under a namespace. One
// registration per namespace and kind; registering for accountUpdated starts
// the snapshot poll loop, registering for tokenWillExpire starts the expiry
// monitor.
func (c *Client) On(namespace string, kind domain.EventKind, cb bus.Callback) error {
	return c.bus.On(namespace, kind, cb)
}

// Off removes a registration. Removing the last accountUpdated listener
// stops the poll loop.
func (c *Client) Off(namespace string, kind domain.EventKind) {
	c.bus.Off(namespace, kind)
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticate starts the OAuth flow, optionally pre-selecting a broker.
func (c *Client) Authenticate(ctx context.Context, brokerID string) error {
	return c.manager.Authenticate(ctx, brokerID)
}

// AuthenticateInPopup runs the OAuth flow in a popup where supported.
func (c *Client) AuthenticateInPopup(ctx context.Context, brokerID string) error {
	return c.manager.AuthenticateInPopup(ctx, brokerID)
}

// AddBrokerInPopup links an additional broker to the current session.
func (c *Client) AddBrokerInPopup(ctx context.Context, brokerID string) error {
	return c.manager.AddBrokerInPopup(ctx, brokerID)
}

// HandleAuthFragment completes an OAuth flow from the returned URL fragment.
func (c *Client) HandleAuthFragment(ctx context.Context, fragment string) error {
	return c.manager.HandleAuthFragment(ctx, fragment)
}

// EnableTrading activates the session with a token obtained out of band.
func (c *Client) EnableTrading(ctx context.Context, token, endpoint string, expiresInSeconds int64) error {
	return c.manager.EnableTrading(ctx, token, endpoint, expiresInSeconds, true)
}

// SignOut clears the session. Safe to call repeatedly.
func (c *Client) SignOut() error {
	return c.manager.SignOut()
}

// TradingEnabled reports whether trading calls are currently allowed.
func (c *Client) TradingEnabled() bool {
	return c.manager.TradingEnabled()
}

// Session returns a copy of the current session.
func (c *Client) Session() domain.Session {
	return c.manager.Session()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// Accounts returns the accounts reachable with the current token.
func (c *Client) Accounts() []domain.AccountRef {
	return c.manager.Accounts()
}

// SelectedAccount returns the account snapshots are polled for.
func (c *Client) SelectedAccount() (domain.AccountRef, bool) {
	return c.manager.SelectedAccount()
}

// SelectAccount switches the current account. The execution cache resets so
// the first snapshot of the new account is a baseline, not a burst of
// spurious executions.
func (c *Client) SelectAccount(accountID string) error {
	if err := c.manager.SelectAccount(accountID); err != nil {
		return err
	}
	c.ResetExecutionCache()
	return nil
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

// SetAccountUpdateInterval changes the snapshot poll interval. Takes effect
// immediately when the poll loop is running.
func (c *Client) SetAccountUpdateInterval(millis int64) error {
	return c.poller.SetInterval(time.Duration(millis) * time.Millisecond)
}

// AddPriceSubscription includes a symbol's prices in polled snapshots on
// behalf of the given client id. The client id must be non-empty and must not
// contain ':'.
func (c *Client) AddPriceSubscription(symbol, clientID string) error {
	return c.keys.Add(symbol, clientID)
}

// RemovePriceSubscription drops one client's interest in a symbol.
func (c *Client) RemovePriceSubscription(symbol, clientID string) {
	c.keys.Remove(symbol, clientID)
}

// RemoveClientSubscriptions drops every subscription a client id holds.
func (c *Client) RemoveClientSubscriptions(clientID string) {
	c.keys.RemoveClient(clientID)
}

// LastSnapshot returns the most recent successfully polled snapshot.
func (c *Client) LastSnapshot() *domain.AccountSnapshot {
	return c.poller.LastSnapshot()
}

// ResetExecutionCache clears the differ so the next snapshot re-baselines
// instead of reporting everything as new.
func (c *Client) ResetExecutionCache() {
	c.diffMu.Lock()
	defer c.diffMu.Unlock()
	c.differ.Reset()
}

// FetchSnapshot polls one account snapshot for the selected account. It is
// the poller's fetch hook.
func (c *Client) FetchSnapshot(ctx context.Context, symbols []string) (*domain.AccountSnapshot, error) {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return nil, domain.ErrAuthenticationRequired
	}
	return c.gw.GetSnapshot(ctx, account.UniqueID, symbols)
}

// handleSnapshot runs on every successful poll: diff against the previous
// snapshot, journal executions, notify subscribers. Execution events fire
// before the accountUpdated event carrying the snapshot itself.
func (c *Client) handleSnapshot(snap *domain.AccountSnapshot) {
	c.diffMu.Lock()
	res := c.differ.Compare(snap)
	c.diffMu.Unlock()

	if !res.Empty() {
		if err := c.journal.Append(res, time.Now()); err != nil {
			c.log.Warn("journaling executions failed", "error", err)
		}
		c.bus.Notify(domain.EventExecution, res)
	}
	c.bus.Notify(domain.EventAccountUpdated, snap)
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// PlaceOrder submits an order on the selected account.
func (c *Client) PlaceOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return nil, domain.ErrAuthenticationRequired
	}
	return c.gw.PlaceOrder(ctx, account.UniqueID, order)
}

// CancelOrder cancels a pending order on the selected account.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return domain.ErrAuthenticationRequired
	}
	return c.gw.CancelOrder(ctx, account.UniqueID, orderID)
}

// ClosePosition closes an open position on the selected account.
func (c *Client) ClosePosition(ctx context.Context, positionID string) error {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return domain.ErrAuthenticationRequired
	}
	return c.gw.ClosePosition(ctx, account.UniqueID, positionID)
}

// GetPrices fetches current prices for symbols on the selected account.
func (c *Client) GetPrices(ctx context.Context, symbols []string) ([]domain.Price, error) {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return nil, domain.ErrAuthenticationRequired
	}
	return c.gw.GetPrices(ctx, account.UniqueID, symbols)
}

// GetCandles fetches historical candles for a symbol on the selected account.
func (c *Client) GetCandles(ctx context.Context, symbol string, from, to int64, widthMinutes int) ([]domain.Candle, error) {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return nil, domain.ErrAuthenticationRequired
	}
	return c.gw.GetCandles(ctx, account.UniqueID, symbol, from, to, widthMinutes)
}

// GetMetrics fetches balance and margin figures for the selected account.
func (c *Client) GetMetrics(ctx context.Context) (*domain.AccountMetrics, error) {
	account, ok := c.manager.SelectedAccount()
	if !ok {
		return nil, domain.ErrAuthenticationRequired
	}
	return c.gw.GetMetrics(ctx, account.UniqueID)
}
