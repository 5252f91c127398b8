package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradable/internal/domain"
	"tradable/internal/store"
)

// Session lifecycle states.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateTokenExpired    State = "tokenExpired"
)

// Default expiry monitoring parameters.
const (
	DefaultExpiryCheckInterval = 5 * time.Minute
	DefaultWarnThreshold       = 30 * time.Minute
)

// AccountLister fetches the account list reachable with the current token.
// The gateway implements it; token validation rides on this call because it
// is the cheapest authenticated request the API offers.
type AccountLister interface {
	GetAccounts(ctx context.Context) ([]domain.AccountRef, error)
}

// Notifier delivers session events to subscribers. The notification bus
// implements it.
type Notifier interface {
	Notify(kind domain.EventKind, args ...any)
}

// Config carries the application identity the manager authenticates as.
type Config struct {
	AppID       string
	OAuthHost   string
	RedirectURL string

	// ExpiryCheckInterval and WarnThreshold tune the token-expiry monitor;
	// zero values select the defaults.
	ExpiryCheckInterval time.Duration
	WarnThreshold       time.Duration
}

// Manager owns the one Session per SDK instance and every transition it can
// make. All mutable state is behind one mutex; the expiry timer is the only
// background goroutine and it is started lazily by the bus activation for
// tokenWillExpire subscribers.
type Manager struct {
	cfg    Config
	tokens *store.TokenStore
	lister AccountLister
	flow   AuthFlow
	bus    Notifier
	log    *slog.Logger
	clock  func() time.Time

	mu         sync.Mutex
	session    domain.Session
	state      State
	accounts   []domain.AccountRef
	byID       map[string]domain.AccountRef
	selectedID string
	signedOut  bool

	expiryStop chan struct{}
}

// NewManager creates a Manager in the unauthenticated state and adopts any
// session the token store has persisted, so an authenticated session survives
// a restart.
func NewManager(cfg Config, tokens *store.TokenStore, lister AccountLister, flow AuthFlow, bus Notifier, log *slog.Logger) *Manager {
	if cfg.ExpiryCheckInterval <= 0 {
		cfg.ExpiryCheckInterval = DefaultExpiryCheckInterval
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}

	m := &Manager{
		cfg:    cfg,
		tokens: tokens,
		lister: lister,
		flow:   flow,
		bus:    bus,
		log:    log.With("component", "session"),
		clock:  time.Now,
		state:  StateUnauthenticated,
		byID:   make(map[string]domain.AccountRef),
	}

	if persisted, err := tokens.Load(); err == nil && persisted.TradingEnabled {
		m.session = persisted
		m.state = StateAuthenticated
		m.log.Info("restored persisted session", "expiresAt", persisted.ExpirationTimeUTC)
	}

	return m
}

// SetClock replaces the time source. Test hook.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// ---------------------------------------------------------------------------
// Authentication entry points
// ---------------------------------------------------------------------------

// Authenticate starts the OAuth flow by redirecting the current context to
// the authorization URL. If trading is already enabled it validates the
// existing token instead of re-authenticating.
func (m *Manager) Authenticate(ctx context.Context, brokerID string) error {
	if m.TradingEnabled() {
		return m.ValidateToken(ctx)
	}
	m.setState(StateAuthenticating)
	return m.flow.Redirect(AuthURL(m.cfg.OAuthHost, m.cfg.AppID, m.cfg.RedirectURL, brokerID))
}

// AuthenticateInPopup runs the same flow in a second context. On platforms
// where popup completions don't reliably reach the opener it falls back to a
// plain redirect.
func (m *Manager) AuthenticateInPopup(ctx context.Context, brokerID string) error {
	if m.TradingEnabled() {
		return m.ValidateToken(ctx)
	}
	authURL := AuthURL(m.cfg.OAuthHost, m.cfg.AppID, m.cfg.RedirectURL, brokerID)
	if !m.flow.SupportsPopups() {
		m.setState(StateAuthenticating)
		return m.flow.Redirect(authURL)
	}
	m.setState(StateAuthenticating)
	return m.flow.OpenPopup(authURL, PopupNameLaunch)
}

// AddBrokerInPopup runs the OAuth flow for linking an additional broker to an
// already-authenticated session. Completion re-enters through
// HandleAuthFragment like the launch flow; the grown account list then makes
// the just-linked broker's account win auto-selection.
func (m *Manager) AddBrokerInPopup(ctx context.Context, brokerID string) error {
	authURL := AuthURL(m.cfg.OAuthHost, m.cfg.AppID, m.cfg.RedirectURL, brokerID)
	if !m.flow.SupportsPopups() {
		return m.flow.Redirect(authURL)
	}
	return m.flow.OpenPopup(authURL, PopupNameAddBroker)
}

// HandleAuthFragment processes the URL hash fragment a completed OAuth flow
// returns with. A fragment carrying both token and endpoint enables trading;
// anything else is a failed flow.
func (m *Manager) HandleAuthFragment(ctx context.Context, fragment string) error {
	f, ok := ParseAuthFragment(fragment)
	if !ok {
		err := &domain.InvalidArgumentError{Field: "fragment", Reason: "auth flow returned no token"}
		m.setState(StateUnauthenticated)
		m.bus.Notify(domain.EventError, err)
		return err
	}
	return m.EnableTrading(ctx, f.AccessToken, f.EndpointURL, f.ExpiresIn, true)
}

// EnableTrading transitions to the authenticated state with the given token,
// persists the session, refreshes the account list, auto-selects an account,
// and finally notifies ready subscribers.
func (m *Manager) EnableTrading(ctx context.Context, token, endpoint string, expiresIn int64, selectLatest bool) error {
	if token == "" {
		return &domain.InvalidArgumentError{Field: "token", Reason: "must not be empty"}
	}
	if endpoint == "" {
		return &domain.InvalidArgumentError{Field: "endpoint", Reason: "must not be empty"}
	}

	m.mu.Lock()
	m.session = domain.Session{
		AccessToken:    token,
		AuthEndpoint:   endpoint,
		TradingEnabled: true,
	}
	if expiresIn > 0 {
		m.session.ExpirationTimeUTC = m.clock().Add(time.Duration(expiresIn) * time.Second).UnixMilli()
	}
	m.state = StateAuthenticated
	m.signedOut = false
	session := m.session
	m.mu.Unlock()

	if err := m.tokens.Save(session); err != nil {
		m.log.Warn("persisting session failed", "error", err)
	}

	if err := m.refreshAccounts(ctx, selectLatest); err != nil {
		m.log.Warn("account refresh after enable failed", "error", err)
	}

	m.bus.Notify(domain.EventEmbedReady)
	return nil
}

// ValidateToken checks the current token with the cheapest authenticated
// request. Success re-enters the authenticated state and re-notifies ready
// subscribers; failure forces the session to disabled, persists the
// downgrade, and still notifies ready subscribers so the UI can react. The
// failure is not an error to the caller.
func (m *Manager) ValidateToken(ctx context.Context) error {
	if _, err := m.lister.GetAccounts(ctx); err != nil {
		m.log.Info("token validation failed, disabling trading", "error", err)
		m.forceDisable()
		m.bus.Notify(domain.EventEmbedReady)
		return nil
	}

	m.setState(StateAuthenticated)
	if err := m.refreshAccounts(ctx, false); err != nil {
		m.log.Warn("account refresh after validation failed", "error", err)
	}
	m.bus.Notify(domain.EventEmbedReady)
	return nil
}

// SignOut clears the persisted and in-memory session and notifies ready
// subscribers. Signing out twice is a no-op, not an error.
func (m *Manager) SignOut() error {
	m.mu.Lock()
	if m.signedOut || (!m.session.TradingEnabled && m.session.AccessToken == "") {
		m.mu.Unlock()
		return nil
	}
	m.session.Reset()
	m.state = StateUnauthenticated
	m.signedOut = true
	m.accounts = nil
	m.byID = make(map[string]domain.AccountRef)
	m.selectedID = ""
	m.mu.Unlock()

	if err := m.tokens.Clear(); err != nil {
		m.log.Warn("clearing persisted session failed", "error", err)
	}
	m.bus.Notify(domain.EventEmbedReady)
	return nil
}

// HandleRequestFailure is the central expiry detector the gateway reports
// rejected requests to. An expiry-indicating rejection immediately forces the
// session to disabled and fires tokenExpired — distinct from the advance
// tokenWillExpire warning.
func (m *Manager) HandleRequestFailure(status int, code string) {
	remote := &domain.RemoteError{Status: status, Code: code}
	if !remote.IndicatesExpiredToken() {
		return
	}
	m.mu.Lock()
	wasEnabled := m.session.TradingEnabled
	m.mu.Unlock()
	if !wasEnabled {
		return
	}

	m.log.Info("request rejection indicates expired token", "status", status, "code", code)
	m.forceDisable()
	m.setState(StateTokenExpired)
	m.bus.Notify(domain.EventTokenExpired)
	m.bus.Notify(domain.EventReLoginRequired)
}

// forceDisable fails the session closed: the SDK never holds itself enabled
// without a currently-valid token backing it.
func (m *Manager) forceDisable() {
	m.mu.Lock()
	m.session.TradingEnabled = false
	m.state = StateUnauthenticated
	session := m.session
	m.mu.Unlock()

	if err := m.tokens.Save(session); err != nil {
		m.log.Warn("persisting downgrade failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Account list and selection
// ---------------------------------------------------------------------------

// refreshAccounts fetches the account list and applies the auto-selection
// tie-break: a just-linked broker (trading-enabled count increased) wins over
// restoring the persisted selection, which wins over defaulting to the last
// account. That ordering is a user-experience contract, not an accident.
// Only trading-enabled accounts count toward the growth check and the
// newest/last candidates; a refresh that adds a disabled account must not
// steal the selection.
func (m *Manager) refreshAccounts(ctx context.Context, selectLatest bool) error {
	accounts, err := m.lister.GetAccounts(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prevEnabled := len(tradingEnabled(m.accounts))
	prevSelected := m.selectedID
	m.accounts = accounts
	m.byID = make(map[string]domain.AccountRef, len(accounts))
	for _, a := range accounts {
		m.byID[a.UniqueID] = a
	}
	m.mu.Unlock()

	if len(accounts) == 0 {
		return nil
	}

	enabled := tradingEnabled(accounts)
	candidates := enabled
	if len(candidates) == 0 {
		candidates = accounts
	}

	countIncreased := len(enabled) > prevEnabled
	persisted := m.tokens.LoadSelectedAccount()

	var chosen string
	switch {
	case selectLatest && countIncreased:
		chosen = candidates[len(candidates)-1].UniqueID
	case persisted != "" && m.hasAccount(persisted):
		chosen = persisted
	default:
		chosen = candidates[len(candidates)-1].UniqueID
	}

	if chosen != prevSelected {
		return m.SelectAccount(chosen)
	}
	return nil
}

func tradingEnabled(accounts []domain.AccountRef) []domain.AccountRef {
	var out []domain.AccountRef
	for _, a := range accounts {
		if a.TradingEnabled {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) hasAccount(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok
}

// SelectAccount makes the given account current, persists the choice, and
// notifies accountSwitch subscribers.
func (m *Manager) SelectAccount(accountID string) error {
	m.mu.Lock()
	account, ok := m.byID[accountID]
	if !ok {
		m.mu.Unlock()
		return &domain.InvalidArgumentError{Field: "accountID", Reason: "unknown account " + accountID}
	}
	m.selectedID = accountID
	m.mu.Unlock()

	if err := m.tokens.SaveSelectedAccount(accountID); err != nil {
		m.log.Warn("persisting account selection failed", "error", err)
	}
	m.bus.Notify(domain.EventAccountSwitch, account)
	return nil
}

// Accounts returns a copy of the current account list.
func (m *Manager) Accounts() []domain.AccountRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AccountRef, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// SelectedAccount returns the currently selected account, if any.
func (m *Manager) SelectedAccount() (domain.AccountRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[m.selectedID]
	return a, ok
}

// ---------------------------------------------------------------------------
// Gateway routing (gateway.SessionSource)
// ---------------------------------------------------------------------------

// Token returns the access token and auth endpoint for request routing.
func (m *Manager) Token() (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.AccessToken == "" || m.session.AuthEndpoint == "" {
		return "", "", false
	}
	return m.session.AccessToken, m.session.AuthEndpoint, true
}

// AccountEndpoint resolves the endpoint serving the given account.
func (m *Manager) AccountEndpoint(accountID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[accountID]
	if !ok {
		return "", false
	}
	return a.EndpointURL, true
}

// ---------------------------------------------------------------------------
// State accessors
// ---------------------------------------------------------------------------

// Session returns a copy of the current session.
func (m *Manager) Session() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// TradingEnabled reports whether the session currently allows trading calls.
func (m *Manager) TradingEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.TradingEnabled
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// ---------------------------------------------------------------------------
// Token-expiry monitoring
// ---------------------------------------------------------------------------

// StartExpiryWatch begins the low-frequency expiry check. Started by the bus
// activation when the first tokenWillExpire subscriber registers.
func (m *Manager) StartExpiryWatch() {
	m.mu.Lock()
	if m.expiryStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.expiryStop = stop
	interval := m.cfg.ExpiryCheckInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.CheckExpiry()
			}
		}
	}()
}

// StopExpiryWatch stops the expiry check. Stopped by the bus activation when
// the last tokenWillExpire subscriber unregisters.
func (m *Manager) StopExpiryWatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiryStop == nil {
		return
	}
	close(m.expiryStop)
	m.expiryStop = nil
}

// CheckExpiry runs one expiry-monitor tick: once the remaining time-to-live
// drops below the warning threshold, tokenWillExpire subscribers are notified
// with the remaining milliseconds — on every tick, until expiry or refresh.
// Actual expiry is not detected here; it comes from rejected requests through
// HandleRequestFailure.
func (m *Manager) CheckExpiry() {
	m.mu.Lock()
	enabled := m.session.TradingEnabled
	remaining := m.session.RemainingMillis(m.clock())
	threshold := m.cfg.WarnThreshold.Milliseconds()
	m.mu.Unlock()

	if !enabled || remaining <= 0 {
		return
	}
	if remaining < threshold {
		m.bus.Notify(domain.EventTokenWillExpire, remaining)
	}
}
