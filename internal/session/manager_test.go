package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tradable/internal/domain"
	"tradable/internal/store"
)

type fakeLister struct {
	mu       sync.Mutex
	accounts []domain.AccountRef
	err      error
	calls    int
}

func (f *fakeLister) GetAccounts(ctx context.Context) ([]domain.AccountRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts, nil
}

type fakeFlow struct {
	redirects  []string
	popups     []string
	popupNames []string
	popupOK    bool
}

func (f *fakeFlow) Redirect(authURL string) error {
	f.redirects = append(f.redirects, authURL)
	return nil
}

func (f *fakeFlow) OpenPopup(authURL, name string) error {
	f.popups = append(f.popups, authURL)
	f.popupNames = append(f.popupNames, name)
	return nil
}

func (f *fakeFlow) SupportsPopups() bool { return f.popupOK }

type recordedEvent struct {
	kind domain.EventKind
	args []any
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBus) Notify(kind domain.EventKind, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{kind: kind, args: args})
}

func (f *fakeBus) kinds() []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.kind
	}
	return out
}

func (f *fakeBus) count(kind domain.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeBus) last(kind domain.EventKind) (recordedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].kind == kind {
			return f.events[i], true
		}
	}
	return recordedEvent{}, false
}

func testAccounts(ids ...string) []domain.AccountRef {
	out := make([]domain.AccountRef, len(ids))
	for i, id := range ids {
		out[i] = domain.AccountRef{
			UniqueID:       id,
			EndpointURL:    "https://" + id + ".example.com",
			TradingEnabled: true,
		}
	}
	return out
}

func newTestManager(t *testing.T, lister *fakeLister, flow *fakeFlow) (*Manager, *fakeBus, *store.TokenStore) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	tokens := store.NewTokenStore(store.NewMemoryKV(), "app1", log)
	bus := &fakeBus{}
	cfg := Config{
		AppID:       "app1",
		OAuthHost:   "auth.example.com",
		RedirectURL: "https://app.example.com/cb",
	}
	m := NewManager(cfg, tokens, lister, flow, bus, log)
	m.SetClock(func() time.Time { return time.UnixMilli(1_000_000) })
	return m, bus, tokens
}

func TestEnableTrading(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1", "a2")}
	m, bus, tokens := newTestManager(t, lister, &fakeFlow{})

	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 7200, true); err != nil {
		t.Fatalf("EnableTrading failed: %v", err)
	}

	if !m.TradingEnabled() {
		t.Error("trading not enabled")
	}
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("state = %s, want %s", got, StateAuthenticated)
	}

	s := m.Session()
	wantExpiry := int64(1_000_000) + 7200*1000
	if s.ExpirationTimeUTC != wantExpiry {
		t.Errorf("expiration = %d, want %d", s.ExpirationTimeUTC, wantExpiry)
	}

	persisted, err := tokens.Load()
	if err != nil {
		t.Fatalf("loading persisted session: %v", err)
	}
	if !persisted.TradingEnabled || persisted.AccessToken != "tok" {
		t.Errorf("persisted session = %+v, want enabled with token", persisted)
	}

	// Accounts refreshed and the newest selected (count increased from zero).
	selected, ok := m.SelectedAccount()
	if !ok || selected.UniqueID != "a2" {
		t.Errorf("selected = %+v, want a2", selected)
	}
	if bus.count(domain.EventEmbedReady) != 1 {
		t.Errorf("embedReady fired %d times, want 1", bus.count(domain.EventEmbedReady))
	}
}

func TestEnableTradingValidatesArgs(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeLister{}, &fakeFlow{})

	if err := m.EnableTrading(context.Background(), "", "https://api.example.com", 0, false); err == nil {
		t.Error("empty token accepted")
	}
	if err := m.EnableTrading(context.Background(), "tok", "", 0, false); err == nil {
		t.Error("empty endpoint accepted")
	}
	if m.TradingEnabled() {
		t.Error("trading enabled after rejected arguments")
	}
}

func TestSelectionRestoresPersistedAccount(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1", "a2", "a3")}
	m, _, tokens := newTestManager(t, lister, &fakeFlow{})

	if err := tokens.SaveSelectedAccount("a1"); err != nil {
		t.Fatal(err)
	}
	// selectLatest=false: the persisted choice must win over the default.
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	selected, ok := m.SelectedAccount()
	if !ok || selected.UniqueID != "a1" {
		t.Errorf("selected = %+v, want persisted a1", selected)
	}
}

func TestSelectionPrefersNewestOnGrowth(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1", "a2")}
	m, _, tokens := newTestManager(t, lister, &fakeFlow{})

	// Persisted selection exists, but a just-linked broker wins when the
	// account count grows and the caller asked for the latest.
	if err := tokens.SaveSelectedAccount("a1"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, true); err != nil {
		t.Fatal(err)
	}

	selected, _ := m.SelectedAccount()
	if selected.UniqueID != "a2" {
		t.Errorf("selected = %s, want newest a2", selected.UniqueID)
	}
}

func TestSelectionIgnoresDisabledGrowth(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1", "a2")}
	m, _, _ := newTestManager(t, lister, &fakeFlow{})

	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, true); err != nil {
		t.Fatal(err)
	}
	if err := m.SelectAccount("a1"); err != nil {
		t.Fatal(err)
	}

	// Second enable cycle: the list grows, but only by a trading-disabled
	// account. The enabled count is unchanged, so the persisted selection
	// must win and the disabled account must never be auto-selected.
	lister.accounts = append(testAccounts("a1", "a2"), domain.AccountRef{
		UniqueID:       "a3",
		EndpointURL:    "https://a3.example.com",
		TradingEnabled: false,
	})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, true); err != nil {
		t.Fatal(err)
	}

	selected, ok := m.SelectedAccount()
	if !ok || selected.UniqueID != "a1" {
		t.Errorf("selected = %+v, want persisted a1 (trading-enabled count did not increase)", selected)
	}
}

func TestSelectionNewestSkipsDisabled(t *testing.T) {
	// The list ends with a disabled account; the newest pick must land on the
	// last trading-enabled one instead.
	lister := &fakeLister{accounts: append(testAccounts("a1", "a2"), domain.AccountRef{
		UniqueID:       "a3",
		EndpointURL:    "https://a3.example.com",
		TradingEnabled: false,
	})}
	m, _, _ := newTestManager(t, lister, &fakeFlow{})

	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, true); err != nil {
		t.Fatal(err)
	}

	selected, _ := m.SelectedAccount()
	if selected.UniqueID != "a2" {
		t.Errorf("selected = %s, want last trading-enabled account a2", selected.UniqueID)
	}
}

func TestSelectionFallsBackToLast(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1", "a2")}
	m, _, tokens := newTestManager(t, lister, &fakeFlow{})

	if err := tokens.SaveSelectedAccount("gone"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	selected, _ := m.SelectedAccount()
	if selected.UniqueID != "a2" {
		t.Errorf("selected = %s, want last account a2", selected.UniqueID)
	}
}

func TestSelectAccount(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1", "a2")}
	m, bus, tokens := newTestManager(t, lister, &fakeFlow{})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	if err := m.SelectAccount("a1"); err != nil {
		t.Fatalf("SelectAccount failed: %v", err)
	}
	if tokens.LoadSelectedAccount() != "a1" {
		t.Error("selection not persisted")
	}
	ev, ok := bus.last(domain.EventAccountSwitch)
	if !ok {
		t.Fatal("no accountSwitch event")
	}
	if a, ok := ev.args[0].(domain.AccountRef); !ok || a.UniqueID != "a1" {
		t.Errorf("accountSwitch arg = %+v, want a1", ev.args[0])
	}

	if err := m.SelectAccount("nope"); err == nil {
		t.Error("unknown account accepted")
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, bus, _ := newTestManager(t, lister, &fakeFlow{})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	if err := m.ValidateToken(context.Background()); err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if !m.TradingEnabled() {
		t.Error("validation success must keep trading enabled")
	}
	if bus.count(domain.EventEmbedReady) != 2 {
		t.Errorf("embedReady fired %d times, want 2", bus.count(domain.EventEmbedReady))
	}
}

func TestValidateTokenFailureDisables(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, bus, tokens := newTestManager(t, lister, &fakeFlow{})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	lister.err = &domain.RemoteError{Status: 403, Code: domain.RemoteCodeTokenExpired}
	if err := m.ValidateToken(context.Background()); err != nil {
		t.Fatalf("validation failure must not surface as an error, got %v", err)
	}
	if m.TradingEnabled() {
		t.Error("validation failure must disable trading")
	}
	persisted, _ := tokens.Load()
	if persisted.TradingEnabled {
		t.Error("downgrade not persisted")
	}
	if bus.count(domain.EventEmbedReady) != 2 {
		t.Error("ready subscribers must still be notified after a failed validation")
	}
}

func TestSignOutIdempotent(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, bus, tokens := newTestManager(t, lister, &fakeFlow{})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	if err := m.SignOut(); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if m.TradingEnabled() {
		t.Error("trading still enabled after sign-out")
	}
	if _, ok := m.SelectedAccount(); ok {
		t.Error("selection survived sign-out")
	}
	persisted, _ := tokens.Load()
	if persisted.AccessToken != "" || persisted.TradingEnabled {
		t.Errorf("persisted session = %+v, want cleared", persisted)
	}

	ready := bus.count(domain.EventEmbedReady)
	if err := m.SignOut(); err != nil {
		t.Fatalf("second SignOut failed: %v", err)
	}
	if bus.count(domain.EventEmbedReady) != ready {
		t.Error("second sign-out must not re-notify")
	}
}

func TestHandleRequestFailure(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, bus, _ := newTestManager(t, lister, &fakeFlow{})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	// A garden-variety rejection changes nothing.
	m.HandleRequestFailure(400, "BAD_REQUEST")
	if !m.TradingEnabled() {
		t.Fatal("400 must not disable trading")
	}

	m.HandleRequestFailure(403, domain.RemoteCodeTokenExpired)
	if m.TradingEnabled() {
		t.Error("expiry rejection must disable trading")
	}
	if got := m.State(); got != StateTokenExpired {
		t.Errorf("state = %s, want %s", got, StateTokenExpired)
	}
	if bus.count(domain.EventTokenExpired) != 1 {
		t.Error("tokenExpired not fired")
	}
	if bus.count(domain.EventReLoginRequired) != 1 {
		t.Error("reLoginRequired not fired")
	}

	// Repeat rejections once disabled are swallowed.
	m.HandleRequestFailure(403, domain.RemoteCodeTokenExpired)
	if bus.count(domain.EventTokenExpired) != 1 {
		t.Error("tokenExpired fired again for an already-disabled session")
	}
}

func TestAuthenticateRedirects(t *testing.T) {
	flow := &fakeFlow{}
	m, _, _ := newTestManager(t, &fakeLister{}, flow)

	if err := m.Authenticate(context.Background(), "ig"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if len(flow.redirects) != 1 {
		t.Fatalf("redirects = %d, want 1", len(flow.redirects))
	}
	if got := m.State(); got != StateAuthenticating {
		t.Errorf("state = %s, want %s", got, StateAuthenticating)
	}
}

func TestAuthenticateInPopupFallsBack(t *testing.T) {
	flow := &fakeFlow{popupOK: false}
	m, _, _ := newTestManager(t, &fakeLister{}, flow)

	if err := m.AuthenticateInPopup(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if len(flow.popups) != 0 || len(flow.redirects) != 1 {
		t.Errorf("popups=%d redirects=%d, want the redirect fallback", len(flow.popups), len(flow.redirects))
	}

	flow2 := &fakeFlow{popupOK: true}
	m2, _, _ := newTestManager(t, &fakeLister{}, flow2)
	if err := m2.AuthenticateInPopup(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if len(flow2.popups) != 1 {
		t.Errorf("popups = %d, want 1", len(flow2.popups))
	}
	if flow2.popupNames[0] != PopupNameLaunch {
		t.Errorf("popup name = %s, want %s", flow2.popupNames[0], PopupNameLaunch)
	}
}

func TestAddBrokerInPopup(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	flow := &fakeFlow{popupOK: true}
	m, _, _ := newTestManager(t, lister, flow)
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	if err := m.AddBrokerInPopup(context.Background(), "oanda"); err != nil {
		t.Fatalf("AddBrokerInPopup failed: %v", err)
	}
	if len(flow.popupNames) != 1 || flow.popupNames[0] != PopupNameAddBroker {
		t.Errorf("popup names = %v, want [%s]", flow.popupNames, PopupNameAddBroker)
	}
	if !m.TradingEnabled() {
		t.Error("linking a broker must not disturb the active session")
	}
}

func TestHandleAuthFragment(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, _, _ := newTestManager(t, lister, &fakeFlow{})

	err := m.HandleAuthFragment(context.Background(), "#access_token=tok&endpointURL=https%3A%2F%2Fapi.example.com&expires_in=3600")
	if err != nil {
		t.Fatalf("HandleAuthFragment failed: %v", err)
	}
	if !m.TradingEnabled() {
		t.Error("fragment with token must enable trading")
	}

	m2, bus2, _ := newTestManager(t, &fakeLister{}, &fakeFlow{})
	if err := m2.HandleAuthFragment(context.Background(), "#state=abc"); err == nil {
		t.Error("fragment without token accepted")
	}
	if bus2.count(domain.EventError) != 1 {
		t.Error("failed flow must notify error subscribers")
	}
}

func TestRestoresPersistedSession(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	kv := store.NewMemoryKV()
	tokens := store.NewTokenStore(kv, "app1", log)
	if err := tokens.Save(domain.Session{
		AccessToken:       "tok",
		AuthEndpoint:      "https://api.example.com",
		TradingEnabled:    true,
		ExpirationTimeUTC: 9_000_000,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := Config{AppID: "app1", OAuthHost: "auth.example.com", RedirectURL: "cb"}
	m := NewManager(cfg, tokens, &fakeLister{}, &fakeFlow{}, &fakeBus{}, log)

	if !m.TradingEnabled() {
		t.Error("persisted session not restored")
	}
	token, endpoint, ok := m.Token()
	if !ok || token != "tok" || endpoint != "https://api.example.com" {
		t.Errorf("Token() = %q, %q, %v", token, endpoint, ok)
	}
}

func TestAccountEndpoint(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, _, _ := newTestManager(t, lister, &fakeFlow{})
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 0, false); err != nil {
		t.Fatal(err)
	}

	endpoint, ok := m.AccountEndpoint("a1")
	if !ok || endpoint != "https://a1.example.com" {
		t.Errorf("AccountEndpoint = %q, %v", endpoint, ok)
	}
	if _, ok := m.AccountEndpoint("nope"); ok {
		t.Error("unknown account resolved")
	}
}

func TestCheckExpiry(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, bus, _ := newTestManager(t, lister, &fakeFlow{})

	now := time.UnixMilli(1_000_000)
	m.SetClock(func() time.Time { return now })

	// Expires in 10 minutes: inside the 30-minute warning window.
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 600, false); err != nil {
		t.Fatal(err)
	}

	m.CheckExpiry()
	ev, ok := bus.last(domain.EventTokenWillExpire)
	if !ok {
		t.Fatal("tokenWillExpire not fired inside the warning window")
	}
	remaining, ok := ev.args[0].(int64)
	if !ok || remaining <= 0 || remaining > 600_000 {
		t.Errorf("remaining = %v, want positive millis within the token lifetime", ev.args[0])
	}

	// Every tick warns again until expiry or refresh.
	m.CheckExpiry()
	if bus.count(domain.EventTokenWillExpire) != 2 {
		t.Errorf("warnings = %d, want 2", bus.count(domain.EventTokenWillExpire))
	}

	// Past expiry: the monitor stays silent, rejected requests take over.
	now = now.Add(20 * time.Minute)
	m.CheckExpiry()
	if bus.count(domain.EventTokenWillExpire) != 2 {
		t.Error("warned after the token already expired")
	}
}

func TestCheckExpiryOutsideWindow(t *testing.T) {
	lister := &fakeLister{accounts: testAccounts("a1")}
	m, bus, _ := newTestManager(t, lister, &fakeFlow{})

	// Expires in 2 hours: well outside the warning window.
	if err := m.EnableTrading(context.Background(), "tok", "https://api.example.com", 7200, false); err != nil {
		t.Fatal(err)
	}

	m.CheckExpiry()
	if bus.count(domain.EventTokenWillExpire) != 0 {
		t.Error("warned with plenty of lifetime left")
	}
}

func TestExpiryWatchStartStop(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeLister{}, &fakeFlow{})

	m.StartExpiryWatch()
	m.StartExpiryWatch() // second start is a no-op
	m.StopExpiryWatch()
	m.StopExpiryWatch() // second stop is a no-op
}
