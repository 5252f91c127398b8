package store

import (
	"log/slog"
	"strconv"

	"tradable/internal/domain"
)

// Persisted state keys, namespaced by application id so multiple SDK
// instances sharing one state file don't collide.
const (
	keyAccessToken     = "accessToken"
	keyAuthEndpoint    = "authEndpoint"
	keyTradingEnabled  = "tradingEnabled"
	keyExpiration      = "expirationTimeUTC"
	keySelectedAccount = "selectedAccount"
)

// TokenStore persists the session's token, endpoint, enabled flag, and expiry
// under app-scoped keys, plus the last selected account id.
type TokenStore struct {
	kv    KV
	appID string
	log   *slog.Logger
}

// NewTokenStore creates a TokenStore over kv scoped to appID.
func NewTokenStore(kv KV, appID string, log *slog.Logger) *TokenStore {
	return &TokenStore{
		kv:    kv,
		appID: appID,
		log:   log.With("component", "tokenstore"),
	}
}

func (t *TokenStore) key(field string) string {
	return field + ":" + t.appID
}

// Save persists all four session fields atomically: a partial write can never
// leave tradingEnabled=true behind without the token that backs it.
func (t *TokenStore) Save(s domain.Session) error {
	return t.kv.SetMany(map[string]string{
		t.key(keyAccessToken):    s.AccessToken,
		t.key(keyAuthEndpoint):   s.AuthEndpoint,
		t.key(keyTradingEnabled): strconv.FormatBool(s.TradingEnabled),
		t.key(keyExpiration):     strconv.FormatInt(s.ExpirationTimeUTC, 10),
	})
}

// Load reads the persisted session. A session marked enabled but missing its
// token, endpoint, or expiry is downgraded to disabled and the correction is
// persisted back immediately, so a torn state never survives a read.
func (t *TokenStore) Load() (domain.Session, error) {
	var s domain.Session
	var err error

	if s.AccessToken, _, err = t.kv.Get(t.key(keyAccessToken)); err != nil {
		return domain.Session{}, err
	}
	if s.AuthEndpoint, _, err = t.kv.Get(t.key(keyAuthEndpoint)); err != nil {
		return domain.Session{}, err
	}
	enabled, _, err := t.kv.Get(t.key(keyTradingEnabled))
	if err != nil {
		return domain.Session{}, err
	}
	s.TradingEnabled = enabled == "true"
	expiry, _, err := t.kv.Get(t.key(keyExpiration))
	if err != nil {
		return domain.Session{}, err
	}
	s.ExpirationTimeUTC, _ = strconv.ParseInt(expiry, 10, 64)

	if s.TradingEnabled && (s.AccessToken == "" || s.AuthEndpoint == "" || s.ExpirationTimeUTC == 0) {
		t.log.Warn("persisted session enabled but incomplete, downgrading to disabled")
		s.TradingEnabled = false
		if err := t.Save(s); err != nil {
			return domain.Session{}, err
		}
	}
	return s, nil
}

// Clear removes the persisted session fields. The selected account is kept so
// it can be restored on the next sign-in.
func (t *TokenStore) Clear() error {
	return t.kv.Delete(
		t.key(keyAccessToken),
		t.key(keyAuthEndpoint),
		t.key(keyTradingEnabled),
		t.key(keyExpiration),
	)
}

// SaveSelectedAccount persists the selected account id.
func (t *TokenStore) SaveSelectedAccount(accountID string) error {
	return t.kv.Set(t.key(keySelectedAccount), accountID)
}

// LoadSelectedAccount returns the persisted account id, or "" when none.
func (t *TokenStore) LoadSelectedAccount() string {
	v, _, err := t.kv.Get(t.key(keySelectedAccount))
	if err != nil {
		return ""
	}
	return v
}
