// Package gateway issues authenticated REST calls against the brokerage API.
// It resolves the target host from the resource kind and account, attaches
// the bearer token and SDK headers, and centralises token-expiry detection so
// every endpoint wrapper gets it for free.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradable/internal/domain"
	"tradable/internal/util"
)

// Version is sent with every request in the x-tr-sdk-version header.
const Version = "1.0.0"

// ResourceKind selects how the request target is resolved. Apps and brokers
// live on the OAuth host; everything else is served by the session's auth
// endpoint, or by the account's own endpoint when an account id is given.
type ResourceKind string

const (
	KindApps     ResourceKind = "apps"
	KindBrokers  ResourceKind = "brokers"
	KindAccounts ResourceKind = "accounts"
)

// SessionSource supplies the current token and endpoint routing. The session
// manager implements it.
type SessionSource interface {
	// Token returns the access token and auth endpoint; ok is false when the
	// session is not authenticated.
	Token() (accessToken, authEndpoint string, ok bool)

	// AccountEndpoint resolves the endpoint URL serving the given account.
	AccountEndpoint(accountID string) (string, bool)
}

// Gateway is the generic authenticated HTTP caller the endpoint wrappers
// delegate to.
type Gateway struct {
	http      *resty.Client
	oauthHost string
	sess      SessionSource
	log       *slog.Logger

	// mu guards the runtime-settable fields below against concurrent
	// Request calls.
	mu            sync.RWMutex
	limiter       *util.RateLimiter
	onAuthFailure func(status int, code string)
}

// New creates a Gateway targeting the given OAuth host.
func New(oauthHost string, sess SessionSource, log *slog.Logger) *Gateway {
	httpClient := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("x-tr-sdk-version", Version).
		SetHeader("Accept", "application/json")

	return &Gateway{
		http:      httpClient,
		oauthHost: strings.TrimSuffix(oauthHost, "/"),
		sess:      sess,
		log:       log.With("component", "gateway"),
	}
}

// SetRateLimit caps outgoing requests at perMinute with the given burst.
// Zero disables limiting.
func (g *Gateway) SetRateLimit(perMinute, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if perMinute <= 0 {
		g.limiter = nil
		return
	}
	g.limiter = util.NewRateLimiterBurst(perMinute, burst)
}

// SetAuthFailureHandler registers the hook invoked when a rejected request
// indicates an expired token. Set after construction to break the dependency
// cycle with the session manager.
func (g *Gateway) SetAuthFailureHandler(fn func(status int, code string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onAuthFailure = fn
}

// remoteBody is the error payload shape the brokerage returns on rejection.
type remoteBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request issues one authenticated call. kind and accountID select the target
// host (see ResourceKind); path is relative to it. A non-2xx response is
// returned as a RemoteError through the error path, and expiry-indicating
// rejections are reported to the auth-failure handler before the caller sees
// the error.
func (g *Gateway) Request(ctx context.Context, kind ResourceKind, method, accountID, path string, body any) (json.RawMessage, error) {
	base, token, err := g.resolve(kind, accountID)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	limiter, onAuthFailure := g.limiter, g.onAuthFailure
	g.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := g.http.R().
		SetContext(ctx).
		SetHeader("x-tr-request-id", uuid.NewString())
	if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	url := base + "/" + strings.TrimPrefix(path, "/")
	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		var payload remoteBody
		_ = json.Unmarshal(resp.Body(), &payload)
		remoteErr := &domain.RemoteError{
			Status:  resp.StatusCode(),
			Code:    payload.Code,
			Message: payload.Message,
		}
		if remoteErr.IndicatesExpiredToken() && onAuthFailure != nil {
			onAuthFailure(remoteErr.Status, remoteErr.Code)
		}
		g.log.Debug("request rejected", "method", method, "path", path, "status", remoteErr.Status, "code", remoteErr.Code)
		return nil, remoteErr
	}

	return json.RawMessage(resp.Body()), nil
}

// resolve picks the base URL and token for a request. Apps and brokers calls
// go to the OAuth host and may run unauthenticated (that is how tokens are
// obtained in the first place); everything else requires a session.
func (g *Gateway) resolve(kind ResourceKind, accountID string) (base, token string, err error) {
	accessToken, authEndpoint, ok := g.sess.Token()

	if kind == KindApps || kind == KindBrokers {
		return withScheme(g.oauthHost), accessToken, nil
	}
	if !ok {
		return "", "", domain.ErrAuthenticationRequired
	}
	if accountID == "" {
		return strings.TrimSuffix(authEndpoint, "/"), accessToken, nil
	}
	endpoint, found := g.sess.AccountEndpoint(accountID)
	if !found {
		return "", "", &domain.InvalidArgumentError{Field: "accountID", Reason: "unknown account " + accountID}
	}
	return strings.TrimSuffix(endpoint, "/"), accessToken, nil
}

func withScheme(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host
}
