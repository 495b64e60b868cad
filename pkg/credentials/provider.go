// Package credentials provides bearer-token acquisition for the remote
// backends (GQL, KQL). Tokens are cached per scope until shortly before
// expiry; long-running operations re-acquire between retries via Invalidate.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Provider issues bearer tokens for a scope. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Token returns a valid bearer token for scope, fetching if the cached
	// one is missing or near expiry.
	Token(ctx context.Context, scope string) (string, error)

	// Invalidate drops the cached token for scope so the next Token call
	// fetches a fresh one. Called between retries on 401/429.
	Invalidate(scope string)
}

// cachedToken is one scope's token plus its expiry.
type cachedToken struct {
	value   string
	expires time.Time
}

// expiryMargin refreshes tokens this long before their reported expiry.
const expiryMargin = 5 * time.Minute

// ClientCredentials acquires tokens via the OAuth2 client-credentials flow.
// The mutex is held across the token fetch: concurrent callers for the same
// scope wait for one fetch instead of stampeding the token endpoint.
type ClientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewClientCredentials creates a provider against tokenURL.
func NewClientCredentials(tokenURL, clientID, clientSecret string) *ClientCredentials {
	return &ClientCredentials{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		cache:        make(map[string]cachedToken),
	}
}

func (p *ClientCredentials) Token(ctx context.Context, scope string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.cache[scope]; ok && time.Now().Before(tok.expires.Add(-expiryMargin)) {
		return tok.value, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"scope":         {scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token acquisition failed: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response contained no access_token")
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	p.cache[scope] = cachedToken{value: body.AccessToken, expires: time.Now().Add(expiresIn)}
	return body.AccessToken, nil
}

func (p *ClientCredentials) Invalidate(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, scope)
}

// Static returns the same token for every scope. Used in tests and when a
// pre-issued token is supplied via the environment.
type Static struct {
	Value string
}

func (s Static) Token(context.Context, string) (string, error) {
	if s.Value == "" {
		return "", fmt.Errorf("no credential configured")
	}
	return s.Value, nil
}

func (Static) Invalidate(string) {}

var (
	defaultOnce     sync.Once
	defaultProvider Provider
)

// Default returns the process-wide provider, constructed lazily on first use
// inside the request path (never at init). Selection:
//   - SLEUTH_BEARER_TOKEN set → Static
//   - SLEUTH_TOKEN_URL + SLEUTH_CLIENT_ID + SLEUTH_CLIENT_SECRET → ClientCredentials
//   - otherwise → Static with no value (requests fail with a clear auth error)
func Default() Provider {
	defaultOnce.Do(func() {
		if tok := os.Getenv("SLEUTH_BEARER_TOKEN"); tok != "" {
			defaultProvider = Static{Value: tok}
			return
		}
		tokenURL := os.Getenv("SLEUTH_TOKEN_URL")
		clientID := os.Getenv("SLEUTH_CLIENT_ID")
		clientSecret := os.Getenv("SLEUTH_CLIENT_SECRET")
		if tokenURL != "" && clientID != "" {
			defaultProvider = NewClientCredentials(tokenURL, clientID, clientSecret)
			return
		}
		defaultProvider = Static{}
	})
	return defaultProvider
}
