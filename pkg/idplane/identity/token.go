package identity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	// refreshSkew renews the service token this long before it expires.
	refreshSkew = 30 * time.Second
	// defaultTokenLifetime applies when the provider omits expires_in.
	defaultTokenLifetime = 60 * time.Second
	fetchTimeout         = 10 * time.Second
)

// tokenCache owns the service credential. Concurrent callers that find it
// stale share a single refresh.
type tokenCache struct {
	cfg    clientcredentials.Config
	http   *http.Client
	now    func() time.Time
	group  singleflight.Group
	mu     sync.Mutex
	token  *oauth2.Token
	expiry time.Time
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		http: httpClient,
		now:  time.Now,
	}
}

// Token returns a valid access token, fetching one when the cached token is
// missing or within refreshSkew of expiry.
func (c *tokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("service-token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}

		// The refresh is shared, so it must not die with the first caller.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		if c.http != nil {
			fetchCtx = context.WithValue(fetchCtx, oauth2.HTTPClient, c.http)
		}

		tok, err := c.cfg.Token(fetchCtx)
		if err != nil {
			return "", err
		}

		expiry := tok.Expiry
		if expiry.IsZero() {
			expiry = c.now().Add(defaultTokenLifetime)
		}

		c.mu.Lock()
		c.token = tok
		c.expiry = expiry
		c.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *tokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || c.now().Add(refreshSkew).After(c.expiry) {
		return "", false
	}
	return c.token.AccessToken, true
}
