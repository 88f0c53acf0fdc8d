package registration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"golang.org/x/oauth2"
)

const sessionTimeout = 10 * time.Second

// TokenResponse is returned by the token, refresh and exchange endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Sessions performs token grants for public clients against the realm.
type Sessions struct {
	tokenURL  string
	revokeURL string
	http      *http.Client
}

// NewSessions targets the OpenID Connect endpoints under issuerURL.
func NewSessions(issuerURL string, httpClient *http.Client) *Sessions {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: sessionTimeout}
	}
	base := strings.TrimRight(issuerURL, "/") + "/protocol/openid-connect"
	return &Sessions{tokenURL: base + "/token", revokeURL: base + "/revoke", http: httpClient}
}

func (s *Sessions) config(clientID, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (s *Sessions) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.http)
}

// Exchange redeems an authorization code with its PKCE verifier.
func (s *Sessions) Exchange(ctx context.Context, code, verifier, redirectURI, clientID string) (*TokenResponse, error) {
	started := time.Now()
	tok, err := s.config(clientID, redirectURI).Exchange(s.context(ctx), code, oauth2.VerifierOption(verifier))
	observeGrant("exchange_code", err, started)
	if err != nil {
		return nil, grantError(err, "Token exchange")
	}
	return toResponse(tok), nil
}

// Refresh trades a refresh token for a new token pair.
func (s *Sessions) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error) {
	started := time.Now()
	src := s.config(clientID, "").TokenSource(s.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	observeGrant("refresh_token", err, started)
	if err != nil {
		return nil, grantError(err, "Token refresh")
	}
	return toResponse(tok), nil
}

// Revoke invalidates a refresh token and the session behind it.
func (s *Sessions) Revoke(ctx context.Context, refreshToken, clientID string) error {
	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		metrics.ObserveExternal("keycloak", "revoke_token", 0, started)
		return apperr.Unavailable("keycloak", err)
	}
	defer resp.Body.Close()
	metrics.ObserveExternal("keycloak", "revoke_token", resp.StatusCode, started)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.FromStatus("keycloak", resp.StatusCode, string(body))
	}
	return nil
}

func toResponse(tok *oauth2.Token) *TokenResponse {
	expiresIn := tok.ExpiresIn
	if expiresIn == 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		TokenType:    tok.Type(),
	}
}

// grantError maps a rejected grant to Unauthorized and anything else to Unavailable.
func grantError(err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			msg := op + " rejected"
			if re.ErrorDescription != "" {
				msg += ": " + re.ErrorDescription
			}
			return &apperr.Error{Kind: apperr.KindUnauthorized, Message: msg, Err: err}
		}
		return apperr.FromStatus("keycloak", re.Response.StatusCode, string(re.Body))
	}
	return apperr.Unavailable("keycloak", err)
}

func observeGrant(op string, err error, started time.Time) {
	status := http.StatusOK
	var re *oauth2.RetrieveError
	switch {
	case errors.As(err, &re) && re.Response != nil:
		status = re.Response.StatusCode
	case err != nil:
		status = 0
	}
	metrics.ObserveExternal("keycloak", op, status, started)
}
