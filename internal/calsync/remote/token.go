package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// GraphScope requests the application permissions granted to the app.
const GraphScope = "https://graph.microsoft.com/.default"

// TokenProvider yields a bearer token for the remote API.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

type TokenConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the tenant's v2.0 endpoint.
	TokenURL string
}

func (c TokenConfig) endpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// OAuthTokens acquires app-only tokens with the client credentials grant and
// refuses to hand out a token that has already expired.
type OAuthTokens struct {
	src oauth2.TokenSource
	now func() time.Time
}

// NewTokenSource builds OAuthTokens. hc is used for the token endpoint; nil
// means http.DefaultClient.
func NewTokenSource(cfg TokenConfig, hc *http.Client) *OAuthTokens {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.endpoint(),
		Scopes:       []string{GraphScope},
	}
	ctx := context.Background()
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	return &OAuthTokens{src: cc.TokenSource(ctx), now: time.Now}
}

func (o *OAuthTokens) Token(ctx context.Context) (string, error) {
	t, err := o.src.Token()
	if err != nil {
		return "", fmt.Errorf("%w: acquire token: %v", common.ErrAuth, err)
	}
	if err := checkToken(t.AccessToken, o.now()); err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// checkToken reads the exp claim without verifying the signature. Tokens
// that are not JWTs are passed through.
func checkToken(raw string, now time.Time) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty access token", common.ErrAuth)
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: %w at %s", common.ErrAuth, common.ErrTokenExpired,
			claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
