// Package authhook consolidates the request-authorization concerns that
// decide which PostgreSQL role a request runs as: OIDC bearer tokens,
// HTTP Basic credentials, and the configured anonymous role.
package authhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// OIDCConfig is the resource-server configuration needed to introspect
// bearer tokens against an OIDC issuer.
type OIDCConfig struct {
	ClientID     string
	ClientSecret string
	Issuer       string
	RoleClaimKey string
}

// OIDCProvider wraps a zitadel/oidc resource server used for token
// introspection. It is safe for concurrent use.
type OIDCProvider struct {
	resourceServer rs.ResourceServer
	config         OIDCConfig
}

// NewOIDCProvider builds a resource server client for cfg.Issuer. It
// returns an error rather than panicking so callers can decide whether a
// misconfigured issuer should block startup.
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Issuer == "" {
		return nil, fmt.Errorf("authhook: oidc requires clientID, clientSecret and issuer")
	}

	server, err := rs.NewResourceServerClientCredentials(context.Background(), cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("authhook: init oidc resource server: %w", err)
	}

	return &OIDCProvider{resourceServer: server, config: cfg}, nil
}

// Introspect verifies a bearer token against the issuer and returns the
// introspection response if the token is active.
func (p *OIDCProvider) Introspect(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
	resp, err := rs.Introspect[*oidc.IntrospectionResponse](ctx, p.resourceServer, token)
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.Active {
		return nil, fmt.Errorf("authhook: token inactive")
	}
	return resp, nil
}

// VerifyBearer is middleware that introspects the Authorization header's
// bearer token and stores the result under httputil.OIDCUserCtxKey. A
// missing or non-bearer Authorization header is passed through unchanged
// so a later authorizer (Basic Auth, anonymous) gets a chance to run.
func VerifyBearer(provider *OIDCProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimSpace(authHeader[len("Bearer "):])
			user, err := provider.Introspect(r.Context(), token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), httputil.OIDCUserCtxKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
