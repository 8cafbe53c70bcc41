package authhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/pghatch/pghatch-go/internal/metrics"
	"github.com/pghatch/pghatch-go/internal/util"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// Result is the outcome of a role-resolution attempt.
type Result struct {
	Role    string
	Claims  map[string]any
	Allowed bool
}

// Hook resolves the PostgreSQL role a request should run as. Hooks run in
// order; the first one that reports Allowed wins.
type Hook func(ctx context.Context) (Result, error)

// FromOIDC reads the configured role claim out of the introspected OIDC
// token stored by VerifyBearer.
func FromOIDC(roleClaimKey string) Hook {
	return func(ctx context.Context) (Result, error) {
		user, ok := ctx.Value(httputil.OIDCUserCtxKey).(*oidc.IntrospectionResponse)
		if !ok || user == nil {
			return Result{}, nil
		}
		claim, err := util.Jq(user.Claims, roleClaimKey)
		if err != nil {
			return Result{}, nil
		}
		role, ok := claim.(string)
		if !ok || role == "" {
			return Result{}, nil
		}
		return Result{Role: role, Claims: user.Claims, Allowed: true}, nil
	}
}

// FromBasicAuth uses the authenticated Basic Auth username as the role
// name directly, matching the convention that each application user is
// also a PostgreSQL role.
func FromBasicAuth() Hook {
	return func(ctx context.Context) (Result, error) {
		user, ok := ctx.Value(httputil.BasicAuthCtxKey).(string)
		if !ok || user == "" {
			return Result{}, nil
		}
		return Result{Role: user, Claims: map[string]any{"sub": user}, Allowed: true}, nil
	}
}

// FromAnonymous resolves the configured anonymous role, or nothing when
// anonRole is empty. It
// should be the last hook in the chain so authenticated hooks take
// precedence when present.
func FromAnonymous(anonRole string) Hook {
	return func(context.Context) (Result, error) {
		if anonRole == "" {
			return Result{}, nil
		}
		return Result{Role: anonRole, Claims: map[string]any{"sub": "anon"}, Allowed: true}, nil
	}
}

// Middleware runs hooks in order and, for the first one that resolves a
// role, acquires a pooled connection and sets its session role and JWT
// claims to match, following the SET ROLE / request.jwt.claims convention
// PostgREST-compatible row-level security policies expect. The connection
// is released once the request completes.
//
// With no hooks configured at all — no OIDC issuer, no Basic Auth table, no
// anonymous role — this deployment hasn't opted into any authz decision, so
// every request is let through on the pool's default role rather than
// rejected: the resolvers' own checkPrivilege sees no role in context and
// skips its ACL check too, matching "no authz decision by default".
func Middleware(pool *pgxpool.Pool, hooks ...Hook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var result Result
			if len(hooks) > 0 {
				for _, hook := range hooks {
					res, err := hook(ctx)
					if err != nil {
						http.Error(w, "authorization error", http.StatusInternalServerError)
						return
					}
					if res.Allowed {
						result = res
						break
					}
				}

				if !result.Allowed {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}

			conn, err := pool.Acquire(ctx)
			if err != nil {
				metrics.PoolExhaustedTotal.Inc()
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			defer conn.Release()

			if result.Allowed {
				if err := setSessionRole(ctx, conn, result.Role, result.Claims); err != nil {
					http.Error(w, "failed to set session role", http.StatusInternalServerError)
					return
				}
				ctx = context.WithValue(ctx, httputil.PgRoleCtxKey, result.Role)
			}

			ctx = context.WithValue(ctx, httputil.PgConnCtxKey, conn)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// setSessionRole issues SET ROLE and SET request.jwt.claims against conn.
// The role identifier is sanitized via pgx.Identifier rather than
// interpolated directly, since it ultimately comes from a client-supplied
// token or Basic Auth username.
func setSessionRole(ctx context.Context, conn *pgxpool.Conn, role string, claims map[string]any) error {
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("authhook: marshal claims: %w", err)
	}

	quotedRole := pgx.Identifier{role}.Sanitize()
	escapedClaims := strings.ReplaceAll(string(claimsJSON), "'", "''")

	_, err = conn.Exec(ctx, fmt.Sprintf(
		"set role %s; set request.jwt.claims to '%s'",
		quotedRole, escapedClaims,
	))
	if err != nil {
		return fmt.Errorf("authhook: set session role %q: %w", role, err)
	}
	return nil
}
