package authhook

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pghatch/pghatch-go/internal/httpx"
)

// BasicAuthTable holds the static username/password pairs configured for
// the gateway when no OIDC issuer is in use.
type BasicAuthTable struct {
	credentials map[string]string
}

// NewBasicAuthTable builds a BasicAuthTable from a username->password map.
func NewBasicAuthTable(credentials map[string]string) *BasicAuthTable {
	return &BasicAuthTable{credentials: credentials}
}

// Verify reports whether username/password match a configured entry, using
// a constant-time comparison so timing does not reveal where the password
// first differs. A length mismatch returns early, so length is not hidden.
func (t *BasicAuthTable) Verify(username, password string) bool {
	want, ok := t.credentials[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// VerifyBasic is middleware that checks HTTP Basic credentials against
// table and stores the username under httputil.BasicAuthCtxKey. A missing
// or non-Basic Authorization header is passed through unchanged.
func VerifyBasic(table *BasicAuthTable) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Basic ") {
				next.ServeHTTP(w, r)
				return
			}

			decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
			if err != nil {
				http.Error(w, "invalid basic auth encoding", http.StatusUnauthorized)
				return
			}

			username, password, ok := strings.Cut(string(decoded), ":")
			if !ok || !table.Verify(username, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="pghatch"`)
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
