package router

import (
	"encoding/json"
	"net/http"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/compiler"
	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/pghatch/pghatch-go/internal/schema"
)

// CallableResolver is one mounted endpoint per function/procedure (§4.E).
// Only POST is accepted; volatility decides whether the call runs inside
// its own transaction. Like RelationResolver, every query runs against the
// request's SET ROLE'd connection, never the bare pool.
type CallableResolver struct {
	callable *schema.Callable
	model    *schema.Model
}

func newCallableResolver(callable *schema.Callable, model *schema.Model) *CallableResolver {
	return &CallableResolver{callable: callable, model: model}
}

func (cr *CallableResolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty ACL means no explicit GRANT/REVOKE was ever issued on this
	// callable -- for functions Postgres's own default grants EXECUTE to
	// PUBLIC, which this decoded-grantee-list check has no record of, so it
	// defers to Postgres's own enforcement rather than reject every call.
	if role, ok := httputil.PgRole(r); ok && len(cr.callable.PrivACL) > 0 && !schema.Can(cr.callable.PrivACL, role, "EXECUTE") {
		writeError(w, apperr.InsufficientPrivilege(role, "EXECUTE", cr.callable.QualifiedName()))
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req compiler.CallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid call request"))
		return
	}

	stmt, err := compiler.CompileCall(cr.callable, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, ok := httputil.PgConn(r)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "no database connection attached to request"))
		return
	}
	ctx := r.Context()

	// stable/immutable callables may run directly on the connection;
	// volatile callables always get their own transaction (§4.E).
	if cr.callable.Volatility == schema.VolatilityVolatile {
		tx, err := conn.Begin(ctx)
		if err != nil {
			writeError(w, apperr.Classify(err))
			return
		}
		rows, total, err := runQuery(ctx, tx, cr.model, stmt)
		if err != nil {
			_ = tx.Rollback(ctx)
			writeError(w, apperr.Classify(err))
			return
		}
		if err := tx.Commit(ctx); err != nil {
			writeError(w, apperr.Classify(err))
			return
		}
		cr.writeResult(w, rows, total)
		return
	}

	rows, total, err := runQuery(ctx, conn, cr.model, stmt)
	if err != nil {
		writeError(w, apperr.Classify(err))
		return
	}
	cr.writeResult(w, rows, total)
}

func (cr *CallableResolver) writeResult(w http.ResponseWriter, rows []map[string]any, total int) {
	switch cr.callable.Return {
	case schema.ReturnVoid:
		httputil.JSON(w, http.StatusOK, map[string]any{"ok": true})
	case schema.ReturnScalar:
		if len(rows) == 0 {
			httputil.JSON(w, http.StatusOK, map[string]any{"result": nil})
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]any{"result": rows[0]["result"]})
	case schema.ReturnSetOfComposite, schema.ReturnTable:
		httputil.JSON(w, http.StatusOK, map[string]any{"results": rows, "total": total})
	default:
		if len(rows) == 1 {
			httputil.JSON(w, http.StatusOK, map[string]any{"result": rows[0]})
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]any{"results": rows, "total": total})
	}
}
