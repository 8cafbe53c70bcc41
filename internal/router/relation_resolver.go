package router

import (
	"encoding/json"
	"net/http"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/compiler"
	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/pghatch/pghatch-go/internal/schema"
)

// RelationResolver is one mounted endpoint per relation, dispatching the
// GET/POST/PUT/DELETE method table of §4.D. Every query it issues runs
// against the connection authhook.Middleware already SET ROLE'd for the
// request, never against the bare pool, so row-level security sees the
// caller's resolved role.
type RelationResolver struct {
	rel   *schema.Relation
	model *schema.Model
	opts  compiler.Options
}

func newRelationResolver(rel *schema.Relation, model *schema.Model, opts compiler.Options) *RelationResolver {
	return &RelationResolver{rel: rel, model: model, opts: opts}
}

// methodPrivilege maps each REST verb to the Postgres privilege its SQL
// translation requires, per schema.Privilege's long-form names.
var methodPrivilege = map[string]string{
	http.MethodGet:    "SELECT",
	http.MethodPost:   "SELECT", // handlePost may resolve to an update; re-checked there
	http.MethodPut:    "INSERT",
	http.MethodDelete: "DELETE",
}

func (rr *RelationResolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := rr.checkPrivilege(r, methodPrivilege[r.Method]); err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rr.handleList(w, r)
	case http.MethodPost:
		rr.handlePost(w, r)
	case http.MethodPut:
		rr.handleCreate(w, r)
	case http.MethodDelete:
		rr.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// checkPrivilege consults the relation's decoded ACL (§5.B) against the role
// authhook.Middleware resolved for this request, before any SQL runs. A role
// the ACL names without the privilege, where PUBLIC doesn't cover it either,
// is rejected here with a clean 403 rather than surfacing whatever SQLSTATE
// 42501 Postgres would have returned for the same denial.
//
// An empty ACL is not evidence of "nobody may access this": relacl is NULL
// (decoded here as empty) whenever no explicit GRANT has ever been issued,
// which is the default for every relation and means "only the owner, plus
// whatever role membership/superuser status applies" — none of which this
// decoded-grantee-list check can evaluate. Rather than reject every request
// against the common case of an ungranted table, an empty ACL defers
// entirely to Postgres's own enforcement on the SET ROLE'd connection.
// Absent any configured auth hook (no role in context) every request still
// runs under the pool's default role and this check is skipped too,
// matching the no-authz-decision default.
func (rr *RelationResolver) checkPrivilege(r *http.Request, privilege string) error {
	if privilege == "" || len(rr.rel.PrivACL) == 0 {
		return nil
	}
	role, ok := httputil.PgRole(r)
	if !ok {
		return nil
	}
	if schema.Can(rr.rel.PrivACL, role, privilege) {
		return nil
	}
	return apperr.InsufficientPrivilege(role, privilege, rr.rel.QualifiedName())
}

// handleList serves GET: a list query built entirely from the query string.
func (rr *RelationResolver) handleList(w http.ResponseWriter, r *http.Request) {
	doc := parseListQueryString(r, rr.opts.DefaultLimit)
	rr.runList(w, r, doc)
}

// handlePost serves POST: the body disambiguates between a complex
// FilterDocument query and an UpdateRequest by the presence of "key".
func (rr *RelationResolver) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid request body"))
		return
	}

	if _, hasKey := probe["key"]; hasKey {
		rr.handleUpdate(w, r, body)
		return
	}

	var doc compiler.FilterDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid filter document"))
		return
	}
	rr.runList(w, r, doc)
}

func (rr *RelationResolver) runList(w http.ResponseWriter, r *http.Request, doc compiler.FilterDocument) {
	stmt, err := compiler.CompileQuery(rr.rel, doc, rr.model, rr.opts)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, ok := httputil.PgConn(r)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "no database connection attached to request"))
		return
	}

	rows, total, err := runQuery(r.Context(), conn, rr.model, stmt)
	if err != nil {
		writeError(w, apperr.Classify(err))
		return
	}

	limit := rr.opts.DefaultLimit
	offset := 0
	if doc.Pagination != nil {
		if doc.Pagination.Limit != nil {
			limit = *doc.Pagination.Limit
		}
		offset = doc.Pagination.Offset
		if doc.Pagination.Cursor != nil {
			if decoded, ok := compiler.DecodeCursor(*doc.Pagination.Cursor); ok {
				offset = decoded
			}
		}
	}

	hasMore := offset+len(rows) < total
	var nextCursor string
	if hasMore {
		nextCursor = compiler.EncodeCursor(offset + len(rows))
	}

	httputil.JSON(w, http.StatusOK, listEnvelope{
		Results: rows,
		Total:   total,
		Pagination: pageInfo{
			Limit: limit, Offset: offset, Total: total,
			HasMore: hasMore, NextCursor: nextCursor,
		},
	})
}

func (rr *RelationResolver) handleUpdate(w http.ResponseWriter, r *http.Request, body []byte) {
	if err := rr.checkPrivilege(r, "UPDATE"); err != nil {
		writeError(w, err)
		return
	}

	var req compiler.UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid update request"))
		return
	}

	stmt, err := compiler.CompileUpdate(rr.rel, req.Key.Values, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	rr.runMutation(w, r, stmt, http.StatusOK, singleRow)
}

func (rr *RelationResolver) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req compiler.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid create request"))
		return
	}

	stmt, err := compiler.CompileInsert(rr.rel, req.Rows)
	if err != nil {
		writeError(w, err)
		return
	}

	shape := singleRow
	if len(req.Rows) > 1 {
		shape = rowArray
	}
	rr.runMutation(w, r, stmt, http.StatusCreated, shape)
}

func (rr *RelationResolver) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req compiler.PrimaryKeyRequest
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid delete request"))
		return
	}

	stmt, err := compiler.CompileDelete(rr.rel, req.Values)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, ok := httputil.PgConn(r)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "no database connection attached to request"))
		return
	}

	rows, _, err := runQuery(r.Context(), conn, rr.model, stmt)
	if err != nil {
		writeError(w, apperr.Classify(err))
		return
	}
	if len(rows) == 0 {
		writeError(w, apperr.NotFound(rr.rel.QualifiedName()))
		return
	}

	httputil.JSON(w, http.StatusOK, deleteEnvelope{Deleted: len(rows), Message: "deleted"})
}

type resultShape int

const (
	singleRow resultShape = iota
	rowArray
)

// runMutation executes stmt inside its own transaction on the request's
// SET ROLE'd connection, so an application error rolls back cleanly
// without touching any other request sharing the pool (§4.D).
func (rr *RelationResolver) runMutation(w http.ResponseWriter, r *http.Request, stmt *compiler.CompiledStatement, status int, shape resultShape) {
	conn, ok := httputil.PgConn(r)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "no database connection attached to request"))
		return
	}

	ctx := r.Context()
	tx, err := conn.Begin(ctx)
	if err != nil {
		writeError(w, apperr.Classify(err))
		return
	}
	rows, _, err := runQuery(ctx, tx, rr.model, stmt)
	if err != nil {
		_ = tx.Rollback(ctx)
		writeError(w, apperr.Classify(err))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeError(w, apperr.Classify(err))
		return
	}

	if len(rows) == 0 {
		writeError(w, apperr.NotFound(rr.rel.QualifiedName()))
		return
	}

	switch shape {
	case rowArray:
		httputil.JSON(w, status, rows)
	default:
		httputil.JSON(w, status, rows[0])
	}
}
