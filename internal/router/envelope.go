package router

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/compiler"
	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// listEnvelope is the outbound shape for list responses (§4.H).
type listEnvelope struct {
	Results    []map[string]any `json:"results"`
	Total      int              `json:"total"`
	Pagination pageInfo         `json:"pagination"`
}

type pageInfo struct {
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	Total      int    `json:"total"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type deleteEnvelope struct {
	Deleted int    `json:"deleted"`
	Message string `json:"message"`
}

// writeError renders err (classified via apperr) as the {"error": {...}}
// envelope with the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	appErr := apperr.Classify(err)
	httputil.JSON(w, appErr.Kind.Status(), appErr.ToEnvelope())
}

// pgInt8OID is the well-known OID of int8, used to decode the
// count(*) over () window column CompileQuery appends to every list query.
const pgInt8OID = 20

// querier is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx alike,
// so a resolver can run its compiled statement against the request's
// SET ROLE'd connection directly, or against a transaction opened on it.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// runQuery executes stmt against q and decodes rows into plain JSON-able
// maps keyed by the compiled column names. When stmt.HasTotal, the final
// projected column is the window-function row count rather than data.
//
// Queries run in the simple protocol so RawValues() are always text-format
// bytes, matching the TypeRegistry.Decode contract.
func runQuery(ctx context.Context, q querier, model *schema.Model, stmt *compiler.CompiledStatement) ([]map[string]any, int, error) {
	rows, err := q.Query(ctx, stmt.SQL, append([]any{pgx.QueryExecModeSimpleProtocol}, stmt.Args...)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	// Callables returning a composite/table shape don't carry a static
	// Columns list (the shape is only known from the function's catalog
	// row type at call time), so fall back to the field descriptions pgx
	// negotiated for this result set.
	columns := stmt.Columns
	if len(columns) == 0 {
		for _, fd := range rows.FieldDescriptions() {
			columns = append(columns, compiler.ColumnSpec{Name: fd.Name, OID: fd.DataTypeOID})
		}
	}

	var out []map[string]any
	total := 0

	for rows.Next() {
		raw := rows.RawValues()
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			val, decodeErr := model.Types.Decode(col.OID, raw[i])
			if decodeErr != nil {
				return nil, 0, apperr.Wrap(apperr.KindInternal, decodeErr, "decode column "+col.Name)
			}
			row[col.Name] = val
		}
		if stmt.HasTotal && len(raw) > len(columns) {
			totalVal, decodeErr := model.Types.Decode(pgInt8OID, raw[len(raw)-1])
			if decodeErr == nil {
				if n, ok := totalVal.(int64); ok {
					total = int(n)
				}
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

var _ querier = (*pgxpool.Pool)(nil)

// parseListQueryString turns GET query-string parameters into a trivial
// FilterDocument (§4.D: "Simple list with limit/offset/select_fields").
func parseListQueryString(r *http.Request, defaultLimit int) compiler.FilterDocument {
	q := r.URL.Query()
	doc := compiler.FilterDocument{}

	if sel := q.Get("select_fields"); sel != "" {
		var fields []string
		for _, name := range strings.Split(sel, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				fields = append(fields, name)
			}
		}
		if len(fields) > 0 {
			doc.Select = &compiler.SelectClause{Fields: fields}
		}
	}

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	pagination := &compiler.PaginationParams{Limit: &limit, Offset: offset}
	if v := q.Get("cursor"); v != "" {
		pagination.Cursor = &v
	}
	doc.Pagination = pagination

	var conditions []compiler.WhereClause
	for key, values := range q {
		if key == "select_fields" || key == "limit" || key == "offset" || key == "cursor" || len(values) == 0 {
			continue
		}
		conditions = append(conditions, compiler.WhereClause{
			Comparison: &compiler.ComparisonCondition{Field: key, Op: compiler.OpEq, Value: values[0]},
		})
	}
	if len(conditions) == 1 {
		doc.Where = &conditions[0]
	} else if len(conditions) > 1 {
		doc.Where = &compiler.WhereClause{Logical: &compiler.LogicalCondition{Op: compiler.OpAnd, Conditions: conditions}}
	}

	return doc
}

// readBody fully reads the request body, returning an apperr-classified
// validation error on failure.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "reading request body")
	}
	return body, nil
}
