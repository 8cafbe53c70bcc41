package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pghatch/pghatch-go/internal/compiler"
	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/pghatch/pghatch-go/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// withConn attaches conn the way authhook.Middleware would, so the
// resolver's httputil.PgConn(r) lookup succeeds outside the real middleware
// chain.
func withConn(r *http.Request, conn *pgxpool.Conn) *http.Request {
	ctx := context.WithValue(r.Context(), httputil.PgConnCtxKey, conn)
	return r.WithContext(ctx)
}

func setupRelationResolver(t *testing.T, table, ddl string) (*RelationResolver, *pgxpool.Pool) {
	ctx := context.Background()
	connString := pgtest.ParseConfig(t).ConnString()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "drop table if exists "+table+" cascade; "+ddl)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "drop table if exists "+table+" cascade")
	})

	model, err := schema.Introspect(ctx, pool, schema.Options{IncludedNamespaces: []string{"public"}})
	require.NoError(t, err)

	rel, ok := model.Relation("public." + table)
	require.True(t, ok, "expected public.%s to be introspected", table)

	return newRelationResolver(rel, model, compiler.Options{DefaultLimit: 50, MaxLimit: 500}), pool
}

func TestRelationResolver_CreateListUpdateDelete(t *testing.T) {
	resolver, pool := setupRelationResolver(t, "resolver_test_items",
		`create table resolver_test_items (id serial primary key, name text not null, qty int not null default 0)`)

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	// Create via PUT.
	createBody, _ := json.Marshal(map[string]any{"name": "widget", "qty": 3})
	req := withConn(httptest.NewRequest(http.MethodPut, "/public/resolver_test_items", bytes.NewReader(createBody)), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "widget", created["name"])
	id := created["id"]

	// List via GET.
	req = withConn(httptest.NewRequest(http.MethodGet, "/public/resolver_test_items?name=widget", nil), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var listed listEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Results, 1)
	require.Equal(t, float64(3), listed.Results[0]["qty"])

	// Update via POST with a "key".
	updateBody, _ := json.Marshal(map[string]any{"key": map[string]any{"values": map[string]any{"id": id}}, "data": map[string]any{"qty": 9}})
	req = withConn(httptest.NewRequest(http.MethodPost, "/public/resolver_test_items", bytes.NewReader(updateBody)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, float64(9), updated["qty"])

	// Delete.
	deleteBody, _ := json.Marshal(map[string]any{"values": map[string]any{"id": id}})
	req = withConn(httptest.NewRequest(http.MethodDelete, "/public/resolver_test_items", bytes.NewReader(deleteBody)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var deleted deleteEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	require.Equal(t, 1, deleted.Deleted)

	// Second delete of the same key is a 404, not a silent no-op.
	req = withConn(httptest.NewRequest(http.MethodDelete, "/public/resolver_test_items", bytes.NewReader(deleteBody)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelationResolver_ListPaginationCursor(t *testing.T) {
	resolver, pool := setupRelationResolver(t, "resolver_test_cursor",
		`create table resolver_test_cursor (id serial primary key, label text not null)`)

	ctx := context.Background()
	_, err := pool.Exec(ctx, `insert into resolver_test_cursor (label) values ('a'), ('b'), ('c')`)
	require.NoError(t, err)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	req := withConn(httptest.NewRequest(http.MethodGet, "/public/resolver_test_cursor?limit=2", nil), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page1 listEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page1))
	require.Len(t, page1.Results, 2)
	require.True(t, page1.Pagination.HasMore)
	require.NotEmpty(t, page1.Pagination.NextCursor)

	req = withConn(httptest.NewRequest(http.MethodGet, "/public/resolver_test_cursor?limit=2&cursor="+page1.Pagination.NextCursor, nil), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page2 listEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page2))
	require.Len(t, page2.Results, 1)
	require.False(t, page2.Pagination.HasMore)
	require.Empty(t, page2.Pagination.NextCursor)

	// A malformed cursor is ignored, not rejected, and falls back to offset=0.
	req = withConn(httptest.NewRequest(http.MethodGet, "/public/resolver_test_cursor?limit=2&cursor=not-a-cursor", nil), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fallback listEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fallback))
	require.Len(t, fallback.Results, 2)
}

func TestRelationResolver_NoAttachedConnection(t *testing.T) {
	resolver, _ := setupRelationResolver(t, "resolver_test_noconn",
		`create table resolver_test_noconn (id serial primary key)`)

	req := httptest.NewRequest(http.MethodGet, "/public/resolver_test_noconn", nil)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// withRole attaches role the way authhook.Middleware would after a hook
// resolves one, so checkPrivilege sees a non-empty role without going
// through the real auth chain.
func withRole(r *http.Request, role string) *http.Request {
	ctx := context.WithValue(r.Context(), httputil.PgRoleCtxKey, role)
	return r.WithContext(ctx)
}

func TestRelationResolver_PrivilegeDenied(t *testing.T) {
	resolver, pool := setupRelationResolver(t, "resolver_test_acl",
		`create table resolver_test_acl (id serial primary key, name text)`)
	resolver.rel.PrivACL = []string{"alice=arw/postgres"}

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	// bob has no grant at all and PUBLIC isn't listed, so every method is denied.
	req := withRole(withConn(httptest.NewRequest(http.MethodGet, "/public/resolver_test_acl", nil), conn), "bob")
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	// alice holds SELECT, so GET succeeds; she lacks DELETE.
	req = withRole(withConn(httptest.NewRequest(http.MethodGet, "/public/resolver_test_acl", nil), conn), "alice")
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	deleteBody, _ := json.Marshal(map[string]any{"values": map[string]any{"id": 1}})
	req = withRole(withConn(httptest.NewRequest(http.MethodDelete, "/public/resolver_test_acl", bytes.NewReader(deleteBody)), conn), "alice")
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

// TestRelationResolver_LiteralSpecBodies feeds the wire-exact request bodies
// from spec.md §8's S1/S3/S4 scenarios, not the shorthand shapes the other
// tests in this file use, so a drift between the compiler's JSON tags and
// the pinned wire contract (operator vs op, values vs key, …) is caught here.
func TestRelationResolver_LiteralSpecBodies(t *testing.T) {
	resolver, pool := setupRelationResolver(t, "resolver_test_users",
		`create table resolver_test_users (id int primary key, name text not null, age int not null)`)

	ctx := context.Background()
	_, err := pool.Exec(ctx, `insert into resolver_test_users (id, name, age) values (1,'Alice',30), (2,'Bob',25)`)
	require.NoError(t, err)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	// S1: POST with a comparison where clause.
	s1Body := []byte(`{"where":{"type":"comparison","field":"age","operator":"gt","value":27},"pagination":{"limit":10,"offset":0}}`)
	req := withConn(httptest.NewRequest(http.MethodPost, "/public/resolver_test_users", bytes.NewReader(s1Body)), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var s1 listEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s1))
	require.Len(t, s1.Results, 1)
	require.Equal(t, "Alice", s1.Results[0]["name"])
	require.False(t, s1.Pagination.HasMore)

	// S3: POST with a key-shaped UpdateRequest succeeds.
	s3Body := []byte(`{"key":{"values":{"id":1}},"data":{"age":41}}`)
	req = withConn(httptest.NewRequest(http.MethodPost, "/public/resolver_test_users", bytes.NewReader(s3Body)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var s3 map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s3))
	require.Equal(t, float64(41), s3["age"])

	// S3 continued: a non-key column (name isn't a declared unique key) 400s.
	s3BadBody := []byte(`{"key":{"values":{"name":"Alice"}},"data":{"age":42}}`)
	req = withConn(httptest.NewRequest(http.MethodPost, "/public/resolver_test_users", bytes.NewReader(s3BadBody)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// S4: DELETE with a values-shaped PrimaryKeyRequest.
	s4Body := []byte(`{"values":{"id":2}}`)
	req = withConn(httptest.NewRequest(http.MethodDelete, "/public/resolver_test_users", bytes.NewReader(s4Body)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var s4 deleteEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s4))
	require.Equal(t, 1, s4.Deleted)

	// Repeating the same delete 404s.
	req = withConn(httptest.NewRequest(http.MethodDelete, "/public/resolver_test_users", bytes.NewReader(s4Body)), conn)
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestRelationResolver_NestedSelectLiteralSpecBody mirrors spec.md §8's S6:
// a nested SelectClause keyed by relation alias, not an array of fields.
func TestRelationResolver_NestedSelectLiteralSpecBody(t *testing.T) {
	ctx := context.Background()
	connString := pgtest.ParseConfig(t).ConnString()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		drop table if exists resolver_test_orders cascade;
		drop table if exists resolver_test_s6_users cascade;
		create table resolver_test_s6_users (id int primary key, name text not null);
		create table resolver_test_orders (id int primary key, user_id int not null references resolver_test_s6_users(id), total int not null);
		insert into resolver_test_s6_users (id, name) values (1, 'Alice');
		insert into resolver_test_orders (id, user_id, total) values (10, 1, 99), (11, 1, 5);
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `drop table if exists resolver_test_orders cascade; drop table if exists resolver_test_s6_users cascade`)
	})

	model, err := schema.Introspect(ctx, pool, schema.Options{IncludedNamespaces: []string{"public"}})
	require.NoError(t, err)
	rel, ok := model.Relation("public.resolver_test_s6_users")
	require.True(t, ok)
	resolver := newRelationResolver(rel, model, compiler.Options{DefaultLimit: 50, MaxLimit: 500})

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	body := []byte(`{"select":{"fields":["id"],"resolver_test_orders":{"fields":["id","total"]}}}`)
	req := withConn(httptest.NewRequest(http.MethodPost, "/public/resolver_test_s6_users", bytes.NewReader(body)), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env listEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Results, 1)
	orders, ok := env.Results[0]["resolver_test_orders"].([]any)
	require.True(t, ok, "expected a nested orders array, got %#v", env.Results[0]["resolver_test_orders"])
	require.Len(t, orders, 2)
}

func TestRelationResolver_MethodNotAllowed(t *testing.T) {
	resolver, pool := setupRelationResolver(t, "resolver_test_patch",
		`create table resolver_test_patch (id serial primary key)`)

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	req := withConn(httptest.NewRequest(http.MethodPatch, "/public/resolver_test_patch", nil), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
