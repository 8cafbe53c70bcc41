package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/pghatch/pghatch-go/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func setupCallableResolver(t *testing.T, fn, ddl, qualifiedName string) (*CallableResolver, *pgxpool.Pool) {
	ctx := context.Background()
	connString := pgtest.ParseConfig(t).ConnString()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "drop function if exists "+fn+" cascade; "+ddl)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "drop function if exists "+fn+" cascade")
	})

	model, err := schema.Introspect(ctx, pool, schema.Options{IncludedNamespaces: []string{"public"}})
	require.NoError(t, err)

	callable, ok := model.Callable(qualifiedName)
	require.True(t, ok, "expected %s to be introspected", qualifiedName)

	return newCallableResolver(callable, model), pool
}

func TestCallableResolver_ScalarFunction(t *testing.T) {
	resolver, pool := setupCallableResolver(t, "public.callable_test_double(int)",
		`create function callable_test_double(n int) returns int language sql immutable as $$ select n * 2 $$`,
		"public.callable_test_double")

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	body, _ := json.Marshal(map[string]any{"arguments": map[string]any{"n": 21}})
	req := withConn(httptest.NewRequest(http.MethodPost, "/public/callable_test_double", bytes.NewReader(body)), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, float64(42), out["result"])
}

func TestCallableResolver_SetOfComposite(t *testing.T) {
	pool := setupFixtureTable(t, "callable_test_rows", `create table callable_test_rows (id int primary key, label text not null)`)

	ctx := context.Background()
	_, err := pool.Exec(ctx, `insert into callable_test_rows values (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `drop function if exists callable_test_list_rows() cascade;
		create function callable_test_list_rows() returns setof callable_test_rows language sql stable as $$
			select * from callable_test_rows order by id
		$$`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `drop function if exists callable_test_list_rows() cascade`)
	})

	model, err := schema.Introspect(ctx, pool, schema.Options{IncludedNamespaces: []string{"public"}})
	require.NoError(t, err)
	callable, ok := model.Callable("public.callable_test_list_rows")
	require.True(t, ok)

	resolver := newCallableResolver(callable, model)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	req := withConn(httptest.NewRequest(http.MethodPost, "/public/callable_test_list_rows", bytes.NewReader([]byte(`{}`))), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Results []map[string]any `json:"results"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 2)
	require.Equal(t, "a", out.Results[0]["label"])
}

func TestCallableResolver_VolatileRunsInTransaction(t *testing.T) {
	pool := setupFixtureTable(t, "callable_test_counters", `create table callable_test_counters (id int primary key, value int not null)`)

	ctx := context.Background()
	_, err := pool.Exec(ctx, `insert into callable_test_counters values (1, 0)`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `drop function if exists callable_test_bump(int) cascade;
		create function callable_test_bump(delta int) returns void language sql volatile as $$
			update callable_test_counters set value = value + delta where id = 1
		$$`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `drop function if exists callable_test_bump(int) cascade`)
	})

	model, err := schema.Introspect(ctx, pool, schema.Options{IncludedNamespaces: []string{"public"}})
	require.NoError(t, err)
	callable, ok := model.Callable("public.callable_test_bump")
	require.True(t, ok)
	require.Equal(t, schema.VolatilityVolatile, callable.Volatility)

	resolver := newCallableResolver(callable, model)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	body, _ := json.Marshal(map[string]any{"arguments": map[string]any{"delta": 5}})
	req := withConn(httptest.NewRequest(http.MethodPost, "/public/callable_test_bump", bytes.NewReader(body)), conn)
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, true, out["ok"])

	var value int
	require.NoError(t, pool.QueryRow(ctx, `select value from callable_test_counters where id = 1`).Scan(&value))
	require.Equal(t, 5, value)
}

func TestCallableResolver_PrivilegeDenied(t *testing.T) {
	resolver, pool := setupCallableResolver(t, "public.callable_test_secret()",
		`create function callable_test_secret() returns int language sql immutable as $$ select 1 $$`,
		"public.callable_test_secret")
	resolver.callable.PrivACL = []string{"alice=X/postgres"}

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	req := withRole(withConn(httptest.NewRequest(http.MethodPost, "/public/callable_test_secret", bytes.NewReader([]byte(`{}`))), conn), "bob")
	rec := httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	req = withRole(withConn(httptest.NewRequest(http.MethodPost, "/public/callable_test_secret", bytes.NewReader([]byte(`{}`))), conn), "alice")
	rec = httptest.NewRecorder()
	resolver.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// setupFixtureTable is a lighter-weight helper than setupRelationResolver
// for callable tests that only need a backing table, not a resolver for it.
func setupFixtureTable(t *testing.T, table, ddl string) *pgxpool.Pool {
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

	return pool
}
