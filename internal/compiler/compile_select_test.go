package compiler

import (
	"testing"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() *schema.Model {
	registry := schema.NewTypeRegistry()
	registry.Register(&schema.TypeDescriptor{OID: 23, Name: "int4", Category: schema.CategoryInteger})
	registry.Register(&schema.TypeDescriptor{OID: 25, Name: "text", Category: schema.CategoryText})

	orders := schema.Relation{
		OID: 2, Namespace: "public", Name: "orders", Kind: schema.RelOrdinary,
		Attributes: []schema.Attribute{
			{Name: "id", TypeOID: 23, NotNull: true},
			{Name: "user_id", TypeOID: 23, NotNull: true},
			{Name: "total", TypeOID: 23, NotNull: true},
		},
		Constraints: []schema.Constraint{
			{Name: "orders_pkey", Kind: schema.ConstraintPrimaryKey, Columns: []string{"id"}},
			{Name: "orders_user_id_fkey", Kind: schema.ConstraintForeignKey, Columns: []string{"user_id"}, RefRelation: "public.users", RefColumns: []string{"id"}},
		},
	}
	users := schema.Relation{
		OID: 1, Namespace: "public", Name: "users", Kind: schema.RelOrdinary,
		Attributes: []schema.Attribute{
			{Name: "id", TypeOID: 23, NotNull: true},
			{Name: "email", TypeOID: 25, NotNull: true},
		},
		Constraints: []schema.Constraint{
			{Name: "users_pkey", Kind: schema.ConstraintPrimaryKey, Columns: []string{"id"}},
			{Name: "users_email_key", Kind: schema.ConstraintUnique, Columns: []string{"email"}},
		},
	}

	return &schema.Model{Relations: []schema.Relation{users, orders}, Types: registry}
}

func TestCompileQuery_DefaultSelectAllColumns(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	stmt, err := CompileQuery(rel, FilterDocument{}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `"id"`)
	assert.Contains(t, stmt.SQL, `"email"`)
	assert.Contains(t, stmt.SQL, "count(*) over ()")
	assert.Equal(t, []any{50, 0}, stmt.Args)
}

func TestCompileQuery_UnknownFieldInSelect(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	_, err := CompileQuery(rel, FilterDocument{Select: &SelectClause{Fields: []string{"nope"}}}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestCompileQuery_WhereComparison(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	where := WhereClause{Comparison: &ComparisonCondition{Field: "email", Op: OpEq, Value: "a@example.com"}}
	stmt, err := CompileQuery(rel, FilterDocument{Where: &where}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `"email" = $1`)
	assert.Equal(t, "a@example.com", stmt.Args[0])
}

func TestCompileQuery_LikeOnNonTextFails(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	where := WhereClause{Comparison: &ComparisonCondition{Field: "id", Op: OpLike, Value: "1"}}
	_, err := CompileQuery(rel, FilterDocument{Where: &where}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestCompileQuery_LogicalAndOr(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	where := WhereClause{Logical: &LogicalCondition{
		Op: OpOr,
		Conditions: []WhereClause{
			{Comparison: &ComparisonCondition{Field: "id", Op: OpEq, Value: 1}},
			{Comparison: &ComparisonCondition{Field: "id", Op: OpEq, Value: 2}},
		},
	}}
	stmt, err := CompileQuery(rel, FilterDocument{Where: &where}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, " or ")
	assert.Equal(t, []any{1, 2, 50, 0}, stmt.Args)
}

func TestCompileQuery_LimitExceedsMax(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	limit := 9999
	_, err := CompileQuery(rel, FilterDocument{Pagination: &PaginationParams{Limit: &limit}}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestCompileQuery_CursorTakesPrecedenceOverOffset(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	cursor := EncodeCursor(75)
	stmt, err := CompileQuery(rel, FilterDocument{Pagination: &PaginationParams{Offset: 10, Cursor: &cursor}}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.Args, 75)
	assert.NotContains(t, stmt.Args, 10)
}

func TestCompileQuery_MalformedCursorFallsBackToOffset(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	bogus := "not-a-cursor"
	stmt, err := CompileQuery(rel, FilterDocument{Pagination: &PaginationParams{Offset: 10, Cursor: &bogus}}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.Args, 10)
}

func TestCompileQuery_NestedSelectReachableByFK(t *testing.T) {
	model := testModel()
	usersRel, _ := model.Relation("public.users")

	doc := FilterDocument{Select: &SelectClause{
		Fields: []string{"id"},
		Nested: map[string]SelectClause{
			"public.orders": {Fields: []string{"total"}},
		},
	}}
	stmt, err := CompileQuery(usersRel, doc, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "json_agg")
	assert.Contains(t, stmt.SQL, `t."user_id" = `)
}

func TestCompileQuery_NestedSelectUnreachableFails(t *testing.T) {
	model := testModel()
	usersRel, _ := model.Relation("public.users")

	doc := FilterDocument{Select: &SelectClause{
		Nested: map[string]SelectClause{"public.does_not_exist": {}},
	}}
	_, err := CompileQuery(usersRel, doc, model, Options{DefaultLimit: 50, MaxLimit: 500})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestCompileQuery_InOperatorRequiresArray(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	where := WhereClause{Comparison: &ComparisonCondition{Field: "id", Op: OpIn, Value: "not-an-array"}}
	_, err := CompileQuery(rel, FilterDocument{Where: &where}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.Error(t, err)
}

func TestCompileQuery_NotInOperator(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	where := WhereClause{Comparison: &ComparisonCondition{Field: "id", Op: OpNotIn, Value: []any{1, 2}}}
	stmt, err := CompileQuery(rel, FilterDocument{Where: &where}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `"id" <> all($1)`)
}

func TestCompileQuery_NotInOperatorRequiresArray(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	where := WhereClause{Comparison: &ComparisonCondition{Field: "id", Op: OpNotIn, Value: "not-an-array"}}
	_, err := CompileQuery(rel, FilterDocument{Where: &where}, model, Options{DefaultLimit: 50, MaxLimit: 500})
	require.Error(t, err)
}
