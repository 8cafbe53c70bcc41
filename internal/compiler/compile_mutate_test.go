package compiler

import (
	"testing"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileInsert_MissingRequiredFieldFails(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	_, err := CompileInsert(rel, []map[string]any{{"id": 1}})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestCompileInsert_SingleRow(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	stmt, err := CompileInsert(rel, []map[string]any{{"id": 1, "email": "a@example.com"}})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "insert into")
	assert.Contains(t, stmt.SQL, "returning *")
	assert.Len(t, stmt.Args, 2)
}

func TestCompileInsert_BatchOfFullRows(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.orders")

	stmt, err := CompileInsert(rel, []map[string]any{
		{"id": 1, "user_id": 1, "total": 10},
		{"id": 2, "user_id": 1, "total": 20},
	})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "values")
}

func TestCompileUpdate_FullUniqueConstraintKeyAccepted(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	_, err := CompileUpdate(rel, map[string]any{"email": "x@example.com"}, map[string]any{"email": "y@example.com"})
	require.NoError(t, err) // email is a full unique constraint, so this is a valid key shape
}

func TestCompileUpdate_PartialKeyFails(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.orders")

	_, err := CompileUpdate(rel, map[string]any{"user_id": 1}, map[string]any{"total": 5})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestCompileUpdate_Valid(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	stmt, err := CompileUpdate(rel, map[string]any{"id": 1}, map[string]any{"email": "new@example.com"})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "update")
	assert.Contains(t, stmt.SQL, "set")
	assert.Contains(t, stmt.SQL, "where")
	assert.Equal(t, []any{"new@example.com", 1}, stmt.Args)
}

func TestCompileDelete_Valid(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	stmt, err := CompileDelete(rel, map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "delete from")
	assert.Equal(t, []any{1}, stmt.Args)
}

func TestCompileDelete_SupersetKeyFails(t *testing.T) {
	model := testModel()
	rel, _ := model.Relation("public.users")

	_, err := CompileDelete(rel, map[string]any{"id": 1, "email": "a@example.com"})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestMatchKeyShape_NoMatch(t *testing.T) {
	rel := &schema.Relation{
		Name: "widgets", Namespace: "public",
		Attributes:  []schema.Attribute{{Name: "a"}, {Name: "b"}},
		Constraints: []schema.Constraint{{Kind: schema.ConstraintPrimaryKey, Columns: []string{"a"}}},
	}
	_, err := matchKeyShape(rel, map[string]any{"b": 1})
	require.Error(t, err)
}
