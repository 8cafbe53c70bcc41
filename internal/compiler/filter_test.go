package compiler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhereClause_UnmarshalComparison(t *testing.T) {
	var w WhereClause
	err := json.Unmarshal([]byte(`{"type":"comparison","field":"email","operator":"eq","value":"a@example.com"}`), &w)
	require.NoError(t, err)
	require.NotNil(t, w.Comparison)
	assert.Equal(t, "email", w.Comparison.Field)
	assert.Equal(t, OpEq, w.Comparison.Op)
}

func TestWhereClause_UnmarshalLogical(t *testing.T) {
	var w WhereClause
	err := json.Unmarshal([]byte(`{"type":"logical","operator":"and","conditions":[{"type":"comparison","field":"id","operator":"eq","value":1},{"type":"comparison","field":"active","operator":"eq","value":true}]}`), &w)
	require.NoError(t, err)
	require.NotNil(t, w.Logical)
	assert.Equal(t, OpAnd, w.Logical.Op)
	assert.Len(t, w.Logical.Conditions, 2)
}

func TestWhereClause_UnmarshalUnknownTypeFails(t *testing.T) {
	var w WhereClause
	err := json.Unmarshal([]byte(`{"field":"email","operator":"eq","value":"a@example.com"}`), &w)
	require.Error(t, err)
}

func TestSelectClause_UnmarshalFieldsAndNested(t *testing.T) {
	var sel SelectClause
	require.NoError(t, json.Unmarshal([]byte(`{"fields":["id"],"orders":{"fields":["id","total"]}}`), &sel))
	assert.Equal(t, []string{"id"}, sel.Fields)
	require.Contains(t, sel.Nested, "orders")
	assert.Equal(t, []string{"id", "total"}, sel.Nested["orders"].Fields)
}

func TestCreateRequest_AcceptsSingleObjectOrArray(t *testing.T) {
	var single CreateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"email":"a@example.com"}`), &single))
	assert.Len(t, single.Rows, 1)

	var many CreateRequest
	require.NoError(t, json.Unmarshal([]byte(`[{"email":"a@example.com"},{"email":"b@example.com"}]`), &many))
	assert.Len(t, many.Rows, 2)
}

func TestFilterDocument_FullRoundTripUnmarshal(t *testing.T) {
	raw := `{
		"select": {"fields": ["id", "email"]},
		"where": {"type": "comparison", "field": "id", "operator": "gt", "value": 10},
		"pagination": {"limit": 25, "offset": 5}
	}`
	var doc FilterDocument
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	require.NotNil(t, doc.Select)
	assert.Equal(t, []string{"id", "email"}, doc.Select.Fields)
	require.NotNil(t, doc.Where)
	require.NotNil(t, doc.Where.Comparison)
	assert.Equal(t, OpGt, doc.Where.Comparison.Op)
	require.NotNil(t, doc.Pagination)
	assert.Equal(t, 25, *doc.Pagination.Limit)
	assert.Equal(t, 5, doc.Pagination.Offset)
}
