package apperr

import (
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPgError_ClassMapping(t *testing.T) {
	cases := []struct {
		code string
		kind Kind
	}{
		{"23505", KindConflict},
		{"42703", KindValidation},
		{"08006", KindUnavailable},
		{"57014", KindUnavailable},
		{"XX000", KindInternal},
	}

	for _, tc := range cases {
		err := FromPgError(&pgconn.PgError{Code: tc.code, Message: "boom"})
		assert.Equal(t, tc.kind, err.Kind, "code %s", tc.code)
	}
}

func TestKindStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.Status())
	assert.Equal(t, http.StatusNotFound, KindNotFound.Status())
	assert.Equal(t, http.StatusConflict, KindConflict.Status())
	assert.Equal(t, http.StatusServiceUnavailable, KindUnavailable.Status())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.Status())
}

func TestClassify_WrapsPlainError(t *testing.T) {
	err := Classify(assertErr{"disk on fire"})
	require.NotNil(t, err)
	assert.Equal(t, KindInternal, err.Kind)
}

func TestClassify_PassesThroughAppError(t *testing.T) {
	orig := KeyShapeMismatch("public.users", []string{"name"})
	got := Classify(orig)
	assert.Same(t, orig, got)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
