// Package apperr defines the error taxonomy shared by the compiler, schema,
// and router packages, and the HTTP status/envelope mapping for it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error into one of the buckets the HTTP layer maps to a
// status code.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindForbidden   Kind = "forbidden"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Error is the typed error value carried through the compiler, schema, and
// router packages. Message is safe to show to a client; Details is optional
// structured context (e.g. the offending field name).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with no details and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Wrap constructs an *Error carrying cause as its Unwrap() target.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// UnknownField reports a FilterDocument/select/where field that is not a
// declared attribute of the target relation.
func UnknownField(name string) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("unknown field %q", name)}).
		WithDetails(map[string]any{"field": name})
}

// UnknownRelation reports a nested select naming a relation unreachable by
// any foreign-key constraint from the current relation.
func UnknownRelation(name string) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("unknown relation %q", name)}).
		WithDetails(map[string]any{"relation": name})
}

// OperatorTypeMismatch reports an operator applied to a field whose type
// category it does not support (e.g. "like" on an integer column).
func OperatorTypeMismatch(field, operator string) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("operator %q is not valid for field %q", operator, field)}).
		WithDetails(map[string]any{"field": field, "operator": operator})
}

// LimitExceeded reports a requested pagination limit above the configured
// maximum.
func LimitExceeded(limit, max int) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("limit %d exceeds maximum %d", limit, max)}).
		WithDetails(map[string]any{"limit": limit, "max": max})
}

// KeyShapeMismatch reports an update/delete key that is not exactly the
// primary key attribute set or one complete unique-constraint attribute set.
func KeyShapeMismatch(relation string, keys []string) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("key %v does not match a declared key of %q", keys, relation)}).
		WithDetails(map[string]any{"relation": relation, "keys": keys})
}

// MissingField reports a create/insert row missing a non-nullable attribute
// with no default.
func MissingField(name string) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("missing required field %q", name)}).
		WithDetails(map[string]any{"field": name})
}

// MissingArgument reports a callable invocation missing a required argument.
func MissingArgument(name string) *Error {
	return (&Error{Kind: KindValidation, Message: fmt.Sprintf("missing required argument %q", name)}).
		WithDetails(map[string]any{"argument": name})
}

// NotFound reports a mutation target row that does not exist.
func NotFound(relation string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s: row not found", relation))
}

// PoolExhausted reports acquisition timing out against the connection pool.
func PoolExhausted() *Error {
	return New(KindUnavailable, "connection pool exhausted")
}

// InsufficientPrivilege reports that role lacks privilege on relation, per
// the ACL summary schema.ParseACL decodes from relacl/proacl — checked
// ahead of the query so a denial reads as a clean 403 rather than the
// generic validation error FromPgError would otherwise give 42501.
func InsufficientPrivilege(role, privilege, relation string) *Error {
	return (&Error{Kind: KindForbidden, Message: fmt.Sprintf("role %q lacks %s privilege on %q", role, privilege, relation)}).
		WithDetails(map[string]any{"role": role, "privilege": privilege, "relation": relation})
}

// Status maps a Kind to the HTTP status code it produces.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromPgError classifies a *pgconn.PgError by its SQLSTATE class (the first
// two characters of .Code) into the taxonomy's Kind, per the mapping table:
// class 23 (integrity constraint violation) -> Conflict, class 42 (syntax or
// access rule violation, e.g. 42501 insufficient_privilege surfaced despite
// the resolver's own ACL pre-check) -> Validation, class 08 (connection
// exception) and 57 (operator intervention, e.g. statement timeout) ->
// Unavailable, everything else -> Internal.
func FromPgError(pgErr *pgconn.PgError) *Error {
	class := ""
	if len(pgErr.Code) >= 2 {
		class = pgErr.Code[:2]
	}

	var kind Kind
	switch class {
	case "23":
		kind = KindConflict
	case "42":
		kind = KindValidation
	case "08":
		kind = KindUnavailable
	case "57":
		kind = KindUnavailable
	default:
		kind = KindInternal
	}

	return (&Error{Kind: kind, Message: pgErr.Message, cause: pgErr}).WithDetails(map[string]any{
		"sqlstate":   pgErr.Code,
		"constraint": pgErr.ConstraintName,
		"table":      pgErr.TableName,
		"column":     pgErr.ColumnName,
	})
}

// Classify converts an arbitrary error into *Error, classifying *pgconn.PgError
// values via FromPgError and defaulting everything else to Internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return FromPgError(pgErr)
	}
	return Wrap(KindInternal, err, "unclassified error")
}

// Envelope is the JSON shape of the {"error": {...}} response body, §7.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToEnvelope renders e into the user-visible wire shape.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Error: EnvelopeBody{Kind: e.Kind, Message: e.Message, Details: e.Details}}
}
