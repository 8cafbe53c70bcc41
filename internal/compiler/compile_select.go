package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/jackc/pgx/v5"
)

// Options carries the per-request tuning the compiler needs but the
// FilterDocument doesn't carry itself (§7: pagination.default_limit /
// pagination.max_limit).
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

// orderableCategories allows comparison ordering operators (lt/lte/gt/gte).
var orderableCategories = map[schema.Category]bool{
	schema.CategoryInteger: true, schema.CategoryFloating: true, schema.CategoryNumeric: true,
	schema.CategoryText: true, schema.CategoryDate: true, schema.CategoryTime: true,
	schema.CategoryTimestamp: true, schema.CategoryInterval: true,
}

// textCategories allows like/ilike.
var textCategories = map[schema.Category]bool{
	schema.CategoryText: true,
}

func checkOperatorType(attr *schema.Attribute, model *schema.Model, op ComparisonOperator) error {
	d := model.Types.Describe(attr.TypeOID, "")
	switch op {
	case OpEq, OpNeq, OpIn, OpNotIn, OpIsNull, OpIsNotNull:
		return nil
	case OpLt, OpLte, OpGt, OpGte:
		if !orderableCategories[d.Category] {
			return apperr.OperatorTypeMismatch(attr.Name, string(op))
		}
	case OpLike, OpILike:
		if !textCategories[d.Category] {
			return apperr.OperatorTypeMismatch(attr.Name, string(op))
		}
	default:
		return apperr.OperatorTypeMismatch(attr.Name, string(op))
	}
	return nil
}

// quoteIdent quotes a single identifier per PostgreSQL identifier rules.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// qualifiedTable quotes "namespace.name" as "namespace"."name".
func qualifiedTable(rel *schema.Relation) string {
	return pgx.Identifier{rel.Namespace, rel.Name}.Sanitize()
}

type argCounter struct {
	args []any
}

func (a *argCounter) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// CompileQuery translates a FilterDocument into a CompiledStatement
// (§4.C.1-6). model is needed to resolve nested-select FK reachability and
// to type-check operators against attribute categories.
func CompileQuery(rel *schema.Relation, doc FilterDocument, model *schema.Model, opts Options) (*CompiledStatement, error) {
	ac := &argCounter{}

	selectSQL, columns, err := compileSelectList(rel, doc.Select, model)
	if err != nil {
		return nil, err
	}

	whereSQL := ""
	if doc.Where != nil {
		frag, err := compileWhere(rel, model, *doc.Where, ac)
		if err != nil {
			return nil, err
		}
		whereSQL = " where " + frag
	}

	limit := opts.DefaultLimit
	offset := 0
	if doc.Pagination != nil {
		if doc.Pagination.Limit != nil {
			limit = *doc.Pagination.Limit
		}
		offset = doc.Pagination.Offset
		if doc.Pagination.Cursor != nil {
			if decoded, ok := DecodeCursor(*doc.Pagination.Cursor); ok {
				offset = decoded
			}
		}
	}
	if opts.MaxLimit > 0 && limit > opts.MaxLimit {
		return nil, apperr.LimitExceeded(limit, opts.MaxLimit)
	}

	limitPH := ac.add(limit)
	offsetPH := ac.add(offset)

	sql := fmt.Sprintf(
		"select %s, count(*) over () as __pghatch_total from %s%s order by %s limit %s offset %s",
		selectSQL, qualifiedTable(rel), whereSQL, orderByClause(rel), limitPH, offsetPH,
	)

	return &CompiledStatement{
		SQL: sql, Args: ac.args, Columns: columns, HasTotal: true,
	}, nil
}

// orderByClause orders by the primary key so pagination is stable across
// pages. Absent one, it orders by the first column only, which does not
// break ties between rows sharing that column's value.
func orderByClause(rel *schema.Relation) string {
	if pk := rel.PrimaryKey(); pk != nil && len(pk.Columns) > 0 {
		quoted := make([]string, len(pk.Columns))
		for i, c := range pk.Columns {
			quoted[i] = quoteIdent(c)
		}
		return strings.Join(quoted, ", ")
	}
	if len(rel.Attributes) == 0 {
		return "1"
	}
	return quoteIdent(rel.Attributes[0].Name)
}

func compileSelectList(rel *schema.Relation, sel *SelectClause, model *schema.Model) (string, []ColumnSpec, error) {
	if sel == nil || (len(sel.Fields) == 0 && len(sel.Nested) == 0) {
		cols := make([]string, 0, len(rel.Attributes))
		specs := make([]ColumnSpec, 0, len(rel.Attributes))
		for _, a := range rel.Attributes {
			cols = append(cols, quoteIdent(a.Name))
			specs = append(specs, ColumnSpec{Name: a.Name, OID: a.TypeOID})
		}
		return strings.Join(cols, ", "), specs, nil
	}

	var exprs []string
	var specs []ColumnSpec
	for _, col := range sel.Fields {
		attr, ok := rel.Attribute(col)
		if !ok {
			return "", nil, apperr.UnknownField(col)
		}
		exprs = append(exprs, quoteIdent(attr.Name))
		specs = append(specs, ColumnSpec{Name: attr.Name, OID: attr.TypeOID})
	}

	aliases := make([]string, 0, len(sel.Nested))
	for alias := range sel.Nested {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		expr, spec, err := compileNestedSelect(rel, alias, sel.Nested[alias], model)
		if err != nil {
			return "", nil, err
		}
		exprs = append(exprs, expr)
		specs = append(specs, spec)
	}
	return strings.Join(exprs, ", "), specs, nil
}

// compileNestedSelect emits a correlated sub-aggregation over a relation
// reachable from rel by a foreign key in either direction (§4.C.6). alias
// both names the relation to find and the JSON key the aggregated rows come
// back under.
func compileNestedSelect(rel *schema.Relation, alias string, nested SelectClause, model *schema.Model) (string, ColumnSpec, error) {
	target, ok := model.Relation(alias)
	if !ok {
		target, ok = findByUnqualifiedName(model, alias)
	}
	if !ok {
		return "", ColumnSpec{}, apperr.UnknownRelation(alias)
	}

	fk, onChild := findReachingFK(rel, target)
	if fk == nil {
		return "", ColumnSpec{}, apperr.UnknownRelation(alias)
	}

	innerSQL, _, err := compileSelectList(target, &nested, model)
	if err != nil {
		return "", ColumnSpec{}, err
	}

	var correlation string
	if onChild {
		// fk belongs to target, referencing rel: target.fk_col = rel.pk_col
		correlation = joinColumns("t", fk.Columns, qualifiedTable(rel), fk.RefColumns)
	} else {
		// fk belongs to rel, referencing target: rel.fk_col = target.pk_col
		correlation = joinColumns(qualifiedTable(rel), fk.Columns, "t", fk.RefColumns)
	}

	expr := fmt.Sprintf(
		"(select coalesce(json_agg(json_build_object(%s)), '[]'::json) from %s as t where %s) as %s",
		jsonBuildArgs(innerSQL, target), qualifiedTable(target), correlation, quoteIdent(alias),
	)
	return expr, ColumnSpec{Name: alias, OID: 0}, nil
}

func jsonBuildArgs(selectListSQL string, target *schema.Relation) string {
	cols := strings.Split(selectListSQL, ", ")
	var parts []string
	for _, c := range cols {
		name := strings.Trim(c, `"`)
		parts = append(parts, fmt.Sprintf("'%s', t.%s", name, quoteIdent(name)))
	}
	_ = target
	return strings.Join(parts, ", ")
}

func joinColumns(leftTable string, leftCols []string, rightTable string, rightCols []string) string {
	parts := make([]string, 0, len(leftCols))
	for i := range leftCols {
		parts = append(parts, fmt.Sprintf("%s.%s = %s.%s", leftTable, quoteIdent(leftCols[i]), rightTable, quoteIdent(rightCols[i])))
	}
	return strings.Join(parts, " and ")
}

func findByUnqualifiedName(model *schema.Model, name string) (*schema.Relation, bool) {
	for i := range model.Relations {
		if model.Relations[i].Name == name {
			return &model.Relations[i], true
		}
	}
	return nil, false
}

// findReachingFK finds the FK constraint connecting rel and target, in
// either direction. onChild is true when the FK belongs to target (target
// references rel, i.e. a "has many" direction from rel's perspective).
func findReachingFK(rel, target *schema.Relation) (*schema.Constraint, bool) {
	for i := range rel.Constraints {
		c := &rel.Constraints[i]
		if c.Kind == schema.ConstraintForeignKey && !c.Dangling && c.RefRelation == target.QualifiedName() {
			return c, false
		}
	}
	for i := range target.Constraints {
		c := &target.Constraints[i]
		if c.Kind == schema.ConstraintForeignKey && !c.Dangling && c.RefRelation == rel.QualifiedName() {
			return c, true
		}
	}
	return nil, false
}

func compileWhere(rel *schema.Relation, model *schema.Model, w WhereClause, ac *argCounter) (string, error) {
	if w.Comparison != nil {
		return compileComparison(rel, model, *w.Comparison, ac)
	}
	if w.Logical != nil {
		return compileLogical(rel, model, *w.Logical, ac)
	}
	return "true", nil
}

func compileComparison(rel *schema.Relation, model *schema.Model, c ComparisonCondition, ac *argCounter) (string, error) {
	attr, ok := rel.Attribute(c.Field)
	if !ok {
		return "", apperr.UnknownField(c.Field)
	}
	if err := checkOperatorType(attr, model, c.Op); err != nil {
		return "", err
	}

	col := quoteIdent(attr.Name)
	switch c.Op {
	case OpEq:
		return fmt.Sprintf("%s = %s", col, ac.add(c.Value)), nil
	case OpNeq:
		return fmt.Sprintf("%s <> %s", col, ac.add(c.Value)), nil
	case OpLt:
		return fmt.Sprintf("%s < %s", col, ac.add(c.Value)), nil
	case OpLte:
		return fmt.Sprintf("%s <= %s", col, ac.add(c.Value)), nil
	case OpGt:
		return fmt.Sprintf("%s > %s", col, ac.add(c.Value)), nil
	case OpGte:
		return fmt.Sprintf("%s >= %s", col, ac.add(c.Value)), nil
	case OpLike:
		return fmt.Sprintf("%s like %s", col, ac.add(c.Value)), nil
	case OpILike:
		return fmt.Sprintf("%s ilike %s", col, ac.add(c.Value)), nil
	case OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return "", apperr.OperatorTypeMismatch(c.Field, string(OpIn)).WithDetails(map[string]any{"reason": "value must be an array"})
		}
		return fmt.Sprintf("%s = any(%s)", col, ac.add(values)), nil
	case OpNotIn:
		values, ok := c.Value.([]any)
		if !ok {
			return "", apperr.OperatorTypeMismatch(c.Field, string(OpNotIn)).WithDetails(map[string]any{"reason": "value must be an array"})
		}
		return fmt.Sprintf("%s <> all(%s)", col, ac.add(values)), nil
	case OpIsNull:
		return fmt.Sprintf("%s is null", col), nil
	case OpIsNotNull:
		return fmt.Sprintf("%s is not null", col), nil
	default:
		return "", apperr.OperatorTypeMismatch(c.Field, string(c.Op))
	}
}

func compileLogical(rel *schema.Relation, model *schema.Model, l LogicalCondition, ac *argCounter) (string, error) {
	if l.Op == OpNot {
		if len(l.Conditions) != 1 {
			return "", apperr.New(apperr.KindValidation, "not requires exactly one condition")
		}
		inner, err := compileWhere(rel, model, l.Conditions[0], ac)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("not (%s)", inner), nil
	}

	joiner := " and "
	if l.Op == OpOr {
		joiner = " or "
	}

	parts := make([]string, 0, len(l.Conditions))
	for _, cond := range l.Conditions {
		frag, err := compileWhere(rel, model, cond, ac)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+frag+")")
	}
	if len(parts) == 0 {
		return "true", nil
	}
	return strings.Join(parts, joiner), nil
}
