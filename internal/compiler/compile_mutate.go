package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/schema"
)

// CompileInsert validates each row against rel's attribute set and emits a
// multi-row INSERT ... RETURNING * (§4.C's compile_insert).
func CompileInsert(rel *schema.Relation, rows []map[string]any) (*CompiledStatement, error) {
	if len(rows) == 0 {
		return nil, apperr.New(apperr.KindValidation, "insert requires at least one row")
	}

	columns := insertColumnOrder(rel, rows)
	for _, row := range rows {
		if err := validateRowAgainstAttributes(rel, row); err != nil {
			return nil, err
		}
	}

	ac := &argCounter{}
	var rowPlaceholders []string
	for _, row := range rows {
		placeholders := make([]string, len(columns))
		for i, col := range columns {
			v, present := row[col]
			if !present {
				placeholders[i] = "default"
				continue
			}
			placeholders[i] = ac.add(v)
		}
		rowPlaceholders = append(rowPlaceholders, "("+strings.Join(placeholders, ", ")+")")
	}

	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteIdent(c)
	}

	sql := fmt.Sprintf("insert into %s (%s) values %s returning *",
		qualifiedTable(rel), strings.Join(quotedCols, ", "), strings.Join(rowPlaceholders, ", "))

	return &CompiledStatement{
		SQL: sql, Args: ac.args, Columns: returningColumns(rel), RowsAffected: true,
	}, nil
}

// insertColumnOrder is the union of keys present across all rows, sorted
// for determinism, restricted to declared attributes.
func insertColumnOrder(rel *schema.Relation, rows []map[string]any) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			if _, ok := rel.Attribute(k); ok {
				seen[k] = true
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func validateRowAgainstAttributes(rel *schema.Relation, row map[string]any) error {
	for k := range row {
		if _, ok := rel.Attribute(k); !ok {
			return apperr.UnknownField(k)
		}
	}
	for _, attr := range rel.Attributes {
		if attr.NotNull && !attr.HasDefault && !attr.Identity && !attr.Generated {
			if _, present := row[attr.Name]; !present {
				return apperr.MissingField(attr.Name)
			}
		}
	}
	return nil
}

func returningColumns(rel *schema.Relation) []ColumnSpec {
	specs := make([]ColumnSpec, 0, len(rel.Attributes))
	for _, a := range rel.Attributes {
		specs = append(specs, ColumnSpec{Name: a.Name, OID: a.TypeOID})
	}
	return specs
}

// matchKeyShape enforces §4.C's strict key rule: key must be exactly the
// primary key attribute set or exactly one unique-constraint attribute set,
// never a partial or superset match.
func matchKeyShape(rel *schema.Relation, key map[string]any) (*schema.Constraint, error) {
	keyCols := make([]string, 0, len(key))
	for k := range key {
		keyCols = append(keyCols, k)
	}
	sort.Strings(keyCols)

	candidates := make([]*schema.Constraint, 0, 1+len(rel.UniqueConstraints()))
	if pk := rel.PrimaryKey(); pk != nil {
		candidates = append(candidates, pk)
	}
	candidates = append(candidates, rel.UniqueConstraints()...)

	for _, c := range candidates {
		cols := append([]string(nil), c.Columns...)
		sort.Strings(cols)
		if equalStrings(cols, keyCols) {
			return c, nil
		}
	}
	return nil, apperr.KeyShapeMismatch(rel.QualifiedName(), keyCols)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CompileUpdate validates key against matchKeyShape and emits
// UPDATE ... SET ... WHERE <key> RETURNING * (§4.C's compile_update).
func CompileUpdate(rel *schema.Relation, key map[string]any, patch map[string]any) (*CompiledStatement, error) {
	if _, err := matchKeyShape(rel, key); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, apperr.New(apperr.KindValidation, "update requires at least one field in data")
	}
	for k := range patch {
		if _, ok := rel.Attribute(k); !ok {
			return nil, apperr.UnknownField(k)
		}
	}

	ac := &argCounter{}

	patchCols := sortedKeys(patch)
	setClauses := make([]string, len(patchCols))
	for i, col := range patchCols {
		setClauses[i] = fmt.Sprintf("%s = %s", quoteIdent(col), ac.add(patch[col]))
	}

	whereClause, err := keyWhereClause(rel, key, ac)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("update %s set %s where %s returning *",
		qualifiedTable(rel), strings.Join(setClauses, ", "), whereClause)

	return &CompiledStatement{SQL: sql, Args: ac.args, Columns: returningColumns(rel), RowsAffected: true}, nil
}

// CompileDelete validates key against matchKeyShape and emits
// DELETE ... WHERE <key> RETURNING * (§4.C's compile_delete).
func CompileDelete(rel *schema.Relation, key map[string]any) (*CompiledStatement, error) {
	if _, err := matchKeyShape(rel, key); err != nil {
		return nil, err
	}

	ac := &argCounter{}
	whereClause, err := keyWhereClause(rel, key, ac)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("delete from %s where %s returning *", qualifiedTable(rel), whereClause)
	return &CompiledStatement{SQL: sql, Args: ac.args, Columns: returningColumns(rel), RowsAffected: true}, nil
}

func keyWhereClause(rel *schema.Relation, key map[string]any, ac *argCounter) (string, error) {
	cols := sortedKeys(key)
	parts := make([]string, len(cols))
	for i, col := range cols {
		if _, ok := rel.Attribute(col); !ok {
			return "", apperr.UnknownField(col)
		}
		parts[i] = fmt.Sprintf("%s = %s", quoteIdent(col), ac.add(key[col]))
	}
	return strings.Join(parts, " and "), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
