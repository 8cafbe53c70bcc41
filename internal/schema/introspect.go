package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// IntrospectionError reports a failure of the Introspector (§4.B).
type IntrospectionError struct {
	Kind    string // connection_lost, query_failed, decode_failed
	Context string
	cause   error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("introspection %s: %s: %v", e.Kind, e.Context, e.cause)
}

func (e *IntrospectionError) Unwrap() error { return e.cause }

// Querier is the minimal connection contract the Introspector needs; it is
// satisfied by *pgxpool.Pool, *pgxpool.Conn, and *pgx.Conn.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options configures what the Introspector includes in a snapshot.
type Options struct {
	// IncludedNamespaces lists the schemas to expose; defaults to ["public"].
	IncludedNamespaces []string
	// ExcludedObjects is a list of regexes matched against "namespace.name";
	// matching relations/callables are dropped from the snapshot.
	ExcludedObjects []string
}

// composite catalog query, grounded on
// original_source/pghatch/introspection/introspection.py's
// make_introspection_query: one json_build_object(...) select over CTEs
// against the system catalogs, returning a single JSON document that
// describes everything in the configured namespace set in one round-trip.
const introspectionQuery = `
with namespaces as (
  select n.oid, n.nspname as name, pg_get_userbyid(n.nspowner) as owner,
         coalesce(n.nspacl::text[], '{}') as acl,
         obj_description(n.oid, 'pg_namespace') as comment
  from pg_catalog.pg_namespace n
  where n.nspname <> 'information_schema' and n.nspname not like 'pg\_%'
    and n.nspname = any($1::text[])
),
classes as (
  select c.oid, c.relname as name, c.relnamespace, c.relkind::text as kind,
         coalesce(c.relacl::text[], '{}') as acl,
         c.relrowsecurity, c.relispartition,
         obj_description(c.oid, 'pg_class') as comment
  from pg_catalog.pg_class c
  where c.relnamespace in (select oid from namespaces)
    and c.relkind in ('r','v','m','f','p')
),
attributes as (
  select a.attrelid, a.attname as name, a.attnum, a.atttypid,
         a.attnotnull, a.atthasdef, (a.attgenerated <> '') as generated,
         (a.attidentity <> '') as identity,
         col_description(a.attrelid, a.attnum) as comment
  from pg_catalog.pg_attribute a
  where a.attrelid in (select oid from classes) and a.attnum > 0 and not a.attisdropped
),
constraints as (
  select co.oid, co.conname as name, co.contype::text as kind, co.connamespace,
         co.conrelid, co.confrelid, co.conkey, co.confkey, co.condeferrable
  from pg_catalog.pg_constraint co
  where co.connamespace in (select oid from namespaces)
),
procs as (
  select p.oid, p.proname as name, p.pronamespace, p.prokind::text as kind,
         p.proargnames, p.proargmodes,
         string_to_array(p.proargtypes::text, ' ')::oid[] as proargtypes,
         coalesce(p.proallargtypes, array[]::oid[]) as proallargtypes,
         p.provolatile::text as volatility, p.proisstrict, p.prosecdef,
         p.prorettype, p.proretset, p.pronargdefaults,
         coalesce(p.proacl::text[], '{}') as acl,
         obj_description(p.oid, 'pg_proc') as comment
  from pg_catalog.pg_proc p
  where p.pronamespace in (select oid from namespaces)
),
types as (
  select t.oid, t.typname as name, t.typnamespace, t.typtype::text as kind,
         t.typcategory::text as category, t.typelem, t.typbasetype,
         t.typndims, t.typnotnull, t.typrelid
  from pg_catalog.pg_type t
  where t.typnamespace in (select oid from namespaces)
     or t.typnamespace = 'pg_catalog'::regnamespace
),
enums as (
  select e.enumtypid, e.enumlabel as label, e.enumsortorder
  from pg_catalog.pg_enum e
  where e.enumtypid in (select oid from types)
),
indexes as (
  select i.indrelid, i.indexrelid, i.indisprimary, i.indisunique
  from pg_catalog.pg_index i
  where i.indrelid in (select oid from classes)
),
inherits as (
  select inh.inhrelid, inh.inhparent, inh.inhseqno
  from pg_catalog.pg_inherits inh
  where inh.inhrelid in (select oid from classes)
),
policies as (
  select distinct pol.polrelid
  from pg_catalog.pg_policy pol
  where pol.polrelid in (select oid from classes)
)
select json_build_object(
  'namespaces', (select coalesce(json_agg(row_to_json(namespaces) order by name), '[]'::json) from namespaces),
  'classes', (select coalesce(json_agg(row_to_json(classes) order by relnamespace, name), '[]'::json) from classes),
  'attributes', (select coalesce(json_agg(row_to_json(attributes) order by attrelid, attnum), '[]'::json) from attributes),
  'constraints', (select coalesce(json_agg(row_to_json(constraints) order by connamespace, conrelid, name), '[]'::json) from constraints),
  'procs', (select coalesce(json_agg(row_to_json(procs) order by pronamespace, name), '[]'::json) from procs),
  'types', (select coalesce(json_agg(row_to_json(types) order by typnamespace, name), '[]'::json) from types),
  'enums', (select coalesce(json_agg(row_to_json(enums) order by enumtypid, enumsortorder), '[]'::json) from enums),
  'indexes', (select coalesce(json_agg(row_to_json(indexes) order by indrelid, indexrelid), '[]'::json) from indexes),
  'inherits', (select coalesce(json_agg(row_to_json(inherits) order by inhrelid, inhseqno), '[]'::json) from inherits),
  'policies', (select coalesce(json_agg(row_to_json(policies) order by polrelid), '[]'::json) from policies),
  'current_user', current_user,
  'pg_version', version()
)::text as introspection
`

type rawDoc struct {
	Namespaces  []rawNamespace  `json:"namespaces"`
	Classes     []rawClass      `json:"classes"`
	Attributes  []rawAttribute  `json:"attributes"`
	Constraints []rawConstraint `json:"constraints"`
	Procs       []rawProc       `json:"procs"`
	Types       []rawType       `json:"types"`
	Enums       []rawEnum       `json:"enums"`
	Indexes     []rawIndex      `json:"indexes"`
	Inherits    []rawInherit    `json:"inherits"`
	Policies    []rawPolicy     `json:"policies"`
	CurrentUser string          `json:"current_user"`
	PGVersion   string          `json:"pg_version"`
}

type rawNamespace struct {
	OID     uint32   `json:"oid"`
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	ACL     []string `json:"acl"`
	Comment *string  `json:"comment"`
}

type rawClass struct {
	OID            uint32   `json:"oid"`
	Name           string   `json:"name"`
	Relnamespace   uint32   `json:"relnamespace"`
	Kind           string   `json:"kind"`
	ACL            []string `json:"acl"`
	RowSecurity    bool     `json:"relrowsecurity"`
	IsPartition    bool     `json:"relispartition"`
	Comment        *string  `json:"comment"`
}

type rawAttribute struct {
	Attrelid  uint32  `json:"attrelid"`
	Name      string  `json:"name"`
	Attnum    int16   `json:"attnum"`
	Atttypid  uint32  `json:"atttypid"`
	NotNull   bool    `json:"attnotnull"`
	HasDef    bool    `json:"atthasdef"`
	Generated bool    `json:"generated"`
	Identity  bool    `json:"identity"`
	Comment   *string `json:"comment"`
}

type rawConstraint struct {
	OID          uint32  `json:"oid"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Connamespace uint32  `json:"connamespace"`
	Conrelid     uint32  `json:"conrelid"`
	Confrelid    uint32  `json:"confrelid"`
	Conkey       []int16 `json:"conkey"`
	Confkey      []int16 `json:"confkey"`
	Deferrable   bool    `json:"condeferrable"`
}

type rawProc struct {
	OID             uint32   `json:"oid"`
	Name            string   `json:"name"`
	Pronamespace    uint32   `json:"pronamespace"`
	Kind            string   `json:"kind"`
	Argnames        []string `json:"proargnames"`
	Argmodes        []string `json:"proargmodes"`
	Argtypes        []uint32 `json:"proargtypes"`
	AllArgtypes     []uint32 `json:"proallargtypes"`
	Volatility      string   `json:"volatility"`
	Strict          bool     `json:"proisstrict"`
	SecurityDefiner bool     `json:"prosecdef"`
	Rettype         uint32   `json:"prorettype"`
	Retset          bool     `json:"proretset"`
	NargDefaults    int      `json:"pronargdefaults"`
	ACL             []string `json:"acl"`
	Comment         *string  `json:"comment"`
}

type rawType struct {
	OID          uint32 `json:"oid"`
	Name         string `json:"name"`
	Typnamespace uint32 `json:"typnamespace"`
	Kind         string `json:"kind"`
	Category     string `json:"category"`
	Elem         uint32 `json:"typelem"`
	Basetype     uint32 `json:"typbasetype"`
	Ndims        int    `json:"typndims"`
	NotNull      bool   `json:"typnotnull"`
	Relid        uint32 `json:"typrelid"`
}

type rawEnum struct {
	Enumtypid uint32  `json:"enumtypid"`
	Label     string  `json:"label"`
	SortOrder float64 `json:"enumsortorder"`
}

type rawIndex struct {
	Indrelid    uint32 `json:"indrelid"`
	Indexrelid  uint32 `json:"indexrelid"`
	IsPrimary   bool   `json:"indisprimary"`
	IsUnique    bool   `json:"indisunique"`
}

type rawInherit struct {
	Inhrelid  uint32 `json:"inhrelid"`
	Inhparent uint32 `json:"inhparent"`
	Inhseqno  int    `json:"inhseqno"`
}

type rawPolicy struct {
	Polrelid uint32 `json:"polrelid"`
}

// Introspect issues the single composite catalog query and builds a Model
// (§4.B). It runs inside the caller's transaction (the caller is expected to
// have opened one at repeatable-read or serializable isolation) so the
// result reflects one catalog instant; introspection is all-or-nothing, so
// on any error the caller receives no partial Model.
func Introspect(ctx context.Context, conn Querier, opts Options) (*Model, error) {
	included := opts.IncludedNamespaces
	if len(included) == 0 {
		included = []string{"public"}
	}

	var raw string
	if err := conn.QueryRow(ctx, introspectionQuery, included).Scan(&raw); err != nil {
		return nil, &IntrospectionError{Kind: "query_failed", Context: "composite catalog query", cause: err}
	}

	var doc rawDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &IntrospectionError{Kind: "decode_failed", Context: "unmarshal introspection document", cause: err}
	}

	excludeRes := make([]*regexp.Regexp, 0, len(opts.ExcludedObjects))
	for _, pattern := range opts.ExcludedObjects {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &IntrospectionError{Kind: "query_failed", Context: "compile excluded_objects pattern " + pattern, cause: err}
		}
		excludeRes = append(excludeRes, re)
	}
	excluded := func(qualified string) bool {
		for _, re := range excludeRes {
			if re.MatchString(qualified) {
				return true
			}
		}
		return false
	}

	nsByOID := make(map[uint32]rawNamespace, len(doc.Namespaces))
	namespaces := make([]Namespace, 0, len(doc.Namespaces))
	for _, n := range doc.Namespaces {
		nsByOID[n.OID] = n
		namespaces = append(namespaces, Namespace{
			OID: n.OID, Name: n.Name, Owner: n.Owner, ACL: n.ACL, Comment: derefStr(n.Comment),
		})
	}

	classByOID := make(map[uint32]rawClass, len(doc.Classes))
	for _, c := range doc.Classes {
		classByOID[c.OID] = c
	}

	attrsByClass := make(map[uint32][]rawAttribute)
	for _, a := range doc.Attributes {
		attrsByClass[a.Attrelid] = append(attrsByClass[a.Attrelid], a)
	}

	consByClass := make(map[uint32][]rawConstraint)
	for _, c := range doc.Constraints {
		consByClass[c.Conrelid] = append(consByClass[c.Conrelid], c)
	}

	indexByClass := make(map[uint32][]rawIndex)
	for _, ix := range doc.Indexes {
		indexByClass[ix.Indrelid] = append(indexByClass[ix.Indrelid], ix)
	}
	_ = indexByClass // reserved for index-backed key discovery beyond declared constraints

	policyClasses := make(map[uint32]bool)
	for _, p := range doc.Policies {
		policyClasses[p.Polrelid] = true
	}

	parentByChild := make(map[uint32]uint32)
	for _, inh := range doc.Inherits {
		parentByChild[inh.Inhrelid] = inh.Inhparent
	}

	registry := NewTypeRegistry()
	typeByOID := make(map[uint32]rawType, len(doc.Types))
	for _, t := range doc.Types {
		typeByOID[t.OID] = t
	}
	enumsByType := make(map[uint32][]rawEnum)
	for _, e := range doc.Enums {
		enumsByType[e.Enumtypid] = append(enumsByType[e.Enumtypid], e)
	}
	for _, t := range doc.Types {
		registry.Register(buildTypeDescriptor(t, enumsByType[t.OID], attrsByClass[t.Relid]))
	}

	relations := make([]Relation, 0, len(doc.Classes))
	for _, c := range doc.Classes {
		ns, ok := nsByOID[c.Relnamespace]
		if !ok {
			continue
		}
		qualified := ns.Name + "." + c.Name
		if excluded(qualified) {
			continue
		}

		kind := relKindOf(c.Kind, c.IsPartition)

		attrRows := attrsByClass[c.OID]
		attributes := make([]Attribute, 0, len(attrRows))
		for _, a := range attrRows {
			attributes = append(attributes, Attribute{
				Name: a.Name, Ordinal: a.Attnum, TypeOID: a.Atttypid,
				NotNull: a.NotNull, HasDefault: a.HasDef, Generated: a.Generated,
				Identity: a.Identity, Comment: derefStr(a.Comment),
			})
		}

		constraints := make([]Constraint, 0, len(consByClass[c.OID]))
		for _, co := range consByClass[c.OID] {
			cons := Constraint{
				Name: co.Name, Kind: constraintKindOf(co.Kind), Deferrable: co.Deferrable,
				Columns: attrNamesByNum(attrRows, co.Conkey),
			}
			if cons.Kind == ConstraintForeignKey {
				refClass, ok := classByOID[co.Confrelid]
				if ok {
					refNs, ok := nsByOID[refClass.Relnamespace]
					if ok {
						cons.RefRelation = refNs.Name + "." + refClass.Name
						cons.RefColumns = attrNamesByNum(attrsByClass[co.Confrelid], co.Confkey)
					} else {
						cons.Dangling = true
					}
				} else {
					cons.Dangling = true
				}
			}
			constraints = append(constraints, cons)
		}

		rel := Relation{
			OID: c.OID, Namespace: ns.Name, Name: c.Name, Kind: kind,
			Attributes: attributes, Constraints: constraints, PrivACL: c.ACL,
			Comment: derefStr(c.Comment), RowSecurity: c.RowSecurity,
		}
		if kind == RelPartitionChild {
			if parentOID, ok := parentByChild[c.OID]; ok {
				if parentClass, ok := classByOID[parentOID]; ok {
					if parentNs, ok := nsByOID[parentClass.Relnamespace]; ok {
						rel.PartitionOf = parentNs.Name + "." + parentClass.Name
					}
				}
			}
		}
		relations = append(relations, rel)
	}

	callables := make([]Callable, 0, len(doc.Procs))
	for _, p := range doc.Procs {
		ns, ok := nsByOID[p.Pronamespace]
		if !ok {
			continue
		}
		qualified := ns.Name + "." + p.Name
		if excluded(qualified) {
			continue
		}
		callables = append(callables, buildCallable(p, ns.Name))
	}

	model := &Model{
		Namespaces:  namespaces,
		Relations:   relations,
		Callables:   callables,
		Types:       registry,
		PGVersion:   doc.PGVersion,
		CurrentUser: doc.CurrentUser,
	}

	// Invariant 2: flag FK targets that could not be resolved within this
	// snapshot rather than leaving a relation name that doesn't exist.
	for ri := range model.Relations {
		for ci := range model.Relations[ri].Constraints {
			c := &model.Relations[ri].Constraints[ci]
			if c.Kind == ConstraintForeignKey && c.RefRelation != "" {
				if _, ok := model.Relation(c.RefRelation); !ok {
					c.Dangling = true
				}
			}
		}
	}

	return model, nil
}

func relKindOf(pgRelkind string, isPartition bool) RelKind {
	switch pgRelkind {
	case "r":
		if isPartition {
			return RelPartitionChild
		}
		return RelOrdinary
	case "p":
		return RelPartitioned
	case "v":
		return RelView
	case "m":
		return RelMaterialized
	case "f":
		return RelForeign
	default:
		return RelOrdinary
	}
}

func constraintKindOf(contype string) ConstraintKind {
	switch contype {
	case "p":
		return ConstraintPrimaryKey
	case "u":
		return ConstraintUnique
	case "f":
		return ConstraintForeignKey
	case "c":
		return ConstraintCheck
	case "x":
		return ConstraintExclusion
	default:
		return ConstraintCheck
	}
}

func attrNamesByNum(attrs []rawAttribute, nums []int16) []string {
	byNum := make(map[int16]string, len(attrs))
	for _, a := range attrs {
		byNum[a.Attnum] = a.Name
	}
	out := make([]string, 0, len(nums))
	for _, n := range nums {
		if name, ok := byNum[n]; ok {
			out = append(out, name)
		}
	}
	return out
}

func buildTypeDescriptor(t rawType, enums []rawEnum, compositeAttrs []rawAttribute) *TypeDescriptor {
	d := &TypeDescriptor{OID: t.OID, Name: t.Name, Nullable: !t.NotNull, ElementOID: t.Elem, BaseOID: t.Basetype, Dimensions: t.Ndims}

	switch {
	case t.Category == "A":
		d.Category = CategoryArray
	case t.Kind == "e":
		d.Category = CategoryEnum
		labels := make([]string, len(enums))
		for i, e := range enums {
			labels[i] = e.Label
		}
		d.EnumLabels = labels
	case t.Kind == "c":
		d.Category = CategoryComposite
		fields := make([]CompositeField, 0, len(compositeAttrs))
		for _, a := range compositeAttrs {
			fields = append(fields, CompositeField{Name: a.Name, OID: a.Atttypid})
		}
		d.Fields = fields
	case t.Kind == "d":
		d.Category = CategoryDomain
	case t.Kind == "r" || t.Kind == "m":
		d.Category = CategoryRange
		d.RangeOID = t.Elem
	default:
		d.Category = scalarCategory(t.Name)
	}
	return d
}

func scalarCategory(typeName string) Category {
	switch typeName {
	case "bool":
		return CategoryBoolean
	case "int2", "int4", "int8", "oid", "serial", "bigserial":
		return CategoryInteger
	case "float4", "float8":
		return CategoryFloating
	case "numeric", "decimal", "money":
		return CategoryNumeric
	case "text", "varchar", "bpchar", "char", "name", "citext":
		return CategoryText
	case "bytea":
		return CategoryBytea
	case "timestamp":
		return CategoryTimestamp
	case "timestamptz":
		return CategoryTimestamp
	case "date":
		return CategoryDate
	case "time", "timetz":
		return CategoryTime
	case "interval":
		return CategoryInterval
	case "uuid":
		return CategoryUUID
	case "json":
		return CategoryJSON
	case "jsonb":
		return CategoryJSONB
	case "point", "line", "lseg", "box", "path", "polygon", "circle":
		return CategoryGeometric
	default:
		return CategoryUnknown
	}
}

func buildCallable(p rawProc, namespace string) Callable {
	c := Callable{
		OID: p.OID, Namespace: namespace, Name: p.Name, Kind: callableKindOf(p.Kind),
		Volatility: volatilityOf(p.Volatility), Strict: p.Strict, SecurityDefiner: p.SecurityDefiner,
		PrivACL: p.ACL, Comment: derefStr(p.Comment),
	}

	oids := p.AllArgtypes
	if len(oids) == 0 {
		oids = p.Argtypes
	}
	modes := p.Argmodes
	names := p.Argnames

	args := make([]Argument, 0, len(oids))
	for i, oid := range oids {
		arg := Argument{TypeOID: oid, Mode: ArgIn}
		if i < len(names) {
			arg.Name = names[i]
		}
		if i < len(modes) {
			arg.Mode = argModeOf(modes[i])
		}
		args = append(args, arg)
	}
	markHasDefault(args, p.NargDefaults)
	c.Arguments = args

	switch {
	case p.Rettype == voidOID:
		c.Return = ReturnVoid
	case p.Retset && hasOutArgs(modes):
		c.Return = ReturnTable
	case p.Retset:
		c.Return = ReturnSetOfComposite
	default:
		c.Return = ReturnScalar
	}
	c.ReturnOID = p.Rettype
	return c
}

// voidOID is the well-known OID of pg_type "void".
const voidOID = 2278

// markHasDefault flags the trailing nargdefaults input-position arguments
// (in/inout/variadic — pronargdefaults never counts pure OUT arguments) as
// having a default, matching pg_proc.pronargdefaults' "last N of the input
// argument list" convention.
func markHasDefault(args []Argument, nargdefaults int) {
	if nargdefaults <= 0 {
		return
	}
	var inputIdx []int
	for i, a := range args {
		if a.Mode != ArgOut {
			inputIdx = append(inputIdx, i)
		}
	}
	start := len(inputIdx) - nargdefaults
	if start < 0 {
		start = 0
	}
	for _, i := range inputIdx[start:] {
		args[i].HasDefault = true
	}
}

func hasOutArgs(modes []string) bool {
	for _, m := range modes {
		if m == "o" || m == "t" {
			return true
		}
	}
	return false
}

func callableKindOf(prokind string) CallableKind {
	switch prokind {
	case "f":
		return CallableFunction
	case "p":
		return CallableProcedure
	case "a":
		return CallableAggregate
	case "w":
		return CallableWindow
	default:
		return CallableFunction
	}
}

func volatilityOf(v string) Volatility {
	switch v {
	case "i":
		return VolatilityImmutable
	case "s":
		return VolatilityStable
	default:
		return VolatilityVolatile
	}
}

func argModeOf(m string) ArgMode {
	switch m {
	case "i":
		return ArgIn
	case "o":
		return ArgOut
	case "b":
		return ArgInOut
	case "v":
		return ArgVariadic
	case "t":
		return ArgTable
	default:
		return ArgIn
	}
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// qualifiedNameOf is a small helper kept for symmetry with Relation/Callable
// QualifiedName; nothing calls it (the exclusion filter above concatenates
// the name itself).
func qualifiedNameOf(namespace, name string) string {
	return strings.Join([]string{namespace, name}, ".")
}
