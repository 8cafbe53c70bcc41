// Package schema introspects a live PostgreSQL catalog into an immutable
// SchemaModel, maintains the OID-keyed Type Registry derived from it, and
// watches for DDL so the Router knows when to rebuild.
package schema

// RelKind enumerates the relation kinds the Introspector surfaces.
type RelKind string

const (
	RelOrdinary       RelKind = "ordinary"
	RelView           RelKind = "view"
	RelMaterialized   RelKind = "materialized_view"
	RelForeign        RelKind = "foreign"
	RelPartitioned    RelKind = "partitioned"
	RelPartitionChild RelKind = "partition_child"
)

// ConstraintKind enumerates pg_constraint.contype values, spelled out.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
	ConstraintExclusion  ConstraintKind = "exclusion"
)

// CallableKind enumerates pg_proc.prokind values, spelled out.
type CallableKind string

const (
	CallableFunction  CallableKind = "function"
	CallableProcedure CallableKind = "procedure"
	CallableAggregate CallableKind = "aggregate"
	CallableWindow    CallableKind = "window"
)

// ArgMode enumerates pg_proc.proargmodes values.
type ArgMode string

const (
	ArgIn       ArgMode = "in"
	ArgOut      ArgMode = "out"
	ArgInOut    ArgMode = "inout"
	ArgVariadic ArgMode = "variadic"
	ArgTable    ArgMode = "table"
)

// Volatility enumerates pg_proc.provolatile values, spelled out.
type Volatility string

const (
	VolatilityImmutable Volatility = "immutable"
	VolatilityStable    Volatility = "stable"
	VolatilityVolatile  Volatility = "volatile"
)

// ReturnShape classifies a callable's return signature.
type ReturnShape string

const (
	ReturnScalar         ReturnShape = "scalar"
	ReturnSetOfComposite ReturnShape = "set_of_composite"
	ReturnTable          ReturnShape = "table"
	ReturnVoid           ReturnShape = "void"
)

// Namespace is a PostgreSQL schema (pg_namespace row), pared down to the
// fields the router and auth hook need.
type Namespace struct {
	OID     uint32
	Name    string
	Owner   string
	ACL     []string
	Comment string
}

// Attribute is one column of a Relation (pg_attribute row).
type Attribute struct {
	Name        string
	Ordinal     int16
	TypeOID     uint32
	NotNull     bool
	HasDefault  bool
	Generated   bool
	Identity    bool
	Comment     string
}

// Constraint describes one pg_constraint row attached to a Relation.
type Constraint struct {
	Name        string
	Kind        ConstraintKind
	Columns     []string // attribute names, in constraint definition order
	RefRelation string   // "namespace.relation", FK only
	RefColumns  []string // FK only
	Deferrable  bool
	Dangling    bool // FK whose RefRelation could not be resolved in this snapshot
}

// Relation is one queryable/mutable database object: table, view,
// materialized view, foreign table, or partitioned table/child.
type Relation struct {
	OID          uint32
	Namespace    string
	Name         string
	Kind         RelKind
	Attributes   []Attribute
	Constraints  []Constraint
	PrivACL      []string
	Comment      string
	RowSecurity  bool
	PartitionOf  string // parent relation "namespace.name", partition_child only
}

// QualifiedName returns "namespace.name".
func (r *Relation) QualifiedName() string { return r.Namespace + "." + r.Name }

// PrimaryKey returns the primary-key constraint, or nil if the relation has
// none (per invariant 3, there is at most one).
func (r *Relation) PrimaryKey() *Constraint {
	for i := range r.Constraints {
		if r.Constraints[i].Kind == ConstraintPrimaryKey {
			return &r.Constraints[i]
		}
	}
	return nil
}

// UniqueConstraints returns the relation's unique constraints in definition
// order (invariant 3: ordered for deterministic key-matching).
func (r *Relation) UniqueConstraints() []*Constraint {
	var out []*Constraint
	for i := range r.Constraints {
		if r.Constraints[i].Kind == ConstraintUnique {
			out = append(out, &r.Constraints[i])
		}
	}
	return out
}

// Attribute looks up an attribute by name.
func (r *Relation) Attribute(name string) (*Attribute, bool) {
	for i := range r.Attributes {
		if r.Attributes[i].Name == name {
			return &r.Attributes[i], true
		}
	}
	return nil, false
}

// Argument is one parameter of a Callable.
type Argument struct {
	Name       string
	Mode       ArgMode
	TypeOID    uint32
	HasDefault bool
}

// Callable is a function, procedure, aggregate, or window function.
type Callable struct {
	OID             uint32
	Namespace       string
	Name            string
	Kind            CallableKind
	Arguments       []Argument
	Return          ReturnShape
	ReturnOID       uint32 // scalar/composite return type, when applicable
	Volatility      Volatility
	Strict          bool
	SecurityDefiner bool
	PrivACL         []string
	Comment         string
}

// QualifiedName returns "namespace.name".
func (c *Callable) QualifiedName() string { return c.Namespace + "." + c.Name }

// Model is the immutable snapshot produced by the Introspector (§3
// SchemaModel). Once published by the Router, no component mutates it;
// callers needing a new view trigger a rebuild, which produces a wholly new
// *Model rather than patching this one in place.
type Model struct {
	Namespaces  []Namespace
	Relations   []Relation
	Callables   []Callable
	Types       *TypeRegistry
	PGVersion   string
	CurrentUser string
}

// Relation looks up a mounted relation by "namespace.name".
func (m *Model) Relation(qualified string) (*Relation, bool) {
	for i := range m.Relations {
		if m.Relations[i].QualifiedName() == qualified {
			return &m.Relations[i], true
		}
	}
	return nil, false
}

// Callable looks up a mounted callable by "namespace.name".
func (m *Model) Callable(qualified string) (*Callable, bool) {
	for i := range m.Callables {
		if m.Callables[i].QualifiedName() == qualified {
			return &m.Callables[i], true
		}
	}
	return nil, false
}

// RelationByOID looks up a relation by its pg_class OID.
func (m *Model) RelationByOID(oid uint32) (*Relation, bool) {
	for i := range m.Relations {
		if m.Relations[i].OID == oid {
			return &m.Relations[i], true
		}
	}
	return nil, false
}
