package router

import (
	"net/http"

	"github.com/pghatch/pghatch-go/internal/compiler"
	"github.com/pghatch/pghatch-go/internal/schema"
)

// ResolverSet is one immutable, fully-built snapshot of mounted endpoints:
// one RelationResolver per relation and one CallableResolver per callable
// (§4.F). The Router publishes a new ResolverSet atomically on every
// successful rebuild; in-flight requests keep whichever set they started
// with.
type ResolverSet struct {
	model     *schema.Model
	relations map[string]http.Handler
	callables map[string]http.Handler
}

// BuildResolverSet wraps every mounted relation and callable of model in a
// resolver. Partition children are recorded in model.Relations for FK
// resolution but are not separately mounted (open question #3, DESIGN.md):
// reads against the parent already scan all partitions.
func BuildResolverSet(model *schema.Model, opts compiler.Options) *ResolverSet {
	rs := &ResolverSet{
		model:     model,
		relations: make(map[string]http.Handler, len(model.Relations)),
		callables: make(map[string]http.Handler, len(model.Callables)),
	}

	for i := range model.Relations {
		rel := &model.Relations[i]
		if rel.Kind == schema.RelPartitionChild {
			continue
		}
		rs.relations[rel.QualifiedName()] = newRelationResolver(rel, model, opts)
	}

	for i := range model.Callables {
		c := &model.Callables[i]
		rs.callables[c.QualifiedName()] = newCallableResolver(c, model)
	}

	return rs
}

// Relation returns the mounted handler for "namespace.relation", if any.
func (rs *ResolverSet) Relation(qualified string) (http.Handler, bool) {
	h, ok := rs.relations[qualified]
	return h, ok
}

// Callable returns the mounted handler for "namespace.callable", if any.
func (rs *ResolverSet) Callable(qualified string) (http.Handler, bool) {
	h, ok := rs.callables[qualified]
	return h, ok
}

// Model returns the catalog snapshot this ResolverSet was built from.
func (rs *ResolverSet) Model() *schema.Model {
	return rs.model
}
