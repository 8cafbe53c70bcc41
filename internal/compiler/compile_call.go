package compiler

import (
	"fmt"
	"strings"

	"github.com/pghatch/pghatch-go/internal/apperr"
	"github.com/pghatch/pghatch-go/internal/schema"
)

// CompileCall binds kwargs to callable's arguments by name and emits a
// CALL (procedures) or SELECT (functions) statement (§4.C's compile_call,
// §4.E's Callable Resolver). Unsupplied arguments without a declared
// default fail with MissingArgument.
func CompileCall(callable *schema.Callable, kwargs map[string]any) (*CompiledStatement, error) {
	ac := &argCounter{}

	var bindings []string
	for _, arg := range callable.Arguments {
		if arg.Mode == schema.ArgOut || arg.Mode == schema.ArgTable {
			continue
		}
		v, present := kwargs[arg.Name]
		if !present {
			if arg.HasDefault {
				continue
			}
			return nil, apperr.MissingArgument(arg.Name)
		}
		bindings = append(bindings, fmt.Sprintf("%s => %s", quoteIdent(arg.Name), ac.add(v)))
	}

	qualifiedFn := fmt.Sprintf("%s(%s)", qualifiedName(callable.Namespace, callable.Name), strings.Join(bindings, ", "))

	if callable.Kind == schema.CallableProcedure {
		sql := fmt.Sprintf("call %s", qualifiedFn)
		return &CompiledStatement{SQL: sql, Args: ac.args}, nil
	}

	switch callable.Return {
	case schema.ReturnVoid:
		sql := fmt.Sprintf("select %s", qualifiedFn)
		return &CompiledStatement{SQL: sql, Args: ac.args}, nil
	case schema.ReturnSetOfComposite, schema.ReturnTable:
		sql := fmt.Sprintf("select * from %s", qualifiedFn)
		return &CompiledStatement{SQL: sql, Args: ac.args, HasTotal: false}, nil
	default:
		sql := fmt.Sprintf("select %s as result", qualifiedFn)
		return &CompiledStatement{
			SQL: sql, Args: ac.args,
			Columns: []ColumnSpec{{Name: "result", OID: callable.ReturnOID}},
		}, nil
	}
}

func qualifiedName(namespace, name string) string {
	return quoteIdent(namespace) + "." + quoteIdent(name)
}
