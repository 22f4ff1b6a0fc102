package outline

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Predicate guards conditional and loop instructions. It is evaluated on
// the scheduler turn that enters the node; an error excepts the process.
type Predicate func(w *Workflow) (bool, error)

// Cond adapts a plain boolean function into a Predicate.
func Cond(fn func(w *Workflow) bool) Predicate {
	return func(w *Workflow) (bool, error) {
		return fn(w), nil
	}
}

// exprPrograms caches compiled condition expressions. Outlines are shared
// across process instances, so the cache is process-wide.
var exprPrograms = struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}{cache: make(map[string]*vm.Program)}

// Expr compiles an expr-lang condition into a Predicate. The expression is
// evaluated against ctx (the workflow context store), inputs and outputs:
//
//	While(Expr("ctx.counter < 3"), ...)
//	If(Expr(`inputs.mode == "dry-run"`), ...)
//
// A result that is not a boolean is coerced by truthiness and logged as a
// type mismatch; compile and evaluation errors except the process.
func Expr(source string) Predicate {
	return func(w *Workflow) (bool, error) {
		program, err := compileExpr(source)
		if err != nil {
			return false, fmt.Errorf("failed to compile condition %q: %w", source, err)
		}
		result, err := expr.Run(program, w.exprEnv())
		if err != nil {
			return false, fmt.Errorf("failed to evaluate condition %q: %w", source, err)
		}
		b, ok := result.(bool)
		if !ok {
			w.logger.Warn("condition result is not a boolean, coercing by truthiness",
				"condition", source,
				"got", fmt.Sprintf("%T", result))
			return truthy(result), nil
		}
		return b, nil
	}
}

func compileExpr(source string) (*vm.Program, error) {
	exprPrograms.mu.RLock()
	program, ok := exprPrograms.cache[source]
	exprPrograms.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	exprPrograms.mu.Lock()
	exprPrograms.cache[source] = program
	exprPrograms.mu.Unlock()
	return program, nil
}

// truthy follows the usual dynamic-language convention: nil, zero numbers,
// empty strings and empty collections are false, everything else true.
func truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
