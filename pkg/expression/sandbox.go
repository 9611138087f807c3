package expression

import (
	"fmt"

	"github.com/dop251/goja"
)

// removedGlobals are host hooks a property expression has no business using.
var removedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"globalThis",
	"Buffer",
	"setTimeout",
	"setInterval",
	"setImmediate",
}

var frozenBuiltins = []string{
	"Object",
	"Array",
	"Function",
	"String",
	"Number",
	"Boolean",
	"Date",
	"RegExp",
	"Error",
	"Math",
	"JSON",
}

const freezeScript = `
	(function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	})
`

// applySandbox strips host globals, disables eval and the Function
// constructor, and freezes the built-ins so one record's expression cannot
// leave state behind for the next.
func applySandbox(vm *goja.Runtime) error {
	for _, name := range removedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	denied := func(name string) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError(name + " is not allowed in property expressions"))
		}
	}
	if err := vm.Set("eval", denied("eval")); err != nil {
		return fmt.Errorf("failed to restrict eval: %w", err)
	}
	if _, err := vm.RunString(`Object.defineProperty(Function.prototype, 'constructor', {value: undefined, writable: false, configurable: false})`); err != nil {
		return fmt.Errorf("failed to restrict Function constructor: %w", err)
	}

	val, err := vm.RunString(freezeScript)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}
	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}
	return nil
}
