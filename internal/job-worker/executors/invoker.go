package executors

import (
	"context"
	"fmt"
	"reflect"

	"job-replay-service/internal/job-worker/coercion"
	"job-replay-service/internal/models"
)

// Injector supplies a value for a declared parameter type, taking precedence
// over stored params. It reports false when it has nothing for the type.
type Injector func(typeName string) (any, bool)

// Inject returns an injector that offers v for the named type.
func Inject(typeName string, v any) Injector {
	return func(name string) (any, bool) {
		if name == typeName {
			return v, true
		}
		return nil, false
	}
}

// ChainInjectors consults each injector in order.
func ChainInjectors(injectors ...Injector) Injector {
	return func(name string) (any, bool) {
		for _, inj := range injectors {
			if inj == nil {
				continue
			}
			if v, ok := inj(name); ok {
				return v, true
			}
		}
		return nil, false
	}
}

// Invoker binds task params to a callable and calls it.
type Invoker struct {
	Types *coercion.Registry
}

func NewInvoker(types *coercion.Registry) *Invoker {
	if types == nil {
		types = coercion.NewRegistry()
	}
	return &Invoker{Types: types}
}

// Bind builds the positional argument list for task. For each declared
// parameter the injected value wins, then overrides, then the task's own
// params. A missing or null value is only accepted for nullable types.
func (iv *Invoker) Bind(task models.Task, target Callable, inject Injector, overrides models.Params) ([]any, error) {
	types := task.Signature.ParamTypes
	typed, _ := target.(Typed)
	if typed != nil && typed.Arity() != len(types) {
		return nil, fmt.Errorf("%w: %s declares %d parameters, function takes %d",
			models.ErrArityMismatch, task.FunctionName, len(types), typed.Arity())
	}

	args := make([]any, 0, len(types))
	for i, typeName := range types {
		if inject != nil {
			if v, ok := inject(models.BaseType(typeName)); ok {
				args = append(args, v)
				continue
			}
		}

		stored, ok := overrides.Arg(i)
		if !ok {
			stored, ok = task.Params.Arg(i)
		}
		if !ok || coercion.IsNull(stored) {
			if models.IsNullable(typeName) {
				args = append(args, nil)
				continue
			}
			return nil, fmt.Errorf("%w: %s of type %s", models.ErrMissingArgument, models.ArgKey(i), typeName)
		}

		var goType reflect.Type
		if typed != nil {
			goType = typed.In(i)
		}
		v, err := iv.Types.Decode(typeName, stored, goType)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", models.ArgKey(i), err)
		}
		args = append(args, v)
	}
	return args, nil
}

// Invoke binds and calls. Every failure is an execution error.
func (iv *Invoker) Invoke(ctx context.Context, task models.Task, target Callable, inject Injector, overrides models.Params) (any, error) {
	args, err := iv.Bind(task, target, inject, overrides)
	if err != nil {
		return nil, models.ExecutionError("bind "+task.FunctionName, err)
	}
	result, err := target.Call(ctx, args)
	if err != nil {
		return nil, models.ExecutionError("call "+task.FunctionName, err)
	}
	return result, nil
}
