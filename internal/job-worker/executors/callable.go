package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"job-replay-service/internal/models"
)

// Callable is a resolved task function invoked with positional arguments.
type Callable interface {
	Call(ctx context.Context, args []any) (any, error)
}

// Typed is implemented by callables that know their Go parameter list. Their
// arity is checked against the task signature before binding.
type Typed interface {
	Callable
	Arity() int
	In(i int) reflect.Type
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// FuncCallable invokes a Go function through reflection. A leading
// context.Context parameter receives the call context and does not count
// toward the arity. Functions may return nothing, a value, an error, or a
// value and an error.
type FuncCallable struct {
	name     string
	fn       reflect.Value
	takesCtx bool
}

// NewFuncCallable wraps fn, which must be a non-variadic function.
func NewFuncCallable(name string, fn any) (*FuncCallable, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%s is %T, not a function", name, fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("%s is variadic", name)
	}
	switch t.NumOut() {
	case 0, 1:
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("%s: second return value must be error", name)
		}
	default:
		return nil, fmt.Errorf("%s returns %d values", name, t.NumOut())
	}
	return &FuncCallable{
		name:     name,
		fn:       v,
		takesCtx: t.NumIn() > 0 && t.In(0) == contextType,
	}, nil
}

// Name is the symbol the function was registered under.
func (f *FuncCallable) Name() string { return f.name }

func (f *FuncCallable) offset() int {
	if f.takesCtx {
		return 1
	}
	return 0
}

// Arity is the number of positional parameters, excluding a leading context.
func (f *FuncCallable) Arity() int {
	return f.fn.Type().NumIn() - f.offset()
}

// In returns the Go type of positional parameter i.
func (f *FuncCallable) In(i int) reflect.Type {
	return f.fn.Type().In(i + f.offset())
}

// Call invokes the function. A panic in the function is returned as an error.
func (f *FuncCallable) Call(ctx context.Context, args []any) (result any, err error) {
	if len(args) != f.Arity() {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", models.ErrArityMismatch, f.name, f.Arity(), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if f.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		v, err := fit(a, f.In(i))
		if err != nil {
			return nil, fmt.Errorf("%s arg%d: %w", f.name, i, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", f.name, r)
		}
	}()
	out := f.fn.Call(in)

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if f.fn.Type().Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		return out[0].Interface(), asError(out[1])
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// fit adapts a coerced argument to the declared Go parameter type.
func fit(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if t.Kind() == reflect.Ptr && v.Type().AssignableTo(t.Elem()) {
		p := reflect.New(t.Elem())
		p.Elem().Set(v)
		return p, nil
	}
	if numeric(v.Kind()) && numeric(t.Kind()) {
		if overflows(v, t) {
			return reflect.Value{}, fmt.Errorf("%w: %v overflows %s", models.ErrCoercion, arg, t)
		}
		return v.Convert(t), nil
	}
	if v.Kind() == reflect.String && t.Kind() == reflect.String {
		return v.Convert(t), nil
	}

	data, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", models.ErrCoercion, arg, t, err)
	}
	p := reflect.New(t)
	if err := json.Unmarshal(data, p.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", models.ErrCoercion, arg, t, err)
	}
	return p.Elem(), nil
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func overflows(v reflect.Value, t reflect.Type) bool {
	zero := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch {
		case v.CanInt():
			return zero.OverflowInt(v.Int())
		case v.CanUint():
			return v.Uint() > 1<<63-1 || zero.OverflowInt(int64(v.Uint()))
		default:
			f := v.Float()
			return f != float64(int64(f)) || zero.OverflowInt(int64(f))
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch {
		case v.CanInt():
			return v.Int() < 0 || zero.OverflowUint(uint64(v.Int()))
		case v.CanUint():
			return zero.OverflowUint(v.Uint())
		default:
			f := v.Float()
			return f < 0 || f != float64(uint64(f)) || zero.OverflowUint(uint64(f))
		}
	case reflect.Float32:
		if v.CanFloat() {
			return zero.OverflowFloat(v.Float())
		}
	}
	return false
}
