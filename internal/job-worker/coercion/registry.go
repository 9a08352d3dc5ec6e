// Package coercion turns the JSON-encoded strings stored in task params into
// call-ready Go values, and back. The runner and the replayer share one
// Registry so both sides agree on every type name.
package coercion

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"job-replay-service/internal/models"
)

// Canonical primitive type names.
const (
	TypeString  = "String"
	TypeInt     = "Int"
	TypeLong    = "Long"
	TypeDouble  = "Double"
	TypeFloat   = "Float"
	TypeBoolean = "Boolean"
	TypeShort   = "Short"
	TypeByte    = "Byte"
	TypeChar    = "Char"
)

// maxUnwrap bounds how many layers of string-wrapped JSON are peeled off.
const maxUnwrap = 4

// Codec converts between the unwrapped JSON text of a param and a Go value.
type Codec struct {
	Type   reflect.Type
	Decode func(raw string) (any, error)
	Encode func(v any) (string, error)
}

// Registry maps canonical type names to codecs.
type Registry struct {
	mu      sync.RWMutex
	codecs  map[string]Codec
	aliases map[string]string
}

// NewRegistry returns a registry preloaded with the primitive table.
func NewRegistry() *Registry {
	r := &Registry{
		codecs:  make(map[string]Codec),
		aliases: make(map[string]string),
	}
	r.Register(TypeString, Codec{Type: reflect.TypeOf(""), Decode: decodeString, Encode: encodeJSON}, "str")
	r.Register(TypeInt, intCodec(reflect.TypeOf(int(0)), strconv.IntSize), "integer", "int32")
	r.Register(TypeLong, intCodec(reflect.TypeOf(int64(0)), 64), "int64")
	r.Register(TypeShort, intCodec(reflect.TypeOf(int16(0)), 16), "int16")
	r.Register(TypeByte, uintCodec(reflect.TypeOf(uint8(0)), 8), "uint8")
	r.Register(TypeDouble, floatCodec(reflect.TypeOf(float64(0)), 64), "float64")
	r.Register(TypeFloat, floatCodec(reflect.TypeOf(float32(0)), 32), "float32")
	r.Register(TypeBoolean, Codec{Type: reflect.TypeOf(false), Decode: decodeBool, Encode: encodeJSON}, "bool")
	r.Register(TypeChar, Codec{Type: reflect.TypeOf(rune(0)), Decode: decodeChar, Encode: encodeChar}, "character", "rune")
	return r
}

// Register installs codec under name plus any aliases. Lookups are
// case-insensitive.
func (r *Registry) Register(name string, codec Codec, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = codec
	r.aliases[strings.ToLower(name)] = name
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = name
	}
}

// RegisterType installs a JSON codec for a named non-primitive type. The
// decoded value has type t.
func (r *Registry) RegisterType(name string, t reflect.Type) {
	r.Register(name, Codec{
		Type: t,
		Decode: func(raw string) (any, error) {
			ptr := reflect.New(t)
			if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
				return nil, err
			}
			return ptr.Elem().Interface(), nil
		},
		Encode: encodeJSON,
	})
}

// Canonical resolves a declared type name (nullable marker and package
// qualifier stripped) to its registered name. Unknown names are returned
// stripped but otherwise unchanged.
func (r *Registry) Canonical(typeName string) string {
	name := models.BaseType(typeName)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.aliases[strings.ToLower(name)]; ok {
		return c
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
		if c, ok := r.aliases[strings.ToLower(name)]; ok {
			return c
		}
	}
	return name
}

// Lookup finds the codec for a declared type name.
func (r *Registry) Lookup(typeName string) (Codec, bool) {
	name := r.Canonical(typeName)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

// Decode converts a stored param value for the declared type. When the type
// name is not registered the value is decoded as JSON into target, or into a
// generic value when target is nil.
func (r *Registry) Decode(typeName, stored string, target reflect.Type) (any, error) {
	raw := Unwrap(stored)
	if codec, ok := r.Lookup(typeName); ok {
		v, err := codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s from %q: %v", models.ErrCoercion, r.Canonical(typeName), stored, err)
		}
		return v, nil
	}
	if target != nil {
		ptr := reflect.New(target)
		if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%w: %s into %s: %v", models.ErrCoercion, typeName, target, err)
		}
		return ptr.Elem().Interface(), nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %s from %q: %v", models.ErrCoercion, typeName, stored, err)
	}
	return v, nil
}

// Encode renders v as a stored param value for the declared type.
func (r *Registry) Encode(typeName string, v any) (string, error) {
	if codec, ok := r.Lookup(typeName); ok && codec.Encode != nil {
		return codec.Encode(v)
	}
	return encodeJSON(v)
}

// EncodeArgs builds task params from positional Go values using JSON encoding.
func EncodeArgs(args ...any) (models.Params, error) {
	params := make(models.Params, len(args))
	for i, a := range args {
		s, err := encodeJSON(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg%d: %w", i, err)
		}
		params[models.ArgKey(i)] = s
	}
	return params, nil
}

// IsNull reports whether a stored value is absent-equivalent JSON null.
func IsNull(stored string) bool {
	return Unwrap(stored) == "null"
}

// Unwrap peels string-wrapped JSON: a JSON string literal whose content itself
// begins with '{', '[' or '"' is replaced by that content.
func Unwrap(stored string) string {
	s := strings.TrimSpace(stored)
	for i := 0; i < maxUnwrap; i++ {
		if len(s) < 2 || s[0] != '"' {
			break
		}
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			break
		}
		t := strings.TrimSpace(inner)
		if t == "" || (t[0] != '{' && t[0] != '[' && t[0] != '"') {
			break
		}
		s = t
	}
	return s
}

// text returns the scalar text of raw: the content of a JSON string, or raw
// itself for numbers, booleans and unquoted text.
func text(raw string) string {
	if len(raw) >= 2 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return s
		}
	}
	return raw
}

func decodeString(raw string) (any, error) {
	if raw == "null" {
		return nil, fmt.Errorf("null is not a string")
	}
	return text(raw), nil
}

func decodeBool(raw string) (any, error) {
	return strconv.ParseBool(strings.TrimSpace(text(raw)))
}

func decodeChar(raw string) (any, error) {
	s := text(raw)
	if utf8.RuneCountInString(s) != 1 {
		return nil, fmt.Errorf("expected a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func encodeChar(v any) (string, error) {
	if r, ok := v.(rune); ok {
		return encodeJSON(string(r))
	}
	return encodeJSON(v)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// integral parses s as an integer, accepting floats without a fraction.
func integral(s string, bits int) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, bits); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	limit := math.Ldexp(1, bits-1)
	if f < -limit || f >= limit {
		return 0, fmt.Errorf("%q overflows %d bits", s, bits)
	}
	return int64(f), nil
}

func intCodec(t reflect.Type, bits int) Codec {
	return Codec{
		Type: t,
		Decode: func(raw string) (any, error) {
			n, err := integral(text(raw), bits)
			if err != nil {
				return nil, err
			}
			return reflect.ValueOf(n).Convert(t).Interface(), nil
		},
		Encode: encodeJSON,
	}
}

func uintCodec(t reflect.Type, bits int) Codec {
	return Codec{
		Type: t,
		Decode: func(raw string) (any, error) {
			n, err := strconv.ParseUint(strings.TrimSpace(text(raw)), 10, bits)
			if err != nil {
				return nil, err
			}
			return reflect.ValueOf(n).Convert(t).Interface(), nil
		},
		Encode: encodeJSON,
	}
}

func floatCodec(t reflect.Type, bits int) Codec {
	return Codec{
		Type: t,
		Decode: func(raw string) (any, error) {
			f, err := strconv.ParseFloat(strings.TrimSpace(text(raw)), bits)
			if err != nil {
				return nil, err
			}
			return reflect.ValueOf(f).Convert(t).Interface(), nil
		},
		Encode: encodeJSON,
	}
}
