package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SourceType tells the worker how to obtain the callable for a task.
type SourceType string

const (
	SourceCompiled SourceType = "compiled"
	SourceJar      SourceType = "jar"
	SourceScript   SourceType = "script"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceCompiled, SourceJar, SourceScript:
		return true
	}
	return false
}

// OriginReplay marks tasks produced by the replayer.
const OriginReplay = "replay"

// Signature is the declared parameter type list and return type of a callable.
// A parameter type ending in "?" is nullable.
type Signature struct {
	ParamTypes []string `json:"paramTypes"`
	ReturnType string   `json:"returnType"`
}

// IsNullable reports whether a declared type name accepts an absent value.
func IsNullable(typeName string) bool {
	return strings.HasSuffix(strings.TrimSpace(typeName), "?")
}

// BaseType strips the nullable marker from a declared type name.
func BaseType(typeName string) string {
	return strings.TrimSuffix(strings.TrimSpace(typeName), "?")
}

// Task is a unit of deferred work. Tasks are never edited in place; use
// WithParams to derive a follow-up task.
type Task struct {
	ID             string     `json:"id"`
	FileName       string     `json:"fileName"`
	FunctionName   string     `json:"functionName"`
	Params         Params     `json:"params"`
	Signature      Signature  `json:"signature"`
	ScriptPath     string     `json:"scriptPath"`
	PackageName    *string    `json:"packageName"`
	Origin         string     `json:"origin"`
	Context        string     `json:"context"`
	SourceType     SourceType `json:"sourceType"`
	SourceSnapshot *string    `json:"sourceSnapshot"`
	ArtifactURI    *string    `json:"artifactUri"`
	ArtifactSHA256 *string    `json:"artifactSha256"`
}

// NewTaskID returns a new globally unique task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// NewTask builds a task with a fresh id.
func NewTask(contextName, fileName, functionName string, sourceType SourceType, sig Signature, params Params) Task {
	return Task{
		ID:           NewTaskID(),
		FileName:     fileName,
		FunctionName: functionName,
		Params:       params.Clone(),
		Signature:    sig,
		Context:      contextName,
		SourceType:   sourceType,
	}
}

// WithParams returns a copy of t carrying params and a new id.
func (t Task) WithParams(params Params) Task {
	next := t
	next.ID = NewTaskID()
	next.Params = params.Clone()
	next.Signature.ParamTypes = append([]string(nil), t.Signature.ParamTypes...)
	return next
}

// Validate checks the envelope invariants: identity, context, source type and
// that every params key addresses a declared parameter.
func (t Task) Validate() error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if t.Context == "" {
		return fmt.Errorf("task %s has no context", t.ID)
	}
	if t.FunctionName == "" {
		return fmt.Errorf("task %s has no function name", t.ID)
	}
	if !t.SourceType.Valid() {
		return fmt.Errorf("task %s has unknown source type %q", t.ID, t.SourceType)
	}
	n := len(t.Signature.ParamTypes)
	for key := range t.Params {
		idx, ok := ArgIndex(key)
		if !ok {
			return fmt.Errorf("task %s has malformed params key %q", t.ID, key)
		}
		if idx >= n {
			return fmt.Errorf("task %s params key %q exceeds declared arity %d", t.ID, key, n)
		}
	}
	return nil
}

// ValidateID rejects ids that cannot name a single file: empty, hidden,
// containing a path separator, a parent reference or a NUL byte.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: task has no id", ErrInvalidTaskID)
	case strings.HasPrefix(id, "."),
		strings.Contains(id, ".."),
		strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// EncodeTask serializes a task as an indented JSON document.
func EncodeTask(t Task) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask parses a JSON task document.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return t, nil
}

// Params maps positional argument keys (arg0..argN) to JSON-encoded values.
type Params map[string]string

// ArgKey returns the params key for the i-th positional argument.
func ArgKey(i int) string {
	return "arg" + strconv.Itoa(i)
}

// ArgIndex parses a params key back into its position.
func ArgIndex(key string) (int, bool) {
	if !strings.HasPrefix(key, "arg") {
		return 0, false
	}
	idx, err := strconv.Atoi(key[3:])
	if err != nil || idx < 0 || ArgKey(idx) != key {
		return 0, false
	}
	return idx, true
}

// Arg returns the raw encoded value of the i-th argument.
func (p Params) Arg(i int) (string, bool) {
	v, ok := p[ArgKey(i)]
	return v, ok
}

// Clone copies p; a nil map stays nil.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with the entries of other.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// sortedKeys orders argument keys numerically, then anything else lexically.
func (p Params) sortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ai, iok := ArgIndex(keys[i])
		aj, jok := ArgIndex(keys[j])
		switch {
		case iok && jok:
			return ai < aj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// MarshalJSON writes keys in argument order so stored documents diff cleanly.
func (p Params) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.sortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an object of string values; null leaves p untouched.
func (p *Params) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Params(raw)
	if *p == nil {
		*p = Params{}
	}
	return nil
}
