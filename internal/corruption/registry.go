package corruption

import (
	"errors"
	"fmt"
)

// Kind names a category of injected misbehavior. The query parameter that
// configures a kind carries the same name.
type Kind string

const (
	KindDelay      Kind = "delay"
	KindStatusCode Kind = "statusCode"
	KindTimeout    Kind = "timeout"
	KindThrottle   Kind = "throttle"
)

// Field names understood by the built-in kinds.
const (
	FieldMS    = "ms"
	FieldCode  = "code"
	FieldTimes = "times"
	FieldRate  = "rate"
)

// Query parameter names outside of the fault kinds.
const (
	ParamURL     = "url"
	ParamState   = "state"
	ParamBitrate = "bitrate"
)

// ErrDuplicateKind is returned when a kind is registered twice.
var ErrDuplicateKind = errors.New("corruption kind already registered")

// Schema declares the fields one fault kind reads from its configuration.
// A kind without fields (timeout) is switched on by the presence of an entry.
type Schema struct {
	Kind   Kind
	Fields []string
	// Validate, when set, checks the fields of a non-tombstone rule.
	Validate func(fields map[string]int64) error
}

func (s Schema) hasField(name string) bool {
	for _, f := range s.Fields {
		if f == name {
			return true
		}
	}
	return false
}

var (
	Delay = Schema{
		Kind:   KindDelay,
		Fields: []string{FieldMS},
		Validate: func(fields map[string]int64) error {
			if ms, ok := fields[FieldMS]; ok && ms < 0 {
				return fmt.Errorf("ms must not be negative, got %d", ms)
			}
			return nil
		},
	}
	StatusCode = Schema{
		Kind:   KindStatusCode,
		Fields: []string{FieldCode, FieldTimes},
		Validate: func(fields map[string]int64) error {
			if code, ok := fields[FieldCode]; ok && (code < 100 || code > 599) {
				return fmt.Errorf("code must be a valid HTTP status, got %d", code)
			}
			if times, ok := fields[FieldTimes]; ok && times < 0 {
				return fmt.Errorf("times must not be negative, got %d", times)
			}
			return nil
		},
	}
	Timeout  = Schema{Kind: KindTimeout}
	Throttle = Schema{
		Kind:   KindThrottle,
		Fields: []string{FieldRate},
		Validate: func(fields map[string]int64) error {
			if rate, ok := fields[FieldRate]; ok && rate <= 0 {
				return fmt.Errorf("rate must be positive, got %d", rate)
			}
			return nil
		},
	}
)

// Registry is the closed table of fault kinds a proxy understands. Register
// all kinds before serving; lookups are not synchronized against Register.
type Registry struct {
	schemas map[Kind]Schema
	order   []Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[Kind]Schema)}
}

// DefaultRegistry returns a registry holding delay, statusCode, timeout and throttle.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Schema{Delay, StatusCode, Timeout, Throttle} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a fault kind. Registering the same kind twice fails with
// ErrDuplicateKind.
func (r *Registry) Register(s Schema) error {
	if s.Kind == "" {
		return errors.New("corruption kind must have a name")
	}
	if _, ok := r.schemas[s.Kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, s.Kind)
	}
	r.schemas[s.Kind] = s
	r.order = append(r.order, s.Kind)
	return nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.order))
	copy(out, r.order)
	return out
}
