package api

import (
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"
)

// Optional distinguishes a field that was never given from one that was
// given an empty value. Prototype merging relies on that distinction.
type Optional[T any] struct {
	value T
	set   bool
}

// Set returns an Optional holding v.
func Set[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) { return o.value, o.set }

// OrElse returns the value if set, otherwise def.
func (o Optional[T]) OrElse(def T) T {
	if o.set {
		return o.value
	}
	return def
}

// IsSet reports whether a value was given.
func (o Optional[T]) IsSet() bool { return o.set }

// IsZero lets yaml omitempty drop unset fields.
func (o Optional[T]) IsZero() bool { return !o.set }

func (o Optional[T]) Equal(other Optional[T]) bool {
	return o.set == other.set && reflect.DeepEqual(o.value, other.value)
}

// Map applies fn to a set value and leaves an unset one alone.
func (o Optional[T]) Map(fn func(T) T) Optional[T] {
	if !o.set {
		return o
	}
	return Set(fn(o.value))
}

func (o Optional[T]) String() string {
	if !o.set {
		return "<unset>"
	}
	return fmt.Sprint(o.value)
}

func (o Optional[T]) MarshalYAML() (any, error) {
	return o.value, nil
}

func (o *Optional[T]) UnmarshalYAML(node *yaml.Node) error {
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}
