package processing

import (
	"fmt"
	"reflect"

	"dario.cat/mergo"
	"github.com/systemstart/proceed/pkg/api"
)

type setter interface {
	IsSet() bool
}

var setterType = reflect.TypeFor[setter]()

// prototypeTransformers makes mergo decide Optional fields on whether the
// step set them, and overlay step maps onto prototype maps entry by entry.
type prototypeTransformers struct{}

func (prototypeTransformers) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	switch {
	case t.Kind() == reflect.Struct && t.Implements(setterType):
		return mergeOptional
	case t.Kind() == reflect.Map:
		return mergeMap
	default:
		return nil
	}
}

func mergeOptional(dst, src reflect.Value) error {
	if !dst.CanSet() {
		return nil
	}
	if !dst.Interface().(setter).IsSet() {
		dst.Set(src)
	}
	return nil
}

func mergeMap(dst, src reflect.Value) error {
	if !dst.CanSet() {
		return nil
	}
	merged := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
	for iter := src.MapRange(); iter.Next(); {
		merged.SetMapIndex(iter.Key(), iter.Value())
	}
	for iter := dst.MapRange(); iter.Next(); {
		merged.SetMapIndex(iter.Key(), iter.Value())
	}
	dst.Set(merged)
	return nil
}

// ApplyPrototype returns step with every field it leaves unset taken from
// prototype. Volumes and environment are merged with the step's entries
// winning. Neither argument is modified.
func ApplyPrototype(step api.Step, prototype *api.Step) (api.Step, error) {
	if prototype == nil {
		return step, nil
	}

	merged := step.Clone()
	// Transformers only run on non-nil maps.
	if merged.Volumes == nil {
		merged.Volumes = map[string]api.Volume{}
	}
	if merged.Environment == nil {
		merged.Environment = map[string]string{}
	}

	if err := mergo.Merge(&merged, prototype.Clone(), mergo.WithTransformers(prototypeTransformers{})); err != nil {
		return api.Step{}, fmt.Errorf("merging prototype into step %q: %w", step.Name, err)
	}

	if len(merged.Volumes) == 0 {
		merged.Volumes = nil
	}
	if len(merged.Environment) == 0 {
		merged.Environment = nil
	}
	return merged, nil
}
