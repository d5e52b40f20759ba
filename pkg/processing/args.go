package processing

import (
	"maps"
	"regexp"

	"github.com/systemstart/proceed/pkg/api"
)

// placeholder matches "$$", "$name" and "${name}".
var placeholder = regexp.MustCompile(`\$(?:(\$)|([_A-Za-z][_A-Za-z0-9]*)|\{([_A-Za-z][_A-Za-z0-9]*)\})`)

// ApplyArgs substitutes $name and ${name} placeholders in every string found
// in value, descending into slices and maps (keys included). Placeholders
// without a matching arg are left as they are and "$$" yields "$". Values of
// any other type are returned unchanged.
func ApplyArgs(value any, args map[string]string) any {
	switch v := value.(type) {
	case string:
		return substitute(v, args)
	case []string:
		return substituteAll(v, args)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ApplyArgs(item, args)
		}
		return out
	case map[string]string:
		return substituteMap(v, args)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[substitute(k, args)] = ApplyArgs(item, args)
		}
		return out
	default:
		return value
	}
}

func substitute(s string, args map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		groups := placeholder.FindStringSubmatch(m)
		if groups[1] != "" {
			return "$"
		}
		name := groups[2]
		if name == "" {
			name = groups[3]
		}
		if value, ok := args[name]; ok {
			return value
		}
		return m
	})
}

func substituteAll(values []string, args map[string]string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = substitute(v, args)
	}
	return out
}

func substituteMap(m map[string]string, args map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[substitute(k, args)] = substitute(v, args)
	}
	return out
}

func substituteVolumes(volumes map[string]api.Volume, args map[string]string) map[string]api.Volume {
	if volumes == nil {
		return nil
	}
	out := make(map[string]api.Volume, len(volumes))
	for host, v := range volumes {
		out[substitute(host, args)] = api.Volume{
			Bind: substitute(v.Bind, args),
			Mode: substitute(v.Mode, args),
		}
	}
	return out
}

// CombineArgs returns the effective args of a pipeline: exactly the declared
// names, each taking the given value when there is one and its declared
// default otherwise.
func CombineArgs(declared, given map[string]string) map[string]string {
	if len(declared) == 0 {
		return nil
	}
	combined := maps.Clone(declared)
	for name := range combined {
		if v, ok := given[name]; ok {
			combined[name] = v
		}
	}
	return combined
}

// applyArgsToStep substitutes args into every templated field of a step.
// GPUs is a boolean and is left alone.
func applyArgsToStep(step api.Step, args map[string]string) api.Step {
	sub := func(s string) string { return substitute(s, args) }
	subAll := func(values []string) []string { return substituteAll(values, args) }

	return api.Step{
		Name:         sub(step.Name),
		Description:  step.Description.Map(sub),
		Image:        step.Image.Map(sub),
		Command:      step.Command.Map(subAll),
		Volumes:      substituteVolumes(step.Volumes, args),
		WorkingDir:   step.WorkingDir.Map(sub),
		MatchDone:    step.MatchDone.Map(subAll),
		MatchIn:      step.MatchIn.Map(subAll),
		MatchOut:     step.MatchOut.Map(subAll),
		MatchSummary: step.MatchSummary.Map(subAll),
		Environment:  substituteMap(step.Environment, args),
		GPUs:         step.GPUs,
		NetworkMode:  step.NetworkMode.Map(sub),
		MacAddress:   step.MacAddress.Map(sub),
		User:         step.User.Map(sub),
	}
}
