package processing

import (
	"fmt"

	"github.com/systemstart/proceed/pkg/api"
)

// Amend resolves a pipeline into the plan that actually runs: args are
// combined and substituted throughout, then the prototype is merged into
// every step. The original is not modified.
func Amend(original api.Pipeline, args map[string]string) (api.Pipeline, error) {
	effective := CombineArgs(original.Args, args)

	amended := api.Pipeline{
		Version:     original.Version,
		Description: substitute(original.Description, effective),
		Args:        effective,
		Environment: substituteMap(original.Environment, effective),
		Volumes:     substituteVolumes(original.Volumes, effective),
		NetworkMode: substitute(original.NetworkMode, effective),
		MacAddress:  substitute(original.MacAddress, effective),
	}

	if original.Prototype != nil {
		prototype := applyArgsToStep(*original.Prototype, effective)
		amended.Prototype = &prototype
	}

	if len(original.Steps) > 0 {
		amended.Steps = make([]api.Step, 0, len(original.Steps))
	}
	for _, step := range original.Steps {
		merged, err := ApplyPrototype(applyArgsToStep(step, effective), amended.Prototype)
		if err != nil {
			return api.Pipeline{}, fmt.Errorf("amending step %q: %w", step.Name, err)
		}
		amended.Steps = append(amended.Steps, merged)
	}

	return amended, nil
}
