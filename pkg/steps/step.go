package steps

import "github.com/systemstart/proceed/pkg/api"

// StepContext provides what a step inherits from the pipeline run.
type StepContext struct {
	LogFile     string
	Environment map[string]string
	Volumes     map[string]api.Volume
	NetworkMode string
	MacAddress  string
	ForceRerun  bool
}
