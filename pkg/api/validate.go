package api

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LogFileName returns the log file name for a step, e.g. "step 1" gives
// "step_1.log".
func LogFileName(stepName string) string {
	base := unsafeFileChars.ReplaceAllString(stepName, "_")
	if base == "" {
		base = "step"
	}
	return base + ".log"
}

var validVolumeModes = map[string]bool{
	ModeReadWrite: true,
	ModeReadOnly:  true,
}

// Validate checks a pipeline that is about to be executed. It is meant for
// the amended pipeline: images may come from the prototype. Image references
// are checked when a step is launched, so a bad one fails that step only.
func (p *Pipeline) Validate() error {
	names := make(map[string]int)
	logFiles := make(map[string]string)

	for i, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if prev, exists := names[step.Name]; exists {
			return fmt.Errorf("step %d: duplicate step name %q (first defined at step %d)", i, step.Name, prev)
		}
		names[step.Name] = i

		logFile := LogFileName(step.Name)
		if other, exists := logFiles[logFile]; exists {
			return fmt.Errorf("step %d: step name %q and %q share the log file %q", i, other, step.Name, logFile)
		}
		logFiles[logFile] = step.Name

		if err := step.validate(); err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
	}

	if err := validateVolumes(p.Volumes); err != nil {
		return fmt.Errorf("pipeline volumes: %w", err)
	}
	return nil
}

func (s *Step) validate() error {
	image, ok := s.Image.Get()
	if !ok || image == "" {
		return fmt.Errorf("image is required")
	}
	return validateVolumes(s.Volumes)
}

func validateVolumes(volumes map[string]Volume) error {
	for _, host := range slices.Sorted(maps.Keys(volumes)) {
		v := volumes[host]
		if v.Bind == "" {
			return fmt.Errorf("volume %q: container path is required", host)
		}
		if v.Mode != "" && !validVolumeModes[v.Mode] {
			return fmt.Errorf("volume %q: mode %q is not valid (valid: %s, %s)", host, v.Mode, ModeReadWrite, ModeReadOnly)
		}
	}
	return nil
}
