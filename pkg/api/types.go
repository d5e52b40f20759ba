package api

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeReadWrite = "rw"
	ModeReadOnly  = "ro"
)

// Pipeline is the pipeline specification document.
type Pipeline struct {
	Version     string            `yaml:"version,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Args        map[string]string `yaml:"args,omitempty"`

	// Execution defaults inherited by every step at launch time.
	Environment map[string]string `yaml:"environment,omitempty"`
	Volumes     map[string]Volume `yaml:"volumes,omitempty"`
	NetworkMode string            `yaml:"network_mode,omitempty"`
	MacAddress  string            `yaml:"mac_address,omitempty"`

	Prototype *Step  `yaml:"prototype,omitempty"`
	Steps     []Step `yaml:"steps,omitempty"`
}

// Step is one container run within a pipeline.
type Step struct {
	Name         string             `yaml:"name,omitempty"`
	Description  Optional[string]   `yaml:"description,omitempty"`
	Image        Optional[string]   `yaml:"image,omitempty"`
	Command      Optional[[]string] `yaml:"command,omitempty"`
	Volumes      map[string]Volume  `yaml:"volumes,omitempty"`
	WorkingDir   Optional[string]   `yaml:"working_dir,omitempty"`
	MatchDone    Optional[[]string] `yaml:"match_done,omitempty"`
	MatchIn      Optional[[]string] `yaml:"match_in,omitempty"`
	MatchOut     Optional[[]string] `yaml:"match_out,omitempty"`
	MatchSummary Optional[[]string] `yaml:"match_summary,omitempty"`
	Environment  map[string]string  `yaml:"environment,omitempty"`
	GPUs         Optional[bool]     `yaml:"gpus,omitempty"`
	NetworkMode  Optional[string]   `yaml:"network_mode,omitempty"`
	MacAddress   Optional[string]   `yaml:"mac_address,omitempty"`
	User         Optional[string]   `yaml:"user,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	c := s
	c.Volumes = maps.Clone(s.Volumes)
	c.Environment = maps.Clone(s.Environment)
	c.Command = s.Command.Map(slices.Clone[[]string])
	c.MatchDone = s.MatchDone.Map(slices.Clone[[]string])
	c.MatchIn = s.MatchIn.Map(slices.Clone[[]string])
	c.MatchOut = s.MatchOut.Map(slices.Clone[[]string])
	c.MatchSummary = s.MatchSummary.Map(slices.Clone[[]string])
	return c
}

// Volume maps a host path into a container. Written either as a bare
// container path or as {bind, mode}; Mode is empty for the bare form.
type Volume struct {
	Bind string `yaml:"bind"`
	Mode string `yaml:"mode,omitempty"`
}

// Normalized returns the volume with an explicit mode.
func (v Volume) Normalized(defaultMode string) Volume {
	if v.Mode == "" {
		v.Mode = defaultMode
	}
	return v
}

func (v Volume) MarshalYAML() (any, error) {
	if v.Mode == "" {
		return v.Bind, nil
	}
	type plain Volume
	return plain(v), nil
}

func (v *Volume) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = Volume{Bind: node.Value}
		return nil
	case yaml.MappingNode:
		type plain Volume
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		if p.Mode == "" {
			p.Mode = ModeReadWrite
		}
		*v = Volume(p)
		return nil
	default:
		return fmt.Errorf("line %d: volume must be a container path or {bind, mode}", node.Line)
	}
}

// HostDirs returns the sorted host paths of the given volumes.
func HostDirs(volumes map[string]Volume) []string {
	return slices.Sorted(maps.Keys(volumes))
}

// Timing records when something started and finished.
type Timing struct {
	Start    time.Time `yaml:"start,omitempty"`
	Finish   time.Time `yaml:"finish,omitempty"`
	Duration float64   `yaml:"duration,omitempty"`
}

// IsComplete reports whether both marks are set and time elapsed.
func (t Timing) IsComplete() bool {
	return !t.Start.IsZero() && !t.Finish.IsZero() && t.Duration > 0
}

// Started returns a Timing with only a start mark.
func Started(start time.Time) Timing {
	return Timing{Start: start}
}

// Finished returns a complete Timing from start to finish.
func Finished(start, finish time.Time) Timing {
	return Timing{Start: start, Finish: finish, Duration: finish.Sub(start).Seconds()}
}

// StepResult is the outcome of running one step.
type StepResult struct {
	Name         string                       `yaml:"name"`
	ImageID      string                       `yaml:"image_id,omitempty"`
	ExitCode     *int                         `yaml:"exit_code,omitempty"`
	LogFile      string                       `yaml:"log_file,omitempty"`
	LogDigest    string                       `yaml:"log_digest,omitempty"`
	Timing       Timing                       `yaml:"timing,omitempty"`
	FilesDone    map[string]map[string]string `yaml:"files_done,omitempty"`
	FilesIn      map[string]map[string]string `yaml:"files_in,omitempty"`
	FilesOut     map[string]map[string]string `yaml:"files_out,omitempty"`
	FilesSummary map[string]map[string]string `yaml:"files_summary,omitempty"`
	Skipped      bool                         `yaml:"skipped,omitempty"`
}

// Failed reports whether the step exited non-zero or never got a status.
// Skipped steps never count as failed.
func (r StepResult) Failed() bool {
	if r.Skipped {
		return false
	}
	return r.ExitCode == nil || *r.ExitCode != 0
}

// ExecutionRecord is the persisted outcome of one pipeline run.
type ExecutionRecord struct {
	Original    Pipeline     `yaml:"original"`
	Amended     Pipeline     `yaml:"amended"`
	Timing      Timing       `yaml:"timing,omitempty"`
	StepResults []StepResult `yaml:"step_results"`
}

// Failures returns the step results that failed, in run order.
func (r *ExecutionRecord) Failures() []StepResult {
	var failed []StepResult
	for _, sr := range r.StepResults {
		if sr.Failed() {
			failed = append(failed, sr)
		}
	}
	return failed
}

// ExitCode is a helper for building results.
func ExitCode(code int) *int {
	return &code
}
