package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/systemstart/proceed/pkg/api"
	"github.com/systemstart/proceed/pkg/steps"
)

// LogDir is the directory under the execution directory that holds one log
// file per step.
const LogDir = "logs"

// Options controls a pipeline run.
type Options struct {
	Executor *steps.Executor

	// StepNames restricts the run to the named steps, kept in declaration
	// order. Empty means all steps.
	StepNames  []string
	ForceRerun bool

	Logger *slog.Logger
	Now    func() time.Time
}

// RunPipeline amends and validates the pipeline, then executes its steps
// one at a time, writing step logs into the LogDir of executionDir. The run stops after
// the first step that fails. Errors are returned only for problems found
// before any step ran; step failures are recorded in the returned record.
func RunPipeline(ctx context.Context, original api.Pipeline, executionDir string, args map[string]string, opts Options) (*api.ExecutionRecord, error) {
	if opts.Executor == nil {
		return nil, errors.New("no step executor configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	amended, err := Amend(original, args)
	if err != nil {
		return nil, fmt.Errorf("amending pipeline: %w", err)
	}
	if err := amended.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	executionDir, err = filepath.Abs(executionDir)
	if err != nil {
		return nil, fmt.Errorf("resolving execution directory: %w", err)
	}
	if err := os.MkdirAll(executionDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating execution directory: %w", err)
	}

	start := now()
	record := &api.ExecutionRecord{
		Original:    original,
		Amended:     amended,
		Timing:      api.Started(start),
		StepResults: []api.StepResult{},
	}

	selected := selectSteps(amended.Steps, opts.StepNames)
	if len(opts.StepNames) > 0 && len(selected) == 0 {
		logger.Warn("no steps match the requested names", "stepNames", opts.StepNames)
	}

	for _, step := range selected {
		if err := ctx.Err(); err != nil {
			logger.Warn("pipeline interrupted", "step", step.Name, "error", err)
			break
		}

		logger.Info("running step", "step", step.Name)
		result := opts.Executor.Run(ctx, step, steps.StepContext{
			LogFile:     filepath.Join(executionDir, LogDir, api.LogFileName(step.Name)),
			Environment: amended.Environment,
			Volumes:     amended.Volumes,
			NetworkMode: amended.NetworkMode,
			MacAddress:  amended.MacAddress,
			ForceRerun:  opts.ForceRerun,
		})
		record.StepResults = append(record.StepResults, result)

		if result.Failed() {
			logger.Error("step failed, stopping pipeline", "step", step.Name, "exitCode", exitCodeAttr(result.ExitCode))
			break
		}
	}

	record.Timing = api.Finished(start, now())
	logger.Info("pipeline finished", "steps", len(record.StepResults), "duration", record.Timing.Duration)
	return record, nil
}

func selectSteps(all []api.Step, names []string) []api.Step {
	if len(names) == 0 {
		return all
	}
	var selected []api.Step
	for _, step := range all {
		if slices.Contains(names, step.Name) {
			selected = append(selected, step)
		}
	}
	return selected
}

func exitCodeAttr(code *int) any {
	if code == nil {
		return "none"
	}
	return *code
}
