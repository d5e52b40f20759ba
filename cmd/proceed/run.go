package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/systemstart/proceed/pkg/api"
	"github.com/systemstart/proceed/pkg/logging"
	"github.com/systemstart/proceed/pkg/processing"
	"github.com/systemstart/proceed/pkg/steps"
)

const (
	recordFileName  = "execution_record.yaml"
	runLogFileName  = "proceed.log"
	resultsIDFormat = "20060102T150405UTC"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run SPEC",
		Short: "Run a pipeline and write its execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := unmarshalOptions(a.v)
			if err != nil {
				return &exitError{code: exitInvalidOptions, err: err}
			}
			return a.runPipeline(cmd.Context(), args[0], opts)
		},
	}
}

func (a *app) runPipeline(ctx context.Context, specFile string, opts *Options) error {
	pipeline, err := api.LoadPipeline(specFile)
	if err != nil {
		return exitWith(exitLoadPipelineFailed, "loading pipeline: %w", err)
	}

	args, err := pipelineArgs(opts)
	if err != nil {
		return &exitError{code: exitLoadArgsFailed, err: err}
	}

	executionDir := filepath.Join(opts.ResultsDir, resultsGroup(opts, specFile), resultsID(opts))
	if err := os.MkdirAll(executionDir, 0o750); err != nil {
		return exitWith(exitExecutionDirectoryFailed, "creating execution directory: %w", err)
	}

	runLog, err := os.OpenFile(filepath.Join(executionDir, runLogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return exitWith(exitExecutionDirectoryFailed, "creating run log: %w", err)
	}
	defer runLog.Close()

	runLogger, err := logging.New(io.MultiWriter(a.stdout, runLog), opts.LoggingType, opts.LogLevel)
	if err != nil {
		return &exitError{code: exitLoggingSetupFailed, err: err}
	}
	runLogger.Info("running pipeline", "spec", specFile, "executionDir", executionDir)

	connect := a.connect
	if connect == nil {
		connect = dockerConnector(runLogger)
	}

	record, err := processing.RunPipeline(ctx, *pipeline, executionDir, args, processing.Options{
		Executor:   steps.NewExecutor(connect, runLogger),
		StepNames:  opts.StepNames,
		ForceRerun: opts.ForceRerun,
		Logger:     runLogger,
	})
	if err != nil {
		return &exitError{code: exitInvalidPipeline, err: err}
	}

	recordFile := filepath.Join(executionDir, recordFileName)
	if err := api.WriteExecutionRecord(recordFile, record); err != nil {
		return &exitError{code: exitWriteRecordFailed, err: err}
	}
	runLogger.Info("wrote execution record", "file", recordFile)

	failures := record.Failures()
	if len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintf(a.stdout, "%s exit code: %s\n", f.Name, formatExitCode(f.ExitCode))
		}
		fmt.Fprintln(a.stdout, "Completed with errors.")
		return exitWith(exitStepsFailed, "%d step(s) failed", len(failures))
	}

	fmt.Fprintln(a.stdout, "OK.")
	return nil
}

func pipelineArgs(opts *Options) (map[string]string, error) {
	var fileArgs map[string]string
	if opts.ArgsFile != "" {
		var err error
		fileArgs, err = processing.LoadArgsFile(opts.ArgsFile)
		if err != nil {
			return nil, err
		}
	}

	cliArgs, err := processing.ParseArgs(opts.Args)
	if err != nil {
		return nil, err
	}
	return processing.MergeArgs(fileArgs, cliArgs), nil
}

func resultsGroup(opts *Options, specFile string) string {
	if opts.ResultsGroup != "" {
		return opts.ResultsGroup
	}
	base := filepath.Base(specFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func resultsID(opts *Options) string {
	if opts.ResultsID != "" {
		return opts.ResultsID
	}
	return time.Now().UTC().Format(resultsIDFormat)
}

func formatExitCode(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprint(*code)
}
