package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/systemstart/proceed/pkg/container"
	"github.com/systemstart/proceed/pkg/logging"
	"github.com/systemstart/proceed/pkg/steps"
)

var version = "dev"

const (
	_ = iota
	exitDotenvError
	exitInvalidOptions
	exitLoggingSetupFailed
	exitLoadPipelineFailed
	exitLoadArgsFailed
	exitExecutionDirectoryFailed
	exitInvalidPipeline
	exitWriteRecordFailed
	exitStepsFailed
	exitSummarizeFailed
	exitWriteSummaryFailed
	exitInterrupted
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// app holds what the commands share.
type app struct {
	v       *viper.Viper
	connect steps.Connector
	stdout  io.Writer
	logger  *slog.Logger
}

func newRootCommand(connect steps.Connector, stdout io.Writer) *cobra.Command {
	a := &app{v: viper.New(), connect: connect, stdout: stdout}

	root := &cobra.Command{
		Use:           "proceed",
		Short:         "Run pipelines of containers and record what happened",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(stdout)

	bindFlags(root.PersistentFlags(), a.v)
	root.AddCommand(newRunCommand(a), newSummarizeCommand(a))
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := includeEnv(); err != nil {
		return &exitError{code: exitDotenvError, err: err}
	}

	files, err := cmd.Flags().GetStringArray("options")
	if err != nil {
		return &exitError{code: exitInvalidOptions, err: err}
	}
	if err := readOptionsFiles(a.v, defaultOptionsFiles(), files); err != nil {
		return &exitError{code: exitInvalidOptions, err: err}
	}

	opts, err := unmarshalOptions(a.v)
	if err != nil {
		return &exitError{code: exitInvalidOptions, err: err}
	}
	a.logger, err = logging.Initialize(a.stdout, opts.LoggingType, opts.LogLevel)
	if err != nil {
		return &exitError{code: exitLoggingSetupFailed, err: err}
	}
	return nil
}

func includeEnv() error {
	err := godotenv.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		slog.Debug("no .env file found")
	} else {
		slog.Debug("using .env file")
	}
	return nil
}

func dockerConnector(logger *slog.Logger) steps.Connector {
	return func(ctx context.Context) (container.Runtime, error) {
		d, err := container.NewDocker(ctx, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(nil, os.Stdout)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupted)
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code != exitStepsFailed {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitInvalidOptions)
}
