package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/systemstart/proceed/pkg/aggregate"
)

func newSummarizeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize",
		Short: "Collect execution records under the results directory into a summary table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts, err := unmarshalOptions(a.v)
			if err != nil {
				return &exitError{code: exitInvalidOptions, err: err}
			}
			return a.summarize(opts)
		},
	}
}

func (a *app) summarize(opts *Options) error {
	logger := a.logger
	if logger == nil {
		logger = slog.Default()
	}

	rows, err := aggregate.Summarize(opts.ResultsDir, logger)
	if err != nil {
		return &exitError{code: exitSummarizeFailed, err: err}
	}
	aggregate.SortRows(rows, opts.SummarySortRowsBy)

	var tmpl string
	if opts.SummaryTemplate != "" {
		data, err := os.ReadFile(opts.SummaryTemplate)
		if err != nil {
			return exitWith(exitWriteSummaryFailed, "reading summary template: %w", err)
		}
		tmpl = string(data)
	}

	if err := writeSummary(opts.SummaryFile, rows, opts.SummaryColumns, tmpl); err != nil {
		return &exitError{code: exitWriteSummaryFailed, err: err}
	}

	logger.Info("wrote summary", "file", opts.SummaryFile, "rows", len(rows))
	return nil
}

func writeSummary(filename string, rows []aggregate.Row, columns []string, tmpl string) (err error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("creating summary directory: %w", err)
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating summary file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing summary file: %w", cerr)
		}
	}()

	if tmpl != "" {
		return aggregate.WriteTemplate(f, rows, columns, tmpl)
	}
	return aggregate.WriteCSV(f, rows, columns)
}
