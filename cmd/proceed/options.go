package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const optionsFileName = "proceed_options.yaml"

// Options is the merged configuration of a proceed invocation.
type Options struct {
	ResultsDir   string   `mapstructure:"results_dir"`
	ResultsGroup string   `mapstructure:"results_group"`
	ResultsID    string   `mapstructure:"results_id"`
	Args         []string `mapstructure:"args"`
	ArgsFile     string   `mapstructure:"args_file"`
	StepNames    []string `mapstructure:"step_names"`
	ForceRerun   bool     `mapstructure:"force_rerun"`

	SummaryFile       string   `mapstructure:"summary_file"`
	SummarySortRowsBy []string `mapstructure:"summary_sort_rows_by"`
	SummaryColumns    []string `mapstructure:"summary_columns"`
	SummaryTemplate   string   `mapstructure:"summary_template"`

	LoggingType string `mapstructure:"logging_type"`
	LogLevel    string `mapstructure:"log_level"`
}

// flagKeys maps flag names to option keys.
var flagKeys = map[string]string{
	"results-dir":      "results_dir",
	"results-group":    "results_group",
	"results-id":       "results_id",
	"args":             "args",
	"args-file":        "args_file",
	"step-names":       "step_names",
	"force-rerun":      "force_rerun",
	"summary-file":     "summary_file",
	"sort-rows-by":     "summary_sort_rows_by",
	"summary-columns":  "summary_columns",
	"summary-template": "summary_template",
	"logging-type":     "logging_type",
	"log-level":        "log_level",
}

func bindFlags(f *pflag.FlagSet, v *viper.Viper) {
	f.StringArray("options", nil, "options YAML file, may be repeated, later files win")
	f.String("results-dir", "./proceed_out", "directory for execution records and logs")
	f.String("results-group", "", "group directory for this run (default: pipeline file base name)")
	f.String("results-id", "", "id directory for this run (default: UTC timestamp)")
	f.StringArrayP("args", "a", nil, "pipeline arg as name=value, may be repeated")
	f.String("args-file", "", "YAML file with pipeline args")
	f.StringSlice("step-names", nil, "only run the named steps")
	f.Bool("force-rerun", false, "run steps even when their done files exist")
	f.String("summary-file", "./summary.csv", "summary output file")
	f.StringSlice("sort-rows-by", []string{"step_start", "file_path"}, "summary sort columns")
	f.StringSlice("summary-columns", nil, "summary columns to write (default: all)")
	f.String("summary-template", "", "text/template file to render the summary with instead of CSV")
	f.String("logging-type", "tint", "logging type: json, text or tint")
	f.String("log-level", "info", "logging level: debug, info, warn, error")

	for name, key := range flagKeys {
		_ = v.BindPFlag(key, f.Lookup(name))
	}

	v.SetEnvPrefix("PROCEED")
	v.AutomaticEnv()
}

func defaultOptionsFiles() []string {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, optionsFileName))
	}
	return append(files, optionsFileName)
}

// readOptionsFiles merges the optional default files, then each explicit
// file, which must exist.
func readOptionsFiles(v *viper.Viper, defaults, explicit []string) error {
	for _, f := range defaults {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := mergeOptionsFile(v, f); err != nil {
			return err
		}
	}
	for _, f := range explicit {
		if err := mergeOptionsFile(v, f); err != nil {
			return err
		}
	}
	return nil
}

func mergeOptionsFile(v *viper.Viper, filename string) error {
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("reading options file %s: %w", filename, err)
	}
	return nil
}

func unmarshalOptions(v *viper.Viper) (*Options, error) {
	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	return &opts, nil
}
