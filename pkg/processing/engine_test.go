package processing

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/systemstart/proceed/pkg/api"
	"github.com/systemstart/proceed/pkg/container/containertest"
	"github.com/systemstart/proceed/pkg/steps"
)

func testOptions(rt *containertest.Runtime) Options {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return Options{
		Executor: steps.NewExecutor(containertest.Connector(rt), logger),
		Logger:   logger,
	}
}

func echoStep(name string, command ...string) api.Step {
	return api.Step{Name: name, Image: api.Set("alpine"), Command: api.Set(command)}
}

func TestRunPipeline_Scenario(t *testing.T) {
	dir := t.TempDir()
	rt := containertest.New()

	pipeline := api.Pipeline{
		Version: "0.0.1",
		Args:    map[string]string{"arg_1": "foo"},
		Steps:   []api.Step{echoStep("hello", "echo", "hello $arg_1")},
	}

	record, err := RunPipeline(context.Background(), pipeline, dir, map[string]string{"arg_1": "quux"}, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := record.Amended.Steps[0].Command.OrElse(nil); strings.Join(got, " ") != "echo hello quux" {
		t.Errorf("unexpected amended command %v", got)
	}
	if got := record.Original.Steps[0].Command.OrElse(nil); strings.Join(got, " ") != "echo hello $arg_1" {
		t.Errorf("original pipeline should keep placeholders, got %v", got)
	}
	if len(record.StepResults) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(record.StepResults))
	}

	result := record.StepResults[0]
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", result.ExitCode)
	}
	if result.LogFile != filepath.Join(dir, LogDir, "hello.log") {
		t.Errorf("unexpected log file %q", result.LogFile)
	}
	content, err := os.ReadFile(result.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello quux\n" {
		t.Errorf("expected log 'hello quux\\n', got %q", string(content))
	}
	if !record.Timing.IsComplete() {
		t.Errorf("expected complete pipeline timing, got %+v", record.Timing)
	}
}

func TestRunPipeline_StopsOnFailure(t *testing.T) {
	rt := containertest.New()
	pipeline := api.Pipeline{
		Steps: []api.Step{
			echoStep("one", "echo", "one"),
			echoStep("two", "exit", "1"),
			echoStep("three", "echo", "three"),
		},
	}

	record, err := RunPipeline(context.Background(), pipeline, t.TempDir(), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(record.StepResults) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(record.StepResults))
	}
	if record.StepResults[1].Name != "two" || *record.StepResults[1].ExitCode != 1 {
		t.Errorf("expected step two to fail with 1, got %+v", record.StepResults[1])
	}
	if len(rt.Requests()) != 2 {
		t.Errorf("expected 2 containers launched, got %d", len(rt.Requests()))
	}
	if failures := record.Failures(); len(failures) != 1 || failures[0].Name != "two" {
		t.Errorf("unexpected failures %+v", failures)
	}
}

func TestRunPipeline_StopsWhenStepDoesNotStart(t *testing.T) {
	rt := containertest.New()
	rt.Images = map[string]string{"alpine": "sha256:abc"}
	pipeline := api.Pipeline{
		Steps: []api.Step{
			{Name: "missing", Image: api.Set("no_such_image"), Command: api.Set([]string{"echo"})},
			echoStep("after", "echo", "after"),
		},
	}

	record, err := RunPipeline(context.Background(), pipeline, t.TempDir(), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(record.StepResults) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(record.StepResults))
	}
	if record.StepResults[0].ExitCode != nil {
		t.Errorf("expected nil exit code, got %d", *record.StepResults[0].ExitCode)
	}
}

func TestRunPipeline_UnresolvedImageFailsOnlyItsStep(t *testing.T) {
	rt := containertest.New()
	pipeline := api.Pipeline{
		Steps: []api.Step{
			echoStep("first", "echo", "first"),
			{Name: "second", Image: api.Set("$registry/tool"), Command: api.Set([]string{"echo"})},
		},
	}

	record, err := RunPipeline(context.Background(), pipeline, t.TempDir(), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(record.StepResults) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(record.StepResults))
	}
	if code := record.StepResults[0].ExitCode; code == nil || *code != 0 {
		t.Errorf("expected step first to succeed, got %v", code)
	}
	second := record.StepResults[1]
	if second.ExitCode != nil {
		t.Errorf("expected nil exit code, got %d", *second.ExitCode)
	}
	content, err := os.ReadFile(second.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "parsing image reference") {
		t.Errorf("expected launch error in step log, got %q", string(content))
	}
}

func TestRunPipeline_RelativeExecutionDir(t *testing.T) {
	base := t.TempDir()
	t.Chdir(base)

	rt := containertest.New()
	pipeline := api.Pipeline{Steps: []api.Step{echoStep("hello", "echo", "hello")}}

	record, err := RunPipeline(context.Background(), pipeline, filepath.Join("results", "run"), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logFile := record.StepResults[0].LogFile
	if !filepath.IsAbs(logFile) {
		t.Fatalf("expected absolute log file, got %q", logFile)
	}
	want := filepath.Join(base, "results", "run", LogDir, "hello.log")
	if resolved, err := filepath.EvalSymlinks(logFile); err != nil || resolved != mustEvalSymlinks(t, want) {
		t.Errorf("expected log file %q, got %q", want, logFile)
	}
}

func TestRunPipeline_StepLogsDoNotClobberRunFiles(t *testing.T) {
	dir := t.TempDir()
	runLog := filepath.Join(dir, "proceed.log")
	if err := os.WriteFile(runLog, []byte("run log\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	rt := containertest.New()
	pipeline := api.Pipeline{Steps: []api.Step{echoStep("proceed", "echo", "step output")}}

	record, err := RunPipeline(context.Background(), pipeline, dir, nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(runLog)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "run log\n" {
		t.Errorf("run log was overwritten: %q", string(content))
	}
	if got := record.StepResults[0].LogFile; got != filepath.Join(dir, LogDir, "proceed.log") {
		t.Errorf("unexpected log file %q", got)
	}
}

func mustEvalSymlinks(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resolved
}

func TestRunPipeline_SkippedStepDoesNotStop(t *testing.T) {
	work := t.TempDir()
	if err := os.WriteFile(filepath.Join(work, "one.done"), []byte("done"), 0o600); err != nil {
		t.Fatal(err)
	}

	rt := containertest.New()
	first := echoStep("one", "echo", "one")
	first.Volumes = map[string]api.Volume{work: {Bind: "/work"}}
	first.MatchDone = api.Set([]string{"*.done"})
	pipeline := api.Pipeline{Steps: []api.Step{first, echoStep("two", "echo", "two")}}

	record, err := RunPipeline(context.Background(), pipeline, t.TempDir(), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(record.StepResults) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(record.StepResults))
	}
	if !record.StepResults[0].Skipped {
		t.Error("expected step one to be skipped")
	}
	if record.StepResults[1].Skipped || record.StepResults[1].ExitCode == nil {
		t.Errorf("expected step two to run, got %+v", record.StepResults[1])
	}
}

func TestRunPipeline_StepNames(t *testing.T) {
	pipeline := api.Pipeline{
		Steps: []api.Step{
			echoStep("a", "echo", "a"),
			echoStep("b", "echo", "b"),
			echoStep("c", "echo", "c"),
		},
	}

	tests := []struct {
		name      string
		stepNames []string
		want      []string
	}{
		{"all", nil, []string{"a", "b", "c"}},
		{"declaration order", []string{"c", "a"}, []string{"a", "c"}},
		{"unknown names", []string{"x", "y"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(containertest.New())
			opts.StepNames = tt.stepNames

			record, err := RunPipeline(context.Background(), pipeline, t.TempDir(), nil, opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var got []string
			for _, r := range record.StepResults {
				got = append(got, r.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("expected steps %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRunPipeline_InheritsPipelineDefaults(t *testing.T) {
	rt := containertest.New()
	pipeline := api.Pipeline{
		Args:        map[string]string{"mode": "fast"},
		Environment: map[string]string{"MODE": "$mode", "SHARED": "yes"},
		NetworkMode: "none",
		Steps: []api.Step{
			{Name: "env", Image: api.Set("alpine"), Command: api.Set([]string{"env"}), Environment: map[string]string{"SHARED": "no"}},
		},
	}

	record, err := RunPipeline(context.Background(), pipeline, t.TempDir(), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(record.StepResults[0].LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "MODE=fast\nSHARED=no\n" {
		t.Errorf("unexpected environment %q", string(content))
	}
	if got := rt.Requests()[0].NetworkMode; got != "none" {
		t.Errorf("expected inherited network mode, got %q", got)
	}
}

func TestRunPipeline_InvalidPipeline(t *testing.T) {
	tests := []struct {
		name     string
		pipeline api.Pipeline
		wantErr  string
	}{
		{
			"duplicate names",
			api.Pipeline{Steps: []api.Step{echoStep("a", "echo"), echoStep("a", "echo")}},
			"duplicate step name",
		},
		{
			"missing image",
			api.Pipeline{Steps: []api.Step{{Name: "a"}}},
			"image is required",
		},
		{
			"colliding log files",
			api.Pipeline{Steps: []api.Step{echoStep("step 1", "echo"), echoStep("step_1", "echo")}},
			"share the log file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := containertest.New()
			dir := filepath.Join(t.TempDir(), "run")

			_, err := RunPipeline(context.Background(), tt.pipeline, dir, nil, testOptions(rt))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if len(rt.Requests()) != 0 {
				t.Error("no step should run for an invalid pipeline")
			}
			if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
				t.Error("execution directory should not be created for an invalid pipeline")
			}
		})
	}
}

func TestRunPipeline_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := containertest.New()
	pipeline := api.Pipeline{Steps: []api.Step{echoStep("a", "echo")}}

	record, err := RunPipeline(ctx, pipeline, t.TempDir(), nil, testOptions(rt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(record.StepResults) != 0 {
		t.Errorf("expected no step results, got %d", len(record.StepResults))
	}
}

func TestRunPipeline_NoExecutor(t *testing.T) {
	_, err := RunPipeline(context.Background(), api.Pipeline{}, t.TempDir(), nil, Options{})
	if err == nil {
		t.Fatal("expected error without executor")
	}
}
