package steps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/systemstart/proceed/pkg/api"
	"github.com/systemstart/proceed/pkg/container"
	"github.com/systemstart/proceed/pkg/matching"
	"golang.org/x/sync/errgroup"
)

// Connector opens a fresh runtime connection for one step.
type Connector func(ctx context.Context) (container.Runtime, error)

// Executor runs single steps against a container runtime.
type Executor struct {
	Connect  Connector
	Logger   *slog.Logger
	Now      func() time.Time
	Policies map[container.Kind]RetryPolicy
}

// NewExecutor creates an executor with the default retry policies.
func NewExecutor(connect Connector, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Connect:  connect,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		Policies: DefaultPolicies,
	}
}

// Run takes a step through the done check, and unless that finds done
// files, through launching its container, capturing its output and
// collecting its result. Failures are reported in the result, not returned.
func (e *Executor) Run(ctx context.Context, step api.Step, sctx StepContext) api.StepResult {
	logger := e.Logger.With("step", step.Name)
	start := e.now()
	result := api.StepResult{Name: step.Name, Timing: api.Started(start)}

	volumes := combine(sctx.Volumes, step.Volumes)
	dirs := api.HostDirs(volumes)

	filesDone, err := matchDoneFiles(dirs, step.MatchDone)
	if err != nil {
		logger.Error("done check failed, running step", "error", err)
	}
	result.FilesDone = filesDone
	if n := matching.Count(result.FilesDone); n > 0 {
		if !sctx.ForceRerun {
			logger.Info("skipping step, done files found", "count", n)
			result.Skipped = true
			return result
		}
		logger.Info("done files found, running anyway", "count", n)
	}

	result.FilesIn = matchFiles(logger, "in", dirs, step.MatchIn)

	logFile, err := createLogFile(sctx.LogFile)
	if err != nil {
		logger.Error("could not create step log", "error", err)
		return result
	}
	defer logFile.Close()
	result.LogFile = sctx.LogFile

	req := buildRequest(step, sctx, volumes)
	logger.Info("launching container", "image", req.Image, "command", req.Command)

	rt, c, err := e.launch(ctx, logger, req)
	if err != nil {
		logger.Error("step did not start", "error", err)
		writeExplanation(logger, logFile, err)
		result.LogDigest = logDigest(logger, sctx.LogFile)
		return result
	}
	defer rt.Close()
	result.ImageID = c.ImageID

	exitCode, err := e.supervise(ctx, logger, rt, c.ID, logFile)
	if err != nil {
		logger.Error("lost track of container", "container", c.ID, "error", err)
		writeExplanation(logger, logFile, err)
	}
	result.ExitCode = exitCode

	if err := rt.Remove(ctx, c.ID); err != nil {
		logger.Warn("failed to remove container", "container", c.ID, "error", err)
	}

	result.LogDigest = logDigest(logger, sctx.LogFile)
	result.FilesOut = matchFiles(logger, "out", dirs, step.MatchOut)
	result.FilesSummary = matchFiles(logger, "summary", dirs, step.MatchSummary)
	result.Timing = api.Finished(start, e.now())

	if exitCode != nil {
		logger.Info("step finished", "exitCode", *exitCode, "duration", result.Timing.Duration)
	}
	return result
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

// launch connects and launches, retrying as the policy for each failure's
// kind allows.
func (e *Executor) launch(ctx context.Context, logger *slog.Logger, req container.Request) (container.Runtime, *container.Container, error) {
	for attempt := 1; ; attempt++ {
		rt, c, err := e.launchOnce(ctx, req)
		if err == nil {
			return rt, c, nil
		}

		kind := container.KindOf(err)
		policy := policyFor(e.Policies, kind)
		logger.Warn(fmt.Sprintf("launch failed on attempt %d out of %d", attempt, policy.Attempts), "kind", kind, "error", err)
		if attempt >= policy.Attempts {
			return nil, nil, err
		}
	}
}

func (e *Executor) launchOnce(ctx context.Context, req container.Request) (container.Runtime, *container.Container, error) {
	rt, err := e.Connect(ctx)
	if err != nil {
		if container.KindOf(err) != container.KindClient {
			err = &container.Error{Kind: container.KindClient, Op: "connecting to container runtime", Err: err}
		}
		return nil, nil, err
	}

	c, err := rt.Launch(ctx, req)
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	return rt, c, nil
}

// supervise streams the container's output into logFile while waiting for
// it to exit. A nil exit code means no status was received.
func (e *Executor) supervise(ctx context.Context, logger *slog.Logger, rt container.Runtime, id string, logFile io.Writer) (*int, error) {
	logs, err := rt.Logs(ctx, id)
	if err != nil {
		return nil, err
	}
	defer logs.Close()

	var (
		g        errgroup.Group
		exitCode int
	)
	g.Go(func() error {
		if err := streamLogs(logs, logFile, logger); err != nil {
			logger.Warn("step output capture stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		code, err := rt.Wait(ctx, id)
		if err != nil {
			// Unblock the log reader, the container may never finish.
			_ = logs.Close()
			return err
		}
		exitCode = code
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &exitCode, nil
}

func buildRequest(step api.Step, sctx StepContext, volumes map[string]api.Volume) container.Request {
	req := container.Request{
		Image:       step.Image.OrElse(""),
		Command:     step.Command.OrElse(nil),
		Environment: combine(sctx.Environment, step.Environment),
		WorkingDir:  step.WorkingDir.OrElse(""),
		NetworkMode: step.NetworkMode.OrElse(sctx.NetworkMode),
		MacAddress:  step.MacAddress.OrElse(sctx.MacAddress),
		User:        step.User.OrElse(""),
		GPUs:        step.GPUs.OrElse(false),
	}
	for _, host := range api.HostDirs(volumes) {
		v := volumes[host].Normalized(api.ModeReadWrite)
		req.Mounts = append(req.Mounts, container.Mount{Host: host, Container: v.Bind, Mode: v.Mode})
	}
	return req
}

// combine overlays own on inherited without touching either map.
func combine[V any](inherited, own map[string]V) map[string]V {
	combined := make(map[string]V, len(inherited)+len(own))
	maps.Copy(combined, inherited)
	maps.Copy(combined, own)
	return combined
}

func matchFiles(logger *slog.Logger, role string, dirs []string, patterns api.Optional[[]string]) map[string]map[string]string {
	p, ok := patterns.Get()
	if !ok || len(p) == 0 {
		return nil
	}

	matches, err := matching.Match(dirs, p)
	if err != nil {
		logger.Warn("file matching failed", "role", role, "error", err)
		return nil
	}
	if len(matches) == 0 {
		return nil
	}
	logger.Debug("matched files", "role", role, "count", matching.Count(matches))
	return matches
}

func matchDoneFiles(dirs []string, patterns api.Optional[[]string]) (map[string]map[string]string, error) {
	p, ok := patterns.Get()
	if !ok || len(p) == 0 {
		return nil, nil
	}
	matches, err := matching.Match(dirs, p)
	if err != nil {
		return nil, fmt.Errorf("matching done files: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches, nil
}

// logDigest digests the step log once the container is done writing to it.
func logDigest(logger *slog.Logger, path string) string {
	digest, err := matching.HashFile(path, matching.DefaultAlgorithm)
	if err != nil {
		logger.Warn("failed to digest step log", "error", err)
		return ""
	}
	return digest
}

func createLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("no log file given")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	return f, nil
}

func writeExplanation(logger *slog.Logger, w io.Writer, err error) {
	if _, werr := fmt.Fprintln(w, err.Error()); werr != nil {
		logger.Warn("failed to write step log", "error", werr)
	}
}
