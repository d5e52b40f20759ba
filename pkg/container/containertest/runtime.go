// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/systemstart/proceed/pkg/container"
)

// Runtime runs containers by interpreting a handful of commands:
//
//	echo ARGS...   prints ARGS joined by spaces
//	exit N         exits with status N
//	env            prints the environment, one sorted KEY=VALUE per line
//	pwd            prints the working directory
//
// Any other command is rejected at launch, the way a missing executable is.
type Runtime struct {
	// Images maps known image references to ids. When nil, every image is
	// known and its id is derived from the reference.
	Images map[string]string

	// Errors injected into the matching operation.
	LaunchErr error
	WaitErr   error
	RemoveErr error

	mu         sync.Mutex
	next       int
	containers map[string]*run
	requests   []container.Request
	removed    []string
	closed     int
}

type run struct {
	output   string
	exitCode int
}

// New returns a Runtime that knows every image.
func New() *Runtime {
	return &Runtime{}
}

// ImageID returns the id the runtime reports for ref.
func (r *Runtime) ImageID(ref string) string {
	if r.Images != nil {
		return r.Images[ref]
	}
	sum := sha256.Sum256([]byte(ref))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (r *Runtime) Launch(_ context.Context, req container.Request) (*container.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, req)

	if r.LaunchErr != nil {
		return nil, r.LaunchErr
	}
	if err := container.CheckImageReference(req.Image); err != nil {
		return nil, err
	}

	imageID := r.ImageID(req.Image)
	if imageID == "" {
		return nil, &container.Error{
			Kind: container.KindImageNotFound,
			Op:   "pulling image " + req.Image,
			Err:  fmt.Errorf("pull access denied for %s, repository does not exist", req.Image),
		}
	}

	output, exitCode, err := interpret(req)
	if err != nil {
		return nil, &container.Error{Kind: container.KindRejected, Op: "starting container", Err: err}
	}

	if r.containers == nil {
		r.containers = make(map[string]*run)
	}
	r.next++
	id := "container-" + strconv.Itoa(r.next)
	r.containers[id] = &run{output: output, exitCode: exitCode}

	return &container.Container{ID: id, ImageID: imageID}, nil
}

func (r *Runtime) Logs(_ context.Context, id string) (io.ReadCloser, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(c.output)), nil
}

func (r *Runtime) Wait(_ context.Context, id string) (int, error) {
	c, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if r.WaitErr != nil {
		return 0, r.WaitErr
	}
	return c.exitCode, nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	delete(r.containers, id)
	r.removed = append(r.removed, id)
	return nil
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

// Requests returns every launch request received, in order.
func (r *Runtime) Requests() []container.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.requests)
}

// Removed returns the ids of removed containers.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removed)
}

// Closed returns how many times Close was called.
func (r *Runtime) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) lookup(id string) (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, &container.Error{Kind: container.KindRuntime, Op: "finding container", Err: fmt.Errorf("no such container: %s", id)}
	}
	return c, nil
}

func interpret(req container.Request) (string, int, error) {
	if len(req.Command) == 0 {
		return "", 0, nil
	}

	args := req.Command[1:]
	switch req.Command[0] {
	case "echo":
		return strings.Join(args, " ") + "\n", 0, nil
	case "exit":
		if len(args) != 1 {
			return "", 0, fmt.Errorf("exit takes one argument")
		}
		code, err := strconv.Atoi(args[0])
		if err != nil {
			return "", 0, fmt.Errorf("exit: %w", err)
		}
		return "", code, nil
	case "env":
		var b strings.Builder
		for _, k := range slices.Sorted(maps.Keys(req.Environment)) {
			b.WriteString(k + "=" + req.Environment[k] + "\n")
		}
		return b.String(), 0, nil
	case "pwd":
		return req.WorkingDir + "\n", 0, nil
	default:
		return "", 0, fmt.Errorf("exec: %q: executable file not found in $PATH", req.Command[0])
	}
}

// Connector returns a connect function that always hands out rt.
func Connector(rt container.Runtime) func(context.Context) (container.Runtime, error) {
	return func(context.Context) (container.Runtime, error) {
		return rt, nil
	}
}
