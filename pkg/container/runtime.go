// Package container is the boundary to the container runtime. Steps talk to
// a Runtime; Docker is the production implementation.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
)

// Kind classifies runtime errors so callers can pick a retry policy.
type Kind int

const (
	// KindRuntime is any failure not covered by a more specific kind.
	KindRuntime Kind = iota
	// KindClient means the runtime client could not be constructed or
	// could not reach the daemon.
	KindClient
	// KindImageNotFound means the image could not be found or pulled.
	KindImageNotFound
	// KindRejected means the runtime refused to create or start the container.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindImageNotFound:
		return "image not found"
	case KindRejected:
		return "rejected"
	default:
		return "runtime"
	}
}

// Error wraps a runtime failure with its kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindRuntime if it carries none.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindRuntime
}

// CheckImageReference reports a malformed image reference, such as one with
// an unresolved placeholder, as a rejected launch.
func CheckImageReference(ref string) error {
	if _, err := name.ParseReference(ref); err != nil {
		return &Error{Kind: KindRejected, Op: fmt.Sprintf("parsing image reference %q", ref), Err: err}
	}
	return nil
}

// Mount is a host directory bound into the container.
type Mount struct {
	Host      string
	Container string
	Mode      string
}

// Request describes a container to launch.
type Request struct {
	Name        string
	Image       string
	Command     []string
	Environment map[string]string
	Mounts      []Mount
	WorkingDir  string
	NetworkMode string
	MacAddress  string
	User        string
	GPUs        bool
}

// Container is a launched container. ImageID is the content-addressed id of
// the image the container runs, not the tag it was requested by.
type Container struct {
	ID      string
	ImageID string
}

// Runtime launches and supervises containers.
type Runtime interface {
	// Launch creates and starts a container without waiting for it.
	Launch(ctx context.Context, req Request) (*Container, error)
	// Logs follows the combined stdout and stderr of a container until it exits.
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	// Wait blocks until the container exits and returns its status code.
	Wait(ctx context.Context, id string) (int, error)
	Remove(ctx context.Context, id string) error
	Close() error
}
