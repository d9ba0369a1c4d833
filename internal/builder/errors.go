package builder

import (
	"errors"
	"fmt"
	"os"
)

// Kind classifies a fatal build failure.
type Kind string

const (
	// KindEnvironment marks a missing external tool or unreachable runtime,
	// detected once up front.
	KindEnvironment Kind = "environment"
	// KindInput marks conflicting or missing request selectors, raised
	// before any resource is acquired.
	KindInput Kind = "input"
	// KindFetch marks a failed image pull.
	KindFetch Kind = "fetch"
	// KindBuild marks a failed Dockerfile build.
	KindBuild Kind = "build"
	// KindIO marks filesystem read/write failures during extraction,
	// credential install, or packaging.
	KindIO Kind = "io"
	// KindPermission marks permission-denied filesystem failures.
	KindPermission Kind = "permission"
	// KindFormat marks a failed filesystem creation on the target file. The
	// partial output file is removed before the error surfaces.
	KindFormat Kind = "format"
	// KindNamespace marks inability to mount or enter the packaged image
	// for configuration. The raw unconfigured image file persists, since
	// packaging already succeeded.
	KindNamespace Kind = "namespace"
)

// BuildError is a classified fatal error. Every fatal path through a build
// carries exactly one Kind so callers can map failures to exit behavior
// without string matching.
type BuildError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *BuildError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// fail wraps err as a classified BuildError.
func fail(kind Kind, op string, err error) error {
	return &BuildError{Kind: kind, Op: op, Err: err}
}

// failf creates a classified BuildError from a format string.
func failf(kind Kind, format string, args ...any) error {
	return &BuildError{Kind: kind, Op: fmt.Sprintf(format, args...)}
}

// failIO classifies a filesystem error as permission or plain IO.
func failIO(op string, err error) error {
	if os.IsPermission(err) {
		return fail(KindPermission, op, err)
	}
	return fail(KindIO, op, err)
}

// KindOf returns the Kind of a classified error, or the empty string when
// the error carries no classification.
func KindOf(err error) Kind {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
