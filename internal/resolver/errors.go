package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errRegistryNotConfigured = errors.New("registry client not configured")
	errEmptyModel            = errors.New("loader returned no model")
)

// RegistryUnavailableError is a registry load failure: unreachable,
// unauthorized, model/stage not found or incompatible artifact. Resolve
// absorbs it and moves on to the next source.
type RegistryUnavailableError struct {
	Identifier string
	Err        error
}

func (e *RegistryUnavailableError) Error() string {
	return fmt.Sprintf("registry %s: %v", e.Identifier, e.Err)
}

func (e *RegistryUnavailableError) Unwrap() error { return e.Err }

// LocalArtifactError is a local artifact load failure: missing, unreadable
// or corrupt file.
type LocalArtifactError struct {
	Path string
	Err  error
}

func (e *LocalArtifactError) Error() string {
	return fmt.Sprintf("local artifact %s: %v", e.Path, e.Err)
}

func (e *LocalArtifactError) Unwrap() error { return e.Err }

// SourceError is a failure of a loader that is neither the registry nor the
// local file.
type SourceError struct {
	Kind       SourceKind
	Identifier string
	Err        error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Identifier, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// sourceError wraps err in the error type of l's source kind.
func sourceError(l Loader, err error) error {
	switch l.Source() {
	case SourceRegistry:
		return &RegistryUnavailableError{Identifier: l.Identifier(), Err: err}
	case SourceLocalFile:
		return &LocalArtifactError{Path: l.Identifier(), Err: err}
	default:
		return &SourceError{Kind: l.Source(), Identifier: l.Identifier(), Err: err}
	}
}

// ModelUnavailableError means every configured source failed. The service
// must not serve scoring requests in this state.
type ModelUnavailableError struct {
	Causes []error
}

func (e *ModelUnavailableError) Error() string {
	if len(e.Causes) == 0 {
		return "model unavailable: no model sources configured"
	}
	msgs := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		msgs[i] = c.Error()
	}
	return "model unavailable: " + strings.Join(msgs, "; ")
}

func (e *ModelUnavailableError) Unwrap() []error { return e.Causes }

// IsModelUnavailable reports whether err (or anything it wraps) is a
// *ModelUnavailableError.
func IsModelUnavailable(err error) bool {
	var mu *ModelUnavailableError
	return errors.As(err, &mu)
}
