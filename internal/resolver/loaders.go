package resolver

import (
	"context"
	"fmt"
	"os"

	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/pkg/estimator"
)

// SourceKind tags where a model was loaded from.
type SourceKind int

const (
	SourceRegistry SourceKind = iota + 1
	SourceLocalFile
)

func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceLocalFile:
		return "local_file"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind as its string name in JSON.
func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RegistryClient loads a model by registry name and stage.
// *mlflow.Client satisfies it.
type RegistryClient interface {
	LoadModel(ctx context.Context, name, stage string) (*estimator.Estimator, *mlflow.ModelVersion, error)
}

// UnavailableRegistry returns a RegistryClient whose every load fails with
// err. Use it when the registry client itself could not be constructed so
// that resolution still records the registry attempt and falls back.
func UnavailableRegistry(err error) RegistryClient {
	return unavailableRegistry{err: err}
}

type unavailableRegistry struct{ err error }

func (u unavailableRegistry) LoadModel(context.Context, string, string) (*estimator.Estimator, *mlflow.ModelVersion, error) {
	return nil, nil, u.err
}

// ── Registry ─────────────────────────────────────────────────────────────────

type registryLoader struct {
	client RegistryClient
	name   string
	stage  string
	uri    string
}

// NewRegistryLoader loads models:/<name>/<stage> from the registry.
func NewRegistryLoader(client RegistryClient, name, stage string) Loader {
	return &registryLoader{
		client: client,
		name:   name,
		stage:  stage,
		uri:    mlflow.ModelURI(name, stage),
	}
}

func (l *registryLoader) Source() SourceKind { return SourceRegistry }
func (l *registryLoader) Identifier() string { return l.uri }

func (l *registryLoader) Load(ctx context.Context) (*Loaded, error) {
	est, mv, err := l.client.LoadModel(ctx, l.name, l.stage)
	if err != nil {
		return nil, &RegistryUnavailableError{Identifier: l.uri, Err: err}
	}
	version := est.Version
	if mv != nil && mv.Version != "" {
		version = mv.Version
	}
	return &Loaded{Model: est, Version: version, Features: est.Features()}, nil
}

// ── Local file ───────────────────────────────────────────────────────────────

type localFileLoader struct {
	path string
}

// NewLocalFileLoader loads a persisted estimator from path. The file is
// only ever read.
func NewLocalFileLoader(path string) Loader {
	return &localFileLoader{path: path}
}

func (l *localFileLoader) Source() SourceKind { return SourceLocalFile }
func (l *localFileLoader) Identifier() string { return l.path }

func (l *localFileLoader) Load(_ context.Context) (*Loaded, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, &LocalArtifactError{Path: l.path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &LocalArtifactError{Path: l.path, Err: err}
	}
	if info.IsDir() {
		return nil, &LocalArtifactError{Path: l.path, Err: fmt.Errorf("is a directory")}
	}

	est, err := estimator.Load(f)
	if err != nil {
		return nil, &LocalArtifactError{Path: l.path, Err: err}
	}
	return &Loaded{Model: est, Version: est.Version, Features: est.Features()}, nil
}
