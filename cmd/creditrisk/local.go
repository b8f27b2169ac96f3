package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jmerrifield20/creditrisk/internal/config"
	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/internal/modelcache"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
	"github.com/jmerrifield20/creditrisk/pkg/client"
	"go.uber.org/zap"
)

// newLogger logs to stderr with --verbose and discards otherwise.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// localStack is the resolution and scoring path of scoring-api, built
// in-process from the same configuration.
type localStack struct {
	cfg      *config.Config
	resolver *resolver.Resolver
	cache    *modelcache.Cache
	schema   *schema.Schema
	service  *scoring.Service
}

func newLocalStack(logger *zap.Logger) (*localStack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	var registry resolver.RegistryClient
	if cfg.Model.RegistryURI != "" {
		c, err := mlflow.New(cfg.MLflow(), logger)
		if err != nil {
			registry = resolver.UnavailableRegistry(err)
		} else {
			registry = c
		}
	}
	featureSchema := schema.Default()
	if cfg.Schema.File != "" {
		if featureSchema, err = schema.LoadFile(cfg.Schema.File); err != nil {
			return nil, err
		}
	}

	res := resolver.New(cfg.Model, registry, logger)
	res.SetModelCheck(func(l *resolver.Loaded) error { return featureSchema.CheckModel(l.Features) })
	cache := modelcache.New(res, logger)

	svc, err := scoring.New(cache, featureSchema, cfg.Thresholds(), logger)
	if err != nil {
		return nil, err
	}
	return &localStack{cfg: cfg, resolver: res, cache: cache, schema: featureSchema, service: svc}, nil
}

// remoteClient builds an SDK client for --server.
func remoteClient(opts ...client.Option) (*client.Client, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("--server is required")
	}
	return client.New(serverURL, opts...)
}

// readRecord reads one JSON feature record from path, or stdin when path is
// empty or "-".
func readRecord(path string) (map[string]any, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode feature record: %w", err)
	}
	return rec, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
