package mlflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/internal/mlflow/mlflowtest"
	"go.uber.org/zap"
)

const artifact = `{"format_version":1,"kind":"logistic","version":"3",
	"features":[{"name":"income","type":"number"}],"intercept":0,"weights":[0]}`

func newClient(t *testing.T, cfg mlflow.Config) *mlflow.Client {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	c, err := mlflow.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestModelURI(t *testing.T) {
	if got := mlflow.ModelURI("credit-risk-best", "Production"); got != "models:/credit-risk-best/Production" {
		t.Errorf("ModelURI: got %q", got)
	}
}

func TestNew_rejectsBadURI(t *testing.T) {
	for _, uri := range []string{"", "databricks", "ftp://mlflow"} {
		if _, err := mlflow.New(mlflow.Config{TrackingURI: uri}, zap.NewNop()); err == nil {
			t.Errorf("New(%q): expected error", uri)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestLatestVersion_picksHighest(t *testing.T) {
	srv := mlflowtest.NewServer(t)
	srv.Register("credit-risk-best", "Production", "9", []byte(artifact))
	srv.Register("credit-risk-best", "Production", "10", []byte(artifact))
	srv.Register("credit-risk-best", "Staging", "11", []byte(artifact))

	c := newClient(t, mlflow.Config{TrackingURI: srv.URL})
	mv, err := c.LatestVersion(context.Background(), "credit-risk-best", "Production")
	if err != nil {
		t.Fatalf("LatestVersion() error: %v", err)
	}
	if mv.Version != "10" {
		t.Errorf("Version: got %q, want 10", mv.Version)
	}
}

func TestLatestVersion_notFound(t *testing.T) {
	srv := mlflowtest.NewServer(t)
	srv.Register("credit-risk-best", "Staging", "1", []byte(artifact))

	c := newClient(t, mlflow.Config{TrackingURI: srv.URL})

	if _, err := c.LatestVersion(context.Background(), "unknown-model", "Production"); !errors.Is(err, mlflow.ErrNotFound) {
		t.Errorf("unknown model: expected ErrNotFound, got %v", err)
	}
	if _, err := c.LatestVersion(context.Background(), "credit-risk-best", "Production"); !errors.Is(err, mlflow.ErrNotFound) {
		t.Errorf("empty stage: expected ErrNotFound, got %v", err)
	}
}

func TestLoadModel(t *testing.T) {
	srv := mlflowtest.NewServer(t)
	srv.Register("credit-risk-best", "Production", "3", []byte(artifact))

	c := newClient(t, mlflow.Config{TrackingURI: srv.URL})
	est, mv, err := c.LoadModel(context.Background(), "credit-risk-best", "Production")
	if err != nil {
		t.Fatalf("LoadModel() error: %v", err)
	}
	if mv.Version != "3" {
		t.Errorf("Version: got %q", mv.Version)
	}
	if len(est.Features()) != 1 {
		t.Errorf("expected 1 feature, got %d", len(est.Features()))
	}
}

func TestLoadModel_corruptArtifact(t *testing.T) {
	srv := mlflowtest.NewServer(t)
	srv.Register("credit-risk-best", "Production", "1", []byte("\x80\x04\x95 pickle bytes"))

	c := newClient(t, mlflow.Config{TrackingURI: srv.URL})
	if _, _, err := c.LoadModel(context.Background(), "credit-risk-best", "Production"); err == nil {
		t.Fatal("expected error for non-JSON artifact")
	}
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func TestBearerToken(t *testing.T) {
	srv := mlflowtest.NewServer(t)
	srv.RequireToken = "s3cret"
	srv.Register("credit-risk-best", "Production", "1", []byte(artifact))

	anon := newClient(t, mlflow.Config{TrackingURI: srv.URL})
	if _, err := anon.LatestVersion(context.Background(), "credit-risk-best", "Production"); !errors.Is(err, mlflow.ErrUnauthorized) {
		t.Errorf("anonymous: expected ErrUnauthorized, got %v", err)
	}

	authed := newClient(t, mlflow.Config{TrackingURI: srv.URL, Token: "s3cret"})
	if _, _, err := authed.LoadModel(context.Background(), "credit-risk-best", "Production"); err != nil {
		t.Errorf("with token: unexpected error %v", err)
	}
}

// ── Artifact locations ───────────────────────────────────────────────────────

func TestOpenArtifact_file(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.json"), []byte(artifact), 0o600); err != nil {
		t.Fatal(err)
	}

	c := newClient(t, mlflow.Config{TrackingURI: "http://localhost:1"})
	for _, uri := range []string{dir, "file://" + filepath.ToSlash(dir)} {
		rc, err := c.OpenArtifact(context.Background(), uri)
		if err != nil {
			t.Errorf("OpenArtifact(%q) error: %v", uri, err)
			continue
		}
		rc.Close()
	}
}

func TestOpenArtifact_unsupportedScheme(t *testing.T) {
	c := newClient(t, mlflow.Config{TrackingURI: "http://localhost:1"})
	if _, err := c.OpenArtifact(context.Background(), "runs:/abc/model"); err == nil {
		t.Error("expected error for runs:/ URI")
	}
}

func TestLatestVersion_unreachable(t *testing.T) {
	c := newClient(t, mlflow.Config{TrackingURI: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond})
	_, err := c.LatestVersion(context.Background(), "credit-risk-best", "Production")
	if err == nil {
		t.Fatal("expected error for unreachable registry")
	}
	if errors.Is(err, mlflow.ErrNotFound) {
		t.Errorf("unreachable registry should not look like not-found: %v", err)
	}
}
