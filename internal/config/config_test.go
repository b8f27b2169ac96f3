package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/creditrisk/internal/config"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := resolver.Config{
		ModelName:  "credit-risk-best",
		ModelStage: "Production",
		LocalPath:  "/app/artifacts/best_model.pkl",
	}
	if cfg.Model != want {
		t.Errorf("Model: got %+v, want %+v", cfg.Model, want)
	}
	if cfg.Scoring.Threshold != 0.5 || cfg.Scoring.MediumThreshold != 0.3 {
		t.Errorf("Scoring: %+v", cfg.Scoring)
	}
	if cfg.Server.Port != 8000 || cfg.Registry.Timeout != 10*time.Second {
		t.Errorf("Server/Registry: %+v %+v", cfg.Server, cfg.Registry)
	}
	if cfg.File != "" {
		t.Errorf("File: got %q, want empty", cfg.File)
	}
	if !cfg.RequireModel || !cfg.Audit.Enabled {
		t.Error("startup model requirement and audit should default on")
	}
}

func TestLoad_legacyEnvNames(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MLFLOW_TRACKING_URI", "http://mlflow:5000")
	t.Setenv("MLFLOW_MODEL_NAME", "credit-risk-gbm")
	t.Setenv("MLFLOW_MODEL_STAGE", "Staging")
	t.Setenv("LOCAL_MODEL_PATH", "/models/m.pkl")
	t.Setenv("MLFLOW_TRACKING_TOKEN", "s3cr3t")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := resolver.Config{
		RegistryURI: "http://mlflow:5000",
		ModelName:   "credit-risk-gbm",
		ModelStage:  "Staging",
		LocalPath:   "/models/m.pkl",
	}
	if cfg.Model != want {
		t.Errorf("Model: got %+v, want %+v", cfg.Model, want)
	}
	if cfg.MLflow().Token != "s3cr3t" || cfg.MLflow().TrackingURI != "http://mlflow:5000" {
		t.Errorf("MLflow(): %+v", cfg.MLflow())
	}
}

func TestLoad_canonicalEnvWinsOverLegacy(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MLFLOW_TRACKING_URI", "http://legacy:5000")
	t.Setenv("MODEL_REGISTRY_URI", "http://primary:5000")
	t.Setenv("SCORING_THRESHOLD", "0.7")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.RegistryURI != "http://primary:5000" {
		t.Errorf("RegistryURI: got %q", cfg.Model.RegistryURI)
	}
	if cfg.Thresholds().High != 0.7 {
		t.Errorf("threshold: got %v", cfg.Thresholds().High)
	}
}

func TestLoad_file(t *testing.T) {
	chdirTemp(t)
	if err := os.Mkdir("configs", 0o755); err != nil {
		t.Fatal(err)
	}
	body := `model:
  registry_uri: http://registry:5000
  name: scorecard
scoring:
  threshold: 0.6
  medium_threshold: 0.2
watch:
  interval: 1m
`
	if err := os.WriteFile(filepath.Join("configs", "creditrisk.yaml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.RegistryURI != "http://registry:5000" || cfg.Model.ModelName != "scorecard" || cfg.Model.ModelStage != "Production" {
		t.Errorf("Model: %+v", cfg.Model)
	}
	if cfg.Scoring.Threshold != 0.6 || cfg.Scoring.MediumThreshold != 0.2 {
		t.Errorf("Scoring: %+v", cfg.Scoring)
	}
	if cfg.Watch.Interval != time.Minute {
		t.Errorf("Watch.Interval: %v", cfg.Watch.Interval)
	}
	if !strings.HasSuffix(cfg.File, "creditrisk.yaml") {
		t.Errorf("File: %q", cfg.File)
	}
}

func TestLoad_explicitFileMustExist(t *testing.T) {
	chdirTemp(t)
	if _, err := config.Load("nope.yaml"); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"threshold above one":           {"SCORING_THRESHOLD": "1.5"},
		"medium above high":             {"SCORING_MEDIUM_THRESHOLD": "0.8"},
		"bad port":                      {"SERVER_PORT": "70000"},
		"grpc port clash":               {"SERVER_PORT": "9000", "SERVER_GRPC_PORT": "9000"},
		"watch without registry":        {"WATCH_INTERVAL": "1m"},
		"short admin secret":            {"ADMIN_JWT_SECRET": "tiny"},
		"non-positive registry timeout": {"REGISTRY_TIMEOUT": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := config.Load(""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
