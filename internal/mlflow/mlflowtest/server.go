// Package mlflowtest provides an in-process stand-in for an MLflow tracking
// server, covering the registry and artifact-proxy endpoints the mlflow
// client uses.
package mlflowtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmerrifield20/creditrisk/internal/mlflow"
)

// Server is a stub registry. Register models before pointing a client at URL.
type Server struct {
	*httptest.Server

	// RequireToken, when set, makes every request without
	// "Authorization: Bearer <RequireToken>" fail with 401.
	RequireToken string

	mu        sync.Mutex
	versions  map[string][]mlflow.ModelVersion
	artifacts map[string][]byte
	requests  atomic.Int64
}

// NewServer starts a stub registry that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		versions:  make(map[string][]mlflow.ModelVersion),
		artifacts: make(map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Register publishes artifact as version of name at stage, served through
// the artifact proxy as model.json.
func (s *Server) Register(name, stage, version string, artifact []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := "models/" + name + "/" + version
	s.versions[name] = append(s.versions[name], mlflow.ModelVersion{
		Name:         name,
		Version:      version,
		CurrentStage: stage,
		Source:       "mlflow-artifacts:/" + dir,
		Status:       "READY",
	})
	s.artifacts[dir+"/model.json"] = artifact
}

// Requests reports how many HTTP requests the server has handled.
func (s *Server) Requests() int64 { return s.requests.Load() }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if s.RequireToken != "" && r.Header.Get("Authorization") != "Bearer "+s.RequireToken {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid token")
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/2.0/mlflow/registered-models/get-latest-versions":
		s.latestVersions(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/2.0/mlflow/model-versions/get-download-uri":
		s.downloadURI(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/"):
		s.artifact(w, r)
	default:
		writeError(w, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "no such endpoint")
	}
}

func (s *Server) latestVersions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Stages []string `json:"stages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}

	s.mu.Lock()
	all, ok := s.versions[req.Name]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Registered Model with name="+req.Name+" not found")
		return
	}

	out := []mlflow.ModelVersion{}
	for _, mv := range all {
		for _, st := range req.Stages {
			if strings.EqualFold(mv.CurrentStage, st) {
				out = append(out, mv)
			}
		}
	}
	writeJSON(w, map[string]any{"model_versions": out})
}

func (s *Server) downloadURI(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	version := r.URL.Query().Get("version")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mv := range s.versions[name] {
		if mv.Version == version {
			writeJSON(w, map[string]string{"artifact_uri": mv.Source})
			return
		}
	}
	writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "model version not found")
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/")

	s.mu.Lock()
	body, ok := s.artifacts[p]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "artifact not found: "+p)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": msg}) //nolint:errcheck
}
