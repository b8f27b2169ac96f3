// Package mlflow is a minimal client for the MLflow Model Registry REST API.
//
// It covers exactly what model serving needs: find the latest version of a
// registered model at a stage, resolve that version's artifact location and
// stream the model file out of it. Artifact locations may be served by the
// tracking server's artifact proxy (mlflow-artifacts:/), plain HTTP(S), S3 or
// the local filesystem.
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmerrifield20/creditrisk/pkg/estimator"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	// ErrNotFound means the registry has no model (or no version at the stage).
	ErrNotFound = errors.New("registered model not found")
	// ErrUnauthorized means the registry rejected the credentials.
	ErrUnauthorized = errors.New("registry rejected credentials")
)

// maxResponseBytes bounds REST response bodies (not artifacts).
const maxResponseBytes = 1 << 20

// Config holds registry client configuration.
type Config struct {
	TrackingURI  string        // e.g. "http://mlflow:5000"
	ArtifactFile string        // file inside the model artifact directory; default "model.json"
	Timeout      time.Duration // per-request timeout; default 10s

	// Token is a static bearer token (MLFLOW_TRACKING_TOKEN). Ignored when
	// OAuth client credentials are configured.
	Token string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string

	S3Region   string
	S3Endpoint string // optional custom endpoint (MinIO, LocalStack)
}

// ModelVersion mirrors the registry's model_version object.
type ModelVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	CurrentStage string `json:"current_stage"`
	Source       string `json:"source"`
	RunID        string `json:"run_id,omitempty"`
	Status       string `json:"status,omitempty"`
}

// objectGetter is the subset of *s3.Client used to download artifacts.
type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client talks to one MLflow tracking server.
type Client struct {
	base         *url.URL
	artifactFile string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *zap.Logger

	s3Region   string
	s3Endpoint string
	s3Mu       sync.Mutex // guards s3; a failed build is retried on next use
	s3         objectGetter
	loadAWS    func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error)
}

// ModelURI builds the registry identifier for a model at a stage.
func ModelURI(name, stage string) string {
	return "models:/" + name + "/" + stage
}

// New creates a Client. It does not contact the server.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.TrackingURI == "" {
		return nil, fmt.Errorf("tracking URI is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.TrackingURI, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse tracking URI: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported tracking URI scheme %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	artifactFile := cfg.ArtifactFile
	if artifactFile == "" {
		artifactFile = "model.json"
	}

	return &Client{
		base:         base,
		artifactFile: artifactFile,
		timeout:      timeout,
		httpClient:   newHTTPClient(cfg, timeout),
		logger:       logger,
		s3Region:     cfg.S3Region,
		s3Endpoint:   cfg.S3Endpoint,
		loadAWS:      awsconfig.LoadDefaultConfig,
	}, nil
}

// newHTTPClient wires registry authentication through x/oauth2 transports.
func newHTTPClient(cfg Config, timeout time.Duration) *http.Client {
	plain := &http.Client{Timeout: timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)

	var hc *http.Client
	switch {
	case cfg.OAuthClientID != "" && cfg.OAuthTokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		hc = oauth2.NewClient(ctx, cc.TokenSource(ctx))
	case cfg.Token != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	default:
		return plain
	}
	hc.Timeout = timeout
	return hc
}

// LatestVersion returns the newest version of name currently at stage.
func (c *Client) LatestVersion(ctx context.Context, name, stage string) (*ModelVersion, error) {
	body := map[string]any{"name": name, "stages": []string{stage}}
	var resp struct {
		ModelVersions []ModelVersion `json:"model_versions"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/registered-models/get-latest-versions", nil, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.ModelVersions) == 0 {
		return nil, fmt.Errorf("%w: no version of %q at stage %q", ErrNotFound, name, stage)
	}

	latest := resp.ModelVersions[0]
	for _, mv := range resp.ModelVersions[1:] {
		if versionLess(latest.Version, mv.Version) {
			latest = mv
		}
	}
	return &latest, nil
}

// DownloadURI resolves the artifact location of a model version.
func (c *Client) DownloadURI(ctx context.Context, name, version string) (string, error) {
	q := url.Values{"name": {name}, "version": {version}}
	var resp struct {
		ArtifactURI string `json:"artifact_uri"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/2.0/mlflow/model-versions/get-download-uri", q, nil, &resp); err != nil {
		return "", err
	}
	if resp.ArtifactURI == "" {
		return "", fmt.Errorf("registry returned empty artifact_uri for %s/%s", name, version)
	}
	return resp.ArtifactURI, nil
}

// LoadModel resolves models:/<name>/<stage> and builds the estimator.
func (c *Client) LoadModel(ctx context.Context, name, stage string) (*estimator.Estimator, *ModelVersion, error) {
	mv, err := c.LatestVersion(ctx, name, stage)
	if err != nil {
		return nil, nil, err
	}
	artifactURI, err := c.DownloadURI(ctx, name, mv.Version)
	if err != nil {
		return nil, nil, err
	}

	c.logger.Debug("fetching model artifact",
		zap.String("model", name),
		zap.String("version", mv.Version),
		zap.String("artifact_uri", artifactURI),
	)

	rc, err := c.OpenArtifact(ctx, artifactURI)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	est, err := estimator.Load(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("load artifact %s: %w", artifactURI, err)
	}
	return est, mv, nil
}

// OpenArtifact opens the model file inside the artifact directory at uri.
func (c *Client) OpenArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse artifact URI %q: %w", uri, err)
	}

	switch u.Scheme {
	case "mlflow-artifacts":
		p := strings.TrimPrefix(path.Join(u.Path, c.artifactFile), "/")
		target := c.base.JoinPath("/api/2.0/mlflow-artifacts/artifacts", p)
		return c.download(ctx, target.String())
	case "http", "https":
		return c.download(ctx, strings.TrimRight(uri, "/")+"/"+c.artifactFile)
	case "s3":
		return c.openS3(ctx, u.Host, path.Join(strings.TrimPrefix(u.Path, "/"), c.artifactFile))
	case "file", "":
		f, err := os.Open(filepath.Join(filepath.FromSlash(u.Path), c.artifactFile))
		if err != nil {
			return nil, fmt.Errorf("open artifact: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported artifact URI scheme %q", u.Scheme)
	}
}

func (c *Client) download(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// s3Getter builds the S3 client on first use. A failure is not remembered,
// so a transient credential or config error heals on the next load.
func (c *Client) s3Getter(ctx context.Context) (objectGetter, error) {
	c.s3Mu.Lock()
	defer c.s3Mu.Unlock()

	if c.s3 != nil {
		return c.s3, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if c.s3Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.s3Region))
	}
	awsCfg, err := c.loadAWS(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	endpoint := c.s3Endpoint
	c.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return c.s3, nil
}

func (c *Client) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	getter, err := c.s3Getter(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	out, err := getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	return &cancelOnClose{ReadCloser: out.Body, cancel: cancel}, nil
}

// cancelOnClose releases the request context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// call performs a JSON REST call against the tracking server.
func (c *Client) call(ctx context.Context, method, endpoint string, q url.Values, in, out any) error {
	target := c.base.JoinPath(endpoint)
	if q != nil {
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}

// apiError mirrors MLflow's error body.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func statusError(code int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case code == http.StatusNotFound || ae.ErrorCode == "RESOURCE_DOES_NOT_EXIST":
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w (%d): %s", ErrUnauthorized, code, msg)
	default:
		return fmt.Errorf("registry error %d: %s", code, msg)
	}
}

// versionLess compares registry versions numerically when both are integers.
func versionLess(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
