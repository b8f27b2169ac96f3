package mlflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type fakeS3 struct {
	objects map[string]string
	gotKey  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	body, ok := f.objects[f.gotKey]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestOpenArtifact_s3(t *testing.T) {
	c, err := New(Config{TrackingURI: "http://mlflow:5000"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	fake := &fakeS3{objects: map[string]string{"models/1/abc/artifacts/model.json": "{}"}}
	c.s3 = fake

	rc, err := c.OpenArtifact(context.Background(), "s3://models/1/abc/artifacts")
	if err != nil {
		t.Fatalf("OpenArtifact() error: %v", err)
	}
	defer rc.Close()

	b, _ := io.ReadAll(rc)
	if string(b) != "{}" {
		t.Errorf("body: got %q", b)
	}
	if fake.gotKey != "models/1/abc/artifacts/model.json" {
		t.Errorf("key: got %q", fake.gotKey)
	}

	if _, err := c.OpenArtifact(context.Background(), "s3://models/missing"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestOpenArtifact_s3ConfigErrorIsRetried(t *testing.T) {
	c, err := New(Config{TrackingURI: "http://mlflow:5000", S3Region: "eu-west-1"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	loads := 0
	c.loadAWS = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		loads++
		if loads == 1 {
			return aws.Config{}, errors.New("credential process timed out")
		}
		return aws.Config{Region: "eu-west-1"}, nil
	}

	_, err = c.OpenArtifact(context.Background(), "s3://models/1/abc/artifacts")
	if err == nil || !strings.Contains(err.Error(), "load AWS config") {
		t.Fatalf("expected AWS config error, got %v", err)
	}

	for i := 0; i < 2; i++ {
		getter, err := c.s3Getter(context.Background())
		if err != nil || getter == nil {
			t.Fatalf("attempt %d: client not rebuilt: %v", i, err)
		}
	}
	if loads != 2 {
		t.Errorf("AWS config loaded %d times, want 2", loads)
	}
}

func TestVersionLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"9", "10", true},
		{"10", "9", false},
		{"2", "3", true},
		{"v2", "v10", false}, // non-numeric falls back to lexical order
	}
	for _, tc := range cases {
		if got := versionLess(tc.a, tc.b); got != tc.want {
			t.Errorf("versionLess(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
