package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
)

// Recorder adapts a Log to scoring.DecisionSink.
type Recorder struct {
	log Log
}

// NewRecorder wraps log.
func NewRecorder(log Log) *Recorder {
	return &Recorder{log: log}
}

// Record appends one decision for res.
func (r *Recorder) Record(ctx context.Context, rec schema.Record, res *scoring.Result) error {
	fh, err := FeaturesHash(rec)
	if err != nil {
		return err
	}
	_, err = r.log.Append(ctx, Decision{
		ModelSource:  res.ModelSource,
		ModelVersion: res.ModelVersion,
		Probability:  res.Probability,
		RiskLabel:    string(res.RiskLabel),
		Threshold:    res.Threshold,
		FeaturesHash: fh,
	})
	return err
}

// FeaturesHash is the SHA-256 of the record's canonical JSON encoding
// (object keys sorted, no insignificant whitespace).
func FeaturesHash(rec schema.Record) (string, error) {
	b, err := json.Marshal(map[string]any(rec))
	if err != nil {
		return "", fmt.Errorf("marshal feature record: %w", err)
	}
	return sha256Sum(b), nil
}
