package evaluation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
)

// Scorer scores one feature record. *scoring.Service satisfies it.
type Scorer interface {
	Score(ctx context.Context, payload map[string]any) (*scoring.Result, error)
}

// RowError is a dataset row the scorer rejected.
type RowError struct {
	Line   int                 `json:"line"`
	Fields []schema.FieldError `json:"fields"`
}

// Report is the outcome of Run.
type Report struct {
	Metrics *Metrics   `json:"metrics"`
	Skipped []RowError `json:"skipped,omitempty"`
}

// ColumnTypesFor derives CSV column decoding from a feature schema.
func ColumnTypesFor(s *schema.Schema) ColumnTypes {
	types := make(ColumnTypes)
	for _, f := range s.Fields() {
		types[f.Name] = string(f.Type)
	}
	return types
}

// Run scores every row through scorer and computes metrics at threshold.
// Rows failing feature validation are skipped and reported; any other
// scoring error aborts the run.
func Run(ctx context.Context, scorer Scorer, rows []Row, threshold float64) (*Report, error) {
	report := &Report{}
	yTrue := make([]int, 0, len(rows))
	proba := make([]float64, 0, len(rows))

	for _, row := range rows {
		res, err := scorer.Score(ctx, row.Features)
		var invalid *schema.InvalidFeatureError
		if errors.As(err, &invalid) {
			report.Skipped = append(report.Skipped, RowError{Line: row.Line, Fields: invalid.Fields})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", row.Line, err)
		}
		yTrue = append(yTrue, row.Label)
		proba = append(proba, res.Probability)
	}

	m, err := Compute(yTrue, proba, threshold)
	if err != nil {
		return nil, err
	}
	report.Metrics = m
	return report, nil
}
