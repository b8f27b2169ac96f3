// Package evaluation computes offline classification metrics for a model
// over a labelled dataset.
package evaluation

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrSingleClass is returned when ROC AUC is undefined because yTrue holds
// only one class.
var ErrSingleClass = errors.New("roc auc is undefined when only one class is present")

// Metrics summarises predictions at one decision threshold.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	ROCAUC    float64 `json:"roc_auc"`

	Threshold float64 `json:"threshold"`
	Samples   int     `json:"samples"`
	Positives int     `json:"positives"`

	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`
}

// Compute scores proba against yTrue (each 0 or 1). A sample is predicted
// positive when its probability is at or above threshold. Precision, recall
// and F1 are 0 when their denominator is 0.
func Compute(yTrue []int, proba []float64, threshold float64) (*Metrics, error) {
	if len(yTrue) != len(proba) {
		return nil, fmt.Errorf("length mismatch: %d labels, %d probabilities", len(yTrue), len(proba))
	}
	if len(yTrue) == 0 {
		return nil, errors.New("no samples")
	}

	m := &Metrics{Threshold: threshold, Samples: len(yTrue)}
	for i, y := range yTrue {
		if y != 0 && y != 1 {
			return nil, fmt.Errorf("sample %d: label %d is not 0 or 1", i, y)
		}
		p := proba[i]
		if math.IsNaN(p) {
			return nil, fmt.Errorf("sample %d: probability is NaN", i)
		}
		pred := p >= threshold
		switch {
		case y == 1 && pred:
			m.TruePositives++
		case y == 1:
			m.FalseNegatives++
		case pred:
			m.FalsePositives++
		default:
			m.TrueNegatives++
		}
	}
	m.Positives = m.TruePositives + m.FalseNegatives

	m.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(m.Samples)
	m.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	m.Recall = ratio(m.TruePositives, m.Positives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}

	auc, err := ROCAUC(yTrue, proba)
	if err != nil {
		return nil, err
	}
	m.ROCAUC = auc
	return m, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ROCAUC is the area under the ROC curve, computed as the normalised
// Mann-Whitney U statistic with average ranks for tied scores.
func ROCAUC(yTrue []int, proba []float64) (float64, error) {
	if len(yTrue) != len(proba) {
		return 0, fmt.Errorf("length mismatch: %d labels, %d probabilities", len(yTrue), len(proba))
	}

	idx := make([]int, len(proba))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return proba[idx[a]] < proba[idx[b]] })

	var rankSumPos float64
	var nPos, nNeg int
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && proba[idx[end]] == proba[idx[start]] {
			end++
		}
		// Ranks are 1-based; the tie group shares their mean.
		avg := float64(start+1+end) / 2
		for _, i := range idx[start:end] {
			if yTrue[i] == 1 {
				rankSumPos += avg
				nPos++
			} else {
				nNeg++
			}
		}
		start = end
	}

	if nPos == 0 || nNeg == 0 {
		return 0, ErrSingleClass
	}
	u := rankSumPos - float64(nPos*(nPos+1))/2
	return u / float64(nPos*nNeg), nil
}
