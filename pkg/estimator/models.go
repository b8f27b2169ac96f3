package estimator

import (
	"fmt"
	"math"
	"sort"
)

// logistic is a standardised logistic regression over the full slot vector.
type logistic struct {
	intercept float64
	weights   []float64
	mean      []float64
	scale     []float64
}

func newLogistic(vec *Vectorizer, intercept float64, weights []float64, scaling map[string]Scaling) (*logistic, error) {
	if len(weights) != vec.Width() {
		return nil, fmt.Errorf("logistic: %d weights for %d vector slots", len(weights), vec.Width())
	}
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("logistic: weight %d is not finite", i)
		}
	}

	m := &logistic{
		intercept: intercept,
		weights:   append([]float64(nil), weights...),
		mean:      make([]float64, vec.Width()),
		scale:     make([]float64, vec.Width()),
	}
	for i := range m.scale {
		m.scale[i] = 1
	}

	for name, s := range scaling {
		start, end, ok := vec.slotRange(name)
		if !ok {
			return nil, fmt.Errorf("logistic: scaling for unknown feature %q", name)
		}
		if end-start != 1 {
			return nil, fmt.Errorf("logistic: scaling on categorical feature %q", name)
		}
		if s.Scale <= 0 || math.IsNaN(s.Scale) || math.IsInf(s.Scale, 0) {
			return nil, fmt.Errorf("logistic: feature %q has non-positive scale", name)
		}
		m.mean[start] = s.Mean
		m.scale[start] = s.Scale
	}
	return m, nil
}

func (m *logistic) PredictProba(x []float64) (float64, error) {
	if len(x) != len(m.weights) {
		return 0, fmt.Errorf("logistic: vector has %d slots, model expects %d", len(x), len(m.weights))
	}
	z := m.intercept
	for i, w := range m.weights {
		z += w * (x[i] - m.mean[i]) / m.scale[i]
	}
	if math.IsNaN(z) {
		return 0, fmt.Errorf("logistic: decision value is NaN")
	}
	return sigmoid(z), nil
}

// scorecardFeature holds the bins of one feature, resolved to slot positions.
type scorecardFeature struct {
	name      string
	start     int
	numeric   []Bin // sorted by Upper, open-ended bin last
	byCatSlot map[int]float64
}

// scorecard sums per-feature bin scores (log-odds) on top of an intercept.
type scorecard struct {
	intercept float64
	width     int
	features  []scorecardFeature
}

func newScorecard(vec *Vectorizer, intercept float64, bins map[string][]Bin) (*scorecard, error) {
	sc := &scorecard{intercept: intercept, width: vec.Width()}

	for name := range bins {
		if _, _, ok := vec.slotRange(name); !ok {
			return nil, fmt.Errorf("scorecard: bins for unknown feature %q", name)
		}
	}

	for _, f := range vec.Features() {
		fb, ok := bins[f.Name]
		if !ok || len(fb) == 0 {
			return nil, fmt.Errorf("scorecard: feature %q has no bins", f.Name)
		}
		start, _, _ := vec.slotRange(f.Name)
		sf := scorecardFeature{name: f.Name, start: start}

		if f.Type == TypeCategorical {
			sf.byCatSlot = make(map[int]float64, len(fb))
			for _, b := range fb {
				j := indexOf(f.Categories, b.Category)
				if j < 0 {
					return nil, fmt.Errorf("scorecard: feature %q bin for unknown category %q", f.Name, b.Category)
				}
				sf.byCatSlot[start+j] = b.Score
			}
			if len(sf.byCatSlot) != len(f.Categories) {
				return nil, fmt.Errorf("scorecard: feature %q does not cover every category", f.Name)
			}
		} else {
			sorted := append([]Bin(nil), fb...)
			sort.SliceStable(sorted, func(i, j int) bool {
				if sorted[i].Upper == nil {
					return false
				}
				if sorted[j].Upper == nil {
					return true
				}
				return *sorted[i].Upper < *sorted[j].Upper
			})
			if sorted[len(sorted)-1].Upper != nil {
				return nil, fmt.Errorf("scorecard: feature %q has no open-ended last bin", f.Name)
			}
			for _, b := range sorted[:len(sorted)-1] {
				if b.Upper == nil {
					return nil, fmt.Errorf("scorecard: feature %q has more than one open-ended bin", f.Name)
				}
			}
			sf.numeric = sorted
		}
		sc.features = append(sc.features, sf)
	}
	return sc, nil
}

func (m *scorecard) PredictProba(x []float64) (float64, error) {
	if len(x) != m.width {
		return 0, fmt.Errorf("scorecard: vector has %d slots, model expects %d", len(x), m.width)
	}
	z := m.intercept
	for _, f := range m.features {
		if f.byCatSlot != nil {
			hit := false
			for slot, score := range f.byCatSlot {
				if x[slot] == 1 {
					z += score
					hit = true
					break
				}
			}
			if !hit {
				return 0, fmt.Errorf("scorecard: feature %q matched no category bin", f.name)
			}
			continue
		}
		v := x[f.start]
		for _, b := range f.numeric {
			if b.Upper == nil || v <= *b.Upper {
				z += b.Score
				break
			}
		}
	}
	return sigmoid(z), nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
