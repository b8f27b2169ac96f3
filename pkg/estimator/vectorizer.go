package estimator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Vectorizer maps a named feature record onto the ordered vector a model
// was trained on. Numeric, integer and boolean features occupy one slot;
// categorical features are one-hot encoded into one slot per category,
// named "feature=category".
type Vectorizer struct {
	features []Feature
	slots    []string
	offsets  []int
	index    map[string]int
}

// NewVectorizer validates the layout and precomputes slot offsets.
func NewVectorizer(features []Feature) (*Vectorizer, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("no features declared")
	}

	v := &Vectorizer{
		features: make([]Feature, len(features)),
		offsets:  make([]int, len(features)),
		index:    make(map[string]int, len(features)),
	}
	copy(v.features, features)

	for i, f := range features {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("feature %d has no name", i)
		}
		if _, dup := v.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f.Name)
		}
		v.index[f.Name] = i
		v.offsets[i] = len(v.slots)

		switch f.Type {
		case TypeNumber, TypeInteger, TypeBoolean:
			v.slots = append(v.slots, f.Name)
		case TypeCategorical:
			if len(f.Categories) == 0 {
				return nil, fmt.Errorf("categorical feature %q declares no categories", f.Name)
			}
			seen := make(map[string]bool, len(f.Categories))
			for _, c := range f.Categories {
				if seen[c] {
					return nil, fmt.Errorf("feature %q: duplicate category %q", f.Name, c)
				}
				seen[c] = true
				v.slots = append(v.slots, f.Name+"="+c)
			}
		default:
			return nil, fmt.Errorf("feature %q: unknown type %q", f.Name, f.Type)
		}
	}
	return v, nil
}

// Features returns a copy of the declared layout.
func (v *Vectorizer) Features() []Feature {
	out := make([]Feature, len(v.features))
	copy(out, v.features)
	return out
}

// Slots returns the names of the vector positions, in order.
func (v *Vectorizer) Slots() []string {
	out := make([]string, len(v.slots))
	copy(out, v.slots)
	return out
}

// Width is the length of every vector Transform produces.
func (v *Vectorizer) Width() int { return len(v.slots) }

// Transform encodes record. Keys not in the layout are ignored; a missing
// or mistyped feature is an error.
func (v *Vectorizer) Transform(record map[string]any) ([]float64, error) {
	x := make([]float64, len(v.slots))
	for i, f := range v.features {
		raw, ok := record[f.Name]
		if !ok || raw == nil {
			return nil, fmt.Errorf("missing feature %q", f.Name)
		}
		off := v.offsets[i]

		switch f.Type {
		case TypeNumber, TypeInteger:
			n, ok := ToFloat(raw)
			if !ok {
				return nil, fmt.Errorf("feature %q: expected number, got %T", f.Name, raw)
			}
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("feature %q: value is not finite", f.Name)
			}
			x[off] = n
		case TypeBoolean:
			b, ok := raw.(bool)
			if !ok {
				return nil, fmt.Errorf("feature %q: expected boolean, got %T", f.Name, raw)
			}
			if b {
				x[off] = 1
			}
		case TypeCategorical:
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("feature %q: expected string, got %T", f.Name, raw)
			}
			hit := false
			for j, c := range f.Categories {
				if c == s {
					x[off+j] = 1
					hit = true
					break
				}
			}
			if !hit {
				return nil, fmt.Errorf("feature %q: unknown category %q", f.Name, s)
			}
		}
	}
	return x, nil
}

// slotRange returns the [start, end) vector positions of a feature.
func (v *Vectorizer) slotRange(name string) (int, int, bool) {
	i, ok := v.index[name]
	if !ok {
		return 0, 0, false
	}
	start := v.offsets[i]
	end := len(v.slots)
	if i+1 < len(v.offsets) {
		end = v.offsets[i+1]
	}
	return start, end, true
}

// ToFloat converts the numeric representations produced by encoding/json,
// YAML decoders and Go callers into a float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
