// Package schema validates inbound feature records before they reach a model.
//
// A Schema is an explicit list of named fields with a type and optional
// constraints. Validate checks every field and reports all offending ones in
// a single *InvalidFeatureError; a conforming record is returned with the
// same content it came in with.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/jmerrifield20/creditrisk/pkg/estimator"
	"gopkg.in/yaml.v3"
)

// Field types share the vocabulary of the estimator artifact format.
const (
	TypeNumber      = estimator.TypeNumber
	TypeInteger     = estimator.TypeInteger
	TypeBoolean     = estimator.TypeBoolean
	TypeCategorical = estimator.TypeCategorical
)

// Field declares one accepted feature.
type Field struct {
	Name       string                `yaml:"name" json:"name"`
	Type       estimator.FeatureType `yaml:"type" json:"type"`
	Required   bool                  `yaml:"required" json:"required"`
	Min        *float64              `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64              `yaml:"max,omitempty" json:"max,omitempty"`
	Categories []string              `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// Record is a validated feature record keyed by feature name.
type Record map[string]any

// FieldError describes one offending field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// InvalidFeatureError lists every field that failed validation.
type InvalidFeatureError struct {
	Fields []FieldError
}

func (e *InvalidFeatureError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "invalid features: " + strings.Join(parts, "; ")
}

// ModelMismatchError lists model features the schema cannot supply in the
// form the model expects. Such a model can never score a record that passes
// Validate.
type ModelMismatchError struct {
	Fields []FieldError
}

func (e *ModelMismatchError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "model features do not match the request schema: " + strings.Join(parts, "; ")
}

// Schema is an immutable set of field declarations.
type Schema struct {
	fields []Field
	index  map[string]int
}

// New checks the declarations and builds a Schema.
func New(fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New("schema declares no fields")
	}

	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	copy(s.fields, fields)

	for i, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		s.index[f.Name] = i

		switch f.Type {
		case TypeNumber, TypeInteger:
			if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
				return nil, fmt.Errorf("field %q: min %v exceeds max %v", f.Name, *f.Min, *f.Max)
			}
		case TypeBoolean:
		case TypeCategorical:
			if len(f.Categories) == 0 {
				return nil, fmt.Errorf("field %q: categorical field declares no categories", f.Name)
			}
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
		if f.Type != TypeCategorical && len(f.Categories) > 0 {
			return nil, fmt.Errorf("field %q: categories only apply to categorical fields", f.Name)
		}
		if (f.Type == TypeBoolean || f.Type == TypeCategorical) && (f.Min != nil || f.Max != nil) {
			return nil, fmt.Errorf("field %q: min/max only apply to numeric fields", f.Name)
		}
	}
	return s, nil
}

// MustNew is New for package-level declarations.
func MustNew(fields []Field) *Schema {
	s, err := New(fields)
	if err != nil {
		panic(err)
	}
	return s
}

func ptr(v float64) *float64 { return &v }

// Default is the borrower schema used when no schema file is configured.
func Default() *Schema {
	return MustNew([]Field{
		{Name: "income", Type: TypeNumber, Required: true, Min: ptr(0)},
		{Name: "age", Type: TypeInteger, Required: true, Min: ptr(18), Max: ptr(120)},
		{Name: "delinquencies", Type: TypeInteger, Required: true, Min: ptr(0)},
	})
}

type file struct {
	Fields []Field `yaml:"fields"`
}

// LoadFile reads a YAML schema file of the form
//
//	fields:
//	  - name: income
//	    type: number
//	    required: true
//	    min: 0
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	s, err := New(f.Fields)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return s, nil
}

// Fields returns a copy of the declarations in order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Validate checks payload against the schema. On success the returned
// Record carries exactly the payload's keys and values.
func (s *Schema) Validate(payload map[string]any) (Record, error) {
	var problems []FieldError

	for _, f := range s.fields {
		raw, ok := payload[f.Name]
		if !ok {
			if f.Required {
				problems = append(problems, FieldError{Field: f.Name, Reason: "required field is missing"})
			}
			continue
		}
		if reason := checkValue(f, raw); reason != "" {
			problems = append(problems, FieldError{Field: f.Name, Reason: reason})
		}
	}

	var unknown []string
	for k := range payload {
		if _, ok := s.index[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		problems = append(problems, FieldError{Field: k, Reason: "unknown field"})
	}

	if len(problems) > 0 {
		return nil, &InvalidFeatureError{Fields: problems}
	}

	rec := make(Record, len(payload))
	for k, v := range payload {
		rec[k] = v
	}
	return rec, nil
}

// checkValue returns a human-readable reason, or "" when raw is acceptable.
func checkValue(f Field, raw any) string {
	if raw == nil {
		return "must not be null"
	}

	switch f.Type {
	case TypeNumber, TypeInteger:
		if _, isBool := raw.(bool); isBool {
			return "expected " + string(f.Type) + ", got boolean"
		}
		n, ok := estimator.ToFloat(raw)
		if !ok {
			return fmt.Sprintf("expected %s, got %s", f.Type, describe(raw))
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "must be a finite number"
		}
		if f.Type == TypeInteger && n != math.Trunc(n) {
			return fmt.Sprintf("expected integer, got %v", n)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("value %v is below minimum %v", n, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("value %v is above maximum %v", n, *f.Max)
		}
	case TypeBoolean:
		if _, ok := raw.(bool); !ok {
			return "expected boolean, got " + describe(raw)
		}
	case TypeCategorical:
		str, ok := raw.(string)
		if !ok {
			return "expected string, got " + describe(raw)
		}
		for _, c := range f.Categories {
			if c == str {
				return ""
			}
		}
		return fmt.Sprintf("value %q is not one of [%s]", str, strings.Join(f.Categories, ", "))
	}
	return ""
}

// describe names a decoded JSON value's type the way a client would.
func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case json.Number:
		return "number"
	}
	if _, ok := estimator.ToFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// CheckModel reports whether every feature of a model's layout can be
// supplied by records that pass Validate: the feature must be declared with
// a compatible type, and a categorical field may only admit categories the
// model was trained on. Whether a field is required is left to
// RequireFeatures, per record.
func (s *Schema) CheckModel(features []estimator.Feature) error {
	var problems []FieldError
	for _, mf := range features {
		i, ok := s.index[mf.Name]
		if !ok {
			problems = append(problems, FieldError{Field: mf.Name, Reason: "not declared in the request schema"})
			continue
		}
		f := s.fields[i]
		if !compatibleTypes(f.Type, mf.Type) {
			problems = append(problems, FieldError{
				Field:  mf.Name,
				Reason: fmt.Sprintf("model expects %s, schema declares %s", mf.Type, f.Type),
			})
			continue
		}
		if f.Type != TypeCategorical {
			continue
		}
		var extra []string
		for _, c := range f.Categories {
			if !slices.Contains(mf.Categories, c) {
				extra = append(extra, c)
			}
		}
		if len(extra) > 0 {
			problems = append(problems, FieldError{
				Field:  mf.Name,
				Reason: fmt.Sprintf("categories [%s] are unknown to the model", strings.Join(extra, ", ")),
			})
		}
	}
	if len(problems) > 0 {
		return &ModelMismatchError{Fields: problems}
	}
	return nil
}

func compatibleTypes(schemaType, modelType estimator.FeatureType) bool {
	numeric := func(t estimator.FeatureType) bool { return t == TypeNumber || t == TypeInteger }
	if numeric(schemaType) && numeric(modelType) {
		return true
	}
	return schemaType == modelType
}

// RequireFeatures checks that rec carries every feature the model needs.
// It covers fields the schema leaves optional; a gap is the client's input
// and is reported as an *InvalidFeatureError.
func RequireFeatures(rec Record, features []estimator.Feature) error {
	var problems []FieldError
	for _, f := range features {
		if v, ok := rec[f.Name]; !ok || v == nil {
			problems = append(problems, FieldError{Field: f.Name, Reason: "required by the active model"})
		}
	}
	if len(problems) > 0 {
		return &InvalidFeatureError{Fields: problems}
	}
	return nil
}
