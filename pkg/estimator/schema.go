package estimator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const artifactSchemaURL = "https://creditrisk.schemas.local/estimator/artifact.schema.json"

// artifactSchemaJSON is the structural contract of an artifact document.
// Cross-field checks (weight count, bin coverage) happen in Build.
const artifactSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["format_version", "kind", "features", "intercept"],
  "additionalProperties": false,
  "properties": {
    "format_version": {"const": 1},
    "kind": {"enum": ["logistic", "scorecard"]},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "trained_at": {"type": "string"},
    "intercept": {"type": "number"},
    "features": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["number", "integer", "boolean", "categorical"]},
          "categories": {"type": "array", "items": {"type": "string"}, "uniqueItems": true}
        }
      }
    },
    "weights": {"type": "array", "items": {"type": "number"}},
    "scaling": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["mean", "scale"],
        "additionalProperties": false,
        "properties": {
          "mean": {"type": "number"},
          "scale": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "bins": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["score"],
          "additionalProperties": false,
          "properties": {
            "upper": {"type": "number"},
            "category": {"type": "string"},
            "score": {"type": "number"}
          }
        }
      }
    }
  },
  "allOf": [
    {"if": {"properties": {"kind": {"const": "logistic"}}}, "then": {"required": ["weights"]}},
    {"if": {"properties": {"kind": {"const": "scorecard"}}}, "then": {"required": ["bins"]}}
  ]
}`

var compiledArtifactSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(artifactSchemaURL, strings.NewReader(artifactSchemaJSON)); err != nil {
		return nil, fmt.Errorf("artifact schema load failed: %w", err)
	}
	s, err := c.Compile(artifactSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("artifact schema compile failed: %w", err)
	}
	return s, nil
})

// validateDocument checks a generic JSON value against the artifact schema.
func validateDocument(doc any) error {
	s, err := compiledArtifactSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
