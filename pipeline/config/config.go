// Package config loads and validates the active benchmark configuration: the
// JSON document at the blob tier's well-known path that the Planner snapshots
// into a manifest on every trigger.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/rubric"
	"github.com/socraticlabs/bench/pipeline/storage"
)

// Config is the parsed active configuration.
type Config struct {
	Models        []manifest.ModelDescriptor `json:"models"`
	Scenarios     []string                   `json:"scenarios"`
	RubricVersion string                     `json:"rubric_version"`
	Parameters    manifest.Parameters        `json:"parameters"`
}

// schema constrains the active configuration document. Validation failures
// are configuration errors: the Planner aborts without partial state.
const schema = `{
  "type": "object",
  "required": ["models", "scenarios", "rubric_version", "parameters"],
  "properties": {
    "models": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["model_id"],
        "properties": {
          "model_id": {"type": "string", "minLength": 1},
          "parameters": {"type": "object"}
        }
      }
    },
    "scenarios": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "rubric_version": {"type": "string", "minLength": 1},
    "parameters": {
      "type": "object",
      "required": ["turn_cap"],
      "properties": {
        "turn_cap": {"type": "integer", "minimum": 1},
        "judge_model_id": {"type": "string"},
        "temperature": {"type": "number", "minimum": 0},
        "seed": {"type": "integer"}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schema)))
	if err != nil {
		panic(fmt.Sprintf("config: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("bench-config.json", doc); err != nil {
		panic(fmt.Sprintf("config: add schema resource: %v", err))
	}
	s, err := c.Compile("bench-config.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile schema: %v", err))
	}
	return s
}

// Parse validates raw against the configuration schema and decodes it. The
// rubric version must resolve to a known rubric.
func Parse(raw []byte) (Config, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Config{}, fmt.Errorf("parse configuration: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	if _, err := rubric.ByVersion(cfg.RubricVersion); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads the active configuration from the blob tier's well-known path
// and parses it.
func Load(ctx context.Context, blob storage.Blob) (Config, error) {
	raw, err := blob.Get(ctx, storage.ConfigPath)
	if err != nil {
		return Config{}, fmt.Errorf("load active configuration: %w", err)
	}
	return Parse(raw)
}

// Canonical returns the canonical serialization of the configuration: object
// keys sorted, array order preserved. This is the form hashed into the
// manifest ID.
func (c Config) Canonical() ([]byte, error) {
	return manifest.MarshalCanonical(c)
}
