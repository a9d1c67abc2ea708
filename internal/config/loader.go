package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Load reads, normalizes and validates a test configuration file.
// Both YAML and JSON files are accepted; JSON is valid YAML, so a
// single decoder covers both.
func Load(path string) (*TestConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Parse decodes, normalizes and validates raw configuration bytes.
func Parse(data []byte) (*TestConfig, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}

	var cfg TestConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkSchema runs the embedded JSON Schema over the document. The
// schema guards structure (types, enums); Validate guards semantics.
func checkSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	doc = normalizeYAML(doc)

	sch, err := jsonschema.CompileString("config.schema.json", configSchema)
	if err != nil {
		// The embedded schema is part of the binary; failing to
		// compile it is a programming error.
		return fmt.Errorf("compiling config schema: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fmt.Errorf("invalid config: %s", strings.TrimSpace(ve.Error()))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// normalizeYAML converts yaml.v3's map[string]interface{} trees into
// the json-compatible shape the schema validator expects.
func normalizeYAML(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i := range vv {
			vv[i] = normalizeYAML(vv[i])
		}
		return vv
	case int:
		return json.Number(fmt.Sprintf("%d", vv))
	case int64:
		return json.Number(fmt.Sprintf("%d", vv))
	case float64:
		f, _ := json.Marshal(vv)
		return json.Number(f)
	default:
		return v
	}
}

// configSchema is the structural schema for test configurations. It is
// intentionally permissive about unknown fields so older engines can
// read newer configs.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "scenarios"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "load": {
      "oneOf": [
        {"$ref": "#/$defs/phase"},
        {"type": "array", "items": {"$ref": "#/$defs/phase"}, "minItems": 1}
      ]
    },
    "scenarios": {"type": "array", "minItems": 1},
    "global": {"type": "object"},
    "outputs": {"type": "array"},
    "report": {"type": "object"}
  },
  "$defs": {
    "phase": {
      "type": "object",
      "properties": {
        "pattern": {"enum": ["basic", "stepping", "arrivals"]},
        "virtual_users": {"type": "integer", "minimum": 0},
        "vus": {"type": "integer", "minimum": 0},
        "rate": {"type": "number", "minimum": 0},
        "steps": {"type": "array"}
      }
    }
  }
}`
