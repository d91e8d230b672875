package template

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/finance-ingest/internal/model"
)

const definitionSchema = `{
  "type": "object",
  "required": ["templates"],
  "properties": {
    "templates": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["code", "document_type", "file_format", "fields"],
        "properties": {
          "code": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "document_type": {"enum": ["invoice", "credit_note", "statement"]},
          "file_format": {"enum": ["pdf", "excel"]},
          "is_default": {"type": "boolean"},
          "enabled": {"type": "boolean"},
          "fields": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "label": {"type": "string"},
                "anchor": {"type": "string"},
                "custom": {"type": "boolean"},
                "transforms": {"type": "array", "items": {"type": "string"}},
                "region": {
                  "type": "object",
                  "required": ["x", "y", "width", "height"],
                  "properties": {
                    "page": {"type": "integer", "minimum": 1},
                    "x": {"type": "number", "minimum": 0, "maximum": 1},
                    "y": {"type": "number", "minimum": 0, "maximum": 1},
                    "width": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
                    "height": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
                  }
                },
                "cell": {
                  "type": "object",
                  "required": ["column", "row"],
                  "properties": {
                    "sheet": {"type": "string"},
                    "column": {"type": "string", "pattern": "^[A-Za-z]{1,3}$"},
                    "row": {"type": "integer", "minimum": 1}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("templates.json", bytes.NewReader([]byte(definitionSchema))); err != nil {
			schemaErr = eris.Wrap(err, "template: add schema")
			return
		}
		schema, schemaErr = c.Compile("templates.json")
		schemaErr = eris.Wrap(schemaErr, "template: compile schema")
	})
	return schema, schemaErr
}

// LoadFile reads template definitions from a YAML file of the form
// "templates: [...]". The file is checked against the definition schema,
// then each template against its own invariants. At most one default per
// document type and format is allowed. Templates are enabled unless the
// file says otherwise.
func LoadFile(path string) ([]model.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "template: read %s", path)
	}
	return Parse(data)
}

// Parse is LoadFile for in-memory YAML.
func Parse(data []byte) ([]model.Template, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "template: parse yaml")
	}
	// Round-trip through JSON so the validator sees JSON types.
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "template: convert yaml")
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, eris.Wrap(err, "template: convert yaml")
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(generic); err != nil {
		return nil, eris.Wrap(err, "template: definition does not match schema")
	}

	var defs struct {
		Templates []model.Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, eris.Wrap(err, "template: decode definitions")
	}
	var flags struct {
		Templates []struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, eris.Wrap(err, "template: decode definitions")
	}

	out := make([]model.Template, 0, len(defs.Templates))
	defaults := make(map[string]string)
	codes := make(map[string]bool)
	for i, t := range defs.Templates {
		enabled := flags.Templates[i].Enabled
		t.Enabled = enabled == nil || *enabled
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if codes[t.Code] {
			return nil, eris.Errorf("template: code %s defined twice", t.Code)
		}
		codes[t.Code] = true
		if t.IsDefault {
			key := string(t.DocumentType) + "/" + string(t.FileFormat)
			if prev, ok := defaults[key]; ok {
				return nil, eris.Errorf("template: %s and %s are both default for %s", prev, t.Code, key)
			}
			defaults[key] = t.Code
		}
		out = append(out, t)
	}
	return out, nil
}
