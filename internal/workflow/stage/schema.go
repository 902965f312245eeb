package stage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Model output is untrusted free text until it passes these schemas. Parse
// or validation failure never propagates unvalidated content into the typed
// run state; the calling stage maps it to its semantic failure kind.

const planSchemaJSON = `{
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["action", "description"],
        "properties": {
          "action": {"type": "string", "enum": ["navigate", "click", "type", "wait", "select", "hover", "scroll", "screenshot", "assert"]},
          "selector": {"type": "string"},
          "value": {"type": "string"},
          "description": {"type": "string", "minLength": 1}
        }
      }
    },
    "assertions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "expected", "description"],
        "properties": {
          "type": {"type": "string", "enum": ["visible", "text", "value", "url", "title", "count", "attribute"]},
          "selector": {"type": "string"},
          "expected": {"type": "string"},
          "operator": {"type": "string", "enum": ["equals", "contains", "greater", "less"]},
          "description": {"type": "string"}
        }
      }
    },
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

const healSchemaJSON = `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "plan": {"$ref": "plan.json"},
    "hints": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	planSchema *jsonschema.Schema
	healSchema *jsonschema.Schema
)

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", strings.NewReader(planSchemaJSON)); err != nil {
		panic(err)
	}
	if err := c.AddResource("heal.json", strings.NewReader(healSchemaJSON)); err != nil {
		panic(err)
	}
	planSchema = c.MustCompile("plan.json")
	healSchema = c.MustCompile("heal.json")
}

// decodeValidated unmarshals raw model output, validates it against schema,
// then decodes it into out.
func decodeValidated(raw string, schema *jsonschema.Schema, out any) error {
	raw = extractJSON(raw)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("model output is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("model output failed schema validation: %w", err)
	}
	return json.Unmarshal([]byte(raw), out)
}

// extractJSON strips a markdown code fence if the model wrapped its JSON in
// one, and trims surrounding prose down to the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// extractCode returns script text from model output, stripping a single
// markdown fence when present.
func extractCode(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	body := lines[1:]
	for i := len(body) - 1; i >= 0; i-- {
		if strings.TrimSpace(body[i]) == "```" {
			body = body[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}
