package llm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dchu3/base-mcp-bot/internal/mcp"
)

// Validator checks model-produced parameters against the declared input
// schema of the target tool. Compiled schemas are cached per schema text.
type Validator struct {
	cache sync.Map // schema text -> *jsonschema.Schema
}

// Validate returns nil if params conform to the spec's input schema. Tools
// with no declared schema accept anything.
func (v *Validator) Validate(spec mcp.ToolSpec, params json.RawMessage) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}

	schema, err := v.compile(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for %s/%s: %w", spec.Server, spec.Name, err)
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("parameters invalid for %s/%s: %w", spec.Server, spec.Name, err)
	}
	return nil
}

func (v *Validator) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := v.cache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}
