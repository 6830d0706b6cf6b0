package tool

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Validator checks tool choices and tool calls against a registry.
// Strict mode rejects argument properties the schema does not declare.
type Validator struct {
	registry *Registry
	strict   bool
}

func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry, strict: true}
}

func (v *Validator) SetStrict(strict bool) {
	v.strict = strict
}

// ValidateChoice checks a tool_choice against the registry. A nil
// choice is always acceptable.
func (v *Validator) ValidateChoice(tc *chat.ToolChoice) error {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case chat.ToolChoiceNone:
		return nil
	case chat.ToolChoiceAuto:
		if v.registry.Len() == 0 {
			return apperrors.NewBadRequest("auto tool choice specified but no functions available")
		}
		return nil
	case chat.ToolChoiceRequired:
		if len(v.registry.RequiredOnly()) == 0 {
			return apperrors.NewBadRequest("required tool choice specified but no required functions available")
		}
		return nil
	case chat.ToolChoiceFunction:
		if !v.registry.Contains(tc.FunctionName) {
			return apperrors.NewBadRequestf("specified function %q not found in registry", tc.FunctionName)
		}
		return nil
	default:
		return apperrors.NewBadRequestf("unsupported tool choice: %s", tc.Mode)
	}
}

// ValidateCall checks that the called function exists, that its
// arguments are JSON, and that they satisfy the declared schema.
func (v *Validator) ValidateCall(call chat.ToolCall) error {
	fn, ok := v.registry.Get(call.Function.Name)
	if !ok {
		return apperrors.NewBadRequestf("function not found: %s", call.Function.Name)
	}

	var args interface{}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return apperrors.NewBadRequestf("invalid JSON arguments: %v", err)
	}
	if fn.Parameters == nil {
		return nil
	}

	schema, err := v.compileSchema(fn.Parameters)
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return apperrors.NewBadRequestf("invalid parameter schema for %s: %v", call.Function.Name, err)
	}
	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, resErr := range result.Errors() {
			descriptions = append(descriptions, resErr.String())
		}
		return apperrors.NewBadRequestf("arguments for %s rejected: %s",
			call.Function.Name, strings.Join(descriptions, "; "))
	}
	return nil
}

// ValidateCalls checks every call, failing on the first violation.
func (v *Validator) ValidateCalls(calls []chat.ToolCall) error {
	for _, call := range calls {
		if err := v.ValidateCall(call); err != nil {
			return err
		}
	}
	return nil
}

// compileSchema copies the registered schema, relaxes "any" typed
// properties, and pins additionalProperties in strict mode. The
// registered definition itself is never mutated.
func (v *Validator) compileSchema(params map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.NewBadRequestf("invalid parameter schema: %v", err)
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, apperrors.NewBadRequestf("invalid parameter schema: %v", err)
	}
	relaxAnyTypes(schema)
	if v.strict {
		if _, ok := schema["additionalProperties"]; !ok {
			schema["additionalProperties"] = false
		}
	}
	return schema, nil
}

// relaxAnyTypes strips `"type": "any"` so any JSON value passes, and
// recurses into nested property and item schemas.
func relaxAnyTypes(node map[string]interface{}) {
	if t, ok := node["type"].(string); ok && t == "any" {
		delete(node, "type")
	}
	if props, ok := node["properties"].(map[string]interface{}); ok {
		for _, p := range props {
			if m, ok := p.(map[string]interface{}); ok {
				relaxAnyTypes(m)
			}
		}
	}
	if items, ok := node["items"].(map[string]interface{}); ok {
		relaxAnyTypes(items)
	}
}
