package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

const maxStopSequences = 4

var validRoles = map[string]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
	RoleTool:      true,
}

var validBlockTypes = map[string]bool{
	BlockText:     true,
	BlockImage:    true,
	BlockImageURL: true,
}

// DecodeRequest parses a request body. Strict mode rejects unknown fields.
// Decode failures map to BadRequest.
func DecodeRequest(body []byte, strict bool) (*ChatRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	if strict {
		dec.DisallowUnknownFields()
	}
	var req ChatRequest
	if err := dec.Decode(&req); err != nil {
		return nil, apperrors.NewBadRequestf("invalid request body: %v", err)
	}
	return &req, nil
}

// Validate enforces the message-sequence and parameter invariants. It does
// not mutate the request, so validating twice is the same as validating once.
// All failures are BadRequest.
func Validate(req *ChatRequest) error {
	if len(req.Messages) == 0 {
		return apperrors.NewBadRequest("messages cannot be empty")
	}

	if err := validateMessages(req.Messages); err != nil {
		return err
	}
	if err := validateSampling(req); err != nil {
		return err
	}
	if err := validateTools(req); err != nil {
		return err
	}
	return nil
}

func validateMessages(messages []Message) error {
	// Tool-call ids exposed by the most recent assistant turn. A user or
	// system turn invalidates them.
	var priorAssistantCalls map[string]bool

	firstNonSystemSeen := false
	for i, m := range messages {
		if !validRoles[m.Role] {
			return apperrors.NewBadRequestf("messages[%d]: unknown role %q", i, m.Role)
		}

		if m.Role == RoleSystem {
			if i != 0 {
				return apperrors.NewBadRequestf("messages[%d]: system message must be first", i)
			}
		} else if !firstNonSystemSeen {
			firstNonSystemSeen = true
			if m.Role != RoleUser {
				return apperrors.NewBadRequestf("messages[%d]: first non-system message must have role user, got %q", i, m.Role)
			}
		}

		for bi, b := range m.Content.Blocks {
			if !validBlockTypes[b.Type] {
				return apperrors.NewBadRequestf("messages[%d].content[%d]: unknown block type %q", i, bi, b.Type)
			}
		}

		if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
			return apperrors.NewBadRequestf("messages[%d]: tool_calls only allowed on assistant messages", i)
		}

		switch m.Role {
		case RoleTool:
			if m.ToolCallID == "" {
				return apperrors.NewBadRequestf("messages[%d]: tool message requires tool_call_id", i)
			}
			if priorAssistantCalls == nil || !priorAssistantCalls[m.ToolCallID] {
				return apperrors.NewBadRequestf("messages[%d]: tool_call_id %q does not match a call from the preceding assistant message", i, m.ToolCallID)
			}
		case RoleAssistant:
			if m.ToolCallID != "" {
				return apperrors.NewBadRequestf("messages[%d]: tool_call_id only allowed on tool messages", i)
			}
			priorAssistantCalls = nil
			if len(m.ToolCalls) > 0 {
				priorAssistantCalls = make(map[string]bool, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					priorAssistantCalls[tc.ID] = true
				}
			}
		default:
			if m.ToolCallID != "" {
				return apperrors.NewBadRequestf("messages[%d]: tool_call_id only allowed on tool messages", i)
			}
			priorAssistantCalls = nil
		}
	}
	return nil
}

func validateSampling(req *ChatRequest) error {
	if err := checkRange("temperature", req.Temperature, 0, 2); err != nil {
		return err
	}
	if err := checkRange("top_p", req.TopP, 0, 1); err != nil {
		return err
	}
	if err := checkRange("frequency_penalty", req.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if err := checkRange("presence_penalty", req.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return apperrors.NewBadRequestf("max_tokens must be at least 1, got %d", *req.MaxTokens)
	}
	if req.N != nil && *req.N < 1 {
		return apperrors.NewBadRequestf("n must be at least 1, got %d", *req.N)
	}
	if len(req.Stop) > maxStopSequences {
		return apperrors.NewBadRequestf("stop accepts at most %d sequences, got %d", maxStopSequences, len(req.Stop))
	}
	for token, bias := range req.LogitBias {
		if bias < -100 || bias > 100 {
			return apperrors.NewBadRequestf("logit_bias[%s] must be in [-100, 100], got %v", token, bias)
		}
	}
	return nil
}

func validateTools(req *ChatRequest) error {
	names := make(map[string]bool, len(req.Tools))
	for i, t := range req.Tools {
		if t.Type != "function" {
			return apperrors.NewBadRequestf("tools[%d]: unsupported tool type %q", i, t.Type)
		}
		if t.Function.Name == "" {
			return apperrors.NewBadRequestf("tools[%d]: function name is required", i)
		}
		names[t.Function.Name] = true
	}

	if req.ToolChoice != nil && req.ToolChoice.Mode == ToolChoiceFunction {
		if !names[req.ToolChoice.FunctionName] {
			return apperrors.NewBadRequestf("tool_choice names %q but no such tool is declared", req.ToolChoice.FunctionName)
		}
	}
	return nil
}

func checkRange(field string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if *v < lo || *v > hi {
		return apperrors.NewBadRequest(fmt.Sprintf("%s must be in [%g, %g], got %g", field, lo, hi, *v))
	}
	return nil
}
