package tool

import (
	"testing"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

func TestRegistryOperations(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("new registry len = %d", r.Len())
	}

	r.Register(Function{Name: "lookup", Description: "find things"})
	r.Register(Function{Name: "add", Required: true})

	if !r.Contains("lookup") || !r.Contains("add") {
		t.Fatal("registered functions missing")
	}
	if r.Contains("nope") {
		t.Fatal("unregistered function reported present")
	}

	fn, ok := r.Get("lookup")
	if !ok || fn.Description != "find things" {
		t.Fatalf("Get(lookup) = %+v, %v", fn, ok)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "add" || names[1] != "lookup" {
		t.Fatalf("Names() = %v", names)
	}

	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len after clear = %d", r.Len())
	}
}

func TestRegistryReplaceOnSameName(t *testing.T) {
	r := NewRegistry()
	r.Register(Function{Name: "f", Description: "old"})
	r.Register(Function{Name: "f", Description: "new"})
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	fn, _ := r.Get("f")
	if fn.Description != "new" {
		t.Fatalf("description = %q, want replacement", fn.Description)
	}
}

func TestRegistryAsTools(t *testing.T) {
	r := NewRegistry()
	r.Register(Function{
		Name:        "weather",
		Description: "current weather",
		Parameters:  map[string]interface{}{"type": "object"},
	})

	tools := r.AsTools()
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	if tools[0].Type != "function" || tools[0].Function.Name != "weather" {
		t.Fatalf("tool = %+v", tools[0])
	}
	if tools[0].Function.Parameters["type"] != "object" {
		t.Fatalf("parameters not carried: %+v", tools[0].Function.Parameters)
	}
}

func TestRegistryRequiredOnly(t *testing.T) {
	r := NewRegistry()
	r.Register(Function{Name: "optional_func"})
	r.Register(Function{Name: "required_func", Required: true})

	required := r.RequiredOnly()
	if len(required) != 1 || required[0].Name != "required_func" {
		t.Fatalf("required = %+v", required)
	}
}

func TestFromTools(t *testing.T) {
	tools := []chat.Tool{
		{Type: "function", Function: chat.FunctionDefinition{Name: "a"}},
		{Type: "function", Function: chat.FunctionDefinition{Name: "b", Description: "second"}},
	}
	r := FromTools(tools)
	if r.Len() != 2 || !r.Contains("a") || !r.Contains("b") {
		t.Fatalf("registry from tools incomplete: %v", r.Names())
	}
}
