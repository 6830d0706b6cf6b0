package tool

import (
	"sort"
	"sync"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

// Function is one callable the gateway can offer to a model. Parameters
// holds a JSON-Schema object describing the arguments; a nil schema
// means the function accepts anything.
type Function struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Required    bool
}

// Tool converts the definition to its wire shape.
func (f Function) Tool() chat.Tool {
	return chat.Tool{
		Type: "function",
		Function: chat.FunctionDefinition{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  f.Parameters,
		},
	}
}

// Registry holds the functions available for tool calling. Safe for
// concurrent use; registering an existing name replaces it.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]Function)}
}

func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[fn.Name] = fn
}

func (r *Registry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[name]
	return ok
}

// Names returns the registered function names sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AsTools renders every registered function in wire shape, sorted by name.
func (r *Registry) AsTools() []chat.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]chat.Tool, 0, len(r.functions))
	for _, fn := range r.functions {
		tools = append(tools, fn.Tool())
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Function.Name < tools[j].Function.Name })
	return tools
}

// RequiredOnly returns the functions flagged as required, sorted by name.
func (r *Registry) RequiredOnly() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var required []Function
	for _, fn := range r.functions {
		if fn.Required {
			required = append(required, fn)
		}
	}
	sort.Slice(required, func(i, j int) bool { return required[i].Name < required[j].Name })
	return required
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions = make(map[string]Function)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functions)
}

// FromTools builds a registry out of the tools declared on a request,
// so the same validation path covers request-scoped tools. Declared
// tools count as required-eligible: the caller offered them, so a
// "required" tool choice is satisfiable.
func FromTools(tools []chat.Tool) *Registry {
	r := NewRegistry()
	for _, t := range tools {
		r.Register(Function{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Required:    true,
		})
	}
	return r
}
