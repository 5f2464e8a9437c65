package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is a model-invocable function. Parameters holds a JSON schema
// advertised to the model in the session configuration.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	// Terminal marks a tool whose successful invocation ends the call.
	Terminal bool
	Handler  func(ctx context.Context, inv Invocation) (any, error)
}

// Invocation carries one function call from the model.
type Invocation struct {
	CallSid   string
	RecordID  string
	AgentName string
	Args      json.RawMessage
}

// Result is what goes back to the model as the function output.
type Result struct {
	Output  string
	HangUp  bool
	Errored bool
}

// Registry holds the tools available to a call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool requires a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s requires a handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Schemas returns tool definitions in the realtime session format,
// in registration order.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		schema := map[string]any{
			"type": "function",
			"name": tool.Name,
		}
		if tool.Description != "" {
			schema["description"] = tool.Description
		}
		if tool.Parameters != nil {
			schema["parameters"] = tool.Parameters
		}
		out = append(out, schema)
	}
	return out
}

// Dispatch runs the named tool. Failures are reported back to the model as
// structured output rather than tearing down the call: the conversation must
// survive a bad tool invocation.
func (r *Registry) Dispatch(ctx context.Context, name string, inv Invocation) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q", name))
	}

	if len(inv.Args) == 0 {
		inv.Args = json.RawMessage(`{}`)
	}
	if !json.Valid(inv.Args) {
		return errorResult(fmt.Sprintf("tool %s: arguments are not valid JSON", name))
	}

	payload, err := tool.Handler(ctx, inv)
	if err != nil {
		return errorResult(fmt.Sprintf("tool %s failed: %v", name, err))
	}

	output, err := encodeOutput(payload)
	if err != nil {
		return errorResult(fmt.Sprintf("tool %s: encode output: %v", name, err))
	}

	return Result{Output: output, HangUp: tool.Terminal}
}

func encodeOutput(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return `{"status":"ok"}`, nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

func errorResult(message string) Result {
	raw, _ := json.Marshal(map[string]string{
		"status": "error",
		"error":  message,
	})
	return Result{Output: string(raw), Errored: true}
}
