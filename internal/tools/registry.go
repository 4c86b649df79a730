// Package tools holds the node commands the gateway agent can invoke on this
// process: speaking on stream and working the plan. Each tool follows the
// same shape (Name, Description, Parameters, Execute) and is registered once
// at startup; the gateway bridge resolves commands through the Registry.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Tool is one invocable command.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry maps command names to tools, preserving registration order for
// listings.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the tool but keeps
// its position.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered commands in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Invoke resolves a command, decodes its JSON params and executes it. The
// (payload, error) pair maps directly onto the node.invoke.result frame.
func (r *Registry) Invoke(ctx context.Context, command string, paramsJSON json.RawMessage) (interface{}, error) {
	t, ok := r.Get(command)
	if !ok {
		return nil, fmt.Errorf("unknown command %q", command)
	}

	args := map[string]interface{}{}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &args); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", command, err)
		}
	}

	slog.Debug("tool invoked", "command", command)
	res := t.Execute(ctx, args)
	if res == nil {
		return nil, fmt.Errorf("tool %s returned no result", command)
	}
	if res.IsError() {
		return nil, errors.New(res.Err)
	}
	return res.Payload, nil
}
