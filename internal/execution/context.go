// Package execution holds the blackboard passed through one pipeline run and
// the result model the scheduler returns.
//
// Behaviors communicate only through Context.Data. The engine cannot verify
// which keys a behavior reads or writes; each behavior documents its keys and
// integration tests enforce the convention.
package execution

import (
	"github.com/rendis/opflow/pkg/schema"
)

// Input is a tagged input payload, e.g. a set of form responses.
type Input struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ObjectRef is a tagged, already-resolved participant reference.
type ObjectRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Context is the shared mutable state of a single execution. It is owned by
// one scheduler run and must not be shared between concurrent runs.
type Context struct {
	WorkflowName string         `json:"workflow_name"`
	Inputs       []Input        `json:"inputs,omitempty"`
	Objects      []ObjectRef    `json:"objects,omitempty"`
	Data         map[string]any `json:"data"`
}

// NewContext creates a context for the given logical event name.
func NewContext(workflowName string) *Context {
	return &Context{
		WorkflowName: workflowName,
		Data:         make(map[string]any),
	}
}

// AddInput appends a tagged input and returns the context for chaining.
func (c *Context) AddInput(kind string, payload map[string]any) *Context {
	c.Inputs = append(c.Inputs, Input{Kind: kind, Payload: payload})
	return c
}

// AddObject appends a tagged object reference and returns the context.
func (c *Context) AddObject(id, kind string) *Context {
	c.Objects = append(c.Objects, ObjectRef{ID: id, Kind: kind})
	return c
}

// HasInputKind reports whether any input carries one of kinds.
func (c *Context) HasInputKind(kinds ...string) bool {
	for _, in := range c.Inputs {
		for _, k := range kinds {
			if in.Kind == k {
				return true
			}
		}
	}
	return false
}

// HasObjectKind reports whether any object carries one of kinds.
func (c *Context) HasObjectKind(kinds ...string) bool {
	for _, o := range c.Objects {
		for _, k := range kinds {
			if o.Kind == k {
				return true
			}
		}
	}
	return false
}

// Get returns a value from the data area.
func (c *Context) Get(key string) (any, bool) {
	if c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}

// Merge shallow-merges data into the context. Later keys win.
func (c *Context) Merge(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if c.Data == nil {
		c.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		c.Data[k] = v
	}
}

// Snapshot returns a deep copy safe to hand out after the run.
func (c *Context) Snapshot() *Context {
	out := &Context{
		WorkflowName: c.WorkflowName,
		Data:         schema.CloneConfig(c.Data),
	}
	if out.Data == nil {
		out.Data = make(map[string]any)
	}
	if c.Inputs != nil {
		out.Inputs = make([]Input, len(c.Inputs))
		for i, in := range c.Inputs {
			out.Inputs[i] = Input{Kind: in.Kind, Payload: schema.CloneConfig(in.Payload)}
		}
	}
	if c.Objects != nil {
		out.Objects = append([]ObjectRef(nil), c.Objects...)
	}
	return out
}

// Vars exposes the context as a plain map for expression engines.
func (c *Context) Vars() map[string]any {
	inputs := make([]any, 0, len(c.Inputs))
	for _, in := range c.Inputs {
		payload := in.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		inputs = append(inputs, map[string]any{"kind": in.Kind, "payload": payload})
	}
	objects := make([]any, 0, len(c.Objects))
	for _, o := range c.Objects {
		objects = append(objects, map[string]any{"id": o.ID, "kind": o.Kind})
	}
	data := c.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"workflow_name": c.WorkflowName,
		"inputs":        inputs,
		"objects":       objects,
		"data":          data,
	}
}
