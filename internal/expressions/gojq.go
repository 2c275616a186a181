package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/opflow/pkg/schema"
)

// jqVariables are bound for every program in addition to the input document:
//
//	$data      the shared data area
//	$input     first payload of each input kind, keyed by kind
//	$workflow  the logical event name
var jqVariables = []string{"$data", "$input", "$workflow"}

// GoJQEngine runs the jq programs of data.transform over an execution context
// rendered by Context.Vars. Compiled programs are cached by source text.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a jq engine with an empty program cache.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs program with vars as its input. Numbers are converted to
// float64 first since jq has a single number type. One output is returned as
// is, several are collected into a []any, and no output yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, program string, vars map[string]any) (any, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq program")
	}
	code, err := e.compile(program)
	if err != nil {
		return nil, err
	}

	input, _ := normalizeNumbers(vars).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	data, byKind, workflow := bindings(input)

	iter := code.RunWithContext(ctx, input, data, byKind, workflow)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq program %q failed: %s", program, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// bindings derives the $data, $input and $workflow values from rendered vars.
func bindings(vars map[string]any) (data map[string]any, byKind map[string]any, workflow string) {
	data, _ = vars["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	byKind = map[string]any{}
	inputs, _ := vars["inputs"].([]any)
	for _, raw := range inputs {
		in, _ := raw.(map[string]any)
		kind, _ := in["kind"].(string)
		if kind == "" {
			continue
		}
		if _, seen := byKind[kind]; !seen {
			byKind[kind] = in["payload"]
		}
	}
	workflow, _ = vars["workflow_name"].(string)
	return data, byKind, workflow
}

func (e *GoJQEngine) compile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[program]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}
	code, err = gojq.Compile(query,
		gojq.WithVariables(jqVariables),
		// No $ENV: programs see the execution context only.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.cache[program]; ok {
		return cached, nil
	}
	e.cache[program] = code
	return code, nil
}

// normalizeNumbers converts Go integer and float32 values, as written by
// behaviors into the data area, to float64.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeNumbers(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeNumbers(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
