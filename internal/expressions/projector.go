package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/bidworks/bidflow/pkg/schema"
)

// Projector evaluates jq selectors against stage outputs to extract the
// fragment each stage contributes to the execution's result document.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type Projector struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewProjector() *Projector {
	return &Projector{
		cache: make(map[string]*gojq.Code),
	}
}

// Check compiles the selector without running it, so malformed selectors are
// rejected at execution start instead of at stage completion.
func (p *Projector) Check(selector string) error {
	if selector == "" {
		return nil
	}
	_, err := p.getOrCompile(selector)
	return err
}

// Project runs the stage's result selector against the raw task output and
// returns the selected fragment as JSON. An empty selector selects the whole
// output. A selector producing no output yields nil, which the caller treats
// as "this stage contributes nothing to the result".
func (p *Projector) Project(ctx context.Context, selector string, output json.RawMessage) (json.RawMessage, error) {
	if len(output) == 0 {
		return nil, nil
	}
	if selector == "" {
		selector = "."
	}

	var input any
	if err := json.Unmarshal(output, &input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage output is not valid JSON: %s", err.Error()).WithCause(err)
	}

	result, err := p.evaluate(ctx, selector, input)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"projected value is not serializable: %s", err.Error()).WithCause(err)
	}
	return raw, nil
}

// evaluate compiles (or retrieves from cache) a jq selector and runs it.
// jq selectors can produce multiple outputs; one output is returned directly
// and multiple outputs are collected into a slice.
func (p *Projector) evaluate(ctx context.Context, selector string, input any) (any, error) {
	code, err := p.getOrCompile(selector)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", selector, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"selector": selector})
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

func (p *Projector) getOrCompile(selector string) (*gojq.Code, error) {
	p.mu.RLock()
	if code, ok := p.cache[selector]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := p.cache[selector]; ok {
		return code, nil
	}

	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", selector, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"selector": selector})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", selector, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"selector": selector})
	}

	p.cache[selector] = code
	return code, nil
}
