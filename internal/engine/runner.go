package engine

import (
	"context"
	"encoding/json"

	"github.com/bidworks/bidflow/pkg/schema"
)

// StageExecutor runs the actual agent work for a stage. Implementations are
// opaque to the engine: the engine hands over input and config, and receives
// either an output payload or an error. Execute must honor ctx cancellation;
// the engine derives a deadline from the stage config when one is set.
type StageExecutor interface {
	Execute(ctx context.Context, stage schema.StageType, input json.RawMessage, config *schema.StageConfig) (json.RawMessage, error)
}

// StageExecutorFunc adapts a function to the StageExecutor interface.
type StageExecutorFunc func(ctx context.Context, stage schema.StageType, input json.RawMessage, config *schema.StageConfig) (json.RawMessage, error)

func (f StageExecutorFunc) Execute(ctx context.Context, stage schema.StageType, input json.RawMessage, config *schema.StageConfig) (json.RawMessage, error) {
	return f(ctx, stage, input, config)
}
