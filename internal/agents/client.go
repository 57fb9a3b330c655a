package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bidworks/bidflow/pkg/schema"
)

const maxResponseBytes = 8 << 20

// Client dispatches stage work to per-stage agent endpoints over HTTP. Each
// stage POSTs its input document to the configured URL and expects a 200
// response carrying the stage output as JSON.
type Client struct {
	endpoints map[schema.StageType]string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a Client for the given stage endpoint map.
func NewClient(endpoints map[schema.StageType]string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 10 * time.Minute},
		logger:    logger,
	}
}

// Execute implements engine.StageExecutor.
func (c *Client) Execute(ctx context.Context, stage schema.StageType, input json.RawMessage, cfg *schema.StageConfig) (json.RawMessage, error) {
	url, ok := c.endpoints[stage]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStageFailed,
			"no agent endpoint configured for stage %s", stage).WithStage(stage)
	}

	body := map[string]any{"input": input}
	if cfg != nil && len(cfg.Params) > 0 {
		body["params"] = cfg.Params
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStageFailed, "encode agent request").WithCause(err).WithStage(stage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStageFailed, "build agent request").WithCause(err).WithStage(stage)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // context errors pass through for timeout classification
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStageFailed, "read agent response").WithCause(err).WithStage(stage)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeStageFailed,
			"agent returned %d: %s", resp.StatusCode, truncate(string(out), 200)).WithStage(stage)
	}
	if !json.Valid(out) {
		return nil, schema.NewError(schema.ErrCodeStageFailed, "agent response is not valid JSON").WithStage(stage)
	}

	c.logger.DebugContext(ctx, "agent responded",
		slog.String("stage", string(stage)), slog.Int("bytes", len(out)))
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

