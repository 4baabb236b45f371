package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/telemetry"
)

const defaultMaxTokens = 8192

// Anthropic is the production Client backed by the Messages API.
type Anthropic struct {
	client  anthropic.Client
	usage   *Usage
	metrics *telemetry.PipelineMetrics
	logger  *zap.Logger
}

// NewAnthropic builds a client authenticated with the given API key.
// metrics may be nil when telemetry is disabled.
func NewAnthropic(apiKey string, usage *Usage, metrics *telemetry.PipelineMetrics, logger *zap.Logger) *Anthropic {
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		usage:   usage,
		metrics: metrics,
		logger:  logger,
	}
}

var _ Client = (*Anthropic)(nil)

// Complete runs one non-streaming completion and returns the concatenated
// text blocks of the response.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	a.usage.Record(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	if a.metrics != nil {
		a.metrics.LLMInputTokens.Add(ctx, msg.Usage.InputTokens)
		a.metrics.LLMOutputTokens.Add(ctx, msg.Usage.OutputTokens)
	}
	a.logger.Debug("completion finished",
		zap.String("model", req.Model),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.String("stop_reason", string(msg.StopReason)),
	)

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	out := sb.String()
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("anthropic completion: empty response (stop_reason=%s)", msg.StopReason)
	}
	return out, nil
}
