// Package llm defines the completion contract the pipeline consumes and
// tracks token usage for the process session. The Anthropic adapter is the
// production implementation; tests substitute fakes.
package llm

import (
	"context"
	"sync/atomic"
)

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	User      string
	MaxTokens int64 // 0 = adapter default
}

// Client is the opaque LLM capability. Implementations return explicit
// errors for transport, auth, and quota failures; callers own retries.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Usage accumulates token counts for the process session, surfaced by the
// /tokens command and the ops endpoint.
type Usage struct {
	input  atomic.Int64
	output atomic.Int64
	calls  atomic.Int64
}

// NewUsage returns zeroed counters.
func NewUsage() *Usage { return &Usage{} }

// Record adds one call's token counts.
func (u *Usage) Record(input, output int64) {
	u.input.Add(input)
	u.output.Add(output)
	u.calls.Add(1)
}

// Totals returns (input, output, calls) accumulated so far.
func (u *Usage) Totals() (int64, int64, int64) {
	return u.input.Load(), u.output.Load(), u.calls.Load()
}
