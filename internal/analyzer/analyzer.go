// Package analyzer batches a window of items into a single LLM call and
// enforces the structured-output contract on the response.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/model"
)

const (
	defaultAttemptTimeout = 180 * time.Second
	defaultMaxRetries     = 2
	uncategorized         = "Uncategorized"
)

// Outcome is what one analysis pass produced. Results is empty both when
// the LLM filtered everything and when validation failed persistently; Err
// distinguishes the two.
type Outcome struct {
	Results []model.AnalysisResult
	Dropped int // entries discarded for an unparseable source url
	Retries int // validation retries consumed
	Err     error
}

// Analyzer drives the batched classification call.
type Analyzer struct {
	client  llm.Client
	mod     string
	timeout time.Duration
	retries int
	logger  *zap.Logger
}

// New builds an Analyzer from the LLM config section.
func New(client llm.Client, cfg config.LLMConfig, logger *zap.Logger) *Analyzer {
	timeout := time.Duration(cfg.AnalysisTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	retries := cfg.AnalysisMaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}
	return &Analyzer{
		client:  client,
		mod:     cfg.AnalysisModel,
		timeout: timeout,
		retries: retries,
		logger:  logger,
	}
}

// Analyze runs the batch call. A validation failure is retried with the
// validation error echoed back; persistent failure yields an empty Outcome
// with Err set, which the caller records as non-fatal. Cancellation of ctx
// aborts immediately and is returned as Err.
func (a *Analyzer) Analyze(ctx context.Context, items []model.Item, snap model.MarketSnapshot, sentSummary string) Outcome {
	if len(items) == 0 {
		return Outcome{}
	}

	userPrompt, err := buildUserPrompt(snap, sentSummary, items)
	if err != nil {
		return Outcome{Err: err}
	}

	prompt := userPrompt
	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Retries: attempt, Err: ctx.Err()}
		}

		raw, err := a.complete(ctx, prompt)
		if err != nil {
			// Transport and quota errors are not validation failures;
			// echoing them back to the model cannot help.
			return Outcome{Retries: attempt, Err: err}
		}

		results, dropped, err := parseResults(raw)
		if err == nil {
			a.logger.Info("analysis complete",
				zap.Int("input_items", len(items)),
				zap.Int("results", len(results)),
				zap.Int("dropped", dropped),
				zap.Int("retries", attempt),
			)
			return Outcome{Results: results, Dropped: dropped, Retries: attempt}
		}

		lastErr = err
		a.logger.Warn("analysis output failed validation",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		prompt = userPrompt + fmt.Sprintf(
			"\n\nYour previous response was rejected: %v\nRespond again with a JSON array only.", err)
	}

	return Outcome{
		Retries: a.retries,
		Err:     fmt.Errorf("analysis output invalid after %d retries: %w", a.retries, lastErr),
	}
}

func (a *Analyzer) complete(ctx context.Context, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.client.Complete(ctx, llm.Request{
		Model:  a.mod,
		System: systemPrompt,
		User:   userPrompt,
	})
}

// parseResults validates the raw response against the structured-output
// contract and normalizes each entry. The error return is a validation
// error suitable for echoing back to the model.
func parseResults(raw string) ([]model.AnalysisResult, int, error) {
	trimmed := stripFences(raw)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, 0, fmt.Errorf("expected a JSON array, got %q", truncate(trimmed, 60))
	}

	var entries []model.AnalysisResult
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, 0, fmt.Errorf("response is not a valid JSON array of analysis entries: %v", err)
	}

	results := make([]model.AnalysisResult, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		if !model.ValidItemURL(e.Source) {
			dropped++
			continue
		}
		e.Category = model.CollapseWhitespace(strings.TrimSpace(e.Category))
		if e.Category == "" {
			e.Category = uncategorized
		}
		if e.WeightScore < 0 {
			e.WeightScore = 0
		} else if e.WeightScore > 100 {
			e.WeightScore = 100
		}
		related := e.RelatedSources[:0]
		for _, u := range e.RelatedSources {
			if model.ValidItemURL(u) {
				related = append(related, u)
			}
		}
		e.RelatedSources = related
		results = append(results, e)
	}

	sortResults(results)
	return results, dropped, nil
}

// sortResults orders by weight descending, then time descending. Times
// that fail to parse sort last within their weight tier.
func sortResults(results []model.AnalysisResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].WeightScore != results[j].WeightScore {
			return results[i].WeightScore > results[j].WeightScore
		}
		ti, okI := parseEntryTime(results[i].Time)
		tj, okJ := parseEntryTime(results[j].Time)
		if okI != okJ {
			return okI
		}
		return ti.After(tj)
	})
}

func parseEntryTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

// stripFences tolerates models that wrap the array in a markdown code
// fence despite the instructions.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	return s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
