// Package xtool wraps the external X crawler CLI behind the fetcher's
// XRunner seam. The tool is invoked per source with a page-depth argument
// and emits one JSON object per line (a top-level array is also accepted).
package xtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/fetcher"
)

// Runner shells out to the configured CLI binary.
type Runner struct {
	toolPath string
	logger   *zap.Logger
}

// NewRunner builds a Runner for the given binary path or name.
func NewRunner(toolPath string, logger *zap.Logger) *Runner {
	return &Runner{toolPath: toolPath, logger: logger}
}

var _ fetcher.XRunner = (*Runner)(nil)

// record mirrors the tool's output schema.
type record struct {
	Text      string `json:"text"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

// Run invokes the tool and parses its output. The ctx deadline kills the
// process; a non-zero exit or unparseable output is an error the fetcher
// converts into a CrawlResult.
func (r *Runner) Run(ctx context.Context, profileURL string, pages int) ([]fetcher.XRecord, error) {
	cmd := exec.CommandContext(ctx, r.toolPath,
		"--url", profileURL,
		"--pages", strconv.Itoa(pages),
		"--format", "json",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("x tool timed out after %s: %w", time.Since(start).Round(time.Second), ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("x tool failed: %s", msg)
	}

	records, err := parseOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	r.logger.Debug("x tool finished",
		zap.String("profile", profileURL),
		zap.Int("pages", pages),
		zap.Int("records", len(records)),
		zap.Duration("took", time.Since(start)),
	)
	return records, nil
}

// parseOutput accepts either a JSON array or JSON lines.
func parseOutput(out []byte) ([]fetcher.XRecord, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raw []record
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("unparseable x tool output: %w", err)
		}
	} else {
		for i, line := range bytes.Split(trimmed, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("unparseable x tool output at line %d: %w", i+1, err)
			}
			raw = append(raw, rec)
		}
	}

	records := make([]fetcher.XRecord, 0, len(raw))
	for _, rec := range raw {
		posted, err := time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			// Skip records with a bad timestamp rather than failing the
			// whole page; the fetcher counts the ones that survive.
			continue
		}
		records = append(records, fetcher.XRecord{
			Text:     rec.Text,
			URL:      rec.URL,
			PostedAt: posted.UTC(),
		})
	}
	return records, nil
}
