package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arc-self/market-sentinel/internal/model"
)

// systemPrompt is static so upstream prompt caching can reuse it across runs.
const systemPrompt = `You are a crypto-market intelligence analyst. You receive a market-context
block, a list of already-reported headlines, and a JSON list of freshly
collected news items. Your job:

1. Discard noise: ads, giveaways, engagement bait, and anything that merely
   restates an already-reported headline.
2. For each item worth reporting, produce one JSON object:
   {"time": "<RFC3339 timestamp of the item>",
    "category": "<short topical label, e.g. "Fed", "ETF", "DeFi">",
    "weight_score": <integer 0-100, importance to a crypto investor>,
    "title": "<concise rewritten headline>",
    "body": "<1-3 sentence summary with concrete facts and figures>",
    "source": "<url of the item>",
    "related_sources": ["<urls of other items covering the same event>"]}
3. Merge items covering the same event into one object; put the extra urls
   into related_sources.

Respond with a JSON array only. No prose, no markdown fences. An empty
array [] is a valid answer when nothing is worth reporting.`

// promptItem is the per-item shape embedded in the user prompt.
type promptItem struct {
	Time       string `json:"time"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	SourceName string `json:"source_name"`
	URL        string `json:"url"`
}

// buildUserPrompt assembles the three prompt sections: market context,
// already-reported headlines, and the windowed items.
func buildUserPrompt(snap model.MarketSnapshot, sentSummary string, items []model.Item) (string, error) {
	market := "N/A"
	if snap.Valid && strings.TrimSpace(snap.Text) != "" {
		market = snap.Text
	}
	reported := "N/A"
	if strings.TrimSpace(sentSummary) != "" {
		reported = sentSummary
	}

	entries := make([]promptItem, 0, len(items))
	for _, it := range items {
		entries = append(entries, promptItem{
			Time:       it.PublishedAt.UTC().Format(time.RFC3339),
			Title:      it.Title,
			Body:       it.Body,
			SourceName: it.SourceName,
			URL:        it.URL,
		})
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode prompt items: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("## Market context\n")
	sb.WriteString(market)
	sb.WriteString("\n\n## Already reported (do not repeat)\n")
	sb.WriteString(reported)
	sb.WriteString("\n\n## News items\n")
	sb.Write(encoded)
	return sb.String(), nil
}
