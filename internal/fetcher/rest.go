package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/model"
)

// REST issues a single HTTP call per source and maps response fields onto
// items via the source's response_mapping. The response is either a
// top-level JSON array or an object wrapping one under items_field.
type REST struct {
	client *http.Client
	logger *zap.Logger
}

// NewREST builds the REST fetcher with the configured HTTP timeout.
func NewREST(timeout time.Duration, logger *zap.Logger) *REST {
	return &REST{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (f *REST) Kind() model.SourceKind { return model.SourceKindREST }

func (f *REST) Validate(src config.Source) error {
	if src.URL == "" {
		return fmt.Errorf("url is required for rest sources")
	}
	if !model.ValidItemURL(src.URL) {
		return fmt.Errorf("url %q is not an absolute http(s) URL", src.URL)
	}
	switch src.Method {
	case "", http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("method %q is not supported for rest sources", src.Method)
	}
	if src.Mapping.URL == "" {
		return fmt.Errorf("response_mapping.url is required for rest sources")
	}
	if src.Mapping.PublishedAt == "" {
		return fmt.Errorf("response_mapping.published_at is required for rest sources")
	}
	return nil
}

func (f *REST) Fetch(ctx context.Context, src config.Source, windowHours int, hints Hints) ([]model.Item, model.CrawlResult) {
	var records []map[string]any

	err := retry(ctx, func() error {
		req, err := f.buildRequest(ctx, src)
		if err != nil {
			return err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return &TransientError{Err: fmt.Errorf("rest call: %w", err)}
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransientError{Err: fmt.Errorf("read body: %w", err)}
		}
		records, err = decodeRecords(body, src.ItemsField)
		return err
	})
	if err != nil {
		return nil, errResult(src, err)
	}

	now := hints.Now
	var items []model.Item
	skipped := 0
	for _, rec := range records {
		it, ok := f.mapRecord(src, rec, now)
		if !ok {
			skipped++
			continue
		}
		items = append(items, it)
	}
	if skipped > 0 {
		f.logger.Warn("rest records skipped during mapping",
			zap.String("source", src.Name),
			zap.Int("skipped", skipped),
		)
	}

	items = filterWindow(items, now, windowHours)
	return items, okResult(src, len(items))
}

func (f *REST) buildRequest(ctx context.Context, src config.Source) (*http.Request, error) {
	method := src.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("bad url: %w", err)
	}
	if len(src.Params) > 0 {
		q := u.Query()
		for k, v := range src.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// decodeRecords unwraps the record array: top-level, or nested under field.
func decodeRecords(body []byte, field string) ([]map[string]any, error) {
	if field == "" {
		var records []map[string]any
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("decode response array: %w", err)
		}
		return records, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode response object: %w", err)
	}
	raw, ok := wrapper[field]
	if !ok {
		return nil, fmt.Errorf("response field %q not present", field)
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %q array: %w", field, err)
	}
	return records, nil
}

// mapRecord applies the response mapping to one record. Records missing a
// URL or publish time are skipped and counted by the caller.
func (f *REST) mapRecord(src config.Source, rec map[string]any, now time.Time) (model.Item, bool) {
	rawURL := lookupString(rec, src.Mapping.URL)
	published, ok := lookupTime(rec, src.Mapping.PublishedAt, src.Mapping.TimeFormat)
	if rawURL == "" || !ok {
		return model.Item{}, false
	}

	title := lookupString(rec, src.Mapping.Title)
	body := lookupString(rec, src.Mapping.Body)

	it, _ := model.NewItem(src.Name, model.SourceKindREST, title, body, rawURL, published, now)
	return it, true
}

// lookupString walks a dotted path ("metadata.url") into nested objects and
// stringifies scalars.
func lookupString(rec map[string]any, path string) string {
	v, ok := lookup(rec, path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// lookupTime parses a timestamp field: a string in the mapped layout
// (RFC3339 when unspecified) or a unix-seconds number.
func lookupTime(rec map[string]any, path, layout string) (time.Time, bool) {
	v, ok := lookup(rec, path)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case string:
		if secs, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
		if layout == "" {
			layout = time.RFC3339
		}
		if at, err := time.Parse(layout, t); err == nil {
			return at.UTC(), true
		}
	}
	return time.Time{}, false
}

func lookup(rec map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = rec
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
