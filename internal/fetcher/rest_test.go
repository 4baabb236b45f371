package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/model"
)

func restSource(url string) config.Source {
	return config.Source{
		Name:       "api",
		Kind:       "rest",
		URL:        url,
		ItemsField: "data",
		Params:     map[string]string{"limit": "10"},
		Headers:    map[string]string{"X-Api-Key": "k"},
		Mapping: config.ResponseMapping{
			Title:       "headline",
			Body:        "summary",
			URL:         "meta.link",
			PublishedAt: "published",
		},
	}
}

func TestRESTFetch_WrappedArrayDottedMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		fmt.Fprintf(w, `{"data":[
			{"headline":"Funding rates spike","summary":"desc",
			 "meta":{"link":"https://example.com/fr"},
			 "published":%q},
			{"headline":"no link","summary":"x","published":%q}
		]}`,
			fetchNow.Add(-time.Hour).Format(time.RFC3339),
			fetchNow.Add(-time.Hour).Format(time.RFC3339))
	}))
	defer srv.Close()

	f := NewREST(5*time.Second, zaptest.NewLogger(t))
	items, cr := f.Fetch(context.Background(), restSource(srv.URL), 24, Hints{Now: fetchNow})

	assert.Equal(t, model.CrawlOK, cr.Status)
	require.Len(t, items, 1, "record without mapped url is skipped")
	assert.Equal(t, "Funding rates spike", items[0].Title)
	assert.Equal(t, "https://example.com/fr", items[0].URL)
	assert.Equal(t, model.SourceKindREST, items[0].SourceKind)
}

func TestRESTFetch_TopLevelArrayUnixTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"headline":"t","summary":"b","meta":{"link":"https://example.com/u"},"published":%d}]`,
			fetchNow.Add(-2*time.Hour).Unix())
	}))
	defer srv.Close()

	src := restSource(srv.URL)
	src.ItemsField = ""

	f := NewREST(5*time.Second, zaptest.NewLogger(t))
	items, cr := f.Fetch(context.Background(), src, 24, Hints{Now: fetchNow})

	assert.Equal(t, model.CrawlOK, cr.Status)
	require.Len(t, items, 1)
	assert.Equal(t, fetchNow.Add(-2*time.Hour), items[0].PublishedAt)
}

func TestRESTFetch_NumericStringTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"headline":"t","summary":"b","meta":{"link":"https://example.com/u"},"published":"%d"}]}`,
			fetchNow.Add(-time.Hour).Unix())
	}))
	defer srv.Close()

	f := NewREST(5*time.Second, zaptest.NewLogger(t))
	items, cr := f.Fetch(context.Background(), restSource(srv.URL), 24, Hints{Now: fetchNow})

	assert.Equal(t, model.CrawlOK, cr.Status)
	require.Len(t, items, 1)
}

func TestRESTFetch_MissingFieldIsCrawlError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer srv.Close()

	f := NewREST(5*time.Second, zaptest.NewLogger(t))
	items, cr := f.Fetch(context.Background(), restSource(srv.URL), 24, Hints{Now: fetchNow})

	assert.Nil(t, items)
	assert.Equal(t, model.CrawlError, cr.Status)
	assert.Contains(t, cr.ErrorMessage, `"data"`)
}

func TestRESTValidate(t *testing.T) {
	f := NewREST(time.Second, zaptest.NewLogger(t))

	src := restSource("https://example.com/api")
	assert.NoError(t, f.Validate(src))

	bad := src
	bad.URL = ""
	assert.Error(t, f.Validate(bad))

	bad = src
	bad.Method = "DELETE"
	assert.Error(t, f.Validate(bad))

	bad = src
	bad.Mapping.URL = ""
	assert.Error(t, f.Validate(bad))

	bad = src
	bad.Mapping.PublishedAt = ""
	assert.Error(t, f.Validate(bad))
}

func TestRegistry(t *testing.T) {
	rss := NewRSS(time.Second, zaptest.NewLogger(t))
	reg := NewRegistry(rss)

	f, ok := reg.Lookup(model.SourceKindRSS)
	assert.True(t, ok)
	assert.Equal(t, model.SourceKindRSS, f.Kind())

	_, ok = reg.Lookup(model.SourceKindX)
	assert.False(t, ok)

	err := reg.ValidateSources([]config.Source{{Name: "w", Kind: "x", ProfileURL: "https://x.com/w"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fetcher registered")
}
