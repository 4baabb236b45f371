package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/model"
)

type stubRuns struct {
	active  []model.ExecutionHandle
	last    model.ExecutionHandle
	hasLast bool
}

func (s *stubRuns) ActiveRuns() []model.ExecutionHandle          { return s.active }
func (s *stubRuns) LastCompleted() (model.ExecutionHandle, bool) { return s.last, s.hasLast }

func TestHealth(t *testing.T) {
	e := echo.New()
	NewOpsHandler(&stubRuns{}, llm.NewUsage()).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	started := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	runs := &stubRuns{
		active: []model.ExecutionHandle{{
			RunID: "r1", Trigger: model.TriggerScheduled,
			Stage: model.StageFetching, StartedAt: started,
		}},
		last: model.ExecutionHandle{
			RunID: "r0", Trigger: model.TriggerManual,
			Stage: model.StageDone, StartedAt: started.Add(-time.Hour),
			EndedAt: started.Add(-50 * time.Minute),
		},
		hasLast: true,
	}
	usage := llm.NewUsage()
	usage.Record(100, 40)

	e := echo.New()
	NewOpsHandler(runs, usage).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ActiveRuns, 1)
	assert.Equal(t, "r1", resp.ActiveRuns[0].RunID)
	assert.Equal(t, "fetching", resp.ActiveRuns[0].Stage)
	require.NotNil(t, resp.LastCompleted)
	assert.Equal(t, "done", resp.LastCompleted.Stage)
	assert.Equal(t, int64(100), resp.LLMInputTokens)
	assert.Equal(t, int64(40), resp.LLMOutputTokens)
	assert.Equal(t, int64(1), resp.LLMCalls)
}

func TestStatus_NoRuns(t *testing.T) {
	e := echo.New()
	NewOpsHandler(&stubRuns{}, llm.NewUsage()).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.ActiveRuns)
	assert.Nil(t, resp.LastCompleted)
}
