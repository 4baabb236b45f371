// Package handler exposes the internal ops endpoints: liveness and a
// status view of runs and LLM usage. These are for operators, not users;
// bind admin_listen to a private interface.
package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/model"
)

// RunInfo is the slice of the coordinator the ops surface reads.
type RunInfo interface {
	ActiveRuns() []model.ExecutionHandle
	LastCompleted() (model.ExecutionHandle, bool)
}

type OpsHandler struct {
	runs      RunInfo
	usage     *llm.Usage
	startedAt time.Time
}

func NewOpsHandler(runs RunInfo, usage *llm.Usage) *OpsHandler {
	return &OpsHandler{runs: runs, usage: usage, startedAt: time.Now()}
}

func (h *OpsHandler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/status", h.Status)
}

// --- Response DTOs ---

type runView struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	FailReason string    `json:"fail_reason,omitempty"`
}

type statusResponse struct {
	UptimeSeconds   int64     `json:"uptime_seconds"`
	ActiveRuns      []runView `json:"active_runs"`
	LastCompleted   *runView  `json:"last_completed,omitempty"`
	LLMInputTokens  int64     `json:"llm_input_tokens"`
	LLMOutputTokens int64     `json:"llm_output_tokens"`
	LLMCalls        int64     `json:"llm_calls"`
}

func (h *OpsHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OpsHandler) Status(c echo.Context) error {
	in, out, calls := h.usage.Totals()

	resp := statusResponse{
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		ActiveRuns:      []runView{},
		LLMInputTokens:  in,
		LLMOutputTokens: out,
		LLMCalls:        calls,
	}
	for _, r := range h.runs.ActiveRuns() {
		resp.ActiveRuns = append(resp.ActiveRuns, toView(r))
	}
	if last, ok := h.runs.LastCompleted(); ok {
		v := toView(last)
		resp.LastCompleted = &v
	}
	return c.JSON(http.StatusOK, resp)
}

func toView(h model.ExecutionHandle) runView {
	return runView{
		RunID:      h.RunID,
		Trigger:    string(h.Trigger),
		Stage:      string(h.Stage),
		StartedAt:  h.StartedAt,
		EndedAt:    h.EndedAt,
		FailReason: h.FailReason,
	}
}
