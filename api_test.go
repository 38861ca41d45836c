package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestPipelines runs two fake pipelines until each has published a snapshot
func startTestPipelines(t *testing.T) *PipelineSupervisor {
	t.Helper()
	ps := newTestSupervisor(newTestFleet(), nil)
	handles, err := ps.Start(context.Background(), sources("amp-a", "amp-b"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.StopAll(handles) })

	for _, h := range handles {
		h := h
		require.Eventually(t, func() bool { return h.Loop.Latest() != nil }, 5*time.Second, 5*time.Millisecond)
	}
	return ps
}

func TestPipelinesAPI(t *testing.T) {
	ps := startTestPipelines(t)
	config := DefaultConfig()

	rec := httptest.NewRecorder()
	handlePipelinesAPI(rec, httptest.NewRequest(http.MethodGet, "/api/pipelines", nil), ps, config)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp PipelinesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "8-13 Hz", resp.Band)
	assert.Equal(t, 5.0, resp.WinSize)
	require.Len(t, resp.Pipelines, 2)
	assert.Equal(t, "amp-a", resp.Pipelines[0].Source.Name)
	assert.Equal(t, "running", resp.Pipelines[0].State)
	require.NotNil(t, resp.Pipelines[0].Latest)
	assert.Equal(t, []string{"Fp1", "Fp2", "C3"}, resp.Pipelines[0].Latest.Channels)
}

func TestPipelinesAPISingle(t *testing.T) {
	ps := startTestPipelines(t)
	config := DefaultConfig()

	rec := httptest.NewRecorder()
	handlePipelinesAPI(rec, httptest.NewRequest(http.MethodGet, "/api/pipelines/amp-b", nil), ps, config)
	require.Equal(t, http.StatusOK, rec.Code)

	var status PipelineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "amp-b", status.Source.Name)

	// Lookup by ID works too
	rec = httptest.NewRecorder()
	handlePipelinesAPI(rec, httptest.NewRequest(http.MethodGet, "/api/pipelines/"+status.ID, nil), ps, config)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handlePipelinesAPI(rec, httptest.NewRequest(http.MethodGet, "/api/pipelines/missing", nil), ps, config)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handlePipelinesAPI(rec, httptest.NewRequest(http.MethodPost, "/api/pipelines", nil), ps, config)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestViewersAPI(t *testing.T) {
	rec := httptest.NewRecorder()
	handleViewersAPI(rec, httptest.NewRequest(http.MethodGet, "/api/viewers", nil), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hub := NewPowerHub(&WebSocketConfig{QueueSize: 4}, nil)
	rec = httptest.NewRecorder()
	handleViewersAPI(rec, httptest.NewRequest(http.MethodGet, "/api/viewers", nil), hub)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	handleViewersAPI(rec, httptest.NewRequest(http.MethodDelete, "/api/viewers", nil), hub)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
