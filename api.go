package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

// PipelinesResponse is returned by /api/pipelines
type PipelinesResponse struct {
	Band      string           `json:"band"`
	WinSize   float64          `json:"winsize_seconds"`
	Pipelines []PipelineStatus `json:"pipelines"`
	Timestamp string           `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handlePipelinesAPI serves /api/pipelines and /api/pipelines/<source>
func handlePipelinesAPI(w http.ResponseWriter, r *http.Request, supervisor *PipelineSupervisor, config *Config) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/pipelines"), "/"); key != "" {
		h := supervisor.Lookup(key)
		if h == nil {
			http.Error(w, "Unknown pipeline", http.StatusNotFound)
			return
		}
		writeJSON(w, h.Status())
		return
	}

	writeJSON(w, PipelinesResponse{
		Band:      config.Feedback.Band.String(),
		WinSize:   config.Feedback.WinSize,
		Pipelines: supervisor.Statuses(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleViewersAPI serves /api/viewers
func handleViewersAPI(w http.ResponseWriter, r *http.Request, hub *PowerHub) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hub == nil {
		http.Error(w, "WebSocket viewers are not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, hub.Viewers())
}
