package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/lcd"
)

// maxCandidateBytes caps the body of POST /candidates
const maxCandidateBytes = 4 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()
	logger := app.Logger.With("component", "http")

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string                  `json:"status"`
			Timestamp     time.Time               `json:"timestamp"`
			Nodes         int                     `json:"nodes"`
			MQTTConnected bool                    `json:"mqttConnected"`
			LastSolution  *lcd.VerificationResult `json:"lastSolution,omitempty"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Nodes:         app.Graph.NumNodes(),
			MQTTConnected: app.MQTTClient != nil && app.MQTTClient.IsConnected(),
		}
		if app.Publisher != nil {
			if last, ok := app.Publisher.Latest(); ok {
				status.LastSolution = &last
			}
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Verification counters plus the current graph shape
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		layers := make(map[string]int)
		for id, n := range app.Graph.LayerSizes() {
			layers[id.String()] = n
		}
		stats := struct {
			lcd.StatsSnapshot
			Layers        map[string]int `json:"layers"`
			CachedResults int            `json:"cachedResults"`
		}{
			StatsSnapshot: app.Stats.Snapshot(),
			Layers:        layers,
		}
		if app.Cache != nil {
			stats.CachedResults = app.Cache.Len()
		}
		writeJSON(w, http.StatusOK, stats)
	})

	// Recent results, newest first. ?from=&to= narrows to one node pair.
	mux.HandleFunc("GET /solutions", func(w http.ResponseWriter, r *http.Request) {
		if app.Cache == nil {
			writeJSON(w, http.StatusOK, []lcd.VerificationResult{})
			return
		}

		q := r.URL.Query()
		if q.Has("from") || q.Has("to") {
			from, errFrom := strconv.ParseUint(q.Get("from"), 10, 64)
			to, errTo := strconv.ParseUint(q.Get("to"), 10, 64)
			if errFrom != nil || errTo != nil {
				http.Error(w, "from and to must both be node ids", http.StatusBadRequest)
				return
			}
			result, ok := app.Cache.GetByPair(dsg.NodeId(from), dsg.NodeId(to))
			if !ok {
				http.Error(w, "No solution for node pair", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, []lcd.VerificationResult{result})
			return
		}
		writeJSON(w, http.StatusOK, app.Cache.List())
	})

	mux.HandleFunc("DELETE /solutions", func(w http.ResponseWriter, r *http.Request) {
		if app.Cache != nil {
			n := app.Cache.Len()
			app.Cache.Flush()
			logger.Info("flushed solution cache", "results", n)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /solutions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if app.Cache == nil {
			http.Error(w, "No solutions available", http.StatusNotFound)
			return
		}
		result, ok := app.Cache.Get(r.PathValue("id"))
		if !ok {
			http.Error(w, "Solution not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "node id must be a decimal integer", http.StatusBadRequest)
			return
		}
		node, ok := app.Graph.GetNode(dsg.NodeId(id))
		if !ok {
			http.Error(w, "Node not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, node)
	})

	// Synchronous verification for callers without MQTT
	mux.HandleFunc("POST /candidates", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCandidateBytes))
		if err != nil {
			http.Error(w, "Error reading request body", http.StatusBadRequest)
			return
		}
		req, err := lcd.DecodeVerificationRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := app.HandleCandidate(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
