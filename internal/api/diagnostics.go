package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr string   `json:"http_addr"`
	DataDir  string   `json:"data_dir"`
	DBPath   string   `json:"db_path"`
	NodeID   string   `json:"node_id"`
	Adapter  string   `json:"adapter"`
	Channels []string `json:"channels"`
	Actions  []string `json:"actions"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Enabled       bool            `json:"enabled"`
	Info          DiagnosticsInfo `json:"info"`
	Journal       map[string]any  `json:"journal"`
	Replication   map[string]any  `json:"replication"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Enabled:       s.Manager != nil && s.Manager.Enabled(),
		Info:          s.Info,
		Journal:       map[string]any{},
		Replication:   map[string]any{},
	}
	if s.Journal != nil {
		resp.Journal["subscribers"] = s.Journal.SubscriberCount()
	}
	if s.Dispatcher != nil {
		resp.Replication["listeners"] = s.Dispatcher.ListenerCount()
	}
	if s.Manager != nil {
		resp.Replication["active_redeliveries"] = s.Manager.ActiveRedeliveries()
		started := 0
		for _, info := range s.Manager.Channels() {
			if info.State == "started" {
				started++
			}
		}
		resp.Replication["started_channels"] = started
	}
	writeJSON(w, http.StatusOK, resp)
}
