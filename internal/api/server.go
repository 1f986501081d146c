package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-observation/internal/journal"
	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/replication"
	"github.com/flitsinc/go-observation/internal/state"
)

type Server struct {
	Manager    *replication.Manager
	Dispatcher *observation.Dispatcher
	Store      *state.Store
	Journal    *journal.Journal
	// Cluster serves peer connections for adapters that accept them over
	// http; nil otherwise.
	Cluster      http.Handler
	ClusterPath  string
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Info         DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/channels/", s.handleChannelItem)
	mux.HandleFunc("/api/journal", s.handleJournal)
	mux.HandleFunc("/api/journal/ws", s.handleJournalWS)
	mux.HandleFunc("/api/wikis", s.handleWikis)
	mux.HandleFunc("/api/wikis/", s.handleWikiItem)
	mux.HandleFunc("/api/documents/", s.handleDocument)
	mux.HandleFunc("/api/actions", s.handleActions)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	if s.Cluster != nil && s.ClusterPath != "" {
		mux.Handle(s.ClusterPath, s.Cluster)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		header := r.Header.Get("X-Restart-Token")
		if header != token {
			writeError(w, http.StatusUnauthorized, errNotFound("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
