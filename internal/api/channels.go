package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/idgen"
	"github.com/flitsinc/go-observation/internal/replication"
)

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	channels := []cluster.Info{}
	enabled := false
	local := ""
	if s.Manager != nil {
		if infos := s.Manager.Channels(); infos != nil {
			channels = infos
		}
		enabled = s.Manager.Enabled()
		local = s.Manager.LocalMember()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  enabled,
		"local":    local,
		"channels": channels,
	})
}

// handleChannelItem starts (POST) or stops (DELETE) /api/channels/{id}.
func (s *Server) handleChannelItem(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/channels/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel id is required"))
		return
	}
	if err := idgen.ValidateName(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.Manager == nil {
		writeError(w, http.StatusConflict, replication.ErrDisabled)
		return
	}

	var err error
	switch r.Method {
	case http.MethodPost:
		err = s.Manager.StartChannel(r.Context(), id)
	case http.MethodDelete:
		err = s.Manager.StopChannel(r.Context(), id)
	default:
		writeMethodNotAllowed(w)
		return
	}
	switch {
	case errors.Is(err, replication.ErrDisabled):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, cluster.ErrAdapterClosed):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, info := range s.Manager.Channels() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeJSON(w, http.StatusOK, cluster.Info{ID: id, State: cluster.StateStopped.String(), Local: s.Manager.LocalMember()})
}
