package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/flitsinc/go-observation/internal/journal"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Journal == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("journal"))
		return
	}
	q := r.URL.Query()
	dir := journal.Direction(q.Get("direction"))
	switch dir {
	case "", journal.DirectionOut, journal.DirectionIn:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown direction %q", dir))
		return
	}
	entries, err := s.Journal.List(r.Context(), journal.ListOptions{
		Kind:      q.Get("kind"),
		Direction: dir,
		Limit:     parseInt(q.Get("limit"), 0),
		Order:     q.Get("order"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleJournalWS streams journal entries as they are recorded. The kinds
// query parameter narrows the stream; it is unfiltered by default.
func (s *Server) handleJournalWS(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("journal"))
		return
	}
	kinds := splitComma(r.URL.Query().Get("kinds"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(r.Context())
	if err := streamEntries(ctx, s.Journal, kinds, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEntries(ctx context.Context, j *journal.Journal, kinds []string, writer wsWriter) error {
	sub := j.Subscribe(ctx, kinds)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
