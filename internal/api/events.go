package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/flitsinc/go-observation/internal/execctx"
	"github.com/flitsinc/go-observation/internal/idgen"
	"github.com/flitsinc/go-observation/internal/model"
	"github.com/flitsinc/go-observation/internal/observation"
)

// userHeader names the acting user; requests without it act as guest.
const userHeader = "X-User"

const guestUser = "guest"

type wikiRequest struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

type documentRequest struct {
	Content string `json:"content"`
	Locale  string `json:"locale"`
}

type actionRequest struct {
	Action   string `json:"action"`
	Document string `json:"document"`
	Locale   string `json:"locale"`
}

// raise notifies local listeners of event inside the execution of the
// request. Remote observation picks the event up as one of those listeners.
func (s *Server) raise(r *http.Request, wiki string, event observation.LocalEvent) {
	if s.Dispatcher == nil {
		return
	}
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		user = guestUser
	}
	ctx := execctx.WithExecution(r.Context(), execctx.New(wiki, user))
	_ = s.Dispatcher.Notify(ctx, event)
}

func (s *Server) handleWikis(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		wikis, err := s.Store.ListWikis(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"wikis": wikis})
	case http.MethodPost:
		var req wikiRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := idgen.ValidateName(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wiki, err := s.Store.CreateWiki(r.Context(), req.ID, req.Owner)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.raise(r, wiki.ID, observation.LocalEvent{Kind: observation.KindWikiCreated, Source: wiki.ID})
		s.raise(r, wiki.ID, observation.LocalEvent{Kind: observation.KindWikiReady, Source: wiki.ID})
		writeJSON(w, http.StatusCreated, wiki)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleWikiItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/wikis/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("wiki id is required"))
		return
	}
	if err := s.Store.DeleteWiki(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, errNotFound("wiki "+id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.raise(r, id, observation.LocalEvent{Kind: observation.KindWikiDeleted, Source: id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDocument serves /api/documents/{wiki}/{space}/{page}.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	ref, err := documentPath(strings.TrimPrefix(r.URL.Path, "/api/documents/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	locale := r.URL.Query().Get("locale")

	switch r.Method {
	case http.MethodGet:
		doc, err := s.Store.LoadDocument(r.Context(), ref, r.URL.Query().Get("version"), locale)
		if err != nil {
			writeStoreError(w, ref, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		var req documentRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Locale == "" {
			req.Locale = locale
		}
		doc, err := s.Store.SaveDocument(r.Context(), ref, req.Locale, req.Content, r.Header.Get(userHeader))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		kind := observation.KindDocumentUpdated
		status := http.StatusOK
		if doc.IsNew() {
			kind = observation.KindDocumentCreated
			status = http.StatusCreated
		}
		s.raise(r, ref.Wiki, observation.LocalEvent{Kind: kind, Source: doc})
		writeJSON(w, status, doc)
	case http.MethodDelete:
		doc, err := s.Store.DeleteDocument(r.Context(), ref, locale)
		if err != nil {
			writeStoreError(w, ref, err)
			return
		}
		s.raise(r, ref.Wiki, observation.LocalEvent{Kind: observation.KindDocumentDeleted, Source: doc})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	var req actionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, http.StatusBadRequest, errors.New("action is required"))
		return
	}
	ref, err := model.ParseReference(req.Document)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	doc, err := s.Store.LoadDocument(r.Context(), ref, "", req.Locale)
	if err != nil {
		writeStoreError(w, ref, err)
		return
	}
	s.raise(r, ref.Wiki, observation.LocalEvent{Kind: observation.KindActionExecuted, Name: req.Action, Source: doc})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func documentPath(raw string) (model.DocumentReference, error) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return model.DocumentReference{}, errors.New("expected /api/documents/{wiki}/{space}/{page}")
	}
	return model.DocumentReference{Wiki: parts[0], Space: parts[1], Page: parts[2]}, nil
}

func writeStoreError(w http.ResponseWriter, ref model.DocumentReference, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, errNotFound("document "+ref.String()))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
