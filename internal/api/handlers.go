package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nhle/admin-mailbox/internal/mailbox"
)

type healthResponse struct {
	State mailbox.State `json:"state"`
	Ready bool          `json:"ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.mail.State()
	status := http.StatusOK
	if state != mailbox.StateConnected {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: true,
		Data:    healthResponse{State: state, Ready: state == mailbox.StateConnected},
	})
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := mailbox.SearchFilter{
		Folder:   q.Get("folder"),
		FreeText: q.Get("search"),
	}

	var err error
	if v := q.Get("unreadOnly"); v != "" {
		if filter.UnreadOnly, err = strconv.ParseBool(v); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "unreadOnly must be a boolean")
			return
		}
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "offset must be a non-negative integer")
		return
	}

	res, err := s.mail.ListMessages(r.Context(), filter)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.mail.GetStats(r.Context(), r.URL.Query().Get("folder"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type testConnectionRequest struct {
	Folder string `json:"testFolder"`
}

type testConnectionResponse struct {
	State   mailbox.State    `json:"state"`
	Mailbox *mailbox.Mailbox `json:"mailbox"`
}

// handleTestConnection checks the session by reading one folder's status.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", `body must be {"testFolder": "<name>"}`)
			return
		}
	}
	if req.Folder == "" {
		req.Folder = r.URL.Query().Get("folder")
	}

	mb, err := s.mail.GetMailbox(r.Context(), req.Folder)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, testConnectionResponse{State: s.mail.State(), Mailbox: mb})
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}
	msg, err := s.mail.GetMessage(r.Context(), r.URL.Query().Get("folder"), uid)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

type markReadRequest struct {
	IsRead *bool `json:"isRead"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsRead == nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", `body must be {"isRead": true|false}`)
		return
	}

	if err := s.mail.SetRead(r.Context(), r.URL.Query().Get("folder"), uid, *req.IsRead); err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"uid": uid, "isRead": *req.IsRead})
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}
	if err := s.mail.DeleteMessage(r.Context(), r.URL.Query().Get("folder"), uid); err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"uid": uid, "deleted": true})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}
	filename := chi.URLParam(r, "filename")
	if filename == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "filename is required")
		return
	}

	att, err := s.mail.GetAttachment(r.Context(), r.URL.Query().Get("folder"), uid, filename)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Data)
}

func uidParam(w http.ResponseWriter, r *http.Request) (mailbox.UID, bool) {
	uid, err := mailbox.ParseUID(chi.URLParam(r, "uid"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_UID", err.Error())
		return 0, false
	}
	return uid, true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
