package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"suchak/pkg/errs"
	"suchak/pkg/index"
	"suchak/pkg/logger"
	"suchak/pkg/models"
	"suchak/pkg/utils"
)

func (s *Server) registerConversations(r *mux.Router) {
	r.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/pending", s.listPending).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/read", s.markRead).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/focus", s.focusConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/favorite", s.setFavorite).Methods(http.MethodPut)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	f := index.Filter(r.URL.Query().Get("filter"))
	if f == "" {
		f = index.FilterAll
	}
	switch f {
	case index.FilterAll, index.FilterUnread, index.FilterFavorites,
		index.FilterGroups, index.FilterContacts, index.FilterDrafts:
	default:
		utils.JSONError(w, http.StatusBadRequest, "unknown filter")
		return
	}
	sums := s.eng.ListConversations(f)
	_ = utils.JSONWrite(w, 0, struct {
		Filter        index.Filter    `json:"filter"`
		Conversations []index.Summary `json:"conversations"`
	}{Filter: f, Conversations: sums})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string   `json:"title"`
		Participants []string `json:"participants"`
		IsGroup      bool     `json:"is_group"`
		IsDraft      bool     `json:"is_draft"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	c, err := s.eng.CreateConversation(req.Title, req.Participants, req.IsGroup, req.IsDraft)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Info("conversation_created", "conversation", c.ID, "group", c.IsGroup)
	_ = utils.JSONWrite(w, http.StatusCreated, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.eng.GetMessages(convID, since, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}{Conversation: convID, Messages: msgs})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var req struct {
		Content models.Content `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tempID, err := s.eng.SendMessage(convID, req.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("message_enqueued", "conversation", convID, "temp_id", tempID)
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"temp_id": tempID})
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	entries, err := s.eng.PendingMessages(convID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, struct {
		Conversation string               `json:"conversation"`
		Pending      []models.OutboxEntry `json:"pending"`
	}{Conversation: convID, Pending: entries})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var req struct {
		UptoSequence uint64 `json:"upto_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.eng.MarkRead(convID, req.UptoSequence); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) focusConversation(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	if err := s.eng.FocusConversation(convID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setFavorite(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var req struct {
		Favorite bool `json:"favorite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.eng.SetFavorite(convID, req.Favorite); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps sentinel errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		utils.JSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrDuplicateMessage):
		utils.JSONError(w, http.StatusConflict, err.Error())
	default:
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	}
}
