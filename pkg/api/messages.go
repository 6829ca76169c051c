package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"suchak/pkg/models"
	"suchak/pkg/utils"
)

func (s *Server) registerMessages(r *mux.Router) {
	r.HandleFunc("/messages/{id}", s.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id}/edit", s.editMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/versions", s.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/status", s.messageStatus).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/reactions", s.addReaction).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/reactions/{emoji}", s.removeReaction).Methods(http.MethodDelete)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.eng.GetMessage(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, m)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Content models.Content `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := s.eng.EditMessage(id, req.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.eng.DeleteMessage(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	versions, err := s.eng.ListVersions(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, struct {
		ID       string           `json:"id"`
		Versions []models.Message `json:"versions"`
	}{ID: id, Versions: versions})
}

func (s *Server) messageStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agg, recs, err := s.eng.MessageStatus(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, struct {
		ID         string                  `json:"id"`
		Status     models.DeliveryState    `json:"status"`
		Recipients []models.DeliveryRecord `json:"recipients"`
	}{ID: id, Status: agg, Recipients: recs})
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		utils.JSONError(w, http.StatusBadRequest, "emoji required")
		return
	}
	m, err := s.eng.AddReaction(id, req.Emoji)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, m)
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := s.eng.RemoveReaction(vars["id"], vars["emoji"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, 0, m)
}
