package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"suchak/pkg/logger"
	"suchak/pkg/utils"
)

func (s *Server) registerOutbox(r *mux.Router) {
	r.HandleFunc("/outbox/{tempID}/retry", s.retryOutbox).Methods(http.MethodPost)
	r.HandleFunc("/outbox/{tempID}", s.cancelOutbox).Methods(http.MethodDelete)
	r.HandleFunc("/outbox/{tempID}", s.resolveOutbox).Methods(http.MethodGet)
}

func (s *Server) retryOutbox(w http.ResponseWriter, r *http.Request) {
	tempID := mux.Vars(r)["tempID"]
	if err := s.eng.RetryFailed(tempID); err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("outbox_retry_requested", "temp_id", tempID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelOutbox(w http.ResponseWriter, r *http.Request) {
	tempID := mux.Vars(r)["tempID"]
	removed, err := s.eng.CancelPending(tempID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !removed {
		utils.JSONError(w, http.StatusConflict, "entry already dispatched or unknown")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveOutbox maps an acknowledged temp id to its committed message id so
// clients can re-key optimistic rows after reconnect.
func (s *Server) resolveOutbox(w http.ResponseWriter, r *http.Request) {
	tempID := mux.Vars(r)["tempID"]
	if msgID, ok := s.eng.ResolveTempID(tempID); ok {
		_ = utils.JSONWrite(w, 0, map[string]string{"temp_id": tempID, "message_id": msgID})
		return
	}
	utils.JSONError(w, http.StatusNotFound, "temp id not resolved")
}
