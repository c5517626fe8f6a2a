package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xhad/docrag/internal/types"
)

// handleGetDocument reports one document, mainly so clients can poll the
// ingestion status of an imported page.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get(UserHeader)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+UserHeader)
		return
	}

	doc, err := s.app.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err == nil && doc.OwnerID != ownerID {
		err = types.ErrNotFound
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func writeAppError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "not_found":
		status = http.StatusNotFound
	case "invalid_input":
		status = http.StatusBadRequest
	case "unsupported_type":
		status = http.StatusUnsupportedMediaType
	case "unavailable":
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorData{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
