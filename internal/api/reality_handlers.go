package api

import (
	"encoding/json"
	"io"
	"net/http"

	"grimm.is/gatekeep/internal/reality"
)

// ShortIDRequest selects the short id length; zero means the default.
type ShortIDRequest struct {
	Length int `json:"length,omitempty"`
}

// ShortIDResponse carries a freshly generated short id.
type ShortIDResponse struct {
	ShortID string `json:"short_id"`
}

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	pair, err := reality.GenerateKeyPair(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "key generation failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, pair)
}

func (s *Server) handleShortID(w http.ResponseWriter, r *http.Request) {
	var req ShortIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id, err := reality.ShortID(req.Length)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, ShortIDResponse{ShortID: id})
}
