package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"grimm.is/gatekeep/internal/panel"
)

// AddClientRequest creates a client on an inbound. ID and SubID are
// generated when omitted.
type AddClientRequest struct {
	ID         string `json:"id,omitempty"`
	Email      string `json:"email,omitempty"`
	Flow       string `json:"flow,omitempty"`
	LimitIP    int    `json:"limit_ip,omitempty"`
	TotalGB    int64  `json:"total_gb,omitempty"`
	ExpiryTime int64  `json:"expiry_time,omitempty"`
}

// ConnectionTestResponse reports panel reachability.
type ConnectionTestResponse struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handlePanelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.panel.Status(r.Context())
	if err != nil {
		s.writePanelError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	if err := s.panel.TestConnection(r.Context()); err != nil {
		// Unreachable is the test's answer, not a handler failure.
		WriteJSON(w, http.StatusOK, ConnectionTestResponse{Reachable: false, Error: err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, ConnectionTestResponse{Reachable: true})
}

func (s *Server) handleListInbounds(w http.ResponseWriter, r *http.Request) {
	inbounds, err := s.panel.Inbounds(r.Context())
	if err != nil {
		s.writePanelError(w, err)
		return
	}
	if inbounds == nil {
		inbounds = []panel.Inbound{}
	}
	WriteJSON(w, http.StatusOK, inbounds)
}

func (s *Server) handleAddInbound(w http.ResponseWriter, r *http.Request) {
	var in panel.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if in.Port < 1 || in.Port > 65535 {
		WriteError(w, http.StatusBadRequest, "inbound port must be between 1 and 65535")
		return
	}
	if in.Protocol == "" {
		WriteError(w, http.StatusBadRequest, "inbound protocol is required")
		return
	}

	created, err := s.panel.AddInbound(r.Context(), in)
	if err != nil {
		s.writePanelError(w, err)
		return
	}
	s.wsManager.Publish(TopicPanel, map[string]any{"event": "inbound_added", "inbound": created})
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteInbound(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "inbound id must be an integer")
		return
	}
	if err := s.panel.DeleteInbound(r.Context(), id); err != nil {
		s.writePanelError(w, err)
		return
	}
	s.wsManager.Publish(TopicPanel, map[string]any{"event": "inbound_deleted", "inbound_id": id})
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "inbound id must be an integer")
		return
	}
	var req AddClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	client := panel.NewClientSettings(req.Email, req.Flow)
	if req.ID != "" {
		client.ID = req.ID
	}
	client.LimitIP = req.LimitIP
	client.TotalGB = req.TotalGB
	client.ExpiryTime = req.ExpiryTime

	created, err := s.panel.AddClient(r.Context(), id, client)
	if err != nil {
		s.writePanelError(w, err)
		return
	}
	s.wsManager.Publish(TopicPanel, map[string]any{"event": "client_added", "inbound_id": id, "client": created})
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "inbound id must be an integer")
		return
	}
	clientID := r.PathValue("uuid")

	if err := s.panel.RemoveClient(r.Context(), id, clientID); err != nil {
		s.writePanelError(w, err)
		return
	}
	s.wsManager.Publish(TopicPanel, map[string]any{"event": "client_removed", "inbound_id": id, "client_id": clientID})
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writePanelError maps panel client failures onto gateway statuses.
// Missing inbounds and clients surface as 404.
func (s *Server) writePanelError(w http.ResponseWriter, err error) {
	if errors.Is(err, panel.ErrNotFound) {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	var authErr *panel.AuthError
	if errors.As(err, &authErr) {
		WriteError(w, http.StatusBadGateway, "panel authentication failed", err.Error())
		return
	}
	var apiErr *panel.APIError
	if errors.As(err, &apiErr) {
		WriteError(w, http.StatusBadGateway, "panel rejected request", err.Error())
		return
	}
	WriteError(w, http.StatusBadGateway, "panel unreachable", err.Error())
}
