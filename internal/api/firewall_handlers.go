package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"grimm.is/gatekeep/internal/sshexec"
	"grimm.is/gatekeep/internal/ufw"
)

// FirewallStatusResponse reports the remote firewall state.
type FirewallStatusResponse struct {
	Status ufw.Status `json:"status"`
	Host   string     `json:"host,omitempty"`
}

// RuleListResponse carries a parsed listing plus any lines the parser had
// to skip. Diagnostics are informational, never an error.
type RuleListResponse struct {
	Rules       []ufw.Rule       `json:"rules"`
	Diagnostics []ufw.Diagnostic `json:"diagnostics,omitempty"`
}

// AddRuleRequest creates a rule with an explicit action.
type AddRuleRequest struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	Action   string `json:"action"`
}

// OpenPortRequest allows traffic to a port.
type OpenPortRequest struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// OutcomeResponse is the result of one reconciliation.
type OutcomeResponse struct {
	Intent  ufw.Intent  `json:"intent"`
	Outcome ufw.Outcome `json:"outcome"`
}

// PortStatusResponse reports whether a port is currently allowed.
type PortStatusResponse struct {
	Port     int        `json:"port"`
	Protocol string     `json:"protocol,omitempty"`
	Open     bool       `json:"open"`
	Matches  []ufw.Rule `json:"matches,omitempty"`
}

func (s *Server) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.firewall.Probe(r.Context())
	if err != nil {
		s.writeTransportError(w, err)
		return
	}
	resp := FirewallStatusResponse{Status: status}
	if s.Config != nil && s.Config.SSH != nil {
		resp.Host = s.Config.SSH.Host
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, diags, err := s.firewall.Rules(r.Context())
	if err != nil {
		s.writeTransportError(w, err)
		return
	}
	if rules == nil {
		rules = []ufw.Rule{}
	}
	WriteJSON(w, http.StatusOK, RuleListResponse{Rules: rules, Diagnostics: diags})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req AddRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	action, err := ufw.NormalizeAction(req.Action)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	proto, err := ufw.NormalizeProtocol(req.Protocol)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reconcile(w, r, ufw.AddRule(req.Port, proto, action))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "rule number must be an integer")
		return
	}
	s.reconcile(w, r, ufw.DeleteRuleByNumber(number))
}

func (s *Server) handleOpenPort(w http.ResponseWriter, r *http.Request) {
	var req OpenPortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	proto, err := ufw.NormalizeProtocol(req.Protocol)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reconcile(w, r, ufw.OpenPort(req.Port, proto))
}

func (s *Server) handleClosePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "port must be an integer")
		return
	}
	proto, err := ufw.NormalizeProtocol(r.URL.Query().Get("protocol"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reconcile(w, r, ufw.ClosePort(port, proto))
}

func (s *Server) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "port must be an integer")
		return
	}
	proto, err := ufw.NormalizeProtocol(r.URL.Query().Get("protocol"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rules, _, err := s.firewall.Rules(r.Context())
	if err != nil {
		s.writeTransportError(w, err)
		return
	}

	resp := PortStatusResponse{Port: port, Protocol: string(proto)}
	for _, rule := range rules {
		if rule.Matches(port, proto) {
			resp.Matches = append(resp.Matches, rule)
			if rule.Action == ufw.ActionAllow {
				resp.Open = true
			}
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// reconcile applies one intent and maps its outcome to an HTTP status.
// Decision states map to client-visible codes; Failed is a gateway fault.
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request, intent ufw.Intent) {
	outcome, err := s.firewall.Apply(r.Context(), intent)
	if err != nil {
		s.writeTransportError(w, err)
		return
	}

	s.wsManager.Publish(TopicFirewall, OutcomeResponse{Intent: intent, Outcome: outcome})

	status := http.StatusOK
	switch outcome.State {
	case ufw.NotFound:
		status = http.StatusNotFound
	case ufw.Ambiguous:
		status = http.StatusConflict
	case ufw.Failed:
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, OutcomeResponse{Intent: intent, Outcome: outcome})
}

// writeTransportError maps SSH transport failures onto gateway statuses.
func (s *Server) writeTransportError(w http.ResponseWriter, err error) {
	switch {
	case sshexec.IsTimeout(err):
		WriteError(w, http.StatusGatewayTimeout, "remote host timed out", err.Error())
	case sshexec.IsConnectionError(err):
		WriteError(w, http.StatusServiceUnavailable, "remote host unreachable", err.Error())
	default:
		WriteError(w, http.StatusBadGateway, "remote command failed", err.Error())
	}
}
