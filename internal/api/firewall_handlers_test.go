package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/gatekeep/internal/config"
	"grimm.is/gatekeep/internal/sshexec"
	"grimm.is/gatekeep/internal/ufw"
)

// fakeFirewall records applied intents and returns canned results.
type fakeFirewall struct {
	status  ufw.Status
	rules   []ufw.Rule
	diags   []ufw.Diagnostic
	outcome ufw.Outcome
	err     error

	applied []ufw.Intent
}

func (f *fakeFirewall) Probe(ctx context.Context) (ufw.Status, error) {
	return f.status, f.err
}

func (f *fakeFirewall) Rules(ctx context.Context) ([]ufw.Rule, []ufw.Diagnostic, error) {
	return f.rules, f.diags, f.err
}

func (f *fakeFirewall) Apply(ctx context.Context, intent ufw.Intent) (ufw.Outcome, error) {
	f.applied = append(f.applied, intent)
	return f.outcome, f.err
}

func newTestServer(t *testing.T, fw FirewallService, pn PanelService) *httptest.Server {
	t.Helper()
	s := NewServer(ServerOptions{
		Config:   &config.Config{SSH: &config.SSHConfig{Host: "fw.example.net", User: "root"}},
		Firewall: fw,
		Panel:    pn,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.wsManager.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestFirewallStatus(t *testing.T) {
	fw := &fakeFirewall{status: ufw.StatusActive}
	srv := newTestServer(t, fw, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "fw.example.net", body["host"])
}

func TestFirewallStatusUnreachable(t *testing.T) {
	fw := &fakeFirewall{err: &sshexec.ConnectionError{Addr: "fw.example.net:22"}}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListRules(t *testing.T) {
	fw := &fakeFirewall{
		rules: []ufw.Rule{
			{Number: 1, Port: ufw.SinglePort(22), Proto: ufw.ProtoTCP, Action: ufw.ActionAllow, Source: "Anywhere"},
		},
		diags: []ufw.Diagnostic{{Line: 3, Text: "garbage", Reason: "no action keyword"}},
	}
	srv := newTestServer(t, fw, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/rules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rules := body["rules"].([]any)
	require.Len(t, rules, 1)
	diags := body["diagnostics"].([]any)
	require.Len(t, diags, 1)
}

func TestOpenPortApplied(t *testing.T) {
	fw := &fakeFirewall{outcome: ufw.Outcome{State: ufw.Applied}}
	srv := newTestServer(t, fw, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/firewall/ports", `{"port":443,"protocol":"tcp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := body["outcome"].(map[string]any)
	assert.Equal(t, "applied", outcome["state"])

	require.Len(t, fw.applied, 1)
	assert.Equal(t, ufw.OpenPort(443, ufw.ProtoTCP), fw.applied[0])
}

func TestOpenPortBadProtocol(t *testing.T) {
	fw := &fakeFirewall{}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/firewall/ports", `{"port":443,"protocol":"icmp"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, fw.applied, "invalid requests must not reach the firewall")
}

func TestClosePortAmbiguousConflict(t *testing.T) {
	fw := &fakeFirewall{outcome: ufw.Outcome{
		State: ufw.Ambiguous,
		Matches: []ufw.Rule{
			{Number: 2, Port: ufw.SinglePort(443), Proto: ufw.ProtoTCP, Action: ufw.ActionAllow, Source: "Anywhere"},
			{Number: 5, Port: ufw.SinglePort(443), Proto: ufw.ProtoTCP, Action: ufw.ActionAllow, Source: "10.0.0.0/8"},
		},
	}}
	srv := newTestServer(t, fw, nil)

	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/firewall/ports/443?protocol=tcp", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	outcome := body["outcome"].(map[string]any)
	assert.Equal(t, "ambiguous", outcome["state"])
	assert.Len(t, outcome["matches"].([]any), 2)
}

func TestClosePortNotFound(t *testing.T) {
	fw := &fakeFirewall{outcome: ufw.Outcome{State: ufw.NotFound}}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/firewall/ports/9999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteRuleByNumber(t *testing.T) {
	fw := &fakeFirewall{outcome: ufw.Outcome{State: ufw.Applied}}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/firewall/rules/3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, fw.applied, 1)
	assert.Equal(t, ufw.DeleteRuleByNumber(3), fw.applied[0])
}

func TestDeleteRuleBadNumber(t *testing.T) {
	fw := &fakeFirewall{}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/firewall/rules/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, fw.applied)
}

func TestAddRule(t *testing.T) {
	fw := &fakeFirewall{outcome: ufw.Outcome{State: ufw.Applied}}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/firewall/rules", `{"port":25,"protocol":"tcp","action":"deny"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, fw.applied, 1)
	assert.Equal(t, ufw.AddRule(25, ufw.ProtoTCP, ufw.ActionDeny), fw.applied[0])
}

func TestPortStatus(t *testing.T) {
	fw := &fakeFirewall{
		rules: []ufw.Rule{
			{Number: 1, Port: ufw.SinglePort(443), Proto: ufw.ProtoTCP, Action: ufw.ActionAllow, Source: "Anywhere"},
			{Number: 2, Port: ufw.SinglePort(25), Proto: ufw.ProtoTCP, Action: ufw.ActionDeny, Source: "Anywhere"},
		},
	}
	srv := newTestServer(t, fw, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/ports/443?protocol=tcp", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["open"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/ports/25?protocol=tcp", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["open"])
	assert.Len(t, body["matches"].([]any), 1, "deny rules still match")
}

func TestReconcileFailed(t *testing.T) {
	fw := &fakeFirewall{outcome: ufw.Outcome{State: ufw.Failed, Reason: "post-condition not met: rule absent after add"}}
	srv := newTestServer(t, fw, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/firewall/ports", `{"port":443}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	outcome := body["outcome"].(map[string]any)
	assert.Contains(t, outcome["reason"], "post-condition not met")
}

func TestTimeoutMapsToGatewayTimeout(t *testing.T) {
	fw := &fakeFirewall{err: &sshexec.TimeoutError{Command: "ufw status numbered"}}
	srv := newTestServer(t, fw, nil)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/rules", "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestBearerTokenAuth(t *testing.T) {
	fw := &fakeFirewall{status: ufw.StatusActive}
	s := NewServer(ServerOptions{
		Config: &config.Config{
			SSH:  &config.SSHConfig{Host: "fw.example.net", User: "root"},
			Auth: &config.AuthConfig{Token: "s3cret"},
		},
		Firewall: fw,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.wsManager.Close)

	// No token
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/firewall/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/firewall/status", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/firewall/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays public
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
