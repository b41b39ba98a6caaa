package ufw

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/gatekeep/internal/sshexec"
)

// fakeHost simulates a remote UFW backend: it renders numbered listings from
// an in-memory rule list and applies allow/delete commands against it.
type fakeHost struct {
	active          bool
	rules           []string // rule bodies, e.g. "22/tcp  ALLOW IN  Anywhere"
	commands        []string
	runErr          error // returned for every command when set
	ignoreMutations bool  // report success but change nothing
}

func newFakeHost(rules ...string) *fakeHost {
	return &fakeHost{active: true, rules: rules}
}

func (h *fakeHost) Run(ctx context.Context, command string) (sshexec.Result, error) {
	h.commands = append(h.commands, command)
	if h.runErr != nil {
		return sshexec.Result{}, h.runErr
	}

	switch {
	case strings.HasSuffix(command, "ufw status numbered"):
		return sshexec.Result{Stdout: h.renderListing()}, nil

	case strings.HasSuffix(command, "ufw status"):
		status := "Status: active"
		if !h.active {
			status = "Status: inactive"
		}
		return sshexec.Result{Stdout: status + "\n"}, nil

	case strings.Contains(command, "ufw --force delete "):
		var n int
		fmt.Sscanf(command[strings.Index(command, "delete ")+len("delete "):], "%d", &n)
		if n < 1 || n > len(h.rules) {
			return sshexec.Result{ExitCode: 1, Stderr: "ERROR: Could not delete non-existent rule"}, nil
		}
		if !h.ignoreMutations {
			h.rules = append(h.rules[:n-1], h.rules[n:]...)
		}
		return sshexec.Result{Stdout: "Rule deleted\n"}, nil

	case strings.Contains(command, "ufw allow ") || strings.Contains(command, "ufw deny ") ||
		strings.Contains(command, "ufw limit ") || strings.Contains(command, "ufw reject "):
		fields := strings.Fields(command)
		action := strings.ToUpper(fields[len(fields)-2])
		spec := fields[len(fields)-1]
		if !h.ignoreMutations {
			h.rules = append(h.rules,
				fmt.Sprintf("%-26s %s IN    Anywhere", spec, action),
				fmt.Sprintf("%-26s %s IN    Anywhere (v6)", spec+" (v6)", action),
			)
		}
		return sshexec.Result{Stdout: "Rule added\n"}, nil
	}

	return sshexec.Result{ExitCode: 1, Stderr: "unknown command"}, nil
}

func (h *fakeHost) renderListing() string {
	var sb strings.Builder
	if h.active {
		sb.WriteString("Status: active\n\n")
	} else {
		sb.WriteString("Status: inactive\n")
		return sb.String()
	}
	sb.WriteString("     To                         Action      From\n")
	sb.WriteString("     --                         ------      ----\n")
	for i, r := range h.rules {
		fmt.Fprintf(&sb, "[%2d] %s\n", i+1, r)
	}
	return sb.String()
}

func (h *fakeHost) mutationCount() int {
	n := 0
	for _, c := range h.commands {
		if !strings.Contains(c, "ufw status") {
			n++
		}
	}
	return n
}

func newTestManager(h *fakeHost) *Manager {
	return NewManager(h, Options{})
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("active", func(t *testing.T) {
		status, err := newTestManager(newFakeHost()).Probe(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status)
	})

	t.Run("inactive", func(t *testing.T) {
		h := newFakeHost()
		h.active = false
		status, err := newTestManager(h).Probe(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusInactive, status)
	})

	t.Run("bare inactive marker", func(t *testing.T) {
		m := NewManager(runnerFunc(func(ctx context.Context, cmd string) (sshexec.Result, error) {
			return sshexec.Result{Stdout: "firewall is inactive\n"}, nil
		}), Options{})
		status, err := m.Probe(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusInactive, status)
	})

	t.Run("unknown output is never guessed", func(t *testing.T) {
		m := NewManager(runnerFunc(func(ctx context.Context, cmd string) (sshexec.Result, error) {
			return sshexec.Result{Stdout: "ufw: command not found"}, nil
		}), Options{})
		status, err := m.Probe(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})

	t.Run("transport error", func(t *testing.T) {
		h := newFakeHost()
		h.runErr = &sshexec.ConnectionError{Addr: "h:22"}
		status, err := newTestManager(h).Probe(ctx)
		require.Error(t, err)
		assert.Equal(t, StatusUnknown, status)
	})
}

type runnerFunc func(ctx context.Context, command string) (sshexec.Result, error)

func (f runnerFunc) Run(ctx context.Context, command string) (sshexec.Result, error) {
	return f(ctx, command)
}

func TestOpenPortIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost("22/tcp                     ALLOW IN    Anywhere")
	m := newTestManager(h)

	out, err := m.Apply(ctx, OpenPort(443, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, Applied, out.State)
	countAfterFirst := len(h.rules)

	out, err = m.Apply(ctx, OpenPort(443, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, AlreadySatisfied, out.State)
	assert.Equal(t, countAfterFirst, len(h.rules), "second open must not change the rule count")
}

func TestOpenPortAlreadySatisfied(t *testing.T) {
	h := newFakeHost("443/tcp                    ALLOW IN    Anywhere")
	m := newTestManager(h)

	out, err := m.Apply(context.Background(), OpenPort(443, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, AlreadySatisfied, out.State)
	assert.Equal(t, 0, h.mutationCount())
}

func TestOpenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost("22/tcp                     ALLOW IN    Anywhere")
	m := newTestManager(h)
	before := len(h.rules)

	out, err := m.Apply(ctx, OpenPort(8443, ProtoTCP))
	require.NoError(t, err)
	require.Equal(t, Applied, out.State)

	out, err = m.Apply(ctx, ClosePort(8443, ProtoTCP))
	require.NoError(t, err)
	require.Equal(t, Applied, out.State)

	assert.Equal(t, before, len(h.rules), "close must return the listing to its pre-open state")

	rules, diags := Parse(h.renderListing())
	require.Empty(t, diags)
	for _, r := range rules {
		assert.False(t, r.Matches(8443, ProtoTCP) && r.Action == ActionAllow, "residual rule: %s", r.Raw)
	}
}

func TestClosePortNotFound(t *testing.T) {
	h := newFakeHost("22/tcp                     ALLOW IN    Anywhere")
	m := newTestManager(h)

	out, err := m.Apply(context.Background(), ClosePort(9999, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.State)
	assert.Equal(t, 0, h.mutationCount())
}

func TestClosePortLeavesDenyRules(t *testing.T) {
	h := newFakeHost("80/tcp                     DENY IN     Anywhere")
	m := newTestManager(h)

	out, err := m.Apply(context.Background(), ClosePort(80, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.State, "close only revokes allow rules")
	assert.Len(t, h.rules, 1)
}

func TestClosePortAmbiguous(t *testing.T) {
	h := newFakeHost(
		"80/tcp                     ALLOW IN    Anywhere",
		"80/tcp                     ALLOW IN    10.0.0.0/8",
	)
	m := newTestManager(h)

	out, err := m.Apply(context.Background(), ClosePort(80, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, out.State)
	require.Len(t, out.Matches, 2)
	assert.Equal(t, "Anywhere", out.Matches[0].Source)
	assert.Equal(t, "10.0.0.0/8", out.Matches[1].Source)
	assert.Equal(t, 0, h.mutationCount(), "ambiguity must not mutate anything")
	assert.Len(t, h.rules, 2)
}

func TestClosePortDeletesIPv6Twin(t *testing.T) {
	h := newFakeHost(
		"443/tcp                    ALLOW IN    Anywhere",
		"443/tcp (v6)               ALLOW IN    Anywhere (v6)",
	)
	m := newTestManager(h)

	out, err := m.Apply(context.Background(), ClosePort(443, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, Applied, out.State)
	assert.Empty(t, h.rules, "both twins should be removed")
}

func TestDeleteRuleByNumber(t *testing.T) {
	ctx := context.Background()

	t.Run("in range", func(t *testing.T) {
		h := newFakeHost(
			"22/tcp                     ALLOW IN    Anywhere",
			"80/tcp                     ALLOW IN    Anywhere",
		)
		m := newTestManager(h)

		out, err := m.Apply(ctx, DeleteRuleByNumber(2))
		require.NoError(t, err)
		assert.Equal(t, Applied, out.State)
		require.Len(t, h.rules, 1)
		assert.Contains(t, h.rules[0], "22/tcp")
	})

	t.Run("out of range issues no remote command", func(t *testing.T) {
		h := newFakeHost(
			"22/tcp                     ALLOW IN    Anywhere",
			"80/tcp                     ALLOW IN    Anywhere",
			"443/tcp                    ALLOW IN    Anywhere",
			"8080/tcp                   ALLOW IN    Anywhere",
			"53/udp                     ALLOW IN    Anywhere",
		)
		m := newTestManager(h)

		out, err := m.Apply(ctx, DeleteRuleByNumber(999))
		require.NoError(t, err)
		assert.Equal(t, NotFound, out.State)
		assert.Equal(t, 0, h.mutationCount())
		assert.Len(t, h.rules, 5)
	})
}

func TestApplyListingUnavailable(t *testing.T) {
	h := newFakeHost()
	h.runErr = &sshexec.ConnectionError{Addr: "h:22"}
	m := newTestManager(h)

	out, err := m.Apply(context.Background(), OpenPort(443, ProtoTCP))
	require.Error(t, err)
	assert.True(t, sshexec.IsConnectionError(err))
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, "listing unavailable", out.Reason)
}

func TestApplyPostConditionNotMet(t *testing.T) {
	ctx := context.Background()

	t.Run("add", func(t *testing.T) {
		h := newFakeHost()
		h.ignoreMutations = true
		m := newTestManager(h)

		out, err := m.Apply(ctx, OpenPort(443, ProtoTCP))
		require.NoError(t, err)
		assert.Equal(t, Failed, out.State)
		assert.Contains(t, out.Reason, "post-condition not met")
	})

	t.Run("close includes listing diff", func(t *testing.T) {
		h := newFakeHost("443/tcp                    ALLOW IN    Anywhere")
		h.ignoreMutations = true
		m := newTestManager(h)

		out, err := m.Apply(ctx, ClosePort(443, ProtoTCP))
		require.NoError(t, err)
		assert.Equal(t, Failed, out.State)
		assert.Contains(t, out.Reason, "post-condition not met")
	})
}

func TestApplyRejectsInvalidIntent(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost()
	m := newTestManager(h)

	out, err := m.Apply(ctx, OpenPort(0, ProtoTCP))
	require.NoError(t, err)
	assert.Equal(t, Failed, out.State)

	out, err = m.Apply(ctx, Intent{Op: OpOpenPort, Port: 443, Proto: "tcp; rm -rf /"})
	require.NoError(t, err)
	assert.Equal(t, Failed, out.State)

	out, err = m.Apply(ctx, DeleteRuleByNumber(0))
	require.NoError(t, err)
	assert.Equal(t, Failed, out.State)

	assert.Empty(t, h.commands, "invalid intents must never reach the host")
}

func TestSudoPrefix(t *testing.T) {
	h := newFakeHost()
	m := NewManager(h, Options{UseSudo: true})

	_, err := m.Probe(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, h.commands)
	assert.True(t, strings.HasPrefix(h.commands[0], "sudo ufw"), "got %q", h.commands[0])
}
