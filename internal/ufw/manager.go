package ufw

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/metrics"
	"grimm.is/gatekeep/internal/sshexec"
	"grimm.is/gatekeep/internal/validation"
)

// Op identifies a mutation intent variant.
type Op string

const (
	OpOpenPort     Op = "open_port"
	OpClosePort    Op = "close_port"
	OpAddRule      Op = "add_rule"
	OpDeleteNumber Op = "delete_number"
)

// Intent is a desired firewall mutation.
type Intent struct {
	Op     Op       `json:"op"`
	Port   int      `json:"port,omitempty"`
	Proto  Protocol `json:"protocol,omitempty"`
	Action Action   `json:"action,omitempty"`
	Number int      `json:"number,omitempty"`
}

// OpenPort allows traffic to a port.
func OpenPort(port int, proto Protocol) Intent {
	return Intent{Op: OpOpenPort, Port: port, Proto: proto, Action: ActionAllow}
}

// ClosePort revokes an existing allow rule for a port. Deny rules are left
// untouched: closing means revoking permission, not adding a denial.
func ClosePort(port int, proto Protocol) Intent {
	return Intent{Op: OpClosePort, Port: port, Proto: proto}
}

// AddRule adds a rule with an explicit action.
func AddRule(port int, proto Protocol, action Action) Intent {
	return Intent{Op: OpAddRule, Port: port, Proto: proto, Action: action}
}

// DeleteRuleByNumber deletes a rule at a listing position. The number is
// validated against a fresh listing, never caller-held state.
func DeleteRuleByNumber(number int) Intent {
	return Intent{Op: OpDeleteNumber, Number: number}
}

// State classifies a reconciliation outcome.
type State string

const (
	Applied          State = "applied"
	AlreadySatisfied State = "already_satisfied"
	NotFound         State = "not_found"
	Ambiguous        State = "ambiguous"
	Failed           State = "failed"
)

// Outcome is the result of reconciling one Intent. Decision-logic states
// (NotFound, AlreadySatisfied, Ambiguous) are valid results, not faults.
type Outcome struct {
	State   State  `json:"state"`
	Matches []Rule `json:"matches,omitempty"` // populated for Ambiguous
	Reason  string `json:"reason,omitempty"`  // populated for Failed
	Diff    string `json:"diff,omitempty"`    // listing diff on post-condition failure
}

// Manager reconciles mutation intents against the remote firewall. It holds
// no rule state between calls: the remote host is the sole source of truth,
// and every decision re-reads it.
type Manager struct {
	runner sshexec.Runner
	logger *logging.Logger
	sudo   bool
}

// Options configures a Manager.
type Options struct {
	Logger  *logging.Logger
	UseSudo bool
}

// NewManager creates a Manager on top of a command runner.
func NewManager(runner sshexec.Runner, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		runner: runner,
		logger: logger.WithComponent("ufw"),
		sudo:   opts.UseSudo,
	}
}

func (m *Manager) cmd(args ...string) string {
	parts := args
	if m.sudo {
		parts = append([]string{"sudo"}, args...)
	}
	return strings.Join(parts, " ")
}

// Probe runs the status command and maps its output to a Status. Output
// matching neither known marker is Unknown, never guessed.
func (m *Manager) Probe(ctx context.Context) (Status, error) {
	res, err := m.runner.Run(ctx, m.cmd("ufw", "status"))
	if err != nil {
		return StatusUnknown, err
	}

	// "inactive" is checked first since it also contains "active".
	out := strings.ToLower(res.Stdout)
	switch {
	case strings.Contains(out, "inactive"):
		return StatusInactive, nil
	case strings.Contains(out, "status: active"):
		return StatusActive, nil
	default:
		return StatusUnknown, nil
	}
}

// Rules fetches and parses the current numbered listing.
func (m *Manager) Rules(ctx context.Context) ([]Rule, []Diagnostic, error) {
	rules, diags, _, err := m.fetch(ctx)
	return rules, diags, err
}

// fetch retrieves the listing snapshot. The raw text is returned for
// diffing in verification failure diagnostics.
func (m *Manager) fetch(ctx context.Context) ([]Rule, []Diagnostic, string, error) {
	res, err := m.runner.Run(ctx, m.cmd("ufw", "status", "numbered"))
	if err != nil {
		return nil, nil, "", err
	}
	if !res.Success() {
		return nil, nil, "", fmt.Errorf("listing command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	rules, diags := Parse(res.Stdout)
	for _, d := range diags {
		metrics.Get().ParseSkips.Inc()
		m.logger.Warn("skipped unparseable listing line", "line", d.Line, "reason", d.Reason, "text", d.Text)
	}
	return rules, diags, res.Stdout, nil
}

// Apply reconciles a single intent: fetch, match, decide, act, verify.
//
// The returned error is non-nil only for transport-level failures
// (connection or timeout); everything else is expressed in the Outcome.
func (m *Manager) Apply(ctx context.Context, intent Intent) (Outcome, error) {
	out, err := m.apply(ctx, intent)
	metrics.Get().ReconcileOutcomes.WithLabelValues(string(intent.Op), string(out.State)).Inc()
	return out, err
}

func (m *Manager) apply(ctx context.Context, intent Intent) (Outcome, error) {
	if err := m.validateIntent(intent); err != nil {
		return Outcome{State: Failed, Reason: err.Error()}, nil
	}

	rules, _, rawBefore, err := m.fetch(ctx)
	if err != nil {
		return Outcome{State: Failed, Reason: "listing unavailable"}, err
	}

	switch intent.Op {
	case OpOpenPort, OpAddRule:
		return m.applyAdd(ctx, intent, rules)
	case OpClosePort:
		return m.applyClose(ctx, intent, rules, rawBefore)
	case OpDeleteNumber:
		return m.applyDelete(ctx, intent, rules, rawBefore)
	default:
		return Outcome{State: Failed, Reason: fmt.Sprintf("unknown op %q", intent.Op)}, nil
	}
}

func (m *Manager) validateIntent(intent Intent) error {
	switch intent.Op {
	case OpOpenPort, OpClosePort, OpAddRule:
		if err := validation.ValidatePortNumber(intent.Port); err != nil {
			return err
		}
		if err := validation.ValidateProtocol(string(intent.Proto)); err != nil {
			return err
		}
		if intent.Op == OpAddRule {
			if err := validation.ValidateRuleAction(string(intent.Action)); err != nil {
				return err
			}
		}
	case OpDeleteNumber:
		if err := validation.ValidateRuleNumber(intent.Number); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyAdd(ctx context.Context, intent Intent, rules []Rule) (Outcome, error) {
	action := intent.Action
	if action == "" {
		action = ActionAllow
	}

	// Never add a duplicate: an existing rule with the same action already
	// covering this port/protocol satisfies the intent.
	for _, r := range rules {
		if r.Action == action && r.Matches(intent.Port, intent.Proto) {
			return Outcome{State: AlreadySatisfied}, nil
		}
	}

	res, err := m.runner.Run(ctx, m.cmd("ufw", string(action), portToken(intent.Port, intent.Proto)))
	if err != nil {
		return Outcome{State: Failed, Reason: "mutation command failed"}, err
	}
	if !res.Success() {
		return Outcome{State: Failed, Reason: fmt.Sprintf("ufw exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}, nil
	}

	// Verify: the tool's own exit status is not trusted blindly.
	after, _, _, err := m.fetch(ctx)
	if err != nil {
		return Outcome{State: Failed, Reason: "post-condition not verifiable: listing unavailable"}, err
	}
	for _, r := range after {
		if r.Action == action && r.Matches(intent.Port, intent.Proto) {
			m.logger.Info("rule added", "port", intent.Port, "protocol", intent.Proto, "action", action)
			return Outcome{State: Applied}, nil
		}
	}
	return Outcome{State: Failed, Reason: "post-condition not met: rule absent after add"}, nil
}

func (m *Manager) applyClose(ctx context.Context, intent Intent, rules []Rule, rawBefore string) (Outcome, error) {
	matches := matchAllow(rules, intent.Port, intent.Proto)
	if len(matches) == 0 {
		return Outcome{State: NotFound}, nil
	}

	// UFW creates an IPv6 twin alongside each IPv4 allow; the pair counts as
	// one logical match. Distinct port specs or sources are real ambiguity,
	// for the caller to resolve via delete-by-number.
	groups := groupTwins(matches)
	if len(groups) > 1 {
		return Outcome{State: Ambiguous, Matches: matches}, nil
	}

	// Delete highest numbers first so earlier positions stay valid within
	// this snapshot.
	victims := groups[0]
	sort.Slice(victims, func(i, j int) bool { return victims[i].Number > victims[j].Number })
	for _, v := range victims {
		out, err := m.deleteNumber(ctx, v.Number)
		if out.State != Applied {
			return out, err
		}
	}

	after, _, rawAfter, err := m.fetch(ctx)
	if err != nil {
		return Outcome{State: Failed, Reason: "post-condition not verifiable: listing unavailable"}, err
	}
	if remaining := matchAllow(after, intent.Port, intent.Proto); len(remaining) > 0 {
		return Outcome{
			State:  Failed,
			Reason: "post-condition not met: allow rule still present after delete",
			Diff:   listingDiff(rawBefore, rawAfter),
		}, nil
	}

	m.logger.Info("port closed", "port", intent.Port, "protocol", intent.Proto, "rules_removed", len(victims))
	return Outcome{State: Applied}, nil
}

func (m *Manager) applyDelete(ctx context.Context, intent Intent, rules []Rule, rawBefore string) (Outcome, error) {
	// Bounds are checked against the fresh listing, not caller-supplied
	// stale state; no remote command is issued for an out-of-range number.
	var target *Rule
	for i := range rules {
		if rules[i].Number == intent.Number {
			target = &rules[i]
			break
		}
	}
	if target == nil {
		return Outcome{State: NotFound}, nil
	}

	out, err := m.deleteNumber(ctx, intent.Number)
	if out.State != Applied {
		return out, err
	}

	after, _, rawAfter, err := m.fetch(ctx)
	if err != nil {
		return Outcome{State: Failed, Reason: "post-condition not verifiable: listing unavailable"}, err
	}
	if len(after) >= len(rules) {
		return Outcome{
			State:  Failed,
			Reason: "post-condition not met: rule count did not decrease",
			Diff:   listingDiff(rawBefore, rawAfter),
		}, nil
	}

	m.logger.Info("rule deleted", "number", intent.Number, "rule", target.Raw)
	return Outcome{State: Applied}, nil
}

// deleteNumber issues a single non-interactive delete.
func (m *Manager) deleteNumber(ctx context.Context, number int) (Outcome, error) {
	res, err := m.runner.Run(ctx, m.cmd("ufw", "--force", "delete", fmt.Sprintf("%d", number)))
	if err != nil {
		return Outcome{State: Failed, Reason: "mutation command failed"}, err
	}
	if !res.Success() {
		return Outcome{State: Failed, Reason: fmt.Sprintf("ufw exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}, nil
	}
	return Outcome{State: Applied}, nil
}

// matchAllow finds allow rules covering port/proto. Close only ever removes
// allow rules; deny rules are left untouched.
func matchAllow(rules []Rule, port int, proto Protocol) []Rule {
	var matches []Rule
	for _, r := range rules {
		if r.Action == ActionAllow && r.Matches(port, proto) {
			matches = append(matches, r)
		}
	}
	return matches
}

// groupTwins buckets matches by everything except the IPv6 flag and number.
func groupTwins(matches []Rule) [][]Rule {
	type key struct {
		port   PortSpec
		proto  Protocol
		source string
	}
	order := []key{}
	groups := map[key][]Rule{}
	for _, r := range matches {
		k := key{port: r.Port, proto: r.Proto, source: normalizeSource(r.Source)}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := make([][]Rule, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

// normalizeSource folds the v6 spelling of "Anywhere" into the v4 one so
// twin rules group together.
func normalizeSource(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(s, "(v6)"))
}

// portToken renders the port/protocol argument for a ufw command. Inputs are
// validated before this point; the token contains only digits, a slash and a
// protocol keyword.
func portToken(port int, proto Protocol) string {
	if proto == ProtoAny || proto == "" {
		return fmt.Sprintf("%d", port)
	}
	return fmt.Sprintf("%d/%s", port, proto)
}

// listingDiff renders a unified diff of two listing snapshots for operator
// diagnostics.
func listingDiff(before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "listing.before",
		ToFile:   "listing.after",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
