// Package ufw models a remote host's UFW firewall and reconciles rule
// mutations against it over an SSH command channel.
//
// UFW identifies rules by their position in the numbered listing. Positions
// shift after every deletion, so a parsed rule set is a snapshot, never a
// live view: every mutating decision re-fetches the listing first.
package ufw

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the firewall's reported state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)

// Protocol is a rule's transport protocol.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
	ProtoAny Protocol = "any"
)

// NormalizeProtocol maps a user-supplied token onto a Protocol.
func NormalizeProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "", "any":
		return ProtoAny, nil
	}
	return "", fmt.Errorf("invalid protocol: %s", s)
}

// Action is what a rule does with matching traffic.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionLimit  Action = "limit"
	ActionReject Action = "reject"
)

// NormalizeAction maps a listing or user token onto an Action.
func NormalizeAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "deny":
		return ActionDeny, nil
	case "limit":
		return ActionLimit, nil
	case "reject":
		return ActionReject, nil
	}
	return "", fmt.Errorf("invalid action: %s", s)
}

// Direction is the traffic direction a rule applies to.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// PortSpec is a single port or an inclusive low:high range. The zero value
// means no port restriction ("Anywhere").
type PortSpec struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// SinglePort returns a PortSpec covering exactly one port.
func SinglePort(port int) PortSpec {
	return PortSpec{Low: port, High: port}
}

// IsAny reports whether the spec carries no port restriction.
func (p PortSpec) IsAny() bool {
	return p.Low == 0
}

// IsSingle reports whether the spec covers exactly one port.
func (p PortSpec) IsSingle() bool {
	return !p.IsAny() && p.Low == p.High
}

// Contains reports whether port falls inside the spec. An unrestricted spec
// contains every port.
func (p PortSpec) Contains(port int) bool {
	if p.IsAny() {
		return true
	}
	return port >= p.Low && port <= p.High
}

// String renders the spec in UFW's own notation.
func (p PortSpec) String() string {
	switch {
	case p.IsAny():
		return "any"
	case p.IsSingle():
		return strconv.Itoa(p.Low)
	default:
		return fmt.Sprintf("%d:%d", p.Low, p.High)
	}
}

// ParsePortSpec parses UFW port notation: a bare port, a low:high range, or
// "Anywhere" (optionally with a protocol suffix handled by the caller).
func ParsePortSpec(s string) (PortSpec, error) {
	if strings.EqualFold(s, "anywhere") {
		return PortSpec{}, nil
	}

	if low, high, ok := strings.Cut(s, ":"); ok {
		l, err := strconv.Atoi(low)
		if err != nil {
			return PortSpec{}, fmt.Errorf("invalid port range %q", s)
		}
		h, err := strconv.Atoi(high)
		if err != nil {
			return PortSpec{}, fmt.Errorf("invalid port range %q", s)
		}
		if l < 1 || h > 65535 || l > h {
			return PortSpec{}, fmt.Errorf("port range out of bounds: %q", s)
		}
		return PortSpec{Low: l, High: h}, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return PortSpec{}, fmt.Errorf("port out of range: %d", n)
	}
	return SinglePort(n), nil
}

// Rule is one entry in the firewall's numbered listing.
//
// Number is only valid against the snapshot that produced it; any mutation
// renumbers subsequent rules.
type Rule struct {
	Number    int       `json:"number"`
	Port      PortSpec  `json:"port"`
	Proto     Protocol  `json:"protocol"`
	Action    Action    `json:"action"`
	Direction Direction `json:"direction"`
	Source    string    `json:"source"`
	IPv6      bool      `json:"ipv6"`
	Raw       string    `json:"raw"`
}

// protoMatches treats "any" on either side as a wildcard.
func protoMatches(a, b Protocol) bool {
	if a == ProtoAny || b == ProtoAny {
		return true
	}
	return a == b
}

// Matches reports whether the rule covers the given single port and protocol.
// Port matching is exact for single-port rules and containment for ranges.
func (r Rule) Matches(port int, proto Protocol) bool {
	return protoMatches(r.Proto, proto) && r.Port.Contains(port)
}
