package ufw

import (
	"strconv"
	"strings"
)

// Diagnostic records a listing line that looked like rule data but could not
// be parsed. Parsing is tolerant: bad lines are skipped, never fatal.
type Diagnostic struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Parse converts raw `ufw status numbered` output into structured rules.
//
// Header and banner lines (anything without a leading rule-number token) are
// discarded silently. Data lines that fail to parse become Diagnostics.
// Output ordering matches input ordering, and Number fields carry the literal
// numbers from the listing.
func Parse(raw string) ([]Rule, []Diagnostic) {
	var rules []Rule
	var diags []Diagnostic

	for i, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		number, rest, ok := splitNumber(trimmed)
		if !ok {
			// Not a data line: status banner, column header, separator.
			continue
		}

		rule, reason := parseRuleBody(rest)
		if reason != "" {
			diags = append(diags, Diagnostic{Line: i + 1, Text: trimmed, Reason: reason})
			continue
		}

		rule.Number = number
		rule.Raw = trimmed
		rules = append(rules, rule)
	}

	return rules, diags
}

// splitNumber extracts the leading rule-number token. Accepted forms:
// "[ 1] ...", "[12] ...", "1] ...", "3: ...", "3  ...".
func splitNumber(line string) (int, string, bool) {
	s := line
	if strings.HasPrefix(s, "[") {
		s = strings.TrimSpace(s[1:])
	}

	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, "", false
	}

	number, err := strconv.Atoi(s[:end])
	if err != nil || number < 1 {
		return 0, "", false
	}

	rest := s[end:]
	// Strip trailing punctuation on the number token.
	for len(rest) > 0 && (rest[0] == ']' || rest[0] == ':') {
		rest = rest[1:]
	}
	// A number must be followed by whitespace; "80/tcp" must not read as
	// number 80.
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", false
	}

	return number, strings.TrimSpace(rest), true
}

// parseRuleBody tokenizes everything after the number token. Column widths in
// UFW output vary with content, so parsing is keyword-driven: find the action
// token, then classify the remaining tokens.
func parseRuleBody(body string) (Rule, string) {
	// Comment suffixes start with '#'.
	if idx := strings.Index(body, "#"); idx >= 0 {
		body = body[:idx]
	}

	fields := strings.Fields(body)
	if len(fields) < 2 {
		return Rule{}, "too few fields"
	}

	rule := Rule{
		Proto:     ProtoAny,
		Direction: DirIn,
		Source:    "Anywhere",
	}

	actionIdx := -1
	for i, f := range fields {
		if a, err := NormalizeAction(f); err == nil {
			rule.Action = a
			actionIdx = i
			break
		}
	}
	if actionIdx < 0 {
		return Rule{}, "no action keyword"
	}

	// Optional direction token directly after the action.
	rest := append([]string{}, fields[:actionIdx]...)
	tail := fields[actionIdx+1:]
	if len(tail) > 0 {
		switch strings.ToUpper(tail[0]) {
		case "IN":
			rule.Direction = DirIn
			tail = tail[1:]
		case "OUT":
			rule.Direction = DirOut
			tail = tail[1:]
		}
	}
	rest = append(rest, tail...)

	// IPv6 markers can trail the port spec or the source.
	candidates := rest[:0]
	for _, f := range rest {
		if f == "(v6)" {
			rule.IPv6 = true
			continue
		}
		candidates = append(candidates, f)
	}

	// The port spec is the first token that parses as one; everything left
	// over is the source.
	portIdx := -1
	for i, f := range candidates {
		spec, proto, err := splitPortProto(f)
		if err == nil {
			rule.Port = spec
			rule.Proto = proto
			portIdx = i
			break
		}
	}
	if portIdx < 0 {
		return Rule{}, "no recognizable port spec"
	}

	var sourceParts []string
	for i, f := range candidates {
		if i == portIdx {
			continue
		}
		sourceParts = append(sourceParts, f)
	}
	if len(sourceParts) > 0 {
		rule.Source = strings.Join(sourceParts, " ")
	}

	return rule, ""
}

// splitPortProto parses a "port[/proto]" token.
func splitPortProto(tok string) (PortSpec, Protocol, error) {
	portPart, protoPart, hasProto := strings.Cut(tok, "/")

	proto := ProtoAny
	if hasProto {
		p, err := NormalizeProtocol(protoPart)
		if err != nil {
			return PortSpec{}, "", err
		}
		proto = p
	}

	spec, err := ParsePortSpec(portPart)
	if err != nil {
		return PortSpec{}, "", err
	}
	return spec, proto, nil
}
