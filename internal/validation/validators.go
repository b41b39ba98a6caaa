// Package validation provides input validation for values that end up
// interpolated into remote shell commands. Every token passed to the firewall
// tool must go through these checks first; the executor itself does not
// sanitize anything.
package validation

import (
	"fmt"
	"strconv"
	"strings"
)

// Dangerous characters that should never appear in interpolated tokens.
var dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", " ", "\t", "\n", "\r"}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidatePortRange validates an inclusive low:high port range.
func ValidatePortRange(low, high int) error {
	if err := ValidatePortNumber(low); err != nil {
		return err
	}
	if err := ValidatePortNumber(high); err != nil {
		return err
	}
	if low > high {
		return fmt.Errorf("invalid port range: %d:%d (low must not exceed high)", low, high)
	}
	return nil
}

// ValidateProtocol validates a firewall protocol token.
func ValidateProtocol(proto string) error {
	switch strings.ToLower(proto) {
	case "tcp", "udp", "any", "":
		return nil
	}
	return fmt.Errorf("invalid protocol: %s (must be tcp, udp or any)", proto)
}

// ValidateRuleAction validates a rule action token.
func ValidateRuleAction(action string) error {
	switch strings.ToLower(action) {
	case "allow", "deny", "limit", "reject":
		return nil
	}
	return fmt.Errorf("invalid action: %s (must be allow, deny, limit or reject)", action)
}

// ValidateShellToken rejects any token that could break out of a single
// shell word. Used as a last line of defense before command interpolation.
func ValidateShellToken(s string) error {
	if s == "" {
		return fmt.Errorf("token cannot be empty")
	}
	for _, char := range dangerousChars {
		if strings.Contains(s, char) {
			return fmt.Errorf("token contains dangerous character: %q", char)
		}
	}
	return nil
}

// ValidateRuleNumber validates a positional rule number token.
func ValidateRuleNumber(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid rule number: %d (must be positive)", n)
	}
	return nil
}

// PortToken renders a validated port as a shell-safe token.
func PortToken(port int) (string, error) {
	if err := ValidatePortNumber(port); err != nil {
		return "", err
	}
	return strconv.Itoa(port), nil
}
