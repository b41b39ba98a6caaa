package validation

import (
	"testing"
)

func TestValidatePortNumber(t *testing.T) {
	tests := []struct {
		port    int
		wantErr bool
	}{
		{1, false},
		{443, false},
		{65535, false},
		{0, true},
		{-1, true},
		{65536, true},
	}

	for _, tt := range tests {
		err := ValidatePortNumber(tt.port)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePortNumber(%d) error = %v, wantErr %v", tt.port, err, tt.wantErr)
		}
	}
}

func TestValidatePortRange(t *testing.T) {
	if err := ValidatePortRange(1000, 2000); err != nil {
		t.Errorf("valid range rejected: %v", err)
	}
	if err := ValidatePortRange(2000, 1000); err == nil {
		t.Error("inverted range accepted")
	}
	if err := ValidatePortRange(0, 1000); err == nil {
		t.Error("range with invalid low accepted")
	}
}

func TestValidateProtocol(t *testing.T) {
	for _, proto := range []string{"tcp", "udp", "TCP", "any", ""} {
		if err := ValidateProtocol(proto); err != nil {
			t.Errorf("ValidateProtocol(%q) unexpected error: %v", proto, err)
		}
	}
	for _, proto := range []string{"icmp", "tcp; rm -rf /", "sctp"} {
		if err := ValidateProtocol(proto); err == nil {
			t.Errorf("ValidateProtocol(%q) should fail", proto)
		}
	}
}

func TestValidateShellToken(t *testing.T) {
	if err := ValidateShellToken("443/tcp"); err != nil {
		t.Errorf("plain token rejected: %v", err)
	}

	bad := []string{
		"",
		"443; reboot",
		"443 && true",
		"$(whoami)",
		"`id`",
		"443|cat",
		"a b",
		"x\ny",
	}
	for _, s := range bad {
		if err := ValidateShellToken(s); err == nil {
			t.Errorf("ValidateShellToken(%q) should fail", s)
		}
	}
}

func TestValidateRuleAction(t *testing.T) {
	if err := ValidateRuleAction("allow"); err != nil {
		t.Errorf("allow rejected: %v", err)
	}
	if err := ValidateRuleAction("drop"); err == nil {
		t.Error("drop accepted")
	}
}
