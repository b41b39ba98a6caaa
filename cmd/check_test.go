package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeep.hcl")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCheckValid(t *testing.T) {
	path := writeConfig(t, `
ssh {
  host     = "fw.example.net"
  user     = "root"
  password = "secret"
}
`)
	if err := RunCheck(path, true); err != nil {
		t.Fatalf("RunCheck failed: %v", err)
	}
}

func TestRunCheckInvalid(t *testing.T) {
	path := writeConfig(t, `
ssh {
  host = "fw.example.net"
}
`)
	if err := RunCheck(path, false); err == nil {
		t.Fatal("expected error for config missing ssh.user")
	}
}

func TestRunCheckMissingFile(t *testing.T) {
	if err := RunCheck("/nonexistent/gatekeep.hcl", false); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRunCheckEmptyPath(t *testing.T) {
	if err := RunCheck("", false); err == nil {
		t.Fatal("expected usage error")
	}
}
