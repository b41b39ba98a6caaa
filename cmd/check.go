package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/gatekeep/internal/brand"
	"grimm.is/gatekeep/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>", brand.BinaryName)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("Configuration valid!")

	if verbose {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Listen:\t%s\n", cfg.ListenAddr())
		fmt.Fprintf(w, "SSH host:\t%s@%s\n", cfg.SSH.User, cfg.SSH.Addr())
		fmt.Fprintf(w, "SSH auth:\t%s\n", sshAuthSummary(cfg.SSH))
		fmt.Fprintf(w, "Use sudo:\t%v\n", cfg.SSH.UseSudo)
		if cfg.Panel != nil {
			fmt.Fprintf(w, "Panel:\t%s\n", cfg.Panel.BaseURL)
		} else {
			fmt.Fprintf(w, "Panel:\tnot configured\n")
		}
		if cfg.Auth != nil && cfg.Auth.Token != "" {
			fmt.Fprintf(w, "API auth:\tbearer token\n")
		} else {
			fmt.Fprintf(w, "API auth:\tdisabled\n")
		}
		w.Flush()
	}

	return nil
}

func sshAuthSummary(ssh *config.SSHConfig) string {
	switch {
	case ssh.KeyFile != "" && ssh.Password != "":
		return "key file + password"
	case ssh.KeyFile != "":
		return "key file"
	default:
		return "password"
	}
}
