package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/gatekeep/internal/config"
	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/panel"
	"grimm.is/gatekeep/internal/sshexec"
	"grimm.is/gatekeep/internal/ufw"
)

// RunStatus probes the remote firewall and the panel from the CLI,
// without starting the HTTP server.
func RunStatus(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{Level: logging.LevelWarn, Output: os.Stderr})

	ssh := sshexec.NewClient(cfg.SSH, logger)
	defer ssh.Close()
	firewall := ufw.NewManager(ssh, ufw.Options{Logger: logger, UseSudo: cfg.SSH.UseSudo})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	status, err := firewall.Probe(ctx)
	if err != nil {
		fmt.Fprintf(w, "Firewall:\tunreachable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Firewall:\t%s\n", status)
		rules, diags, err := firewall.Rules(ctx)
		if err == nil {
			fmt.Fprintf(w, "Rules:\t%d", len(rules))
			if len(diags) > 0 {
				fmt.Fprintf(w, " (%d lines skipped)", len(diags))
			}
			fmt.Fprintln(w)
		}
	}

	if cfg.Panel == nil {
		fmt.Fprintf(w, "Panel:\tnot configured\n")
		return nil
	}

	pc := panel.NewClient(cfg.Panel, logger)
	if err := pc.TestConnection(ctx); err != nil {
		fmt.Fprintf(w, "Panel:\tunreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "Panel:\tok (%s)\n", cfg.Panel.BaseURL)
	if inbounds, err := pc.Inbounds(ctx); err == nil {
		fmt.Fprintf(w, "Inbounds:\t%d\n", len(inbounds))
	}
	return nil
}
