// Package cmd implements the gateway's subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/gatekeep/internal/api"
	"grimm.is/gatekeep/internal/config"
	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/panel"
	"grimm.is/gatekeep/internal/sshexec"
	"grimm.is/gatekeep/internal/ufw"
)

// RunServe starts the HTTP gateway and blocks until shutdown.
func RunServe(configFile, listenOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := buildLogger(cfg)
	logging.SetDefault(logger)

	ssh := sshexec.NewClient(cfg.SSH, logger)
	defer ssh.Close()

	firewall := ufw.NewManager(ssh, ufw.Options{
		Logger:  logger,
		UseSudo: cfg.SSH.UseSudo,
	})

	var panelClient api.PanelService
	if cfg.Panel != nil {
		panelClient = panel.NewClient(cfg.Panel, logger)
	} else {
		panelClient = unconfiguredPanel{}
	}

	server := api.NewServer(api.ServerOptions{
		Config:   cfg,
		Firewall: firewall,
		Panel:    panelClient,
		Logger:   logger,
	})

	addr := cfg.ListenAddr()
	if listenOverride != "" {
		addr = listenOverride
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func buildLogger(cfg *config.Config) *logging.Logger {
	logCfg := logging.DefaultConfig()
	if cfg.Log != nil {
		if cfg.Log.Level != "" {
			logCfg.Level = logging.ParseLevel(cfg.Log.Level)
		}
		logCfg.JSON = cfg.Log.JSON
	}
	return logging.New(logCfg)
}

// unconfiguredPanel satisfies the panel surface when no panel block is
// present; every call reports the missing configuration.
type unconfiguredPanel struct{}

var errPanelNotConfigured = errors.New("panel is not configured")

func (unconfiguredPanel) Inbounds(context.Context) ([]panel.Inbound, error) {
	return nil, errPanelNotConfigured
}

func (unconfiguredPanel) AddInbound(context.Context, panel.Inbound) (*panel.Inbound, error) {
	return nil, errPanelNotConfigured
}

func (unconfiguredPanel) DeleteInbound(context.Context, int) error {
	return errPanelNotConfigured
}

func (unconfiguredPanel) AddClient(context.Context, int, panel.ClientSettings) (*panel.ClientSettings, error) {
	return nil, errPanelNotConfigured
}

func (unconfiguredPanel) RemoveClient(context.Context, int, string) error {
	return errPanelNotConfigured
}

func (unconfiguredPanel) Status(context.Context) (panel.ServerStatus, error) {
	return nil, errPanelNotConfigured
}

func (unconfiguredPanel) TestConnection(context.Context) error {
	return errPanelNotConfigured
}
