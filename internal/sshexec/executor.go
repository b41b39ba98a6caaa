// Package sshexec runs single commands on a remote host over SSH.
//
// The executor passes commands through verbatim: callers are responsible for
// validating anything interpolated into a command line (see internal/validation).
// A non-zero exit status is a normal Result, not an error; errors are reserved
// for transport failures and timeouts.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"grimm.is/gatekeep/internal/config"
	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/metrics"
)

// Result holds the outcome of a successfully executed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes a single command on the remote host.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// ConnectionError indicates the SSH channel could not be established or
// maintained. Surfaced to callers as a service-unavailable condition.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError indicates a command exceeded its deadline. Distinct from
// ConnectionError so callers can retry with backoff.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

// IsTimeout reports whether err is a command timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConnectionError reports whether err is a transport failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Client is a Runner backed by golang.org/x/crypto/ssh. The underlying
// connection is established lazily and reused across commands; each command
// runs in its own session. A transport failure drops the connection so the
// next call redials.
type Client struct {
	cfg    *config.SSHConfig
	logger *logging.Logger

	mu   sync.Mutex
	conn *ssh.Client
}

// NewClient creates an SSH-backed Runner for the configured host.
func NewClient(cfg *config.SSHConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.WithComponent("sshexec"),
	}
}

// Run executes command on the remote host, enforcing the configured timeout.
func (c *Client) Run(ctx context.Context, command string) (Result, error) {
	start := time.Now()
	res, err := c.run(ctx, command)
	metrics.Get().SSHCommandDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.Get().SSHCommands.WithLabelValues("ok").Inc()
	case IsTimeout(err):
		metrics.Get().SSHCommands.WithLabelValues("timeout").Inc()
	default:
		metrics.Get().SSHCommands.WithLabelValues("error").Inc()
	}
	return res, err
}

func (c *Client) run(ctx context.Context, command string) (Result, error) {
	conn, err := c.connect()
	if err != nil {
		return Result{}, err
	}

	session, err := conn.NewSession()
	if err != nil {
		// Session setup failing usually means the connection died underneath
		// us; drop it so the next call redials.
		c.drop(conn)
		return Result{}, &ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := c.cfg.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Closing the session aborts the in-flight command channel. The
		// remote command may still complete; we just stop waiting for it.
		session.Close()
		c.logger.Warn("command timed out", "command", command, "timeout", timeout)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, &TimeoutError{Command: command, Timeout: timeout}
		}
		return Result{}, &ConnectionError{Addr: c.cfg.Addr(), Err: ctx.Err()}
	case runErr := <-done:
		res := Result{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if runErr == nil {
			return res, nil
		}

		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is a normal outcome for the caller to interpret.
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		c.drop(conn)
		return Result{}, &ConnectionError{Addr: c.cfg.Addr(), Err: runErr}
	}
}

// connect returns the shared connection, dialing if necessary.
func (c *Client) connect() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	clientCfg, err := c.clientConfig()
	if err != nil {
		return nil, &ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}

	conn, err := ssh.Dial("tcp", c.cfg.Addr(), clientCfg)
	if err != nil {
		return nil, &ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}

	c.logger.Info("connected", "addr", c.cfg.Addr(), "user", c.cfg.User)
	c.conn = conn
	return conn, nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.cfg.KeyFile != "" {
		key, err := os.ReadFile(c.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.cfg.Password != "" {
		auth = append(auth, ssh.Password(c.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication method configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // matches prior behavior when no known_hosts is configured
	if c.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.cfg.Timeout(),
	}, nil
}

// drop discards conn if it is still the shared connection.
func (c *Client) drop(conn *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// Close closes the shared connection if open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
