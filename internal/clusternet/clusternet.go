// ABOUTME: Tailscale-backed listener for the dispatcher/orchestrator/worker control plane.
// ABOUTME: The dispatcher's HTTP ingress and the worker's idle-ping/healthz endpoints can run on the tailnet instead of the public internet.

package clusternet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Config configures a binary's tailnet presence.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// Node wraps a tsnet.Server for one binary's control-plane listener.
type Node struct {
	cfg    Config
	logger *slog.Logger
	server *tsnet.Server
}

// New constructs a Node; call Listen to bring the tailnet node up and
// obtain a listener.
func New(cfg Config, logger *slog.Logger) *Node {
	return &Node{cfg: cfg, logger: logger}
}

// Listen brings the tailnet node up and returns a listener bound to
// port on the tailnet. Callers must call Close when done.
func (n *Node) Listen(ctx context.Context, port string) (net.Listener, error) {
	stateDir, err := resolveStateDir(n.cfg.StateDir, n.cfg.Hostname)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveAuthKey(n.cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	n.server = &tsnet.Server{
		Hostname:  n.cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: n.cfg.Ephemeral,
		AuthKey:   authKey,
	}

	n.logger.Info("starting tailscale node", "hostname", n.cfg.Hostname, "state_dir", stateDir, "ephemeral", n.cfg.Ephemeral)
	status, err := n.server.Up(ctx)
	if err != nil {
		_ = n.server.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	n.logStatus(status)

	ln, err := n.server.Listen("tcp", ":"+port)
	if err != nil {
		_ = n.server.Close()
		return nil, fmt.Errorf("listening on tailnet port %s: %w", port, err)
	}
	return ln, nil
}

// DialContext dials another node's tailnet address. No binary in this
// repository calls it.
func (n *Node) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return n.server.Dial(ctx, network, addr)
}

// Close tears down the tailnet node.
func (n *Node) Close() error {
	if n.server == nil {
		return nil
	}
	return n.server.Close()
}

func (n *Node) logStatus(status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		n.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	n.logger.Info("tailscale node ready", "hostname", n.cfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func resolveStateDir(configured, hostname string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven", "tailscale", hostname), nil
}

func resolveAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
