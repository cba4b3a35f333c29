// ABOUTME: Entry point for the standalone Matrix chat bridge.
// ABOUTME: Runs independently of the Dispatcher/Orchestrator/Worker process group, forwarding events over HTTP.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/2389/coven-gateway/internal/logging"
)

var version = "dev"

const banner = `
      _           _   _          _     _
  ___| |__   __ _| |_| |__  _ __(_) __| | __ _  ___
 / __| '_ \ / _' | __| '_ \| '__| |/ _' |/ _' |/ _ \
| (__| | | | (_| | |_| |_) | |  | | (_| | (_| |  __/
 \___|_| |_|\__,_|\__|_.__/|_|  |_|\__,_|\__, |\___|
                                         |___/
`

func getConfigPath() string {
	if envPath := os.Getenv("CHATBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatbridge.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "chatbridge.toml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	color.New(color.FgMagenta).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: "text"})

	matrixClient, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	b := &bridge{
		cfg:        cfg,
		matrix:     matrixClient,
		dispatcher: NewDispatcherClient(cfg.Dispatcher.URL, cfg.Dispatcher.AuthToken),
		logger:     logger,
	}

	if err := b.login(ctx); err != nil {
		return fmt.Errorf("logging in to matrix: %w", err)
	}

	dataDir := filepath.Dir(configPath)
	crypto, err := SetupCrypto(ctx, matrixClient, matrixClient.UserID.String(), cfg.Matrix.RecoveryKey, dataDir, logger)
	if err != nil {
		logger.Warn("encryption setup failed, continuing without e2ee", "error", err)
	} else {
		defer crypto.Close()
	}

	return b.run(ctx)
}

// bridge connects a Matrix account to the Dispatcher's HTTP ingress
// endpoint, the way fold-matrix connects a Matrix account to
// fold-gateway's send/SSE API.
type bridge struct {
	cfg        *Config
	matrix     *mautrix.Client
	dispatcher *DispatcherClient
	logger     *slog.Logger

	processing sync.Map
}

func (b *bridge) login(ctx context.Context) error {
	b.logger.Info("logging in to matrix", "homeserver", b.cfg.Matrix.Homeserver, "username", b.cfg.Matrix.Username)
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.cfg.Matrix.Username,
		},
		Password:                 b.cfg.Matrix.Password,
		InitialDeviceDisplayName: "chatbridge",
		StoreCredentials:         true,
	})
	if err != nil {
		return err
	}
	b.logger.Info("logged in to matrix", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

func (b *bridge) run(ctx context.Context) error {
	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected matrix syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("chat bridge running", "dispatcher", b.cfg.Dispatcher.URL)

	syncErr := make(chan error, 1)
	go func() { syncErr <- b.matrix.SyncWithContext(ctx) }()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down chat bridge")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == b.matrix.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}
	if !b.isAllowed(evt) {
		return
	}

	ingress := IngressEvent{
		Platform:       "matrix",
		ChannelID:      evt.RoomID.String(),
		ThreadID:       threadIDOf(content),
		MessageID:      evt.ID.String(),
		PlatformUserID: evt.Sender.String(),
		Content:        content.Body,
	}

	go func() {
		if err := b.dispatcher.Send(context.Background(), ingress); err != nil {
			b.logger.Error("forwarding event to dispatcher failed", "error", err, "event_id", ingress.MessageID)
		}
	}()
}

func threadIDOf(content *event.MessageEventContent) string {
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelThread {
		return content.RelatesTo.EventID.String()
	}
	return ""
}

func (b *bridge) isAllowed(evt *event.Event) bool {
	if len(b.cfg.Bridge.AllowedUsers) > 0 {
		found := false
		for _, u := range b.cfg.Bridge.AllowedUsers {
			if u == evt.Sender.String() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(b.cfg.Bridge.AllowedRooms) == 0 {
		return true
	}
	for _, r := range b.cfg.Bridge.AllowedRooms {
		if r == evt.RoomID.String() {
			return true
		}
	}
	return false
}
