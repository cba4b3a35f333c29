// ABOUTME: Entry point for the ingress dispatcher
// ABOUTME: Admits chat events, resolves identity, and enqueues WorkerDeploymentRequest jobs

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-gateway/internal/auth"
	"github.com/2389/coven-gateway/internal/chatapi"
	"github.com/2389/coven-gateway/internal/clusternet"
	"github.com/2389/coven-gateway/internal/config"
	"github.com/2389/coven-gateway/internal/dedupe"
	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/logging"
	"github.com/2389/coven-gateway/internal/queue"
	"github.com/2389/coven-gateway/internal/ratelimit"
	"github.com/2389/coven-gateway/internal/session"
	"github.com/2389/coven-gateway/internal/store"
)

var version = "dev"

const banner = `
     _ _               _       _
  __| (_)___ _ __   ___ | |_ ___| |__   ___ _ __
 / _' | / __| '_ \ / _ \| __/ __| '_ \ / _ \ '__|
| (_| | \__ \ |_) | (_) | || (__| | | |  __/ |
 \__,_|_|___/ .__/ \___/ \__\___|_| |_|\___|_|
            |_|
`

const repoURLCacheTTL = 5 * time.Minute

func getConfigPath() string {
	if envPath := os.Getenv("DISPATCHER_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dispatcher.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "dispatcher.yaml")
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

	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info("starting dispatcher", "store", cfg.Store.Path)

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	q := queue.New(st.DB())

	limiter := ratelimit.New(cfg.RateLimit.MaxJobs, cfg.RateLimit.Window)
	defer limiter.Close()

	d := &dispatcher{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		queue:        q,
		limiter:      limiter,
		dedup:        dedupe.New(10*time.Minute, 10000),
		repoURLCache: make(map[string]repoURLCacheEntry),
	}
	defer d.dedup.Close()

	if cfg.Server.AuthSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.AuthSecret))
		if err != nil {
			return fmt.Errorf("building ingress token verifier: %w", err)
		}
		d.verifier = verifier
	}

	var httpServer *http.Server
	var tailnetNode *clusternet.Node
	if cfg.Server.HTTPAddr != "" {
		httpServer = &http.Server{Handler: d.ingressMux()}
		var ln net.Listener
		if cfg.Tailnet.Enabled {
			tailnetNode = clusternet.New(cfg.Tailnet, logger)
			ln, err = tailnetNode.Listen(ctx, portOf(cfg.Server.HTTPAddr))
			if err != nil {
				return fmt.Errorf("starting tailnet ingress listener: %w", err)
			}
		} else {
			ln, err = net.Listen("tcp", cfg.Server.HTTPAddr)
			if err != nil {
				return fmt.Errorf("starting ingress listener: %w", err)
			}
		}
		go func() {
			logger.Info("dispatcher ingress HTTP listening", "addr", cfg.Server.HTTPAddr, "tailnet", cfg.Tailnet.Enabled)
			if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("ingress HTTP server failed", "error", err)
			}
		}()
		defer httpServer.Close()
		if tailnetNode != nil {
			defer tailnetNode.Close()
		}
	}

	if !cfg.Frontends.Matrix.Enabled {
		logger.Warn("matrix frontend disabled, dispatcher relying on HTTP ingress only")
		<-ctx.Done()
		return nil
	}

	matrixClient, err := mautrix.NewClient(cfg.Frontends.Matrix.Homeserver, id.UserID(cfg.Frontends.Matrix.UserID), cfg.Frontends.Matrix.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	d.chat = chatapi.New(matrixClient)
	d.matrix = matrixClient

	syncer, ok := matrixClient.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected matrix syncer type: %T", matrixClient.Syncer)
	}
	syncer.OnEventType(event.EventMessage, d.handleEvent)

	logger.Info("dispatcher running", "homeserver", cfg.Frontends.Matrix.Homeserver)

	syncErr := make(chan error, 1)
	go func() { syncErr <- matrixClient.SyncWithContext(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down dispatcher")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// ingressMux serves the HTTP ingress path a standalone chat bridge
// process posts normalized events to, as an alternative to the
// embedded Matrix sync loop above.
func (d *dispatcher) ingressMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingress", d.handleIngressHTTP)
	return mux
}

func (d *dispatcher) handleIngressHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.verifier != nil {
		if _, err := d.verifier.Verify(bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var evt struct {
		Platform       string `json:"platform"`
		ChannelID      string `json:"channelId"`
		ThreadID       string `json:"threadId"`
		MessageID      string `json:"messageId"`
		PlatformUserID string `json:"platformUserId"`
		Content        string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if evt.Platform == "" || evt.ChannelID == "" || evt.MessageID == "" || evt.PlatformUserID == "" {
		http.Error(w, "platform, channelId, messageId, and platformUserId are required", http.StatusBadRequest)
		return
	}
	if d.dedup.CheckAndMark(evt.Platform + ":" + evt.MessageID) {
		w.WriteHeader(http.StatusOK)
		return
	}

	go d.enqueue(context.Background(), evt.Platform, evt.ChannelID, evt.PlatformUserID, evt.ThreadID, evt.MessageID, evt.Content)
	w.WriteHeader(http.StatusAccepted)
}

// bearerToken extracts the token from a "Bearer <token>" Authorization
// header, or returns the header verbatim if it carries no scheme.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

// portOf strips the host from a "host:port" or ":port" listen address,
// since clusternet.Node.Listen takes a bare port and binds it on the
// tailnet interface rather than an arbitrary host.
func portOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

type repoURLCacheEntry struct {
	url       string
	cachedAt  time.Time
}

// dispatcher implements the Ingress Dispatcher's twelve-step admission
// contract for each inbound chat message.
type dispatcher struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	chat     *chatapi.Client
	matrix   *mautrix.Client
	dedup    *dedupe.Cache
	verifier auth.TokenVerifier

	usernameMu    sync.Mutex
	usernameCache map[string]string

	repoURLMu    sync.Mutex
	repoURLCache map[string]repoURLCacheEntry
}

var usernameUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)
var dashRun = regexp.MustCompile(`-+`)

// handleEvent ignores our own messages, non-text events, edits, and
// already-seen events before any admission work begins.
func (d *dispatcher) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == d.matrix.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}
	if d.dedup.CheckAndMark(evt.ID.String()) {
		return
	}

	if !d.isAllowed(evt) {
		d.logger.Debug("ignoring event from non-allowed user or room", "sender", evt.Sender.String(), "room", evt.RoomID.String())
		return
	}

	go d.process(context.Background(), evt, content)
}

func (d *dispatcher) isAllowed(evt *event.Event) bool {
	allowedUsers := d.cfg.Frontends.Matrix.AllowedUsers
	if len(allowedUsers) > 0 {
		found := false
		for _, u := range allowedUsers {
			if u == evt.Sender.String() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	allowedRooms := d.cfg.Frontends.Matrix.AllowedRooms
	if len(allowedRooms) == 0 {
		return true
	}
	for _, r := range allowedRooms {
		if r == evt.RoomID.String() {
			return true
		}
	}
	return false
}

// process resolves identity, admits the message past the rate
// limiter, and enqueues one worker deployment request for it.
func (d *dispatcher) process(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	d.enqueue(ctx, "matrix", evt.RoomID.String(), evt.Sender.String(), threadIDOf(content), evt.ID.String(), content.Body)
}

// enqueue is the platform-agnostic admission path shared by the
// embedded Matrix sync loop and the standalone chat bridge's HTTP
// ingress handler: both reduce their platform's event shape down to
// these six fields before calling in here.
func (d *dispatcher) enqueue(ctx context.Context, platform, channelID, platformUserID, threadID, messageID, messageText string) {
	sessionKey := session.Key(platform, "", channelID, platformUserID, threadID, messageID)

	if !d.limiter.Admit(platformUserID) {
		d.logger.Warn("rate limit exceeded", "user", platformUserID, "session_key", sessionKey)
		if d.chat != nil {
			if _, err := d.chat.PostMessage(ctx, channelID, "You're sending messages too quickly. Please wait a moment and try again."); err != nil {
				d.logger.Error("posting rate-limit notice failed", "error", err)
			}
		}
		return
	}

	username := d.resolveUsername(platformUserID)
	repositoryURL, err := d.resolveRepositoryURL(ctx, username)
	if err != nil {
		d.logger.Error("resolving repository url failed", "username", username, "error", err)
		if d.chat != nil {
			if _, postErr := d.chat.PostMessage(ctx, channelID, "Couldn't resolve a repository for your account."); postErr != nil {
				d.logger.Error("posting repository-resolution failure notice failed", "error", postErr)
			}
		}
		return
	}

	agentSessionID := d.lookupAgentSessionID(ctx, sessionKey)

	var placeholderID string
	if d.chat != nil {
		placeholderID, err = d.chat.PostMessage(ctx, channelID, "Working on it...")
		if err != nil {
			d.logger.Error("posting placeholder message failed", "error", err)
			return
		}
	}

	req := domain.WorkerDeploymentRequest{
		UserID:         platformUserID,
		AgentSessionID: agentSessionID,
		ThreadID:       threadID,
		Platform:       platform,
		PlatformUserID: platformUserID,
		MessageID:      messageID,
		MessageText:    messageText,
		ChannelID:      channelID,
		PlatformMetadata: domain.PlatformMetadata{
			UserDisplayName:   username,
			RepositoryURL:     repositoryURL,
			OriginalMessageTs: messageID,
			SlackResponseTs:   placeholderID,
		},
		ClaudeOptions: domain.ClaudeOptions{
			ResumeSessionID: agentSessionID,
		},
	}
	if threadID != "" {
		req.RoutingMetadata = &domain.RoutingMetadata{
			TargetThreadID: threadID,
			AgentSessionID: agentSessionID,
			UserID:         platformUserID,
		}
	}

	if _, err := d.queue.Send(ctx, "messages", req, queue.SendOptions{SingletonKey: sessionKey}); err != nil {
		d.logger.Error("enqueuing worker deployment request failed", "session_key", sessionKey, "error", err)
		return
	}

	now := time.Now().UTC()
	if err := d.store.UpsertThreadSession(ctx, &domain.ThreadSession{
		SessionKey:     sessionKey,
		ChannelID:      channelID,
		UserID:         platformUserID,
		Username:       username,
		RepositoryURL:  repositoryURL,
		AgentSessionID: agentSessionID,
		Status:         domain.ThreadEnqueued,
		CreatedAt:      now,
		LastActivity:   now,
	}); err != nil {
		d.logger.Warn("caching thread session failed", "session_key", sessionKey, "error", err)
	}

	d.logger.Info("enqueued worker deployment request", "session_key", sessionKey, "placeholder_id", placeholderID)
}

func threadIDOf(content *event.MessageEventContent) string {
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelThread {
		return content.RelatesTo.EventID.String()
	}
	return ""
}

// resolveUsername normalises a platform user id into the
// "user-<slug>" form, caching the mapping.
func (d *dispatcher) resolveUsername(platformUserID string) string {
	d.usernameMu.Lock()
	defer d.usernameMu.Unlock()
	if d.usernameCache == nil {
		d.usernameCache = make(map[string]string)
	}
	if cached, ok := d.usernameCache[platformUserID]; ok {
		return cached
	}
	slug := strings.ToLower(platformUserID)
	slug = usernameUnsafe.ReplaceAllString(slug, "-")
	slug = dashRun.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	username := "user-" + slug
	d.usernameCache[platformUserID] = username
	return username
}

// resolveRepositoryURL reads the store's 5-minute-TTL cache before
// falling through to a fresh lookup.
func (d *dispatcher) resolveRepositoryURL(ctx context.Context, username string) (string, error) {
	d.repoURLMu.Lock()
	if d.repoURLCache == nil {
		d.repoURLCache = make(map[string]repoURLCacheEntry)
	}
	if entry, ok := d.repoURLCache[username]; ok && time.Since(entry.cachedAt) < repoURLCacheTTL {
		d.repoURLMu.Unlock()
		return entry.url, nil
	}
	d.repoURLMu.Unlock()

	url, cachedAt, err := d.store.GetRepositoryURL(ctx, username)
	if err == nil && time.Since(cachedAt) < repoURLCacheTTL {
		d.repoURLMu.Lock()
		d.repoURLCache[username] = repoURLCacheEntry{url: url, cachedAt: cachedAt}
		d.repoURLMu.Unlock()
		return url, nil
	}

	url = fmt.Sprintf("https://github.com/%s/workspace", strings.TrimPrefix(username, "user-"))
	if err := d.store.PutRepositoryURL(ctx, username, url); err != nil {
		return "", fmt.Errorf("caching repository url: %w", err)
	}
	d.repoURLMu.Lock()
	d.repoURLCache[username] = repoURLCacheEntry{url: url, cachedAt: time.Now().UTC()}
	d.repoURLMu.Unlock()
	return url, nil
}

// lookupAgentSessionID returns the empty string on a miss: a new
// thread simply starts without a resume id.
func (d *dispatcher) lookupAgentSessionID(ctx context.Context, sessionKey string) string {
	rec, err := d.store.GetConversation(ctx, sessionKey, "default")
	if err != nil {
		return ""
	}
	return rec.AgentSessionID
}
