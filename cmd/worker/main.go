// ABOUTME: Entry point for the per-thread worker: runs one coding-agent subprocess against one workspace checkout.
// ABOUTME: Consumes its own thread queue, streams agent output to chat, and self-deletes after an idle period.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/2389/coven-gateway/internal/chatapi"
	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/clusternet"
	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/egress"
	"github.com/2389/coven-gateway/internal/errtax"
	"github.com/2389/coven-gateway/internal/logging"
	"github.com/2389/coven-gateway/internal/queue"
	"github.com/2389/coven-gateway/internal/session"
	"github.com/2389/coven-gateway/internal/store"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var version = "dev"

const defaultIdleMinutes = 10
const autoPushInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startupConfig is read entirely from the environment: the Orchestrator
// injects these as Deployment env vars and a mounted connection secret,
// there is no config file for a worker pod.
type startupConfig struct {
	SessionKey      string
	UserID          string
	DeploymentName  string
	RepositoryURL   string
	DatabaseURL     string
	WorkspacePath   string
	IdleMinutes     int
	Homeserver      string
	MatrixUserID    string
	MatrixAccessTok string
	StorePath       string

	TailnetEnabled  bool
	TailnetHostname string
	TailnetAuthKey  string
	TailnetStateDir string
}

func loadStartupConfig() (*startupConfig, error) {
	c := &startupConfig{
		SessionKey:      os.Getenv("SESSION_KEY"),
		UserID:          os.Getenv("USER_ID"),
		DeploymentName:  os.Getenv("DEPLOYMENT_NAME"),
		RepositoryURL:   os.Getenv("REPOSITORY_URL"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WorkspacePath:   envOr("WORKSPACE_PATH", "/workspace"),
		IdleMinutes:     defaultIdleMinutes,
		Homeserver:      os.Getenv("MATRIX_HOMESERVER"),
		MatrixUserID:    os.Getenv("MATRIX_USER_ID"),
		MatrixAccessTok: os.Getenv("MATRIX_ACCESS_TOKEN"),
		StorePath:       envOr("STORE_PATH", "/data/worker.db"),
		TailnetEnabled:  os.Getenv("TAILNET_ENABLED") == "true",
		TailnetHostname: envOr("TAILNET_HOSTNAME", os.Getenv("DEPLOYMENT_NAME")),
		TailnetAuthKey:  os.Getenv("TAILNET_AUTHKEY"),
		TailnetStateDir: os.Getenv("TAILNET_STATE_DIR"),
	}
	if c.SessionKey == "" || c.UserID == "" || c.DeploymentName == "" {
		return nil, fmt.Errorf("SESSION_KEY, USER_ID, and DEPLOYMENT_NAME must all be set")
	}
	if raw := os.Getenv("EXIT_ON_IDLE_MINUTES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.IdleMinutes = n
		}
	}
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context) error {
	cfg, err := loadStartupConfig()
	if err != nil {
		return fmt.Errorf("loading startup config: %w", err)
	}

	logger := logging.New(logging.Config{Level: "info", Format: "json"})
	logger.Info("worker starting", "deployment", cfg.DeploymentName, "session_key", cfg.SessionKey)

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer st.Close()

	q := queue.New(st.DB())

	w := &worker{cfg: cfg, logger: logger, store: st, queue: q}

	if err := w.prepareWorkspace(ctx); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	if cfg.Homeserver != "" && cfg.MatrixAccessTok != "" {
		matrixClient, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.MatrixUserID), cfg.MatrixAccessTok)
		if err != nil {
			return fmt.Errorf("building matrix client: %w", err)
		}
		chat := chatapi.New(matrixClient)
		w.chat = chat
		w.egress = egress.New(chat)
	}

	go w.autoPushLoop(ctx)

	idleTimer := time.NewTimer(time.Duration(cfg.IdleMinutes) * time.Minute)
	defer idleTimer.Stop()
	w.idleTimer = idleTimer

	if cfg.TailnetEnabled {
		node := clusternet.New(clusternet.Config{
			Enabled:   true,
			Hostname:  cfg.TailnetHostname,
			AuthKey:   cfg.TailnetAuthKey,
			StateDir:  cfg.TailnetStateDir,
			Ephemeral: true,
		}, logger)
		ln, err := node.Listen(ctx, "8181")
		if err != nil {
			logger.Warn("tailnet idle-ping listener unavailable, orchestrator will fall back to queue-only liveness", "error", err)
		} else {
			w.tailnet = node
			go w.serveControlPlane(ctx, ln)
		}
	}

	threadQueue := "thread_message_" + cfg.DeploymentName
	logger.Info("worker consuming thread queue", "queue", threadQueue)

	workCtx, stopWork := context.WithCancel(ctx)
	go func() {
		q.Work(workCtx, threadQueue, w.handleJob, queue.WorkOptions{TeamSize: 1, TeamConcurrency: 1})
	}()

	select {
	case <-ctx.Done():
		logger.Info("worker received shutdown signal")
	case <-idleTimer.C:
		logger.Info("worker idle timeout reached, self-deleting")
		w.selfDelete(context.Background())
	}
	stopWork()
	if w.tailnet != nil {
		w.tailnet.Close()
	}
	w.finalPush(context.Background())
	return nil
}

type worker struct {
	cfg     *startupConfig
	logger  *slog.Logger
	store   store.Store
	queue   *queue.Queue
	chat    *chatapi.Client
	egress  *egress.Egress
	tailnet *clusternet.Node

	mu        sync.Mutex
	idleTimer *time.Timer
}

// serveControlPlane exposes an idle-ping endpoint on the tailnet so an
// operator or the orchestrator can keep a worker alive across a long
// silent stretch without routing a job through the public queue.
func (w *worker) serveControlPlane(ctx context.Context, ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/idle-ping", func(rw http.ResponseWriter, r *http.Request) {
		w.resetIdleTimer()
		rw.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		w.logger.Error("tailnet control plane server failed", "error", err)
	}
}

func (w *worker) resetIdleTimer() {
	if w.idleTimer == nil {
		return
	}
	if !w.idleTimer.Stop() {
		select {
		case <-w.idleTimer.C:
		default:
		}
	}
	w.idleTimer.Reset(time.Duration(w.cfg.IdleMinutes) * time.Minute)
}

// prepareWorkspace clones the repository if the directory is empty,
// then checks out the session's deterministic branch so every message
// on this thread builds on the same working tree.
func (w *worker) prepareWorkspace(ctx context.Context) error {
	branch := session.BranchName(w.cfg.SessionKey)

	if _, err := os.Stat(w.cfg.WorkspacePath + "/.git"); err != nil {
		if err := os.MkdirAll(w.cfg.WorkspacePath, 0o755); err != nil {
			return fmt.Errorf("creating workspace dir: %w", err)
		}
		if w.cfg.RepositoryURL != "" {
			if err := w.git(ctx, "", "clone", w.cfg.RepositoryURL, w.cfg.WorkspacePath); err != nil {
				return fmt.Errorf("cloning repository: %w", err)
			}
		} else if err := w.git(ctx, w.cfg.WorkspacePath, "init"); err != nil {
			return fmt.Errorf("initializing workspace: %w", err)
		}
	}

	_ = w.git(ctx, w.cfg.WorkspacePath, "config", "user.name", "coven-worker")
	_ = w.git(ctx, w.cfg.WorkspacePath, "config", "user.email", "worker@coven.local")

	if err := w.git(ctx, w.cfg.WorkspacePath, "fetch", "origin"); err != nil {
		w.logger.Warn("fetch failed, continuing with local refs", "error", err)
	}
	if err := w.git(ctx, w.cfg.WorkspacePath, "checkout", "-B", branch); err != nil {
		return fmt.Errorf("checking out branch %s: %w", branch, err)
	}
	return nil
}

func (w *worker) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	} else {
		cmd.Dir = w.cfg.WorkspacePath
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

func (w *worker) autoPushLoop(ctx context.Context) {
	ticker := time.NewTicker(autoPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.commitAndPush(ctx, "checkpoint")
		}
	}
}

func (w *worker) commitAndPush(ctx context.Context, message string) {
	if err := w.git(ctx, "", "add", "-A"); err != nil {
		w.logger.Warn("git add failed", "error", err)
		return
	}
	if err := w.git(ctx, "", "commit", "-m", message, "--allow-empty-message", "--no-verify"); err != nil {
		return
	}
	branch := session.BranchName(w.cfg.SessionKey)
	if err := w.git(ctx, "", "push", "origin", branch); err != nil {
		w.logger.Warn("git push failed", "error", err)
	}
}

func (w *worker) finalPush(ctx context.Context) {
	w.commitAndPush(ctx, "final state")
}

// handleJob runs the coding agent once against the message in the job
// payload, streaming its output into chat as it arrives. The agent
// subprocess is expected to emit newline-delimited JSON events on
// stdout; each line is decoded independently so a partial final write
// does not corrupt the ones before it.
func (w *worker) handleJob(ctx context.Context, job *queue.Job) error {
	w.resetIdleTimer()

	var req domain.WorkerDeploymentRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		w.logger.Error("dropping malformed job", "job_id", job.ID, "error", err)
		return nil
	}

	placeholderTs := req.PlatformMetadata.SlackResponseTs
	if placeholderTs == "" && w.chat != nil {
		id, err := w.chat.PostMessage(ctx, req.ChannelID, "Working on it...")
		if err != nil {
			w.logger.Warn("posting placeholder failed", "error", err)
		} else {
			placeholderTs = id
		}
	}
	if w.chat != nil && req.PlatformMetadata.OriginalMessageTs != "" {
		_ = w.chat.AddReaction(ctx, req.ChannelID, req.PlatformMetadata.OriginalMessageTs, "working")
	}

	history := w.priorTurns(ctx, req.ChannelID)

	onText := func(text string) {
		if w.egress == nil || placeholderTs == "" {
			return
		}
		if err := w.egress.Handle(ctx, &domain.ThreadResponse{
			MessageID: req.MessageID,
			ChannelID: req.ChannelID,
			ThreadTs:  placeholderTs,
			UserID:    req.UserID,
			Content:   text,
			IsDone:    false,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			w.logger.Warn("streaming partial output failed", "error", err)
		}
	}

	resumeID := req.ClaudeOptions.ResumeSessionID
	output, agentSessionID, agentErr := w.runAgent(ctx, req, history, resumeID, onText)

	resp := &domain.ThreadResponse{
		MessageID:         req.MessageID,
		ChannelID:         req.ChannelID,
		ThreadTs:          placeholderTs,
		UserID:            req.UserID,
		Content:           output,
		IsDone:            true,
		Timestamp:         time.Now().UTC(),
		OriginalMessageTs: req.PlatformMetadata.OriginalMessageTs,
	}
	if agentErr != nil {
		resp.Error = agentErr.Error()
		resp.Reaction = "failure"
	} else {
		resp.Reaction = "success"
	}

	if w.egress != nil {
		if err := w.egress.Handle(ctx, resp); err != nil {
			w.logger.Error("delivering response failed", "error", err)
		}
	}

	w.commitAndPush(ctx, "turn: "+req.MessageID)

	sessionIDToPersist := agentSessionID
	if sessionIDToPersist == "" {
		sessionIDToPersist = resumeID
	}
	if err := w.store.SetAgentSessionID(ctx, w.cfg.SessionKey, "default", sessionIDToPersist); err != nil {
		w.logger.Warn("persisting conversation state failed", "error", err)
	}

	return agentErr
}

// priorTurns fetches the room's recent messages and hands them to
// runAgent, which does not forward them to the agent process; the agent
// sees earlier turns only through --resume.
func (w *worker) priorTurns(ctx context.Context, channelID string) []chatapi.ThreadMessage {
	if w.chat == nil {
		return nil
	}
	msgs, err := w.chat.FetchThreadMessages(ctx, channelID, 50)
	if err != nil {
		w.logger.Warn("fetching thread history failed", "error", err)
		return nil
	}
	return msgs
}

type agentEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// runAgent invokes the coding agent as a subprocess rooted at the
// workspace with the job's message text as its prompt, decoding its
// newline-delimited JSON event stream and keeping the most recent
// "text" event as the final response. history is not passed to the
// agent process. onText is
// called with each "text" event's content as it arrives, so the
// caller can stream progress back to chat before the process exits;
// it may be nil.
func (w *worker) runAgent(ctx context.Context, req domain.WorkerDeploymentRequest, history []chatapi.ThreadMessage, resumeID string, onText func(string)) (string, string, error) {
	args := []string{"--print", "--output-format", "stream-json"}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if req.ClaudeOptions.Model != "" {
		args = append(args, "--model", req.ClaudeOptions.Model)
	}
	args = append(args, req.MessageText)

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = w.cfg.WorkspacePath
	cmd.Env = append(os.Environ(), "DATABASE_URL="+w.cfg.DatabaseURL)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("opening agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("starting agent process: %w", err)
	}

	final, sessionID := decodeAgentStream(stdout, onText)

	if err := cmd.Wait(); err != nil {
		return final, sessionID, fmt.Errorf("agent process exited: %w: %w", err, errtax.ErrAgentFailure)
	}
	return final, sessionID, nil
}

// decodeAgentStream decodes newline-delimited agent events, keeping
// the most recent "text" event's content (the stream-json format
// resends the accumulated text on each line rather than emitting
// deltas) and the most recent non-empty session_id, which the agent
// assigns on its first turn and echoes back on every turn after.
func decodeAgentStream(r io.Reader, onText func(string)) (text, sessionID string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev agentEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type == "text" {
			text = ev.Text
			if onText != nil {
				onText(ev.Text)
			}
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
	}
	return text, sessionID
}

func (w *worker) selfDelete(ctx context.Context) {
	cluster, err := clusterapi.NewClient(os.Getenv("NAMESPACE"), "")
	if err != nil {
		w.logger.Warn("building cluster client for self-delete failed", "error", err)
		return
	}
	if err := cluster.Delete(ctx, w.cfg.DeploymentName); err != nil {
		w.logger.Warn("self-delete failed", "error", err)
	}
}

var _ = version
