// ABOUTME: Entry point for the deployment orchestrator
// ABOUTME: Consumes worker deployment requests and drives the reconciler and thread queues

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/config"
	"github.com/2389/coven-gateway/internal/credentials"
	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/logging"
	"github.com/2389/coven-gateway/internal/queue"
	"github.com/2389/coven-gateway/internal/reconciler"
	"github.com/2389/coven-gateway/internal/session"
	"github.com/2389/coven-gateway/internal/store"
)

var version = "dev"

const banner = `
              _              _             _
  ___  _ __ __| |__   ___  ___| |_ _ __ __ _| |_ ___  _ __
 / _ \| '__/ _' '_ \ / _ \/ __| __| '__/ _' | __/ _ \| '__|
| (_) | | | (_| | | |  __/\__ \ |_| | | (_| | || (_) | |
 \___/|_|  \__,_| |_|\___||___/\__|_|  \__,_|\__\___/|_|
`

const cleanupInterval = 10 * time.Minute

func getConfigPath() string {
	if envPath := os.Getenv("ORCHESTRATOR_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "orchestrator.yaml")
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
	logger.Info("starting orchestrator", "namespace", cfg.Cluster.Namespace)

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cluster, err := clusterapi.NewClient(cfg.Cluster.Namespace, cfg.Cluster.WorkerImage)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}

	roles, err := credentials.NewPostgresRoleManager(cfg.Credentials.AdminDSN)
	if err != nil {
		return fmt.Errorf("connecting to admin database: %w", err)
	}
	defer roles.Close()

	credsManager := credentials.New(st, roles, cluster)
	rec := reconciler.New(cluster, credsManager, st)

	q := queue.New(st.DB())

	o := &orchestrator{
		cfg:    cfg,
		logger: logger,
		store:  st,
		queue:  q,
		rec:    rec,
	}

	go o.runCleanupLoop(ctx)

	logger.Info("orchestrator consuming messages queue",
		"team_size", cfg.Queue.TeamSize, "team_concurrency", cfg.Queue.TeamConcurrency)

	q.Work(ctx, "messages", o.handleJob, queue.WorkOptions{
		TeamSize:        cfg.Queue.TeamSize,
		TeamConcurrency: cfg.Queue.TeamConcurrency,
		PollInterval:    cfg.Queue.PollInterval,
	})

	logger.Info("shutting down orchestrator")
	return nil
}

type orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	queue  *queue.Queue
	rec    *reconciler.Reconciler
}

// handleJob processes one "messages" queue job: validate, route to an
// existing or new worker Deployment, then forward to that
// Deployment's thread queue. Returning an error here requeues the job
// for redelivery, up to its retry limit.
func (o *orchestrator) handleJob(ctx context.Context, job *queue.Job) error {
	var req domain.WorkerDeploymentRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		o.logger.Error("dropping malformed job, will not be retried", "job_id", job.ID, "error", err)
		return nil
	}
	if req.Platform == "" || req.ChannelID == "" || req.MessageID == "" || req.UserID == "" {
		o.logger.Error("dropping job with missing required fields, will not be retried", "job_id", job.ID)
		return nil
	}

	sessionKey := session.Key(req.Platform, "", req.ChannelID, req.PlatformUserID, req.ThreadID, req.MessageID)
	deploymentName := session.DeploymentName(sessionKey)

	existingThread := req.RoutingMetadata != nil && req.RoutingMetadata.TargetThreadID != ""

	if existingThread {
		if err := o.rec.ScaleDeployment(ctx, deploymentName, 1); err != nil {
			o.logger.Warn("scaling existing deployment failed, recreating", "deployment", deploymentName, "error", err)
			if _, createErr := o.rec.CreateWorkerDeployment(ctx, reconciler.CreateRequest{
				SessionKey:    sessionKey,
				UserID:        req.UserID,
				Namespace:     o.cfg.Cluster.Namespace,
				RepositoryURL: req.PlatformMetadata.RepositoryURL,
			}); createErr != nil {
				return fmt.Errorf("recreating orphaned deployment: %w", createErr)
			}
		}
	} else {
		if _, err := o.rec.CreateWorkerDeployment(ctx, reconciler.CreateRequest{
			SessionKey:    sessionKey,
			UserID:        req.UserID,
			Namespace:     o.cfg.Cluster.Namespace,
			RepositoryURL: req.PlatformMetadata.RepositoryURL,
		}); err != nil {
			return fmt.Errorf("creating worker deployment: %w", err)
		}
	}

	threadQueue := "thread_message_" + deploymentName
	if err := o.queue.CreateQueue(ctx, threadQueue); err != nil {
		return fmt.Errorf("creating thread queue: %w", err)
	}
	if _, err := o.queue.Send(ctx, threadQueue, req, queue.SendOptions{Priority: 10}); err != nil {
		return fmt.Errorf("sending to thread queue: %w", err)
	}

	o.logger.Info("routed worker deployment request", "session_key", sessionKey, "deployment", deploymentName, "existing_thread", existingThread)
	return nil
}

// runCleanupLoop drives the advisory orphan-recovery and idle-sweep
// passes; the cluster remains the source of truth regardless of what
// this loop observes.
func (o *orchestrator) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.rec.RunOrphanRecovery(ctx); err != nil {
				o.logger.Error("orphan recovery pass failed", "error", err)
			}
			if err := o.rec.RunIdleSweep(ctx); err != nil {
				o.logger.Error("idle sweep pass failed", "error", err)
			}
		}
	}
}
