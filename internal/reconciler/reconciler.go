// ABOUTME: Deployment Reconciler: create/scale/delete per-thread worker Deployments.
// ABOUTME: Monitors readiness, recovers orphans, and scales idle deployments to zero.

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/credentials"
	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/session"
	"github.com/2389/coven-gateway/internal/store"
)

const (
	monitorPollInterval = 10 * time.Second
	monitorCeiling       = 10 * time.Minute
	defaultRecoveryInterval = 5 * time.Minute
	defaultMaxAgeMinutes    = 60
	defaultIdleMinutes      = 5
)

// CreateRequest is what the Orchestrator passes to create/ensure a
// worker Deployment for a session.
type CreateRequest struct {
	SessionKey    string
	UserID        string
	Namespace     string
	RepositoryURL string
}

// Reconciler owns the per-session state machine.
type Reconciler struct {
	cluster     clusterapi.DeploymentClient
	credentials *credentials.Manager
	store       store.Store
	logger      *slog.Logger

	recoveryInterval time.Duration
	maxAge           time.Duration
	idleTimeout      time.Duration

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
}

// New constructs a Reconciler with default timing.
func New(cluster clusterapi.DeploymentClient, creds *credentials.Manager, st store.Store) *Reconciler {
	return &Reconciler{
		cluster:          cluster,
		credentials:      creds,
		store:            st,
		logger:           slog.Default().With("component", "reconciler"),
		recoveryInterval: defaultRecoveryInterval,
		maxAge:           defaultMaxAgeMinutes * time.Minute,
		idleTimeout:      defaultIdleMinutes * time.Minute,
		monitors:         make(map[string]context.CancelFunc),
	}
}

// CreateWorkerDeployment looks up an existing Deployment for the
// session by its deterministic name before creating a new one,
// ensuring credentials as a side effect.
func (r *Reconciler) CreateWorkerDeployment(ctx context.Context, req CreateRequest) (string, error) {
	name := session.DeploymentName(req.SessionKey)
	safeName := session.SafeName(req.SessionKey)

	if _, err := r.cluster.Get(ctx, name); err == nil {
		r.logger.Info("deployment already exists, reusing", "name", name, "session_key", req.SessionKey)
		r.startMonitor(name, req.SessionKey)
		return name, nil
	}

	creds, err := r.credentials.EnsureUserCredentials(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("ensuring credentials: %w", err)
	}

	spec := clusterapi.DeploymentSpec{
		Name:           name,
		Namespace:      req.Namespace,
		SessionKey:     req.SessionKey,
		SafeName:       safeName,
		UserID:         req.UserID,
		Replicas:       1,
		ServiceAccount: "worker",
		SecretEnvFrom:  creds.SecretName,
		Env: map[string]string{
			"SESSION_KEY":          req.SessionKey,
			"USER_ID":              req.UserID,
			"DEPLOYMENT_NAME":      name,
			"REPOSITORY_URL":       req.RepositoryURL,
			"EXIT_ON_IDLE_MINUTES": "10",
		},
	}

	if err := r.cluster.Create(ctx, spec); err != nil {
		var conflict *clusterapi.ErrConflict
		if errors.As(err, &conflict) {
			r.logger.Info("lost the create race, re-reading winner", "name", name)
			return name, nil
		}
		return "", fmt.Errorf("creating deployment: %w", err)
	}

	now := time.Now().UTC()
	if err := r.store.UpsertDeploymentCache(ctx, &domain.WorkerDeployment{
		Name: name, SessionKey: req.SessionKey, UserID: req.UserID,
		Phase: domain.PhaseCreating, CreatedAt: now, LastActivity: now,
	}); err != nil {
		r.logger.Warn("caching deployment failed", "error", err)
	}

	r.startMonitor(name, req.SessionKey)
	return name, nil
}

// ScaleDeployment patches spec.replicas, a no-op if already at target.
func (r *Reconciler) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	status, err := r.cluster.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("reading deployment before scale: %w", err)
	}
	if status.Replicas == replicas {
		return nil
	}
	if err := r.cluster.Scale(ctx, name, replicas); err != nil {
		return fmt.Errorf("scaling deployment: %w", err)
	}
	if replicas > 0 {
		r.touchActivity(ctx, status.SessionKey)
	}
	return nil
}

// DeleteDeployment deletes with background propagation (handled by
// clusterapi.Client.Delete).
func (r *Reconciler) DeleteDeployment(ctx context.Context, name string) error {
	return r.cluster.Delete(ctx, name)
}

// touchActivity records that a message was just routed to a
// deployment, which the idle-timeout sweep consults.
func (r *Reconciler) touchActivity(ctx context.Context, sessionKey string) {
	cached, err := r.store.GetDeploymentCache(ctx, sessionKey)
	if err != nil {
		return
	}
	cached.LastActivity = time.Now().UTC()
	cached.Phase = domain.PhaseServing
	_ = r.store.UpsertDeploymentCache(ctx, cached)
}

// startMonitor polls Deployment status every 10s up to a 10-minute
// ceiling, transitioning the cached phase to ready or failed.
func (r *Reconciler) startMonitor(name, sessionKey string) {
	r.mu.Lock()
	if _, exists := r.monitors[name]; exists {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), monitorCeiling)
	r.monitors[name] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.monitors, name)
			r.mu.Unlock()
			cancel()
		}()

		ticker := time.NewTicker(monitorPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Warn("monitor ceiling reached without readiness", "name", name)
				return
			case <-ticker.C:
				status, err := r.cluster.Get(ctx, name)
				if err != nil {
					r.logger.Warn("monitor get failed", "name", name, "error", err)
					continue
				}
				if status.ProgressingFalse {
					r.markPhase(ctx, sessionKey, domain.PhaseFailed)
					return
				}
				if status.ReadyReplicas > 0 {
					r.markPhase(ctx, sessionKey, domain.PhaseReady)
					return
				}
			}
		}
	}()
}

func (r *Reconciler) markPhase(ctx context.Context, sessionKey string, phase domain.DeploymentPhase) {
	cached, err := r.store.GetDeploymentCache(ctx, sessionKey)
	if err != nil {
		return
	}
	cached.Phase = phase
	cached.LastActivity = time.Now().UTC()
	if err := r.store.UpsertDeploymentCache(ctx, cached); err != nil {
		r.logger.Warn("updating deployment phase failed", "error", err)
	}
}

// RunOrphanRecovery lists deployments matching the component labels
// and classifies/recovers orphans. Intended to run on a ticker owned
// by the caller.
func (r *Reconciler) RunOrphanRecovery(ctx context.Context) error {
	deployments, err := r.cluster.ListBySessionLabel(ctx)
	if err != nil {
		return fmt.Errorf("listing deployments for orphan recovery: %w", err)
	}

	for _, d := range deployments {
		age := time.Since(d.CreatedAt)
		orphan := false
		switch {
		case d.ReadyReplicas == 0 && age > r.maxAge:
			orphan = true
		case d.ProgressingFalse:
			orphan = true
		case d.ReadyReplicas == 0 && age > 5*time.Minute && r.sessionTrackedActive(ctx, d.SessionKey):
			orphan = true
		}
		if !orphan {
			continue
		}
		r.logger.Warn("recovering orphaned deployment", "name", d.Name, "age", age)
		if err := r.recoverOne(ctx, d.Name); err != nil {
			r.logger.Error("orphan recovery failed", "name", d.Name, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) sessionTrackedActive(ctx context.Context, sessionKey string) bool {
	cached, err := r.store.GetDeploymentCache(ctx, sessionKey)
	if err != nil {
		return false
	}
	return cached.Phase != domain.PhaseAbsent && cached.Phase != domain.PhaseDeleting
}

func (r *Reconciler) recoverOne(ctx context.Context, name string) error {
	if err := r.cluster.Scale(ctx, name, 0); err != nil {
		return fmt.Errorf("scale to 0: %w", err)
	}
	time.Sleep(5 * time.Second)
	if err := r.cluster.Scale(ctx, name, 1); err != nil {
		return fmt.Errorf("scale to 1: %w", err)
	}
	status, err := r.cluster.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("re-reading after recovery scale: %w", err)
	}
	if status.ReadyReplicas == 0 {
		r.logger.Error("recovery failed, deleting deployment", "name", name)
		return r.cluster.Delete(ctx, name)
	}
	return nil
}

// RunIdleSweep scales deployments whose LastActivity exceeds
// idleMinutes to 0. Intended to run on a ticker owned by the caller.
func (r *Reconciler) RunIdleSweep(ctx context.Context) error {
	active, err := r.store.ListActiveDeploymentCache(ctx)
	if err != nil {
		return fmt.Errorf("listing active deployments: %w", err)
	}
	for _, d := range active {
		if d.Phase != domain.PhaseReady && d.Phase != domain.PhaseServing {
			continue
		}
		if time.Since(d.LastActivity) < r.idleTimeout {
			continue
		}
		r.logger.Info("scaling idle deployment to 0", "name", d.Name, "session_key", d.SessionKey)
		if err := r.cluster.Scale(ctx, d.Name, 0); err != nil {
			r.logger.Error("idle scale-down failed", "name", d.Name, "error", err)
			continue
		}
		d.Phase = domain.PhaseScaledDown
		if err := r.store.UpsertDeploymentCache(ctx, d); err != nil {
			r.logger.Warn("updating scaled-down phase failed", "error", err)
		}
	}
	return nil
}
