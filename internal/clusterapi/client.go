package clusterapi

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/2389/coven-gateway/internal/domain"
)

const (
	labelApp        = "app"
	labelComponent  = "component"
	labelManagedBy  = "managed-by"
	labelSessionKey = "session-key"
	labelUserID     = "user-id"
	annoSessionKey  = "session-key"
	annoCreatedAt   = "created-at"
)

// Client is the real DeploymentClient + SecretClient, backed by
// k8s.io/client-go.
type Client struct {
	clientset *kubernetes.Clientset
	namespace string
	image     string
}

// NewClient builds a Client from in-cluster config, the standard way
// a workload running inside the cluster it manages authenticates.
func NewClient(namespace, image string) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("loading in-cluster config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building clientset: %w", err)
	}
	return &Client{clientset: cs, namespace: namespace, image: image}, nil
}

var _ DeploymentClient = (*Client)(nil)
var _ SecretClient = (*Client)(nil)

func sessionSelector(safeName string) string {
	return fmt.Sprintf("%s=worker,%s=%s", labelApp, labelSessionKey, safeName)
}

func componentSelector() string {
	return fmt.Sprintf("%s=worker,%s=orchestrator", labelApp, labelManagedBy)
}

// Create constructs the Deployment manifest from essential
// fields and creates it.
func (c *Client) Create(ctx context.Context, spec DeploymentSpec) error {
	replicas := spec.Replicas
	labels := map[string]string{
		labelApp:        "worker",
		labelSessionKey: spec.SafeName,
		labelUserID:     spec.UserID,
		labelComponent:  "worker",
		labelManagedBy:  "orchestrator",
	}
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	if spec.SecretEnvFrom != "" {
		env = append(env, corev1.EnvVar{
			Name: "DATABASE_URL",
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: spec.SecretEnvFrom},
					Key:                  "DATABASE_URL",
				},
			},
		})
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annoSessionKey: spec.SessionKey,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: spec.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  "worker",
						Image: c.image,
						Env:   env,
						LivenessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{Path: "/health"}},
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{Path: "/ready"}},
						},
						VolumeMounts: []corev1.VolumeMount{{Name: "workspace", MountPath: "/workspace"}},
					}},
					Volumes: []corev1.Volume{{
						Name:         "workspace",
						VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
					}},
				},
			},
		},
	}

	_, err := c.clientset.AppsV1().Deployments(spec.Namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return &ErrConflict{Kind: "Deployment", Name: spec.Name}
	}
	if err != nil {
		return fmt.Errorf("creating deployment: %w", err)
	}
	return nil
}

func toStatus(d *appsv1.Deployment) *DeploymentStatus {
	progressingFalse := false
	progressing := false
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing {
			progressing = true
			if cond.Status == corev1.ConditionFalse {
				progressingFalse = true
			}
		}
	}
	replicas := int32(0)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	return &DeploymentStatus{
		Name:             d.Name,
		SessionKey:       d.Annotations[annoSessionKey],
		ReadyReplicas:    d.Status.ReadyReplicas,
		Replicas:         replicas,
		Progressing:      progressing,
		ProgressingFalse: progressingFalse,
		CreatedAt:        d.CreationTimestamp.Time,
	}
}

func (c *Client) Get(ctx context.Context, name string) (*DeploymentStatus, error) {
	d, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, &ErrNotFound{Kind: "Deployment", Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("getting deployment: %w", err)
	}
	return toStatus(d), nil
}

func (c *Client) ListBySessionLabel(ctx context.Context) ([]*DeploymentStatus, error) {
	list, err := c.clientset.AppsV1().Deployments(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: componentSelector()})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	out := make([]*DeploymentStatus, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, toStatus(&list.Items[i]))
	}
	return out, nil
}

func (c *Client) Scale(ctx context.Context, name string, replicas int32) error {
	scale, err := c.clientset.AppsV1().Deployments(c.namespace).GetScale(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &ErrNotFound{Kind: "Deployment", Name: name}
	}
	if err != nil {
		return fmt.Errorf("reading scale: %w", err)
	}
	if scale.Spec.Replicas == replicas {
		return nil
	}
	scale.Spec.Replicas = replicas
	_, err = c.clientset.AppsV1().Deployments(c.namespace).UpdateScale(ctx, name, scale, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return &ErrConflict{Kind: "Deployment", Name: name}
	}
	if err != nil {
		return fmt.Errorf("updating scale: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting deployment: %w", err)
	}
	return nil
}

func (c *Client) ReadConnectionSecret(ctx context.Context, name string) (*domain.UserCredentials, bool, error) {
	s, err := c.clientset.CoreV1().Secrets(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting secret: %w", err)
	}
	return &domain.UserCredentials{
		DBRole:     string(s.Data["DB_USERNAME"]),
		Password:   string(s.Data["DB_PASSWORD"]),
		SecretName: name,
		CreatedAt:  s.CreationTimestamp.Time,
	}, true, nil
}

func (c *Client) WriteConnectionSecret(ctx context.Context, name, dbRole, password string) error {
	dsn := fmt.Sprintf("postgres://%s:%s@postgres/app", dbRole, password)
	data := map[string][]byte{
		"DATABASE_URL": []byte(dsn),
		"DB_USERNAME":  []byte(dbRole),
		"DB_PASSWORD":  []byte(password),
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
		Data:       data,
	}
	_, err := c.clientset.CoreV1().Secrets(c.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := c.clientset.CoreV1().Secrets(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if getErr != nil {
			return fmt.Errorf("reading existing secret to patch: %w", getErr)
		}
		existing.Data = data
		_, err = c.clientset.CoreV1().Secrets(c.namespace).Update(ctx, existing, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	return nil
}

func (c *Client) DeleteConnectionSecret(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Secrets(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return nil
}

// CachePassword/ReadCachedPassword/ForgetCachedPassword give the real
// client the same process-local plaintext cache the fake uses, via
// the package-level passwordCache, so credentials.Manager's interface is satisfied
// without a second round trip to the cluster on every call.
func (c *Client) CachePassword(userID, password string)      { passwordCache.set(userID, password) }
func (c *Client) ReadCachedPassword(userID string) (string, bool) { return passwordCache.get(userID) }
func (c *Client) ForgetCachedPassword(userID string)          { passwordCache.delete(userID) }
