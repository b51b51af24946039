// Package orchestrator synthesizes and reconciles the Kubernetes objects
// backing a platform service (spec §4.4): namespaces, deployments,
// services, secrets, config maps, persistent volume claims, and horizontal
// autoscalers. It also implements the scale operations shared with the web
// gateway's wake-up protocol (spec §4.1) and the idle scaler (spec §4.5).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/utils"
)

// Orchestrator wraps a controller-runtime client with the idempotent
// create-or-update semantics spec.md's worker requires.
type Orchestrator struct {
	Client client.Client
	Log    utils.Logger
}

// New returns an Orchestrator bound to the given client.
func New(c client.Client, log utils.Logger) *Orchestrator {
	return &Orchestrator{Client: c, Log: log}
}

// CreateOrUpdate is the teacher's idempotent apply primitive, reused
// unchanged: it preserves metadata from whatever object already exists and
// overwrites only spec/data/stringData with the desired state.
func (o *Orchestrator) CreateOrUpdate(ctx context.Context, desired client.Object) error {
	return utils.CreateOrUpdate(ctx, o.Client, desired)
}

// GetDeployment fetches a deployment, returning (nil, nil) if it does not exist.
func (o *Orchestrator) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	dep := &appsv1.Deployment{}
	err := o.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, dep)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting deployment %s/%s: %w", namespace, name, err)
	}
	return dep, nil
}

// ScaleTo patches a deployment's replica count if it differs from the target.
func (o *Orchestrator) ScaleTo(ctx context.Context, namespace, name string, replicas int32) error {
	dep, err := o.GetDeployment(ctx, namespace, name)
	if err != nil {
		return err
	}
	if dep == nil {
		return fmt.Errorf("deployment %s/%s not found", namespace, name)
	}
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == replicas {
		return nil
	}
	dep.Spec.Replicas = utils.Int32Ptr(replicas)
	if err := o.Client.Update(ctx, dep); err != nil {
		return fmt.Errorf("scaling deployment %s/%s to %d: %w", namespace, name, replicas, err)
	}
	o.Log.Info("scaled deployment", "namespace", namespace, "name", name, "replicas", replicas)
	return nil
}

// IsReady reports whether a deployment meets spec.md's readiness bar:
// readyReplicas, updatedReplicas, and availableReplicas all at or above
// the desired replica count.
func IsReady(dep *appsv1.Deployment) bool {
	if dep == nil || dep.Spec.Replicas == nil {
		return false
	}
	want := *dep.Spec.Replicas
	return dep.Status.ReadyReplicas >= want &&
		dep.Status.UpdatedReplicas >= want &&
		dep.Status.AvailableReplicas >= want
}

// ProgressDeadlineExceeded reports whether the deployment's Progressing
// condition carries the ProgressDeadlineExceeded reason.
func ProgressDeadlineExceeded(dep *appsv1.Deployment) bool {
	for _, c := range dep.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Reason == "ProgressDeadlineExceeded" {
			return true
		}
	}
	return false
}

// WaitReady polls a deployment every interval up to timeout, returning nil
// once it is ready, an error on ProgressDeadlineExceeded, or a timeout error.
func (o *Orchestrator) WaitReady(ctx context.Context, namespace, name string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		dep, err := o.GetDeployment(ctx, namespace, name)
		if err != nil {
			return err
		}
		if dep != nil {
			if ProgressDeadlineExceeded(dep) {
				return fmt.Errorf("deployment %s/%s exceeded its progress deadline", namespace, name)
			}
			if IsReady(dep) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for deployment %s/%s to become ready", namespace, name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EnsureNamespace creates the project namespace with platform labels if absent.
func (o *Orchestrator) EnsureNamespace(ctx context.Context, name string, nsLabels map[string]string) error {
	ns := &corev1.Namespace{}
	err := o.Client.Get(ctx, types.NamespacedName{Name: name}, ns)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return fmt.Errorf("getting namespace %s: %w", name, err)
	}
	ns = &corev1.Namespace{
		ObjectMeta: metaObject(name, "", nsLabels),
	}
	if err := o.Client.Create(ctx, ns); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	return nil
}

// FindProjectNamespace looks up the namespace labeled with the given
// project ID. Delete and control messages carry only the project ID, not
// the organization ID the namespace name is built from (spec §6 schema),
// so the worker resolves it by label instead of constructing the name.
func (o *Orchestrator) FindProjectNamespace(ctx context.Context, projectID string) (string, error) {
	var list corev1.NamespaceList
	if err := o.Client.List(ctx, &list, client.MatchingLabels{labels.Project: projectID}); err != nil {
		return "", fmt.Errorf("listing namespaces for project %s: %w", projectID, err)
	}
	if len(list.Items) == 0 {
		return "", nil
	}
	return list.Items[0].Name, nil
}
