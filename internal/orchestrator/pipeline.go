package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/queue"
)

// Outcome is the terminal status the worker reports via the status
// callback after processing a deploy-service message (spec §4.4, §6).
type Outcome string

const (
	OutcomeDeployed Outcome = "DEPLOYED"
	OutcomeFailed   Outcome = "FAILED"
)

// readyTimeout and readyInterval bound the deploy-service pipeline's
// post-apply wait (spec §4.4 step 6: "up to two minutes, polling every two
// seconds").
const (
	readyTimeout  = 2 * time.Minute
	readyInterval = 2 * time.Second
)

// DeployService runs the seven-step apply pipeline for a service in strict
// order (spec §4.4): ensure namespace, ensure storage (monotone growth
// only), apply the deployment, apply the service, reconcile the
// autoscaler, wait for readiness, then report the outcome and mirror it
// into the KV cache.
func (o *Orchestrator) DeployService(ctx context.Context, kv *kvstore.Store, spec queue.DeployServicePayload, autoScalingEnabled bool, targetCPU int32) (Outcome, error) {
	namespace := projectNamespace(spec.OrganizationID, spec.ProjectID)
	deploymentName := labels.DeploymentName(spec.ServiceID)

	if err := o.EnsureNamespace(ctx, namespace, labels.NamespaceLabels(spec.OrganizationID, spec.ProjectID)); err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}

	if spec.DiskSize != "" {
		if err := o.ensureStorage(ctx, namespace, spec); err != nil {
			return o.fail(ctx, kv, namespace, deploymentName, err)
		}
	}

	if spec.PullSecret != nil {
		if err := o.applyPullSecret(ctx, namespace, spec); err != nil {
			return o.fail(ctx, kv, namespace, deploymentName, err)
		}
	}

	if err := o.CreateOrUpdate(ctx, BuildEnvSecret(namespace, spec)); err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}

	if cm := BuildEngineConfigMap(namespace, spec); cm != nil {
		if err := o.CreateOrUpdate(ctx, cm); err != nil {
			return o.fail(ctx, kv, namespace, deploymentName, err)
		}
	}

	existing, err := o.GetDeployment(ctx, namespace, deploymentName)
	if err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}
	desired := BuildDeployment(namespace, spec)
	if existing != nil && ProgressDeadlineExceeded(existing) {
		// A stuck rollout needs a fresh pod template to make progress;
		// the teacher's controller restarts by bumping an annotation.
		if desired.Spec.Template.ObjectMeta.Annotations == nil {
			desired.Spec.Template.ObjectMeta.Annotations = map[string]string{}
		}
		desired.Spec.Template.ObjectMeta.Annotations["platformcore.io/restartedAt"] = time.Now().Format(time.RFC3339)
	}
	if err := o.CreateOrUpdate(ctx, desired); err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}

	if err := o.CreateOrUpdate(ctx, BuildService(namespace, spec)); err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}

	if err := o.reconcileAutoscaler(ctx, namespace, spec, autoScalingEnabled, spec.MaxReplicas, targetCPU); err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}

	if err := o.WaitReady(ctx, namespace, deploymentName, readyTimeout, readyInterval); err != nil {
		return o.fail(ctx, kv, namespace, deploymentName, err)
	}

	if err := kv.SetActive(ctx, namespace, deploymentName, true); err != nil {
		o.Log.Error(err, "caching active flag after deploy", "namespace", namespace, "deployment", deploymentName)
	}
	if err := kv.ClearCrashLoop(ctx, namespace, deploymentName); err != nil {
		o.Log.Error(err, "clearing crashloop flag after deploy", "namespace", namespace, "deployment", deploymentName)
	}
	return OutcomeDeployed, nil
}

func (o *Orchestrator) fail(ctx context.Context, kv *kvstore.Store, namespace, deploymentName string, cause error) (Outcome, error) {
	if err := kv.SetActive(ctx, namespace, deploymentName, false); err != nil {
		o.Log.Error(err, "caching inactive flag after failed deploy", "namespace", namespace, "deployment", deploymentName)
	}
	o.Log.Error(cause, "deploy-service failed", "namespace", namespace, "deployment", deploymentName)
	return OutcomeFailed, cause
}

// ensureStorage applies the PVC, enforcing monotone growth: a request to
// shrink an existing claim is rejected rather than silently ignored or
// applied, since Kubernetes itself forbids shrinking bound claims.
func (o *Orchestrator) ensureStorage(ctx context.Context, namespace string, spec queue.DeployServicePayload) error {
	desired := BuildClaim(namespace, spec)
	existing := &corev1.PersistentVolumeClaim{}
	err := o.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: desired.Name}, existing)
	if errors.IsNotFound(err) {
		return o.Client.Create(ctx, desired)
	}
	if err != nil {
		return fmt.Errorf("getting claim %s/%s: %w", namespace, desired.Name, err)
	}

	wantSize := desired.Spec.Resources.Requests[corev1.ResourceStorage]
	haveSize := existing.Spec.Resources.Requests[corev1.ResourceStorage]
	if wantSize.Cmp(haveSize) < 0 {
		return fmt.Errorf("refusing to shrink claim %s/%s from %s to %s", namespace, desired.Name, haveSize.String(), wantSize.String())
	}
	if wantSize.Cmp(haveSize) == 0 {
		return nil
	}
	existing.Spec.Resources.Requests[corev1.ResourceStorage] = wantSize
	return o.Client.Update(ctx, existing)
}

// reconcileAutoscaler creates, updates, or deletes the HPA according to
// spec §4.4 step 5: present only when autoscaling is enabled and fully
// specified.
func (o *Orchestrator) reconcileAutoscaler(ctx context.Context, namespace string, spec queue.DeployServicePayload, autoScalingEnabled bool, maxReplicas, targetCPU int32) error {
	hpa := BuildAutoscaler(namespace, spec, autoScalingEnabled, maxReplicas, targetCPU)
	name := labels.AutoscalerName(spec.ServiceID)
	if hpa == nil {
		return o.deleteIfExists(ctx, namespace, name, &autoscalingv2.HorizontalPodAutoscaler{})
	}
	return o.CreateOrUpdate(ctx, hpa)
}

// applyPullSecret synthesizes the registry credential secret from the
// payload's plain username/password pair, encoded into a .dockerconfigjson
// payload. The host is the payload's registry if set, otherwise derived
// from the image reference (bare names map to the public hub). No
// cloud-registry token exchange is made; the credential is used as given.
func (o *Orchestrator) applyPullSecret(ctx context.Context, namespace string, spec queue.DeployServicePayload) error {
	host := dockerConfigHost(spec.Image)
	auth := base64.StdEncoding.EncodeToString([]byte(spec.PullSecret.Username + ":" + spec.PullSecret.Password))
	if spec.PullSecret.Registry != "" {
		host = spec.PullSecret.Registry
	}
	cfg := map[string]any{
		"auths": map[string]any{
			host: map[string]string{
				"username": spec.PullSecret.Username,
				"password": spec.PullSecret.Password,
				"auth":     auth,
			},
		},
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding pull secret: %w", err)
	}
	return o.CreateOrUpdate(ctx, BuildPullSecret(namespace, spec, body))
}

// ControlService starts or stops a service by patching its replica count,
// mirroring the result in the KV cache (spec §4.4: web-type services also
// get their cached active flag updated so the gateway stops waking them).
func (o *Orchestrator) ControlService(ctx context.Context, kv *kvstore.Store, namespace string, payload queue.ControlServicePayload, serviceID, serviceType string, defaultReplicas int32) error {
	deploymentName := labels.DeploymentName(serviceID)
	var replicas int32
	var active bool
	switch payload.Action {
	case "start":
		replicas, active = defaultReplicas, true
	case "stop":
		replicas, active = 0, false
	default:
		return fmt.Errorf("unknown control action %q", payload.Action)
	}
	if replicas <= 0 && active {
		replicas = 1
	}
	if err := o.ScaleTo(ctx, namespace, deploymentName, replicas); err != nil {
		return err
	}
	if serviceType != labels.TypeWeb {
		return nil
	}
	return kv.SetActive(ctx, namespace, deploymentName, active)
}

// DeleteService best-effort deletes every object a deploy-service call can
// create. The database gateway's routing table evicts a Service's
// usernames on its own delete event, reading them from its stored entry
// before removing that entry (decided Open Question, spec §9), so no
// pre-read is needed here.
func (o *Orchestrator) DeleteService(ctx context.Context, namespace, serviceID, serviceType string) error {
	svcName := labels.ServiceName(serviceID)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(o.deleteIfExists(ctx, namespace, labels.DeploymentName(serviceID), &appsv1.Deployment{}))
	record(o.deleteIfExists(ctx, namespace, svcName, &corev1.Service{}))
	record(o.deleteIfExists(ctx, namespace, labels.AutoscalerName(serviceID), &autoscalingv2.HorizontalPodAutoscaler{}))
	record(o.deleteIfExists(ctx, namespace, labels.ClaimName(serviceID), &corev1.PersistentVolumeClaim{}))
	record(o.deleteIfExists(ctx, namespace, labels.PullSecretName(serviceID), &corev1.Secret{}))
	record(o.deleteIfExists(ctx, namespace, labels.EnvSecretName(serviceID), &corev1.Secret{}))
	if serviceType != "" {
		record(o.deleteIfExists(ctx, namespace, labels.ConfigMapName(serviceID, serviceType), &corev1.ConfigMap{}))
	}
	return firstErr
}

// DeleteProject removes the project namespace, which cascades deletion of
// every object inside it. A namespace that does not exist is treated as
// already deleted; no per-service fallback deletion is made.
func (o *Orchestrator) DeleteProject(ctx context.Context, namespace string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
	if err := o.Client.Delete(ctx, ns); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}
	return nil
}

// DeleteOrganization deletes the namespace of each listed project of the
// organization, as named by projectNamespace. Namespaces are not looked up
// by the organization label, and no separate autoscaler sweep is made.
func (o *Orchestrator) DeleteOrganization(ctx context.Context, organizationID string, projectIDs []string) error {
	var firstErr error
	for _, projectID := range projectIDs {
		if err := o.DeleteProject(ctx, projectNamespace(organizationID, projectID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func projectNamespace(organizationID, projectID string) string {
	return fmt.Sprintf("org-%s-project-%s", organizationID, projectID)
}

func (o *Orchestrator) deleteIfExists(ctx context.Context, namespace, name string, obj client.Object) error {
	obj.SetNamespace(namespace)
	obj.SetName(name)
	if err := o.Client.Delete(ctx, obj); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("deleting %T %s/%s: %w", obj, namespace, name, err)
	}
	return nil
}
