// Package crashloop periodically scans pods for crash-looping or
// unpullable images, scales the offending deployment to zero, and marks
// it inactive and crash-looping in the KV cache so the gateways stop
// attempting to wake it (spec §4.6).
package crashloop

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/orchestrator"
	"github.com/cuemby/platformcore/internal/utils"
)

// restartThreshold is the minimum observed restart count before a
// CrashLoopBackOff waiting reason is treated as a genuine crash loop
// rather than a single transient restart.
const restartThreshold = 3

var imagePullReasons = map[string]bool{
	"ImagePullBackOff":  true,
	"InvalidImageName":  true,
	"ErrImagePull":      true,
}

// Sweeper periodically lists managed pods and reacts to crash-looping ones.
type Sweeper struct {
	Log          utils.Logger
	Client       client.Client
	KV           *kvstore.Store
	Orchestrator *orchestrator.Orchestrator
	Interval     time.Duration
}

// New returns a Sweeper with the given scan interval.
func New(log utils.Logger, c client.Client, kv *kvstore.Store, orch *orchestrator.Orchestrator, interval time.Duration) *Sweeper {
	return &Sweeper{Log: log, Client: c, KV: kv, Orchestrator: orch, Interval: interval}
}

// Run scans on a cron schedule of Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.Interval), func() { s.scan(ctx) }); err != nil {
		s.Log.Error(err, "scheduling crashloop scan", "interval", s.Interval.String())
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Sweeper) scan(ctx context.Context) {
	var pods corev1.PodList
	if err := s.Client.List(ctx, &pods, client.MatchingLabels{labels.ManagedBy: labels.ManagedByValue}); err != nil {
		s.Log.Error(err, "listing managed pods")
		return
	}

	seen := map[string]bool{}
	for _, pod := range pods.Items {
		serviceID := pod.Labels[labels.Service]
		if serviceID == "" {
			continue
		}
		key := pod.Namespace + "/" + serviceID
		if seen[key] {
			continue
		}
		if reason, looping := crashingReason(&pod); looping {
			seen[key] = true
			s.handleCrashing(ctx, pod.Namespace, serviceID, pod.Labels[labels.Type], reason)
		}
	}
}

// crashingReason inspects a pod's container statuses for a waiting
// reason that indicates it will never recover without intervention.
func crashingReason(pod *corev1.Pod) (string, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting == nil {
			continue
		}
		reason := cs.State.Waiting.Reason
		if reason == "CrashLoopBackOff" && cs.RestartCount >= restartThreshold {
			return reason, true
		}
		if imagePullReasons[reason] {
			return reason, true
		}
	}
	return "", false
}

func (s *Sweeper) handleCrashing(ctx context.Context, namespace, serviceID, serviceType, reason string) {
	deploymentName := labels.DeploymentName(serviceID)

	looping, err := s.KV.CrashLooping(ctx, namespace, deploymentName)
	if err != nil {
		s.Log.Error(err, "checking crashloop flag", "namespace", namespace, "service", serviceID)
	}
	if looping {
		return // already handled this episode
	}

	s.Log.Info("service crash-looping, scaling to zero", "namespace", namespace, "service", serviceID, "reason", reason)

	if err := s.Orchestrator.ScaleTo(ctx, namespace, deploymentName, 0); err != nil {
		s.Log.Error(err, "scaling crash-looping service to zero", "namespace", namespace, "service", serviceID)
		return
	}
	if err := s.KV.SetActive(ctx, namespace, deploymentName, false); err != nil {
		s.Log.Error(err, "clearing active flag for crash-looping service")
	}
	if err := s.KV.SetCrashLoop(ctx, namespace, deploymentName); err != nil {
		s.Log.Error(err, "setting crashloop flag")
	}
}
