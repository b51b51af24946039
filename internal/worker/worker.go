// Package worker implements the orchestration worker's dispatch loop: pop
// a message from the shared queue, route it to the orchestrator by type,
// and report the outcome over the status callback (spec §4.4, §6).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/orchestrator"
	"github.com/cuemby/platformcore/internal/queue"
	"github.com/cuemby/platformcore/internal/utils"
)

// retryDelay is how long the loop sleeps after a handler failure before
// popping again, giving transient API server errors room to clear (spec
// §4.4 "at-least-once": a failed message is not retried from a durable
// backlog, it is simply logged and the loop continues).
const retryDelay = time.Second

// StatusReport is the JSON body POSTed to the configured status callback URL.
type StatusReport struct {
	ServiceID string `json:"serviceId"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// Worker drains the work queue and applies each message via the orchestrator.
type Worker struct {
	Queue        *queue.Queue
	Orchestrator *orchestrator.Orchestrator
	KV           *kvstore.Store
	Log          utils.Logger

	StatusCallbackURL string
	HTTPClient        *http.Client

	AutoScalingEnabled       bool
	DefaultTargetCPUPercent  int32
	DefaultStartReplicas     int32
}

// New returns a Worker with a default HTTP client.
func New(q *queue.Queue, o *orchestrator.Orchestrator, kv *kvstore.Store, log utils.Logger, statusCallbackURL string) *Worker {
	return &Worker{
		Queue:                   q,
		Orchestrator:            o,
		KV:                      kv,
		Log:                     log,
		StatusCallbackURL:       statusCallbackURL,
		HTTPClient:              &http.Client{Timeout: 10 * time.Second},
		DefaultTargetCPUPercent: 70,
		DefaultStartReplicas:    1,
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.Queue.Pop(ctx)
		if err != nil {
			w.Log.Error(err, "popping work queue")
			sleep(ctx, retryDelay)
			continue
		}
		if env == nil {
			continue // 1s poll timeout, nothing queued
		}

		if err := w.dispatch(ctx, env); err != nil {
			w.Log.Error(err, "handling queue message", "type", env.Type)
			sleep(ctx, retryDelay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) dispatch(ctx context.Context, env *queue.Envelope) error {
	switch env.Type {
	case queue.TypeDeployService:
		return w.handleDeployService(ctx, env)
	case queue.TypeControlService:
		return w.handleControlService(ctx, env)
	case queue.TypeDeleteService:
		return w.handleDeleteService(ctx, env)
	case queue.TypeDeleteProject:
		return w.handleDeleteProject(ctx, env)
	case queue.TypeDeleteOrganization:
		return w.handleDeleteOrganization(ctx, env)
	default:
		w.Log.Info("skipping unknown message type", "type", env.Type)
		return nil
	}
}

func (w *Worker) handleDeployService(ctx context.Context, env *queue.Envelope) error {
	payload, err := env.DecodeDeployService()
	if err != nil {
		return err
	}

	outcome, applyErr := w.Orchestrator.DeployService(ctx, w.KV, *payload, w.AutoScalingEnabled, w.DefaultTargetCPUPercent)
	w.reportStatus(ctx, payload.ServiceID, outcome, applyErr)
	return nil
}

func (w *Worker) handleControlService(ctx context.Context, env *queue.Envelope) error {
	payload, err := env.DecodeControlService()
	if err != nil {
		return err
	}
	namespace := w.namespaceForService(ctx, payload.ProjectID)
	return w.Orchestrator.ControlService(ctx, w.KV, namespace, *payload, payload.ServiceID, payload.ServiceType, w.DefaultStartReplicas)
}

func (w *Worker) handleDeleteService(ctx context.Context, env *queue.Envelope) error {
	payload, err := env.DecodeDeleteService()
	if err != nil {
		return err
	}
	namespace := w.namespaceForService(ctx, payload.ProjectID)
	return w.Orchestrator.DeleteService(ctx, namespace, payload.ServiceID, payload.ServiceType)
}

func (w *Worker) handleDeleteProject(ctx context.Context, env *queue.Envelope) error {
	payload, err := env.DecodeDeleteProject()
	if err != nil {
		return err
	}
	namespace := w.namespaceForService(ctx, payload.ProjectID)
	return w.Orchestrator.DeleteProject(ctx, namespace)
}

func (w *Worker) handleDeleteOrganization(ctx context.Context, env *queue.Envelope) error {
	payload, err := env.DecodeDeleteOrganization()
	if err != nil {
		return err
	}
	return w.Orchestrator.DeleteOrganization(ctx, payload.OrganizationID, payload.ProjectIDs)
}

// namespaceForService resolves a project's namespace. The organization
// component of the namespace name is not carried on delete/control
// messages (spec §6 schema), so it is looked up by scanning namespaces
// labeled with the project; callers that already hold the organization
// ID (deploy-service) build the name directly instead of calling this.
func (w *Worker) namespaceForService(ctx context.Context, projectID string) string {
	ns, err := w.Orchestrator.FindProjectNamespace(ctx, projectID)
	if err != nil {
		w.Log.Error(err, "resolving project namespace", "project", projectID)
	}
	if ns == "" {
		// Fall back to the label key alone; most clusters scope one
		// organization per control plane, making the project ID unique.
		return labels.Project + "-" + projectID
	}
	return ns
}

func (w *Worker) reportStatus(ctx context.Context, serviceID string, outcome orchestrator.Outcome, applyErr error) {
	if w.StatusCallbackURL == "" {
		return
	}
	report := StatusReport{ServiceID: serviceID, Outcome: string(outcome)}
	if applyErr != nil {
		report.Error = applyErr.Error()
	}
	body, err := json.Marshal(report)
	if err != nil {
		w.Log.Error(err, "encoding status report")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.StatusCallbackURL, bytes.NewReader(body))
	if err != nil {
		w.Log.Error(err, "building status callback request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		w.Log.Error(err, "posting status callback", "service", serviceID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.Log.Error(fmt.Errorf("status callback returned %d", resp.StatusCode), "status callback rejected", "service", serviceID)
	}
}
