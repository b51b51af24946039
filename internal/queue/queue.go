// Package queue implements the Redis list-based work queue the
// orchestration worker consumes (spec §4.4, §6): a blocking pop with a 1s
// timeout, JSON messages tagged with a `type` discriminant.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message type discriminants (spec §6 work-queue message schema).
const (
	TypeDeployService       = "deploy-service"
	TypeDeleteService       = "delete-service"
	TypeDeleteProject       = "delete-project"
	TypeDeleteOrganization  = "delete-organization"
	TypeControlService      = "control-service"
)

// Envelope is the tagged-union wrapper every queue message arrives in.
// Handlers re-unmarshal RawPayload into the concrete struct for their type.
type Envelope struct {
	Type       string          `json:"type"`
	RawPayload json.RawMessage `json:"payload"`
}

// DeployServicePayload carries everything the orchestrator needs to
// synthesize or update a service's Kubernetes objects.
type DeployServicePayload struct {
	OrganizationID string            `json:"organizationId"`
	ProjectID      string            `json:"projectId"`
	ServiceID      string            `json:"serviceId"`
	ServiceType    string            `json:"serviceType"`
	Image          string            `json:"image"`
	Env            map[string]string `json:"env"`
	Domains        []string          `json:"domains"`
	Usernames      []string          `json:"usernames"`
	Replicas       int32             `json:"replicas"`
	CPURequest     string            `json:"cpuRequest"`
	CPULimit       string            `json:"cpuLimit"`
	MemoryRequest  string            `json:"memoryRequest"`
	MemoryLimit    string            `json:"memoryLimit"`
	DiskSize       string            `json:"diskSize"`
	MinReplicas    int32             `json:"minReplicas"`
	MaxReplicas    int32             `json:"maxReplicas"`
	ScaleToZero    bool              `json:"scaleToZero"`
	PullSecret     *PullCredentials  `json:"pullSecret,omitempty"`
}

// PullCredentials describes a private container registry credential.
type PullCredentials struct {
	Registry string `json:"registry"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// DeleteServicePayload identifies a single service to tear down.
type DeleteServicePayload struct {
	ProjectID   string `json:"projectId"`
	ServiceID   string `json:"serviceId"`
	ServiceType string `json:"serviceType"`
}

// DeleteProjectPayload identifies a project namespace to tear down.
type DeleteProjectPayload struct {
	ProjectID string `json:"projectId"`
}

// DeleteOrganizationPayload identifies every namespace belonging to an organization.
type DeleteOrganizationPayload struct {
	OrganizationID string   `json:"organizationId"`
	ProjectIDs     []string `json:"projectIds"`
}

// ControlServicePayload starts or stops a service's deployment.
type ControlServicePayload struct {
	ProjectID   string `json:"projectId"`
	ServiceID   string `json:"serviceId"`
	ServiceType string `json:"serviceType"`
	Action      string `json:"action"` // "start" | "stop"
}

const popTimeout = time.Second

// Queue wraps a Redis list as a blocking FIFO work queue.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New wraps an existing Redis client as a named queue.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Push appends a message to the tail of the queue.
func (q *Queue) Push(ctx context.Context, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	env := Envelope{Type: msgType, RawPayload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return q.rdb.RPush(ctx, q.name, data).Err()
}

// Pop blocks for up to 1s waiting for a message, returning (nil, nil) on
// timeout so callers can loop checking ctx.Done() between polls.
func (q *Queue) Pop(ctx context.Context) (*Envelope, error) {
	res, err := q.rdb.BLPop(ctx, popTimeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping queue: %w", err)
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply shape: %v", res)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	switch env.Type {
	case TypeDeployService, TypeDeleteService, TypeDeleteProject, TypeDeleteOrganization, TypeControlService:
		return &env, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// DecodeDeployService unmarshals the envelope's payload as a deploy-service message.
func (e *Envelope) DecodeDeployService() (*DeployServicePayload, error) {
	var p DeployServicePayload
	if err := json.Unmarshal(e.RawPayload, &p); err != nil {
		return nil, fmt.Errorf("decoding deploy-service payload: %w", err)
	}
	return &p, nil
}

// DecodeDeleteService unmarshals the envelope's payload as a delete-service message.
func (e *Envelope) DecodeDeleteService() (*DeleteServicePayload, error) {
	var p DeleteServicePayload
	if err := json.Unmarshal(e.RawPayload, &p); err != nil {
		return nil, fmt.Errorf("decoding delete-service payload: %w", err)
	}
	return &p, nil
}

// DecodeDeleteProject unmarshals the envelope's payload as a delete-project message.
func (e *Envelope) DecodeDeleteProject() (*DeleteProjectPayload, error) {
	var p DeleteProjectPayload
	if err := json.Unmarshal(e.RawPayload, &p); err != nil {
		return nil, fmt.Errorf("decoding delete-project payload: %w", err)
	}
	return &p, nil
}

// DecodeDeleteOrganization unmarshals the envelope's payload as a delete-organization message.
func (e *Envelope) DecodeDeleteOrganization() (*DeleteOrganizationPayload, error) {
	var p DeleteOrganizationPayload
	if err := json.Unmarshal(e.RawPayload, &p); err != nil {
		return nil, fmt.Errorf("decoding delete-organization payload: %w", err)
	}
	return &p, nil
}

// DecodeControlService unmarshals the envelope's payload as a control-service message.
func (e *Envelope) DecodeControlService() (*ControlServicePayload, error) {
	var p ControlServicePayload
	if err := json.Unmarshal(e.RawPayload, &p); err != nil {
		return nil, fmt.Errorf("decoding control-service payload: %w", err)
	}
	return &p, nil
}
