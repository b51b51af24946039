package orchestrator

import (
	"testing"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/stretchr/testify/assert"
)

func TestProjectNamespaceFormat(t *testing.T) {
	assert.Equal(t, "org-acme-project-blog", projectNamespace("acme", "blog"))
}

func TestProgressDeadlineExceededMatchesReasonOnly(t *testing.T) {
	dep := &appsv1.Deployment{
		Status: appsv1.DeploymentStatus{
			Conditions: []appsv1.DeploymentCondition{
				{Type: appsv1.DeploymentProgressing, Reason: "NewReplicaSetAvailable"},
			},
		},
	}
	assert.False(t, ProgressDeadlineExceeded(dep))

	dep.Status.Conditions[0].Reason = "ProgressDeadlineExceeded"
	assert.True(t, ProgressDeadlineExceeded(dep))
}
