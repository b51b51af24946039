package orchestrator

import (
	"testing"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/queue"
)

func TestBuildDeploymentUsesPlatformImageForEngines(t *testing.T) {
	spec := queue.DeployServicePayload{
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		ServiceID:      "db-1",
		ServiceType:    labels.TypeMySQL,
		Image:          "should-be-ignored:latest",
	}
	dep := BuildDeployment("ns", spec)
	require.Len(t, dep.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, defaultImages[labels.TypeMySQL], dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, appsv1.RecreateDeploymentStrategyType, dep.Spec.Strategy.Type)
}

func TestBuildDeploymentKeepsRequestedImageForWebServices(t *testing.T) {
	spec := queue.DeployServicePayload{
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		ServiceID:      "web-1",
		ServiceType:    labels.TypeWeb,
		Image:          "example/app:v1",
		Replicas:       3,
	}
	dep := BuildDeployment("ns", spec)
	assert.Equal(t, "example/app:v1", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, int32(3), *dep.Spec.Replicas)
	assert.Equal(t, appsv1.RollingUpdateDeploymentStrategyType, dep.Spec.Strategy.Type)
}

func TestBuildDeploymentForcesSingleReplicaWithAttachedStorage(t *testing.T) {
	spec := queue.DeployServicePayload{
		ServiceID:   "web-1",
		ServiceType: labels.TypeWeb,
		Replicas:    5,
		DiskSize:    "10Gi",
	}
	dep := BuildDeployment("ns", spec)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Equal(t, appsv1.RecreateDeploymentStrategyType, dep.Spec.Strategy.Type)
}

func TestBuildServiceEncodesDomainAndScaleToZeroLabels(t *testing.T) {
	spec := queue.DeployServicePayload{
		ServiceID:   "web-1",
		ServiceType: labels.TypeWeb,
		Domains:     []string{"a.example.com", "b.example.com"},
		ScaleToZero: true,
	}
	svc := BuildService("ns", spec)
	assert.Equal(t, "a.example.com", svc.Labels[labels.DomainLabel(0)])
	assert.Equal(t, "b.example.com", svc.Labels[labels.DomainLabel(1)])
	assert.Equal(t, "true", svc.Labels[labels.ScaleToZeroEnabled])
}

func TestBuildAutoscalerReturnsNilWhenUnderspecified(t *testing.T) {
	spec := queue.DeployServicePayload{ServiceID: "svc-1"}
	assert.Nil(t, BuildAutoscaler("ns", spec, false, 5, 70))
	assert.Nil(t, BuildAutoscaler("ns", spec, true, 0, 70))
	assert.Nil(t, BuildAutoscaler("ns", spec, true, 5, 0))
}

func TestBuildAutoscalerDefaultsMinReplicasToOne(t *testing.T) {
	spec := queue.DeployServicePayload{ServiceID: "svc-1"}
	hpa := BuildAutoscaler("ns", spec, true, 5, 70)
	require.NotNil(t, hpa)
	assert.Equal(t, int32(1), *hpa.Spec.MinReplicas)
	assert.Equal(t, int32(5), hpa.Spec.MaxReplicas)
}

func TestIsReadyRequiresAllCountsAtOrAboveDesired(t *testing.T) {
	want := int32(3)
	dep := &appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{Replicas: &want},
		Status: appsv1.DeploymentStatus{
			ReadyReplicas:     3,
			UpdatedReplicas:   3,
			AvailableReplicas: 2,
		},
	}
	assert.False(t, IsReady(dep), "available replicas below desired must not count as ready")

	dep.Status.AvailableReplicas = 3
	assert.True(t, IsReady(dep))
}

func TestIsReadyHandlesNilDeployment(t *testing.T) {
	assert.False(t, IsReady(nil))
}
