package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainsAndUsernamesWalkIndexOrder(t *testing.T) {
	objLabels := map[string]string{
		DomainLabel(0): "a.example.com",
		DomainLabel(1): "b.example.com",
		UsernameLabel(1): "alice",
		UsernameLabel(2): "bob",
	}

	assert.Equal(t, []string{"a.example.com", "b.example.com"}, Domains(objLabels))
	assert.Equal(t, []string{"alice", "bob"}, Usernames(objLabels))
}

func TestDomainsStopsAtFirstGap(t *testing.T) {
	objLabels := map[string]string{
		DomainLabel(0): "a.example.com",
		DomainLabel(2): "c.example.com", // gap at index 1, never reached
	}
	assert.Equal(t, []string{"a.example.com"}, Domains(objLabels))
}

func TestNamingHelpers(t *testing.T) {
	assert.Equal(t, "svc-123-deployment", DeploymentName("svc-123"))
	assert.Equal(t, "svc-123-service", ServiceName("svc-123"))
	assert.Equal(t, "svc-123-hpa", AutoscalerName("svc-123"))
	assert.Equal(t, "svc-123-pvc", ClaimName("svc-123"))
	assert.Equal(t, "svc-123-container-registry-secret", PullSecretName("svc-123"))
	assert.Equal(t, "svc-123-env-secret", EnvSecretName("svc-123"))
	assert.Equal(t, "svc-123-mysql-config", ConfigMapName("svc-123", "mysql"))
}

func TestCertSecretNamesDashTheDomain(t *testing.T) {
	assert.Equal(t, "cert-api-example-com", CertSecretName("api.example.com"))
	assert.Equal(t, "cert-wildcard-example-com", WildcardCertSecretName("example.com"))
}

func TestBaseLabelsCarryManagedBy(t *testing.T) {
	got := Base("org-1", "proj-1", "svc-1", TypeWeb)
	assert.Equal(t, ManagedByValue, got[ManagedBy])
	assert.Equal(t, "org-1", got[Organization])
	assert.Equal(t, "proj-1", got[Project])
	assert.Equal(t, "svc-1", got[Service])
	assert.Equal(t, TypeWeb, got[Type])
}
