package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripsDeployServicePayload(t *testing.T) {
	payload := DeployServicePayload{
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		ServiceID:      "svc-1",
		ServiceType:    "web",
		Image:          "example/app:latest",
		Domains:        []string{"app.example.com"},
		Replicas:       2,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	env := Envelope{Type: TypeDeployService, RawPayload: raw}
	decoded, err := env.DecodeDeployService()
	require.NoError(t, err)
	assert.Equal(t, payload, *decoded)
}

func TestDecodeControlServiceToleratesMissingServiceType(t *testing.T) {
	env := Envelope{Type: TypeControlService, RawPayload: json.RawMessage(`{"projectId":"p","serviceId":"s","action":"stop"}`)}
	decoded, err := env.DecodeControlService()
	require.NoError(t, err)
	assert.Equal(t, "stop", decoded.Action)
}
