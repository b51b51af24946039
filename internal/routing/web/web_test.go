package web

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/platformcore/internal/labels"
)

func webService(namespace, name string, domains []string, scaleToZero bool) *corev1.Service {
	objLabels := map[string]string{
		labels.Type:    labels.TypeWeb,
		labels.Service: name,
	}
	if scaleToZero {
		objLabels[labels.ScaleToZeroEnabled] = "true"
	}
	for i, d := range domains {
		objLabels[labels.DomainLabel(i)] = d
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, Labels: objLabels},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: 80}},
		},
	}
}

func TestEntryFromServiceRequiresWebTypeAndDomains(t *testing.T) {
	_, _, ok := entryFromService(webService("ns", "svc", nil, false))
	assert.False(t, ok, "a web service with no domain labels should not produce a routing entry")

	other := webService("ns", "svc", []string{"a.example.com"}, false)
	other.Labels[labels.Type] = labels.TypeMySQL
	_, _, ok = entryFromService(other)
	assert.False(t, ok)
}

func TestTableApplyThenLookup(t *testing.T) {
	table := NewTable()
	svc := webService("ns", "svc", []string{"a.example.com", "b.example.com"}, true)
	key, entry, ok := entryFromService(svc)
	require.True(t, ok)
	table.apply(key, entry)

	got, ok := table.Lookup("a.example.com")
	require.True(t, ok)
	assert.Equal(t, "svc", got.Name)
	assert.True(t, got.ScaleToZeroEnabled)

	got, ok = table.Lookup("b.example.com")
	require.True(t, ok)
	assert.Equal(t, "svc", got.Name)
}

func TestTableApplyRecomputesDomainsFromLatestState(t *testing.T) {
	table := NewTable()
	key := ServiceKey{Namespace: "ns", Name: "svc"}

	table.apply(key, Entry{Namespace: "ns", Name: "svc", Domains: []string{"old.example.com"}})
	_, ok := table.Lookup("old.example.com")
	require.True(t, ok)

	table.apply(key, Entry{Namespace: "ns", Name: "svc", Domains: []string{"new.example.com"}})
	_, ok = table.Lookup("old.example.com")
	assert.False(t, ok, "stale domain mapping must be evicted once the service no longer claims it")

	_, ok = table.Lookup("new.example.com")
	assert.True(t, ok)
}

func TestTableRemoveEvictsEveryDomain(t *testing.T) {
	table := NewTable()
	key := ServiceKey{Namespace: "ns", Name: "svc"}
	table.apply(key, Entry{Namespace: "ns", Name: "svc", Domains: []string{"a.example.com", "b.example.com"}})

	table.remove(key)

	_, ok := table.Lookup("a.example.com")
	assert.False(t, ok)
	_, ok = table.Lookup("b.example.com")
	assert.False(t, ok)
	assert.Empty(t, table.Entries())
}

func TestMergeSelector(t *testing.T) {
	assert.Equal(t, "a=b", mergeSelector("a=b", ""))
	assert.Equal(t, "a=b", mergeSelector("", "a=b"))
	assert.Equal(t, "a=b,c=d", mergeSelector("a=b", "c=d"))
}
