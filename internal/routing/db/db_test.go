package db

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/platformcore/internal/labels"
)

func engineService(namespace, name, engineType string, usernames []string) *corev1.Service {
	objLabels := map[string]string{
		labels.Type:    engineType,
		labels.Service: name,
	}
	for i, u := range usernames {
		objLabels[labels.UsernameLabel(i+1)] = u
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, Labels: objLabels},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: 3306}},
		},
	}
}

func TestEntryFromServiceAcceptsOnlyEngineTypes(t *testing.T) {
	_, _, ok := entryFromService(engineService("ns", "db", labels.TypeWeb, []string{"alice"}))
	assert.False(t, ok)

	_, _, ok = entryFromService(engineService("ns", "db", labels.TypeMySQL, nil))
	assert.False(t, ok, "an engine service with no username labels should not route")

	_, _, ok = entryFromService(engineService("ns", "db", labels.TypePostgres, []string{"alice"}))
	assert.True(t, ok)
}

func TestLastAppliedUsernameWins(t *testing.T) {
	table := NewTable()

	first := ServiceKey{Namespace: "ns", Name: "db-a"}
	second := ServiceKey{Namespace: "ns", Name: "db-b"}

	table.apply(first, Entry{Namespace: "ns", Name: "db-a", Usernames: []string{"alice"}})
	table.apply(second, Entry{Namespace: "ns", Name: "db-b", Usernames: []string{"alice"}})

	got, ok := table.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "db-b", got.Name, "the most recently applied claimant of a username must win")
}

func TestTableRemoveEvictsUsernames(t *testing.T) {
	table := NewTable()
	key := ServiceKey{Namespace: "ns", Name: "db"}
	table.apply(key, Entry{Namespace: "ns", Name: "db", Usernames: []string{"alice", "bob"}})

	table.remove(key)

	_, ok := table.Lookup("alice")
	assert.False(t, ok)
	_, ok = table.Lookup("bob")
	assert.False(t, ok)
}
