// Package db maintains the database gateway's routing table: a
// process-wide, read-write-locked map from authenticating username to
// backing service, kept in sync with the orchestrator via a
// SharedIndexInformer watching Service objects labeled with an engine type
// and `username-1` (spec §3, §4.3, §9).
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/cuemby/platformcore/internal/labels"
)

// ServiceKey identifies a backing orchestrator Service object.
type ServiceKey struct {
	Namespace string
	Name      string
}

// Entry describes everything the gateway needs to dial and splice a connection.
type Entry struct {
	Namespace string
	Name      string
	Port      int32
	Usernames []string
}

var engineTypes = map[string]bool{
	labels.TypeMySQL:    true,
	labels.TypePostgres: true,
	labels.TypeMemory:   true,
}

// Table is the process-wide routing table.
type Table struct {
	mu        sync.RWMutex
	usernames map[string]ServiceKey
	services  map[ServiceKey]Entry
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{
		usernames: make(map[string]ServiceKey),
		services:  make(map[ServiceKey]Entry),
	}
}

// Lookup resolves an authenticating username to its routing entry.
func (t *Table) Lookup(username string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.usernames[username]
	if !ok {
		return Entry{}, false
	}
	e, ok := t.services[key]
	return e, ok
}

// apply recomputes every username mapping for key from the latest observed
// Service object. If two services claim the same username, the
// last-applied mapping wins and a warning is the caller's responsibility
// to log (spec §3).
func (t *Table) apply(key ServiceKey, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.services[key]; ok {
		for _, u := range old.Usernames {
			if t.usernames[u] == key {
				delete(t.usernames, u)
			}
		}
	}

	t.services[key] = entry
	for _, u := range entry.Usernames {
		t.usernames[u] = key
	}
}

func (t *Table) remove(key ServiceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.services[key]; ok {
		for _, u := range old.Usernames {
			if t.usernames[u] == key {
				delete(t.usernames, u)
			}
		}
	}
	delete(t.services, key)
}

func entryFromService(svc *corev1.Service) (ServiceKey, Entry, bool) {
	if !engineTypes[svc.Labels[labels.Type]] {
		return ServiceKey{}, Entry{}, false
	}
	usernames := labels.Usernames(svc.Labels)
	if len(usernames) == 0 {
		return ServiceKey{}, Entry{}, false
	}

	var port int32
	if len(svc.Spec.Ports) > 0 {
		port = svc.Spec.Ports[0].Port
	}

	key := ServiceKey{Namespace: svc.Namespace, Name: svc.Name}
	entry := Entry{
		Namespace: svc.Namespace,
		Name:      svc.Name,
		Port:      port,
		Usernames: usernames,
	}
	return key, entry, true
}

// Watcher drives a Table from a SharedIndexInformer over Service objects.
type Watcher struct {
	table    *Table
	informer cache.SharedIndexInformer
}

// NewWatcher builds (but does not start) a watcher filtered by labelSelector.
func NewWatcher(clientset kubernetes.Interface, labelSelector string, resync time.Duration) *Watcher {
	table := NewTable()

	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = mergeSelector(labelSelector, opts.LabelSelector)
			return clientset.CoreV1().Services(metav1.NamespaceAll).List(context.TODO(), opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = mergeSelector(labelSelector, opts.LabelSelector)
			return clientset.CoreV1().Services(metav1.NamespaceAll).Watch(context.TODO(), opts)
		},
	}

	informer := cache.NewSharedIndexInformer(lw, &corev1.Service{}, resync, cache.Indexers{})
	w := &Watcher{table: table, informer: informer}

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    w.handleUpsert,
		UpdateFunc: func(_, newObj any) { w.handleUpsert(newObj) },
		DeleteFunc: w.handleDelete,
	})

	return w
}

func mergeSelector(base, extra string) string {
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	default:
		return fmt.Sprintf("%s,%s", base, extra)
	}
}

func (w *Watcher) handleUpsert(obj any) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			w.handleDelete(tomb.Obj)
		}
		return
	}
	key, entry, matched := entryFromService(svc)
	if !matched {
		w.table.remove(ServiceKey{Namespace: svc.Namespace, Name: svc.Name})
		return
	}
	w.table.apply(key, entry)
}

func (w *Watcher) handleDelete(obj any) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			if s, ok := tomb.Obj.(*corev1.Service); ok {
				svc = s
			}
		}
	}
	if svc == nil {
		return
	}
	w.table.remove(ServiceKey{Namespace: svc.Namespace, Name: svc.Name})
}

// Run starts the informer and blocks until stopCh is closed.
func (w *Watcher) Run(stopCh <-chan struct{}) {
	w.informer.Run(stopCh)
}

// HasSynced reports whether the informer has completed its initial list.
func (w *Watcher) HasSynced() bool {
	return w.informer.HasSynced()
}

// Table returns the routing table this watcher maintains.
func (w *Watcher) Table() *Table {
	return w.table
}
