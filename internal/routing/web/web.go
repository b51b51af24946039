// Package web maintains the web gateway's routing table: a process-wide,
// read-write-locked map from request host to backing service, kept in sync
// with the orchestrator via a SharedIndexInformer watching Service objects
// labeled `type=web` (spec §3, §4.1, §9 "recompute from latest observed
// state rather than applying deltas").
package web

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

// Entry describes everything the gateway needs to route and wake a service.
type Entry struct {
	Namespace          string
	Name               string
	Port               int32
	ScaleToZeroEnabled bool
	ServiceID          string
	Domains            []string
}

// Table is the process-wide routing table. Lookups take the read lock;
// only the watcher's event handlers take the write lock.
type Table struct {
	mu       sync.RWMutex
	domains  map[string]ServiceKey
	services map[ServiceKey]Entry
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{
		domains:  make(map[string]ServiceKey),
		services: make(map[ServiceKey]Entry),
	}
}

// Lookup resolves a request host to its routing entry.
func (t *Table) Lookup(host string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.domains[host]
	if !ok {
		return Entry{}, false
	}
	e, ok := t.services[key]
	return e, ok
}

// Entries returns a snapshot of every routed service, for callers (the
// idle scaler) that need to scan the whole table rather than look up a
// single host.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.services))
	for _, e := range t.services {
		out = append(out, e)
	}
	return out
}

// apply recomputes every domain mapping for key from the latest observed
// Service object, replacing whatever was there before atomically with
// respect to lookups.
func (t *Table) apply(key ServiceKey, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.services[key]; ok {
		for _, d := range old.Domains {
			if t.domains[d] == key {
				delete(t.domains, d)
			}
		}
	}

	t.services[key] = entry
	for _, d := range entry.Domains {
		t.domains[d] = key
	}
}

// remove deletes every domain mapping and the service entry for key,
// atomically with respect to lookups.
func (t *Table) remove(key ServiceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.services[key]; ok {
		for _, d := range old.Domains {
			if t.domains[d] == key {
				delete(t.domains, d)
			}
		}
	}
	delete(t.services, key)
}

func entryFromService(svc *corev1.Service) (ServiceKey, Entry, bool) {
	if svc.Labels[labels.Type] != labels.TypeWeb {
		return ServiceKey{}, Entry{}, false
	}
	domains := labels.Domains(svc.Labels)
	if len(domains) == 0 {
		return ServiceKey{}, Entry{}, false
	}

	var port int32
	if len(svc.Spec.Ports) > 0 {
		port = svc.Spec.Ports[0].Port
	}

	key := ServiceKey{Namespace: svc.Namespace, Name: svc.Name}
	entry := Entry{
		Namespace:          svc.Namespace,
		Name:               svc.Name,
		Port:               port,
		ScaleToZeroEnabled: svc.Labels[labels.ScaleToZeroEnabled] == "true",
		ServiceID:          svc.Labels[labels.Service],
		Domains:            domains,
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
