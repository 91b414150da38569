package loaddata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
)

// brokerLoadReportGVR identifies the custom resource this package
// mirrors telemetry into. It plays the same role
// profile_store.go's workloadProfileGVR plays for workload profiles:
// a thin, generic-data CRD with no controller or reconciler of its
// own, used purely as a replicated key/value surface.
var brokerLoadReportGVR = schema.GroupVersionResource{
	Group:    "loadbalance.fleet.io",
	Version:  "v1alpha1",
	Resource: "brokerloadreports",
}

const brokerLoadReportAPIVersion = "loadbalance.fleet.io/v1alpha1"
const brokerLoadReportKind = "BrokerLoadReport"

// CRDStore is a Store[T] that keeps its authoritative data in-memory
// (so ForEach/Get stay lock-bound and fast, per spec's snapshot
// contract) but mirrors every Push/Remove into a namespaced custom
// resource via a dynamic client, the same write path
// ProfileStore.SaveToCRD uses. It exists to demonstrate the
// Kubernetes-backed LoadDataStore described in SPEC_FULL.md §3.2;
// nothing in the core shedding/splitting algorithms depends on it.
type CRDStore[T any] struct {
	mem       Store[T]
	dyn       dynamic.Interface
	namespace string
}

// NewCRDStore constructs a CRDStore backed by dyn, mirroring resources
// into namespace. Call ReconcileFromCRD once at startup to hydrate the
// in-memory cache from whatever custom resources already exist.
func NewCRDStore[T any](dyn dynamic.Interface, namespace string) *CRDStore[T] {
	s := &CRDStore[T]{
		mem:       NewMemStore[T](),
		dyn:       dyn,
		namespace: namespace,
	}
	s.mem.Listen(func(key string, value T) {
		// Remove notifies listeners too, with the zero value; a key that
		// is no longer present is mirrored by mirrorRemove alone. The
		// in-memory store dispatches listeners outside its lock, so the
		// lookup here cannot deadlock.
		if _, ok := s.mem.Get(key); !ok {
			return
		}
		go s.mirrorPush(key, value)
	})
	return s
}

func (s *CRDStore[T]) Push(ctx context.Context, key string, value T) error {
	return s.mem.Push(ctx, key, value)
}

func (s *CRDStore[T]) PushAsync(ctx context.Context, key string, value T) <-chan error {
	return s.mem.PushAsync(ctx, key, value)
}

func (s *CRDStore[T]) Get(key string) (T, bool) { return s.mem.Get(key) }

func (s *CRDStore[T]) GetAsync(ctx context.Context, key string) <-chan GetResult[T] {
	return s.mem.GetAsync(ctx, key)
}

func (s *CRDStore[T]) Remove(key string) error {
	err := s.mem.Remove(key)
	go s.mirrorRemove(key)
	return err
}

func (s *CRDStore[T]) RemoveAsync(ctx context.Context, key string) <-chan error {
	out := s.mem.RemoveAsync(ctx, key)
	go s.mirrorRemove(key)
	return out
}

func (s *CRDStore[T]) ForEach(fn func(key string, value T)) { s.mem.ForEach(fn) }
func (s *CRDStore[T]) Listen(fn Listener[T])                { s.mem.Listen(fn) }
func (s *CRDStore[T]) Size() int                            { return s.mem.Size() }
func (s *CRDStore[T]) Close() error                         { return s.mem.Close() }

// ReconcileFromCRD lists every BrokerLoadReport in the store's
// namespace and loads it into the in-memory cache, the mirror image of
// ProfileStore.LoadFromCRD. It is meant to be called once at process
// start, before the scheduler's first tick.
func (s *CRDStore[T]) ReconcileFromCRD(ctx context.Context) error {
	list, err := s.dyn.Resource(brokerLoadReportGVR).Namespace(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("loaddata: list brokerloadreports: %w", err)
	}

	for _, item := range list.Items {
		key := originalKey(item)
		dataMap, found, _ := unstructured.NestedMap(item.Object, "spec", "data")
		if !found {
			continue
		}
		var value T
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(dataMap, &value); err != nil {
			klog.V(4).Infof("loaddata: convert BrokerLoadReport %s: %v", item.GetName(), err)
			continue
		}
		if err := s.mem.Push(ctx, key, value); err != nil {
			klog.V(4).Infof("loaddata: seed %s from CRD: %v", key, err)
		}
	}
	klog.Infof("loaddata: reconciled %d entries from CRD", len(list.Items))
	return nil
}

func (s *CRDStore[T]) mirrorPush(key string, value T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := s.dyn.Resource(brokerLoadReportGVR).Namespace(s.namespace)
	name := sanitizeName(key)

	dataMap, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&value)
	if err != nil {
		klog.V(4).Infof("loaddata: convert %s to unstructured: %v", key, err)
		return
	}

	existing, err := res.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			obj := &unstructured.Unstructured{Object: map[string]interface{}{
				"apiVersion": brokerLoadReportAPIVersion,
				"kind":       brokerLoadReportKind,
				"metadata": map[string]interface{}{
					"name":      name,
					"namespace": s.namespace,
					"annotations": map[string]interface{}{
						"loadbalance.fleet.io/key": key,
					},
				},
				"spec": map[string]interface{}{"data": dataMap},
			}}
			if _, err := res.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
				klog.V(4).Infof("loaddata: create BrokerLoadReport %s: %v", name, err)
			}
			return
		}
		klog.V(4).Infof("loaddata: get BrokerLoadReport %s: %v", name, err)
		return
	}

	existing.Object["spec"] = map[string]interface{}{"data": dataMap}
	if _, err := res.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		if !errors.IsConflict(err) {
			klog.V(4).Infof("loaddata: update BrokerLoadReport %s: %v", name, err)
		}
	}
}

func (s *CRDStore[T]) mirrorRemove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name := sanitizeName(key)
	if err := s.dyn.Resource(brokerLoadReportGVR).Namespace(s.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		klog.V(4).Infof("loaddata: delete BrokerLoadReport %s: %v", name, err)
	}
}

func originalKey(item unstructured.Unstructured) string {
	if v, ok := item.GetAnnotations()["loadbalance.fleet.io/key"]; ok {
		return v
	}
	return item.GetName()
}

// sanitizeName turns an arbitrary load-data key (a broker id, or a
// bundle id of the form "ns/range") into a valid Kubernetes object
// name: lowercase, with '/' and other disallowed characters mapped to
// '-'. The original key is preserved separately, in the
// loadbalance.fleet.io/key annotation, so ReconcileFromCRD can recover
// it exactly.
func sanitizeName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "entry"
	}
	if len(name) > 253 {
		name = name[:253]
	}
	return name
}
