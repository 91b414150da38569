// Package registry implements the two cluster-membership collaborators
// the schedulers gate on (spec §6): BrokerRegistry, the set of brokers
// currently live, and LeaderElection, whether this process is the one
// authorized to run the tick. Both ship a Kubernetes-native default:
// an Endpoints informer lister for membership, and client-go's
// leaderelection package for leadership, the same pattern the
// teacher's controller wires an informer/lister pair for Pods/Nodes.
package registry

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	coreinformers "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"
)

// Reachability is satisfied by netprobe.Prober; declared locally so this
// package only depends on the two methods it calls, and tests can supply
// a fake without touching a real ICMP socket.
type Reachability interface {
	Reachable(addr string) bool
	SetAddresses(addresses []string)
}

// BrokerRegistry reports the set of brokers currently participating in
// the cluster. The gate check of both schedulers ("fewer than 2
// brokers visible") reads through this.
type BrokerRegistry interface {
	AvailableBrokers(ctx context.Context) ([]string, error)
}

// LeaderElection reports whether the local process currently holds
// cluster-wide scheduling authority. A nil LeaderElection is treated as
// "never leader", per spec §6 ("may be absent ⇒ treated as false").
type LeaderElection interface {
	IsLeader() bool
}

// EndpointsBrokerRegistry is the default BrokerRegistry: it lists the
// ready addresses of a Kubernetes Endpoints object (typically the
// broker fleet's headless Service) via an informer-backed lister, so
// AvailableBrokers never blocks on the API server.
type EndpointsBrokerRegistry struct {
	namespace string
	name      string
	lister    corelisters.EndpointsLister
	synced    cache.InformerSynced
	prober    Reachability
}

// NewEndpointsBrokerRegistry builds a registry that tracks the
// Endpoints object namespace/name, using informer to supply the lister
// and sync status. prober may be nil, in which case reachability is not
// consulted and every member of the Endpoints object is reported live.
func NewEndpointsBrokerRegistry(namespace, name string, informer coreinformers.EndpointsInformer, prober Reachability) *EndpointsBrokerRegistry {
	return &EndpointsBrokerRegistry{
		namespace: namespace,
		name:      name,
		lister:    informer.Lister(),
		synced:    informer.Informer().HasSynced,
		prober:    prober,
	}
}

// WaitForCacheSync blocks until the underlying informer cache has
// synced or stopCh closes, mirroring controller.Run's sync gate.
func (r *EndpointsBrokerRegistry) WaitForCacheSync(stopCh <-chan struct{}) bool {
	return cache.WaitForCacheSync(stopCh, r.synced)
}

func (r *EndpointsBrokerRegistry) AvailableBrokers(ctx context.Context) ([]string, error) {
	ep, err := r.lister.Endpoints(r.namespace).Get(r.name)
	if err != nil {
		return nil, fmt.Errorf("registry: get endpoints %s/%s: %w", r.namespace, r.name, err)
	}

	var brokers []string
	var probeAddrs []string
	for _, subset := range ep.Subsets {
		for _, addr := range subset.Addresses {
			brokers = append(brokers, brokerID(addr))
			probeAddrs = append(probeAddrs, addr.IP)
		}
	}

	if r.prober == nil {
		return brokers, nil
	}

	// Keep the prober's probed set in sync with current membership; it
	// is a cheap slice swap, not a relaunch of the refresh loop.
	r.prober.SetAddresses(probeAddrs)

	live := make([]string, 0, len(brokers))
	for i, b := range brokers {
		if r.prober.Reachable(probeAddrs[i]) {
			live = append(live, b)
		} else {
			klog.V(3).Infof("registry: excluding broker %s (%s): failed reachability probe", b, probeAddrs[i])
		}
	}
	return live, nil
}

func brokerID(addr corev1.EndpointAddress) string {
	if addr.Hostname != "" {
		return addr.Hostname
	}
	return addr.IP
}

// LeaseLeaderElection is the default LeaderElection: it wraps
// client-go's lease-based leaderelection.LeaderElector, flipping an
// atomic flag on OnStartedLeading/OnStoppedLeading. Run must be called
// once, in its own goroutine, before IsLeader reports anything but
// false.
type LeaseLeaderElection struct {
	elector *leaderelection.LeaderElector
	isLead  atomic.Bool
}

// NewLeaseLeaderElection constructs a LeaseLeaderElection that
// contends for the named Lease in namespace, identified as identity
// (typically the broker's pod name).
func NewLeaseLeaderElection(client kubernetes.Interface, namespace, name, identity string, leaseDuration, renewDeadline, retryPeriod time.Duration) (*LeaseLeaderElection, error) {
	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		namespace,
		name,
		client.CoreV1(),
		client.CoordinationV1(),
		resourcelock.ResourceLockConfig{Identity: identity},
	)
	if err != nil {
		return nil, fmt.Errorf("registry: build leader election lock: %w", err)
	}

	l := &LeaseLeaderElection{}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:          lock,
		LeaseDuration: leaseDuration,
		RenewDeadline: renewDeadline,
		RetryPeriod:   retryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				klog.Infof("registry: %s started leading", identity)
				l.isLead.Store(true)
			},
			OnStoppedLeading: func() {
				klog.Infof("registry: %s stopped leading", identity)
				l.isLead.Store(false)
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: build leader elector: %w", err)
	}
	l.elector = elector
	return l, nil
}

// Run blocks contending for leadership until ctx is cancelled.
func (l *LeaseLeaderElection) Run(ctx context.Context) {
	l.elector.Run(ctx)
}

func (l *LeaseLeaderElection) IsLeader() bool {
	return l.isLead.Load()
}

// PodIdentity derives a leader-election identity from the POD_NAME
// environment variable the broker's deployment manifest sets via the
// downward API, falling back to the hostname.
func PodIdentity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
