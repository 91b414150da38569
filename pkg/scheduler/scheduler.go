// Package scheduler drives the two leader-gated, periodic ticks
// described in spec §4.5 and §5: UnloadScheduler runs the shedding
// pipeline and dispatches unload RPCs, SplitScheduler runs the split
// strategy. Both share the same gate-check order and the same
// self-coalescing tick discipline — a tick already in flight causes a
// late timer fire to be dropped rather than queued, so a slow admin
// endpoint can never stack ticks.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"

	"github.com/fleetbroker/loadshed/pkg/admin"
	"github.com/fleetbroker/loadshed/pkg/broker"
	"github.com/fleetbroker/loadshed/pkg/bundledata"
	"github.com/fleetbroker/loadshed/pkg/config"
	"github.com/fleetbroker/loadshed/pkg/loaddata"
	"github.com/fleetbroker/loadshed/pkg/registry"
	"github.com/fleetbroker/loadshed/pkg/shedding"
	"github.com/fleetbroker/loadshed/pkg/split"
)

// isLeader treats a nil LeaderElection as never-leader, per spec §6.
func isLeader(le registry.LeaderElection) bool {
	return le != nil && le.IsLeader()
}

// UnloadScheduler is the tick entry point for the shedding pipeline:
// gate checks, cooldown expiry, strategy evaluation, and sequential
// per-broker dispatch of the resulting unload RPCs.
type UnloadScheduler struct {
	Pipeline []shedding.UnloadStrategy
	Brokers  loaddata.Store[broker.LoadData]
	Registry registry.BrokerRegistry
	Leader   registry.LeaderElection
	Admin    admin.AdminClient
	Config   func() config.Config

	mu               sync.Mutex
	recentlyUnloaded map[string]time.Time
	busy             atomic.Bool
}

// NewUnloadScheduler constructs an UnloadScheduler. cfg is read fresh
// on every tick so a config reload takes effect on the next timer fire
// without restarting the scheduler.
func NewUnloadScheduler(pipeline []shedding.UnloadStrategy, brokers loaddata.Store[broker.LoadData], reg registry.BrokerRegistry, leader registry.LeaderElection, adminClient admin.AdminClient, cfg func() config.Config) *UnloadScheduler {
	return &UnloadScheduler{
		Pipeline:         pipeline,
		Brokers:          brokers,
		Registry:         reg,
		Leader:           leader,
		Admin:            adminClient,
		Config:           cfg,
		recentlyUnloaded: make(map[string]time.Time),
	}
}

// Execute runs one tick. It is safe to invoke on a fixed-delay timer;
// a tick still running when the timer fires again is left alone, and
// the new fire is simply dropped (spec §5: "coalesce rather than
// queue").
func (s *UnloadScheduler) Execute(ctx context.Context) {
	defer utilruntime.HandleCrash()

	if !s.busy.CompareAndSwap(false, true) {
		klog.V(4).Info("scheduler: unload tick already in flight, dropping this fire")
		return
	}
	defer s.busy.Store(false)

	cfg := s.Config()
	if !cfg.LoadBalancerEnabled || !cfg.SheddingEnabled {
		return
	}
	if !isLeader(s.Leader) {
		return
	}

	brokers, err := s.Registry.AvailableBrokers(ctx)
	if err != nil {
		klog.Warningf("scheduler: broker registry unavailable, skipping tick: %v", err)
		return
	}
	if len(brokers) < 2 {
		klog.Infof("scheduler: only %d broker(s) visible, skipping shedding tick", len(brokers))
		return
	}

	s.mu.Lock()
	s.expireCooldown(cfg.SheddingGracePeriod)
	cooldownSnapshot := make(map[string]time.Time, len(s.recentlyUnloaded))
	for k, v := range s.recentlyUnloaded {
		cooldownSnapshot[k] = v
	}
	s.mu.Unlock()

	var unloads []shedding.Unload
	for _, strategy := range s.Pipeline {
		unloads = append(unloads, strategy.SelectUnloads(s.Brokers, cooldownSnapshot, cfg)...)
	}

	s.dispatch(ctx, unloads, cfg.CallTimeout)
}

// expireCooldown drops any recently-unloaded entry older than
// gracePeriod. Callers must hold s.mu.
func (s *UnloadScheduler) expireCooldown(gracePeriod time.Duration) {
	now := time.Now()
	for bundle, ts := range s.recentlyUnloaded {
		if now.Sub(ts) > gracePeriod {
			delete(s.recentlyUnloaded, bundle)
		}
	}
}

// dispatch groups proposals by broker and fires each broker's unload
// RPCs sequentially, in selection order, per spec §5; different
// brokers are dispatched concurrently.
func (s *UnloadScheduler) dispatch(ctx context.Context, unloads []shedding.Unload, callTimeout time.Duration) {
	order := make([]string, 0)
	groups := make(map[string][]string)
	for _, u := range unloads {
		if _, seen := groups[u.Broker]; !seen {
			order = append(order, u.Broker)
		}
		groups[u.Broker] = append(groups[u.Broker], u.Bundle)
	}

	var wg sync.WaitGroup
	for _, brokerID := range order {
		wg.Add(1)
		go func(brokerID string, bundles []string) {
			defer wg.Done()
			s.dispatchBroker(ctx, brokerID, bundles, callTimeout)
		}(brokerID, groups[brokerID])
	}
	wg.Wait()
}

func (s *UnloadScheduler) dispatchBroker(ctx context.Context, brokerID string, bundles []string, callTimeout time.Duration) {
	for _, bundle := range bundles {
		namespace, bundleRange, err := bundledata.Split(bundle)
		if err != nil {
			klog.Warningf("scheduler: malformed bundle id %q, skipping: %v", bundle, err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = s.Admin.UnloadNamespaceBundle(callCtx, namespace, bundleRange)
		cancel()

		if err != nil {
			klog.Warningf("scheduler: unload %s on broker %s failed: %v", bundle, brokerID, err)
			continue
		}

		s.mu.Lock()
		s.recentlyUnloaded[bundle] = time.Now()
		s.mu.Unlock()
	}
}

// RecentlyUnloaded returns a snapshot of the cooldown map, for tests
// and status reporting.
func (s *UnloadScheduler) RecentlyUnloaded() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.recentlyUnloaded))
	for k, v := range s.recentlyUnloaded {
		out[k] = v
	}
	return out
}

// SplitScheduler is the sibling tick for the split strategy: same gate
// contract, but its output is a set of bundles to split, held for the
// outer adapter to read — dispatching an actual split RPC is out of
// scope here (spec §4.5).
type SplitScheduler struct {
	Strategy split.Strategy
	Brokers  loaddata.Store[broker.LoadData]
	Bundles  loaddata.Store[bundledata.BundleData]
	Registry registry.BrokerRegistry
	Leader   registry.LeaderElection
	Config   func() config.Config

	mu      sync.RWMutex
	pending map[string]struct{}
	busy    atomic.Bool
}

// NewSplitScheduler constructs a SplitScheduler.
func NewSplitScheduler(strategy split.Strategy, brokers loaddata.Store[broker.LoadData], bundles loaddata.Store[bundledata.BundleData], reg registry.BrokerRegistry, leader registry.LeaderElection, cfg func() config.Config) *SplitScheduler {
	return &SplitScheduler{
		Strategy: strategy,
		Brokers:  brokers,
		Bundles:  bundles,
		Registry: reg,
		Leader:   leader,
		Config:   cfg,
	}
}

// Execute runs one split-evaluation tick.
func (s *SplitScheduler) Execute(ctx context.Context) {
	defer utilruntime.HandleCrash()

	if !s.busy.CompareAndSwap(false, true) {
		klog.V(4).Info("scheduler: split tick already in flight, dropping this fire")
		return
	}
	defer s.busy.Store(false)

	cfg := s.Config()
	if !cfg.LoadBalancerEnabled {
		return
	}
	if !isLeader(s.Leader) {
		return
	}

	brokers, err := s.Registry.AvailableBrokers(ctx)
	if err != nil {
		klog.Warningf("scheduler: broker registry unavailable, skipping split tick: %v", err)
		return
	}
	if len(brokers) < 2 {
		klog.Infof("scheduler: only %d broker(s) visible, skipping split tick", len(brokers))
		return
	}

	result := s.Strategy.SelectSplits(ctx, s.Brokers, s.Bundles, cfg)

	s.mu.Lock()
	s.pending = result
	s.mu.Unlock()
}

// PendingSplits returns the bundle set computed by the most recent
// tick.
func (s *SplitScheduler) PendingSplits() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.pending))
	for k := range s.pending {
		out[k] = struct{}{}
	}
	return out
}
