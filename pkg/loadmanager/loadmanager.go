// Package loadmanager is the outer adapter that makes the shedding and
// split schedulers look like the broker's legacy load-manager
// interface (spec §6): start/stop lifecycle, a pass-through to the
// broker registry, a pass-through to bundle placement, and a clutch of
// deprecated no-ops kept only so callers written against the legacy
// interface keep compiling.
package loadmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/fleetbroker/loadshed/pkg/registry"
	"github.com/fleetbroker/loadshed/pkg/scheduler"
)

// BrokerSelectionStrategy picks a broker to own a bundle. It is the
// sibling placement concern spec §6 mentions only to the extent that
// the shedder's output must be consumable by it; the strategy itself
// is out of scope. Unlike the original's AbstractBrokerSelectionStrategy,
// which down-casts a shared context object and fails with
// InvalidContext on a type mismatch, this interface takes its context
// explicitly — there is nothing to down-cast.
type BrokerSelectionStrategy interface {
	SelectBroker(ctx context.Context, bundle string, candidates []string) (string, error)
}

// Manager is the load manager wrapper: it owns the two tick schedulers
// and the timers that drive them, and exposes the narrow surface the
// legacy load-manager interface expects.
type Manager struct {
	Registry        registry.BrokerRegistry
	Selection       BrokerSelectionStrategy
	UnloadScheduler *scheduler.UnloadScheduler
	SplitScheduler  *scheduler.SplitScheduler

	UnloadInterval time.Duration
	SplitInterval  time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager constructs a Manager. Start must be called before either
// scheduler's timer begins firing.
func NewManager(reg registry.BrokerRegistry, selection BrokerSelectionStrategy, unload *scheduler.UnloadScheduler, split *scheduler.SplitScheduler, unloadInterval, splitInterval time.Duration) *Manager {
	return &Manager{
		Registry:        reg,
		Selection:       selection,
		UnloadScheduler: unload,
		SplitScheduler:  split,
		UnloadInterval:  unloadInterval,
		SplitInterval:   splitInterval,
	}
}

// Start launches the two tick timers. It is idempotent: calling Start
// on an already-started Manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(2)
	go m.runTicker(ctx, m.UnloadInterval, m.UnloadScheduler.Execute)
	go m.runTicker(ctx, m.SplitInterval, m.SplitScheduler.Execute)

	klog.Info("loadmanager: started unload and split schedulers")
}

// runTicker drives tick on a fixed period via wait.Until, the same
// worker-loop primitive controller.go uses for its workqueue workers.
// A panic inside a single tick is recovered by utilruntime.HandleCrash
// rather than taking down the whole loop.
func (m *Manager) runTicker(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-m.stopCh:
		}
		close(stop)
	}()

	wait.Until(func() {
		defer utilruntime.HandleCrash()
		tick(ctx)
	}, interval, stop)
}

// Stop halts both tick timers and waits for any in-flight tick to
// return. Pending tick work is abandoned, not drained — spec §5: "no
// partial state is persisted locally".
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.started = false
	m.mu.Unlock()

	m.wg.Wait()
	klog.Info("loadmanager: stopped unload and split schedulers")
}

// Execute runs the shedding tick synchronously, outside of the timer
// loop — the legacy interface's doLoadShedding hook.
func (m *Manager) Execute(ctx context.Context) {
	m.UnloadScheduler.Execute(ctx)
}

// DoNamespaceBundleSplit is a no-op: dispatching the split scheduler's
// output is out of scope (spec §4.5 step 5), mirroring the legacy
// interface's own no-op hook of the same name.
func (m *Manager) DoNamespaceBundleSplit() {}

// GetAvailableBrokers passes through to the broker registry.
func (m *Manager) GetAvailableBrokers(ctx context.Context) ([]string, error) {
	return m.Registry.AvailableBrokers(ctx)
}

// GetLeastLoaded passes through to the placement strategy, restricted
// to the currently available brokers.
func (m *Manager) GetLeastLoaded(ctx context.Context, bundle string) (string, error) {
	brokers, err := m.Registry.AvailableBrokers(ctx)
	if err != nil {
		return "", fmt.Errorf("loadmanager: list available brokers: %w", err)
	}
	if len(brokers) == 0 {
		return "", fmt.Errorf("loadmanager: no brokers available to place %s", bundle)
	}
	return m.Selection.SelectBroker(ctx, bundle, brokers)
}

// SetLoadReportForceUpdateFlag is deprecated and unused; kept only so
// code written against the legacy interface keeps compiling.
//
// Deprecated: no-op.
func (m *Manager) SetLoadReportForceUpdateFlag() {}

// WriteLoadReportOnZookeeper is deprecated and unused: load data
// reporting happens automatically via the LoadDataStore path.
//
// Deprecated: no-op.
func (m *Manager) WriteLoadReportOnZookeeper() error { return nil }

// WriteResourceQuotasToZooKeeper is deprecated and unused, for the same
// reason as WriteLoadReportOnZookeeper.
//
// Deprecated: no-op.
func (m *Manager) WriteResourceQuotasToZooKeeper() error { return nil }
