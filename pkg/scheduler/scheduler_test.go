package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetbroker/loadshed/pkg/broker"
	"github.com/fleetbroker/loadshed/pkg/bundledata"
	"github.com/fleetbroker/loadshed/pkg/config"
	"github.com/fleetbroker/loadshed/pkg/loaddata"
	"github.com/fleetbroker/loadshed/pkg/shedding"
)

type fakeRegistry struct {
	brokers []string
	err     error
}

func (f *fakeRegistry) AvailableBrokers(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.brokers, nil
}

type fakeLeader struct{ leading bool }

func (f *fakeLeader) IsLeader() bool { return f.leading }

type fakeAdmin struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeAdmin) UnloadNamespaceBundle(ctx context.Context, namespace, bundleRange string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := namespace + "/" + bundleRange
	f.calls = append(f.calls, key)
	if f.fail[key] {
		return errors.New("admin: simulated failure")
	}
	return nil
}

type fakeStrategy struct {
	unloads []shedding.Unload
	calls   int32
}

func (f *fakeStrategy) SelectUnloads(store loaddata.Store[broker.LoadData], recentlyUnloaded map[string]time.Time, cfg config.Config) []shedding.Unload {
	atomic.AddInt32(&f.calls, 1)
	var out []shedding.Unload
	for _, u := range f.unloads {
		if _, cooling := recentlyUnloaded[u.Bundle]; cooling {
			continue
		}
		out = append(out, u)
	}
	return out
}

func baseConfig() config.Config {
	return config.Config{
		LoadBalancerEnabled: true,
		SheddingEnabled:     true,
		SheddingGracePeriod: 30 * time.Minute,
		CallTimeout:         time.Second,
	}
}

func TestUnloadScheduler_DispatchesAndTracksCooldown(t *testing.T) {
	strategy := &fakeStrategy{unloads: []shedding.Unload{
		{Broker: "b1", Bundle: "ns1/0x00_0x80"},
	}}
	adminClient := &fakeAdmin{}
	store := loaddata.NewMemStore[broker.LoadData]()

	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		store,
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: true},
		adminClient,
		baseConfig,
	)

	s.Execute(context.Background())

	adminClient.mu.Lock()
	calls := append([]string(nil), adminClient.calls...)
	adminClient.mu.Unlock()
	if len(calls) != 1 || calls[0] != "ns1/0x00_0x80" {
		t.Fatalf("unexpected admin calls: %v", calls)
	}

	cooldown := s.RecentlyUnloaded()
	if _, ok := cooldown["ns1/0x00_0x80"]; !ok {
		t.Fatalf("expected bundle to be recorded as recently unloaded: %+v", cooldown)
	}
}

func TestUnloadScheduler_NotLeaderSkipsTick(t *testing.T) {
	strategy := &fakeStrategy{unloads: []shedding.Unload{{Broker: "b1", Bundle: "ns1/a"}}}
	adminClient := &fakeAdmin{}
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: false},
		adminClient,
		baseConfig,
	)

	s.Execute(context.Background())

	if atomic.LoadInt32(&strategy.calls) != 0 {
		t.Fatal("expected the strategy pipeline to never run when not leader")
	}
}

func TestUnloadScheduler_FewerThanTwoBrokersSkips(t *testing.T) {
	strategy := &fakeStrategy{unloads: []shedding.Unload{{Broker: "b1", Bundle: "ns1/a"}}}
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{brokers: []string{"b1"}},
		&fakeLeader{leading: true},
		&fakeAdmin{},
		baseConfig,
	)

	s.Execute(context.Background())

	if atomic.LoadInt32(&strategy.calls) != 0 {
		t.Fatal("expected the strategy pipeline to never run with fewer than 2 brokers")
	}
}

func TestUnloadScheduler_DisabledSkips(t *testing.T) {
	strategy := &fakeStrategy{unloads: []shedding.Unload{{Broker: "b1", Bundle: "ns1/a"}}}
	cfg := baseConfig()
	cfg.SheddingEnabled = false
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: true},
		&fakeAdmin{},
		func() config.Config { return cfg },
	)

	s.Execute(context.Background())

	if atomic.LoadInt32(&strategy.calls) != 0 {
		t.Fatal("expected the strategy pipeline to never run while shedding is disabled")
	}
}

func TestUnloadScheduler_AdminFailureDoesNotMarkCooldown(t *testing.T) {
	strategy := &fakeStrategy{unloads: []shedding.Unload{{Broker: "b1", Bundle: "ns1/a"}}}
	adminClient := &fakeAdmin{fail: map[string]bool{"ns1/a": true}}
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: true},
		adminClient,
		baseConfig,
	)

	s.Execute(context.Background())

	if cooldown := s.RecentlyUnloaded(); len(cooldown) != 0 {
		t.Fatalf("expected no cooldown entry on admin failure, got %+v", cooldown)
	}
}

func TestUnloadScheduler_CooldownExpires(t *testing.T) {
	strategy := &fakeStrategy{}
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: true},
		&fakeAdmin{},
		baseConfig,
	)
	s.recentlyUnloaded["ns1/old"] = time.Now().Add(-time.Hour)
	s.recentlyUnloaded["ns1/fresh"] = time.Now()

	s.Execute(context.Background())

	cooldown := s.RecentlyUnloaded()
	if _, ok := cooldown["ns1/old"]; ok {
		t.Fatal("expected the expired cooldown entry to be dropped")
	}
	if _, ok := cooldown["ns1/fresh"]; !ok {
		t.Fatal("expected the fresh cooldown entry to survive")
	}
}

func TestUnloadScheduler_RegistryFailureSkipsTick(t *testing.T) {
	strategy := &fakeStrategy{unloads: []shedding.Unload{{Broker: "b1", Bundle: "ns1/a"}}}
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{err: errors.New("registry unavailable")},
		&fakeLeader{leading: true},
		&fakeAdmin{},
		baseConfig,
	)

	s.Execute(context.Background())

	if atomic.LoadInt32(&strategy.calls) != 0 {
		t.Fatal("expected the strategy pipeline to never run when the registry errors")
	}
}

type blockingStrategy struct {
	release chan struct{}
	entered chan struct{}
	calls   int32
}

func (b *blockingStrategy) SelectUnloads(store loaddata.Store[broker.LoadData], recentlyUnloaded map[string]time.Time, cfg config.Config) []shedding.Unload {
	atomic.AddInt32(&b.calls, 1)
	close(b.entered)
	<-b.release
	return nil
}

func TestUnloadScheduler_CoalescesOverlappingTicks(t *testing.T) {
	strategy := &blockingStrategy{release: make(chan struct{}), entered: make(chan struct{})}
	s := NewUnloadScheduler(
		[]shedding.UnloadStrategy{strategy},
		loaddata.NewMemStore[broker.LoadData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: true},
		&fakeAdmin{},
		baseConfig,
	)

	done := make(chan struct{})
	go func() {
		s.Execute(context.Background())
		close(done)
	}()

	<-strategy.entered
	s.Execute(context.Background()) // should be dropped, not queued
	close(strategy.release)
	<-done

	if got := atomic.LoadInt32(&strategy.calls); got != 1 {
		t.Fatalf("expected exactly 1 strategy invocation, got %d", got)
	}
}

type fakeSplitStrategy struct {
	result map[string]struct{}
	calls  int32
}

func (f *fakeSplitStrategy) SelectSplits(ctx context.Context, brokerStore loaddata.Store[broker.LoadData], bundleStore loaddata.Store[bundledata.BundleData], cfg config.Config) map[string]struct{} {
	atomic.AddInt32(&f.calls, 1)
	return f.result
}

func TestSplitScheduler_RunsAndExposesPendingSplits(t *testing.T) {
	strategy := &fakeSplitStrategy{result: map[string]struct{}{"ns1/a": {}}}
	cfg := baseConfig()
	s := NewSplitScheduler(
		strategy,
		loaddata.NewMemStore[broker.LoadData](),
		loaddata.NewMemStore[bundledata.BundleData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: true},
		func() config.Config { return cfg },
	)

	s.Execute(context.Background())

	pending := s.PendingSplits()
	if _, ok := pending["ns1/a"]; !ok {
		t.Fatalf("expected ns1/a in pending splits, got %+v", pending)
	}
}

func TestSplitScheduler_NotLeaderSkips(t *testing.T) {
	strategy := &fakeSplitStrategy{result: map[string]struct{}{"ns1/a": {}}}
	cfg := baseConfig()
	s := NewSplitScheduler(
		strategy,
		loaddata.NewMemStore[broker.LoadData](),
		loaddata.NewMemStore[bundledata.BundleData](),
		&fakeRegistry{brokers: []string{"b1", "b2"}},
		&fakeLeader{leading: false},
		func() config.Config { return cfg },
	)

	s.Execute(context.Background())

	if atomic.LoadInt32(&strategy.calls) != 0 {
		t.Fatal("expected the split strategy to never run when not leader")
	}
}
