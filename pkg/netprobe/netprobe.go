// Package netprobe supplements broker liveness as reported by the
// registry's Endpoints watch with an independent ICMP reachability
// check: an Endpoints entry can be "ready" from the apiserver's point
// of view for a few seconds after the pod it names has actually wedged.
// The prober caches a per-broker reachability sample with a TTL and
// refreshes it on a background loop, the same shape as the teacher's
// WAN RTT probe.
package netprobe

import (
	"context"
	"sync"
	"time"

	"github.com/go-ping/ping"
	"k8s.io/klog/v2"
)

// Sample is one broker's most recent reachability reading.
type Sample struct {
	Reachable bool
	RTT       time.Duration
	LossPct   float64
	Timestamp time.Time
}

// Prober maintains a TTL-cached reachability Sample per broker address,
// refreshed by a background loop so BrokerRegistry.AvailableBrokers
// never blocks on a live ping.
type Prober struct {
	mu    sync.RWMutex
	cache map[string]Sample

	addrMu    sync.RWMutex
	addresses []string

	ttl      time.Duration
	interval time.Duration
	count    int
	timeout  time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewProber constructs a Prober. ttl governs how long a cached sample
// is trusted before Reachable is reported as the pessimistic default.
func NewProber(ttl time.Duration) *Prober {
	return &Prober{
		cache:    make(map[string]Sample),
		ttl:      ttl,
		interval: 15 * time.Second,
		count:    3,
		timeout:  3 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start sets the initial set of broker addresses to probe and launches
// the background refresh loop. The loop is launched at most once; later
// calls only update the probed address set (see SetAddresses), so a
// caller whose broker membership changes can call Start repeatedly
// without stacking refresh goroutines.
func (p *Prober) Start(addresses []string) {
	p.SetAddresses(addresses)
	p.startOnce.Do(func() { go p.loop() })
}

// SetAddresses replaces the set of addresses the background loop probes
// on its next tick, without restarting the loop itself.
func (p *Prober) SetAddresses(addresses []string) {
	p.addrMu.Lock()
	p.addresses = append([]string(nil), addresses...)
	p.addrMu.Unlock()
}

func (p *Prober) currentAddresses() []string {
	p.addrMu.RLock()
	defer p.addrMu.RUnlock()
	return append([]string(nil), p.addresses...)
}

// Stop halts the background refresh loop.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Prober) loop() {
	p.refreshAll(p.currentAddresses())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.refreshAll(p.currentAddresses())
		}
	}
}

func (p *Prober) refreshAll(addresses []string) {
	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			p.refreshOne(addr)
		}(addr)
	}
	wg.Wait()
}

func (p *Prober) refreshOne(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	sample, err := p.probe(ctx, addr)
	if err != nil {
		klog.V(4).Infof("netprobe: probe %s: %v", addr, err)
		sample = Sample{Reachable: false, Timestamp: time.Now()}
	}

	p.mu.Lock()
	p.cache[addr] = sample
	p.mu.Unlock()
}

func (p *Prober) probe(ctx context.Context, addr string) (Sample, error) {
	pinger, err := ping.NewPinger(addr)
	if err != nil {
		return Sample{}, err
	}
	pinger.SetPrivileged(false)
	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.Interval = 200 * time.Millisecond

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		close(done)
		return Sample{}, err
	}
	close(done)

	stats := pinger.Statistics()
	return Sample{
		Reachable: stats.PacketsRecv > 0,
		RTT:       stats.AvgRtt,
		LossPct:   stats.PacketLoss,
		Timestamp: time.Now(),
	}, nil
}

// Reachable reports the most recent sample for addr, treating a
// missing or stale entry as unreachable — the pessimistic default, per
// the teacher's WANProbe.GetWANState fallback.
func (p *Prober) Reachable(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sample, ok := p.cache[addr]
	if !ok {
		return false
	}
	if time.Since(sample.Timestamp) > p.ttl {
		return false
	}
	return sample.Reachable
}
