// Package shedding implements the threshold-based overload detector
// and victim-bundle selector described in spec §4.3: a weighted,
// EWMA-smoothed resource-usage comparator that flags brokers exceeding
// the fleet average by a configured margin, and greedily selects
// enough of their bundles to bring them back under it.
package shedding

import (
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/fleetbroker/loadshed/pkg/broker"
	"github.com/fleetbroker/loadshed/pkg/config"
	"github.com/fleetbroker/loadshed/pkg/loaddata"
)

// Unload is a single victim-bundle proposal: move Bundle off Broker.
type Unload struct {
	Broker string
	Bundle string
}

// UnloadStrategy is one stage of the scheduler's shedding pipeline.
// Each strategy consults the broker load store independently; the
// scheduler concatenates their proposals in pipeline order.
type UnloadStrategy interface {
	SelectUnloads(store loaddata.Store[broker.LoadData], recentlyUnloaded map[string]time.Time, cfg config.Config) []Unload
}

// ThresholdShedder is the default, and so far only, UnloadStrategy: it
// flags a broker overloaded when its EWMA-smoothed weighted resource
// usage exceeds the fleet average by thresholdPct, and sheds just
// enough of its highest-throughput bundles to close the gap.
//
// A ThresholdShedder is stateful across ticks — smoothed carries the
// EWMA per broker — and is not safe for concurrent use; the scheduler
// owning it must serialize calls to SelectUnloads the same way it
// serializes ticks.
type ThresholdShedder struct {
	smoothed map[string]float64

	lastColdStartLog time.Time
}

// NewThresholdShedder constructs a ThresholdShedder with an empty
// smoothed-usage history.
func NewThresholdShedder() *ThresholdShedder {
	return &ThresholdShedder{smoothed: make(map[string]float64)}
}

// victim is a unload candidate: a bundle still owned by the broker,
// not currently in cooldown, paired with the short-term throughput
// sample the greedy selector sorts by.
type victim struct {
	bundle     string
	throughput float64
}

// SelectUnloads runs one evaluation pass over every broker currently
// in store, per spec §4.3.
func (s *ThresholdShedder) SelectUnloads(store loaddata.Store[broker.LoadData], recentlyUnloaded map[string]time.Time, cfg config.Config) []Unload {
	start := time.Now()

	snapshot := make(map[string]broker.LoadData)
	var totalUsage float64
	var n int

	// Step 1: update every broker's smoothed usage before any
	// per-broker decision is made (spec §5: "performed once per broker
	// per tick, before the per-broker decision").
	store.ForEach(func(id string, data broker.LoadData) {
		snapshot[id] = data

		u := data.MaxResourceUsage(cfg.ResourceWeights)
		h, known := s.smoothed[id]
		var next float64
		if !known {
			next = u
		} else {
			next = h*cfg.HistoryResourcePercentage + (1-cfg.HistoryResourcePercentage)*u
		}
		s.smoothed[id] = next

		totalUsage += next
		n++
	})

	avg := 0.0
	if n > 0 {
		avg = totalUsage / float64(n)
	}

	overloaded := make(map[string]bool, n)
	var unloads []Unload
	defer func() {
		recordTickMetrics(s.smoothed, avg, overloaded, unloads, time.Since(start))
	}()

	if avg == 0 {
		if s.canLogColdStart() {
			klog.Warningf("shedding: cluster average weighted resource usage is 0 across %d broker(s); skipping tick", n)
		}
		return nil
	}

	thresholdFraction := cfg.BrokerThresholdShedderPercentage / 100
	minBytes := cfg.BundleUnloadMinThroughputMB * (1 << 20)

	for id, data := range snapshot {
		cur := s.smoothed[id]
		if cur < avg+thresholdFraction {
			continue
		}
		overloaded[id] = true

		offloadFraction := cur - avg - thresholdFraction + 0.05
		targetBytes := data.Throughput() * offloadFraction
		if targetBytes < minBytes {
			continue
		}

		picked := s.pickVictims(id, data, recentlyUnloaded, targetBytes)
		unloads = append(unloads, picked...)
	}

	return unloads
}

// pickVictims implements spec §4.3 step 4: it rejects brokers with no
// owned bundles or exactly one (a single bundle can't be improved by
// moving it; the split strategy is expected to shrink it instead), then
// greedily walks owned, non-cooldown bundles in descending throughput
// order until the cumulative throughput of the chosen bundles reaches
// target — always choosing at least one candidate if any survive the
// filter, even if the candidate list runs out before reaching target.
func (s *ThresholdShedder) pickVictims(brokerID string, data broker.LoadData, recentlyUnloaded map[string]time.Time, target float64) []Unload {
	if len(data.Bundles) == 0 {
		klog.Warningf("shedding: broker %s flagged overloaded but owns no bundles", brokerID)
		return nil
	}
	if len(data.Bundles) == 1 {
		klog.Warningf("shedding: broker %s HIGH USAGE but owns a single bundle; cannot shed, awaiting split", brokerID)
		return nil
	}

	var candidates []victim
	for bundle, stats := range data.LastStats {
		if _, cooling := recentlyUnloaded[bundle]; cooling {
			continue
		}
		if !data.OwnsBundle(bundle) {
			continue
		}
		candidates = append(candidates, victim{bundle: bundle, throughput: stats.Throughput()})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].throughput > candidates[j].throughput
	})

	var unloads []Unload
	var cumulative float64
	for _, c := range candidates {
		unloads = append(unloads, Unload{Broker: brokerID, Bundle: c.bundle})
		cumulative += c.throughput
		if cumulative >= target {
			break
		}
	}
	return unloads
}

func (s *ThresholdShedder) canLogColdStart() bool {
	now := time.Now()
	if now.Sub(s.lastColdStartLog) < 5*time.Minute {
		return false
	}
	s.lastColdStartLog = now
	return true
}
