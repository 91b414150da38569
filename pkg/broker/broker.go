// Package broker models the per-broker telemetry snapshot the shedder
// and splitter read from the LoadDataStore, and the weighted
// resource-usage evaluator both of them are built on.
package broker

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/fleetbroker/loadshed/pkg/config"
)

// BundleStats is the short-term, per-bundle view a broker reports
// alongside its own LoadData: topic/session counts plus a short-term
// throughput sample. It is keyed by bundle id inside LoadData.LastStats.
type BundleStats struct {
	Topics           int64
	ProducerCount    int64
	ConsumerCount    int64
	MsgThroughputIn  float64
	MsgThroughputOut float64
}

// Throughput is the sum of the bundle's short-term in/out throughput,
// the quantity the threshold shedder sorts victims by.
func (s BundleStats) Throughput() float64 {
	return s.MsgThroughputIn + s.MsgThroughputOut
}

// LoadData is one broker's load snapshot: resource usages in [0, 1]
// (values above 1.0 are possible on misconfigured limits, see
// MaxResourceUsage), aggregate message throughput, the bundle set it
// currently owns, and the last reported stats for each of those
// bundles (plus any recently-owned bundle whose stats haven't expired
// yet).
type LoadData struct {
	CPU          float64
	Memory       float64
	DirectMemory float64
	BandwidthIn  float64
	BandwidthOut float64

	MsgThroughputIn  float64
	MsgThroughputOut float64

	Bundles   map[string]struct{}
	LastStats map[string]BundleStats

	LastUpdate time.Time
}

// Throughput is the broker's aggregate reported throughput, the
// quantity the threshold shedder scales by the offload fraction.
func (d LoadData) Throughput() float64 {
	return d.MsgThroughputIn + d.MsgThroughputOut
}

// OwnsBundle reports whether bundle is a member of the broker's current
// bundle set. The shedder consults this, rather than trusting
// LastStats' keys alone, because LastStats may still carry stale
// entries for bundles the broker no longer owns (see spec §9: "a
// mismatch (stale stats) is possible").
func (d LoadData) OwnsBundle(bundle string) bool {
	_, ok := d.Bundles[bundle]
	return ok
}

// usageSample is one weighted resource reading, named for the error and
// debug logs that need to print it.
type usageSample struct {
	name   string
	usage  float64
	weight float64
}

func (d LoadData) samples(weights config.ResourceWeights) []usageSample {
	return []usageSample{
		{"cpu", d.CPU, weights.CPU},
		{"memory", d.Memory, weights.Memory},
		{"directMemory", d.DirectMemory, weights.DirectMemory},
		{"bandwidthIn", d.BandwidthIn, weights.BandwidthIn},
		{"bandwidthOut", d.BandwidthOut, weights.BandwidthOut},
	}
}

// MaxResourceUsage computes the weighted max of cpu/memory/direct
// memory/bandwidth-in/bandwidth-out per spec §4.2. A usage above 1.0
// indicates a misconfigured resource limit (e.g. a broker reporting
// 7x because its configured memory limit is effectively zero); such
// signals would poison the max, so they are logged once and excluded
// in favor of MaxResourceUsageWithinLimit.
func (d LoadData) MaxResourceUsage(weights config.ResourceWeights) float64 {
	samples := d.samples(weights)

	var anyOverLimit bool
	maxUsage := 0.0
	for i, s := range samples {
		if s.usage > 1.0 {
			anyOverLimit = true
		}
		if raw := s.usage * s.weight; i == 0 || raw > maxUsage {
			maxUsage = raw
		}
	}

	if !anyOverLimit {
		return maxUsage
	}

	klog.Errorf("broker resourceUsage is bigger than 100%%: some resource limits are "+
		"mis-configured; disable the offending signal by setting its weight to zero "+
		"or fix the limit; resourceUsage=[%s]", d.describeUsage(weights))

	withinLimit := d.MaxResourceUsageWithinLimit(weights)
	klog.Warningf("recomputed max resourceUsage=%.0f%%, skipped usage signals bigger than 100%%",
		withinLimit*100)
	return withinLimit
}

// MaxResourceUsageWithinLimit is the fallback computation used when one
// or more raw usages exceed 1.0: the weighted max is taken only over
// the signals that are still within their configured limit. If every
// signal is over limit, the result is 0 — there is nothing trustworthy
// left to report.
func (d LoadData) MaxResourceUsageWithinLimit(weights config.ResourceWeights) float64 {
	maxUsage := 0.0
	found := false
	for _, s := range d.samples(weights) {
		if s.usage > 1.0 {
			continue
		}
		if raw := s.usage * s.weight; !found || raw > maxUsage {
			maxUsage = raw
			found = true
		}
	}
	if !found {
		return 0
	}
	return maxUsage
}

func (d LoadData) describeUsage(weights config.ResourceWeights) string {
	out := ""
	for i, s := range d.samples(weights) {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%.3f(w=%.2f)", s.name, s.usage, s.weight)
	}
	return out
}
