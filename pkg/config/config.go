// Package config loads the load-shedding engine's tunables from the
// process environment, the same way the rest of this fleet's daemons do:
// typed env accessors with hard-coded defaults, no config file parser.
package config

import (
	"os"
	"strconv"
	"time"
)

// ResourceWeights are the per-signal multipliers applied by the
// resource-usage evaluator before taking the max.
type ResourceWeights struct {
	CPU          float64
	Memory       float64
	DirectMemory float64
	BandwidthIn  float64
	BandwidthOut float64
}

// Config holds every tunable named in the load-balancer's configuration
// surface. Field names track the `loadBalancer*` keys they are loaded
// from, minus the common prefix.
type Config struct {
	// Master switches.
	LoadBalancerEnabled bool
	SheddingEnabled     bool

	// ThresholdShedder.
	BrokerThresholdShedderPercentage float64
	HistoryResourcePercentage        float64
	BundleUnloadMinThroughputMB      float64
	SheddingGracePeriod              time.Duration
	ResourceWeights                  ResourceWeights

	// DefaultBundleSplitStrategy.
	NamespaceMaximumBundles     int
	NamespaceBundleMaxTopics    int64
	NamespaceBundleMaxSessions  int64
	NamespaceBundleMaxMsgRate   float64
	NamespaceBundleMaxBandwidthMB float64

	// Scheduling cadence and call budget, shared by both schedulers.
	UnloadTickInterval time.Duration
	SplitTickInterval  time.Duration
	CallTimeout        time.Duration
}

// Load reads Config from the environment, falling back to the stock
// defaults for anything unset. It never fails: a malformed value is
// ignored without logging and the default is kept, matching
// util.GetEnvInt/GetEnvFloat's fallback behavior.
func Load() Config {
	return Config{
		LoadBalancerEnabled: GetEnvBool("LOAD_BALANCER_ENABLED", true),
		SheddingEnabled:     GetEnvBool("LOAD_BALANCER_SHEDDING_ENABLED", true),

		BrokerThresholdShedderPercentage: GetEnvFloat("LOAD_BALANCER_BROKER_THRESHOLD_SHEDDER_PERCENTAGE", 10),
		HistoryResourcePercentage:        GetEnvFloat("LOAD_BALANCER_HISTORY_RESOURCE_PERCENTAGE", 0.9),
		BundleUnloadMinThroughputMB:      GetEnvFloat("LOAD_BALANCER_BUNDLE_UNLOAD_MIN_THROUGHPUT_THRESHOLD", 1),
		SheddingGracePeriod:              time.Duration(GetEnvInt("LOAD_BALANCER_SHEDDING_GRACE_PERIOD_MINUTES", 30)) * time.Minute,
		ResourceWeights: ResourceWeights{
			CPU:          GetEnvFloat("LOAD_BALANCER_CPU_RESOURCE_WEIGHT", 1.0),
			Memory:       GetEnvFloat("LOAD_BALANCER_MEMORY_RESOURCE_WEIGHT", 1.0),
			DirectMemory: GetEnvFloat("LOAD_BALANCER_DIRECT_MEMORY_RESOURCE_WEIGHT", 1.0),
			BandwidthIn:  GetEnvFloat("LOAD_BALANCER_BANDWITH_IN_RESOURCE_WEIGHT", 1.0),
			BandwidthOut: GetEnvFloat("LOAD_BALANCER_BANDWITH_OUT_RESOURCE_WEIGHT", 1.0),
		},

		NamespaceMaximumBundles:        GetEnvInt("LOAD_BALANCER_NAMESPACE_MAXIMUM_BUNDLES", 128),
		NamespaceBundleMaxTopics:       int64(GetEnvInt("LOAD_BALANCER_NAMESPACE_BUNDLE_MAX_TOPICS", 1000)),
		NamespaceBundleMaxSessions:     int64(GetEnvInt("LOAD_BALANCER_NAMESPACE_BUNDLE_MAX_SESSIONS", 0)),
		NamespaceBundleMaxMsgRate:      GetEnvFloat("LOAD_BALANCER_NAMESPACE_BUNDLE_MAX_MSG_RATE", 30000),
		NamespaceBundleMaxBandwidthMB:  GetEnvFloat("LOAD_BALANCER_NAMESPACE_BUNDLE_MAX_BANDWIDTH_MBYTES", 100),

		UnloadTickInterval: time.Duration(GetEnvInt("LOAD_BALANCER_SHEDDING_INTERVAL_SECONDS", 60)) * time.Second,
		SplitTickInterval:  time.Duration(GetEnvInt("LOAD_BALANCER_SPLIT_INTERVAL_SECONDS", 300)) * time.Second,
		CallTimeout:        time.Duration(GetEnvInt("LOAD_BALANCER_CALL_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// GetEnvOrDefault retrieves the value of the environment variable named
// by key, or def if it is unset or empty.
func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvInt retrieves an integer value from an environment variable,
// falling back to def if unset or unparsable.
func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// GetEnvFloat retrieves a float64 value from an environment variable,
// falling back to def if unset or unparsable.
func GetEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetEnvBool retrieves a boolean value from an environment variable,
// falling back to def if unset or unparsable.
func GetEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
