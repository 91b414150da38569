// Package split implements the bundle-split strategy described in
// spec §4.4: a multi-criteria scan over every broker's reported bundle
// stats that flags bundles whose topic count, session count, message
// rate, or bandwidth has outgrown its share of the namespace.
package split

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/fleetbroker/loadshed/pkg/broker"
	"github.com/fleetbroker/loadshed/pkg/bundledata"
	"github.com/fleetbroker/loadshed/pkg/config"
	"github.com/fleetbroker/loadshed/pkg/loaddata"
)

// NamespaceService answers "how many bundles does this namespace have
// right now", the one piece of cluster state the split strategy needs
// but cannot derive from the load-data stores alone (spec §6).
type NamespaceService interface {
	GetBundleCount(ctx context.Context, namespace string) (int, error)
}

// Strategy is the sibling of shedding.UnloadStrategy for the split
// scheduler: given the current broker and bundle telemetry, decide
// which bundles have outgrown their current range.
type Strategy interface {
	SelectSplits(ctx context.Context, brokerStore loaddata.Store[broker.LoadData], bundleStore loaddata.Store[bundledata.BundleData], cfg config.Config) map[string]struct{}
}

// DefaultBundleSplitStrategy is the only Strategy this package ships:
// spec §4.4's topic/session/rate/bandwidth criteria, gated by a
// per-namespace bundle-count cap queried from NamespaceService.
type DefaultBundleSplitStrategy struct {
	Namespaces NamespaceService
}

// NewDefaultBundleSplitStrategy constructs a DefaultBundleSplitStrategy
// that consults ns for the per-namespace bundle-count cap.
func NewDefaultBundleSplitStrategy(ns NamespaceService) *DefaultBundleSplitStrategy {
	return &DefaultBundleSplitStrategy{Namespaces: ns}
}

// SelectSplits implements spec §4.4. The asymmetry between long-term
// rate/throughput and short-term topic/session counts is intentional:
// a bundle should only split once its load has been sustained, but its
// topic and session counts are read from the freshest report available
// (spec §9).
func (s *DefaultBundleSplitStrategy) SelectSplits(ctx context.Context, brokerStore loaddata.Store[broker.LoadData], bundleStore loaddata.Store[bundledata.BundleData], cfg config.Config) map[string]struct{} {
	result := make(map[string]struct{})

	brokerStore.ForEach(func(brokerID string, data broker.LoadData) {
		for bundle, stats := range data.LastStats {
			if stats.Topics < 2 {
				klog.V(4).Infof("split: %s has fewer than 2 topics, skipping", bundle)
				continue
			}

			var rate, throughput float64
			if bd, ok := bundleStore.Get(bundle); ok {
				rate = bd.LongTerm.TotalMsgRate
				throughput = bd.LongTerm.TotalMsgThroughput
			}

			if !s.isCandidate(stats, rate, throughput, cfg) {
				continue
			}

			namespace, err := bundledata.Namespace(bundle)
			if err != nil {
				klog.Warningf("split: cannot extract namespace from bundle %q: %v", bundle, err)
				continue
			}

			count, err := s.getBundleCount(ctx, namespace, cfg.CallTimeout)
			if err != nil {
				klog.Warningf("split: bundle count query for namespace %s failed: %v", namespace, err)
				continue
			}

			if count >= cfg.NamespaceMaximumBundles {
				klog.V(3).Infof("split: namespace %s at bundle cap (%d/%d), skipping %s",
					namespace, count, cfg.NamespaceMaximumBundles, bundle)
				continue
			}

			result[bundle] = struct{}{}
		}
	})

	return result
}

// getBundleCount applies the shared per-call deadline (spec §5) before
// querying the namespace service, the same way UnloadScheduler.dispatchBroker
// bounds each admin RPC.
func (s *DefaultBundleSplitStrategy) getBundleCount(ctx context.Context, namespace string, callTimeout time.Duration) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return s.Namespaces.GetBundleCount(callCtx, namespace)
}

func (s *DefaultBundleSplitStrategy) isCandidate(stats broker.BundleStats, longTermRate, longTermThroughput float64, cfg config.Config) bool {
	if stats.Topics > cfg.NamespaceBundleMaxTopics {
		return true
	}
	if cfg.NamespaceBundleMaxSessions > 0 && stats.ProducerCount+stats.ConsumerCount > cfg.NamespaceBundleMaxSessions {
		return true
	}
	if longTermRate > cfg.NamespaceBundleMaxMsgRate {
		return true
	}
	if longTermThroughput > cfg.NamespaceBundleMaxBandwidthMB*(1<<20) {
		return true
	}
	return false
}
