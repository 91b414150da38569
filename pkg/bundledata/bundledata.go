// Package bundledata holds the long-lived, time-averaged view of a
// bundle's message rate and throughput, and the bundle id wire format
// shared by every component that needs to split a bundle id into its
// namespace and range.
package bundledata

import (
	"fmt"
	"strings"
)

// TimeAverageData is an EWMA-smoothed rate/throughput pair. BundleData
// keeps two of these: one averaged over hours (LongTerm) and one over
// minutes (ShortTerm). Only LongTerm is consulted by the split strategy,
// per spec: bundles should split only after sustained load.
type TimeAverageData struct {
	TotalMsgRate       float64
	TotalMsgThroughput float64
}

// BundleData is the per-bundle telemetry record kept in its own
// LoadDataStore, separate from the owning broker's BrokerLoadData.
type BundleData struct {
	LongTerm  TimeAverageData
	ShortTerm TimeAverageData
}

// Split divides a bundle id of the form "<namespace>/<range>" into its
// namespace and range components by locating the final '/'. The range
// itself may contain no further slashes (it is a hex-hyphen pair such
// as "0x40000000_0x80000000"), so splitting on the *last* slash is what
// tells namespace names with slashes in them (e.g. "tenant/ns") apart
// from the range suffix.
func Split(bundle string) (namespace, bundleRange string, err error) {
	idx := strings.LastIndex(bundle, "/")
	if idx < 0 || idx == len(bundle)-1 {
		return "", "", fmt.Errorf("bundledata: malformed bundle id %q: no range separator", bundle)
	}
	return bundle[:idx], bundle[idx+1:], nil
}

// Namespace extracts just the namespace portion of a bundle id.
func Namespace(bundle string) (string, error) {
	ns, _, err := Split(bundle)
	return ns, err
}
