package netpolicy

import (
	"fmt"

	"github.com/ligustah/gulp/internal/record"
)

// Result is the outcome of a connectivity check.
type Result int

const (
	OK Result = iota
	BlockedNoNetwork
	BlockedRoaming
	BlockedTypeDisallowed
	BlockedSizeOverMobile
	BlockedSizeRecommended
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case BlockedNoNetwork:
		return "no_network"
	case BlockedRoaming:
		return "roaming"
	case BlockedTypeDisallowed:
		return "type_disallowed"
	case BlockedSizeOverMobile:
		return "size_over_mobile"
	case BlockedSizeRecommended:
		return "size_recommended"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Status maps a blocking result to the paused status a worker reports.
func (r Result) Status() record.Status {
	switch r {
	case OK:
		return record.StatusRunning
	case BlockedSizeOverMobile, BlockedSizeRecommended:
		return record.StatusPausedQueuedWiFi
	}
	return record.StatusPausedNoNetwork
}

// Reason maps a blocking result to the record reason.
func (r Result) Reason() record.Reason {
	switch r {
	case BlockedNoNetwork:
		return record.ReasonNetworkUnavailable
	case BlockedRoaming:
		return record.ReasonRoaming
	case BlockedTypeDisallowed:
		return record.ReasonTypeDisallowed
	case BlockedSizeOverMobile, BlockedSizeRecommended:
		return record.ReasonSizeOverMobile
	}
	return record.ReasonNone
}

// Network describes the active network connection.
type Network struct {
	// Type is zero when no network is available.
	Type    record.NetworkType
	Roaming bool
	Metered bool
}

// Connected reports whether any network is available.
func (n Network) Connected() bool {
	return n.Type != 0
}

// Limits bounds transfers over mobile networks. Zero disables a limit.
type Limits struct {
	MaxBytesOverMobile         int64
	RecommendedBytesOverMobile int64
}

// Check decides whether rec may transfer over n.
func Check(n Network, rec *record.Record, limits Limits) Result {
	if !n.Connected() {
		return BlockedNoNetwork
	}
	if n.Roaming && !rec.AllowRoaming {
		return BlockedRoaming
	}
	if !rec.AllowedNetworks.Has(n.Type) {
		return BlockedTypeDisallowed
	}
	return checkSize(n, rec.TotalBytes, limits)
}

func checkSize(n Network, totalBytes int64, limits Limits) Result {
	if totalBytes <= 0 {
		return OK
	}
	if n.Type != record.NetworkMobile {
		return OK
	}
	if limits.MaxBytesOverMobile > 0 && totalBytes > limits.MaxBytesOverMobile {
		return BlockedSizeOverMobile
	}
	if limits.RecommendedBytesOverMobile > 0 && totalBytes > limits.RecommendedBytesOverMobile {
		return BlockedSizeRecommended
	}
	return OK
}

// ParseType maps a configured network name to a network type. "none" maps to
// zero, meaning disconnected.
func ParseType(s string) (record.NetworkType, error) {
	switch s {
	case "none", "":
		return 0, nil
	case "mobile":
		return record.NetworkMobile, nil
	case "wifi":
		return record.NetworkWiFi, nil
	case "ethernet":
		return record.NetworkEthernet, nil
	}
	return 0, fmt.Errorf("netpolicy: unknown network type %q", s)
}
