package netpolicy

import "sync"

// Monitor reports the current network and signals when it changes.
type Monitor interface {
	Current() Network
	// Changes returns a channel that receives a value after each change.
	// Signals are coalesced; receivers should re-read Current.
	Changes() <-chan struct{}
}

// StaticMonitor is a Monitor whose network is set explicitly.
type StaticMonitor struct {
	mu      sync.Mutex
	network Network
	subs    []chan struct{}
}

// NewStaticMonitor returns a monitor reporting n until Set is called.
func NewStaticMonitor(n Network) *StaticMonitor {
	return &StaticMonitor{network: n}
}

// Current returns the last network passed to Set.
func (m *StaticMonitor) Current() Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// Changes returns a new subscription channel.
func (m *StaticMonitor) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Set replaces the current network and notifies subscribers if it changed.
func (m *StaticMonitor) Set(n Network) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.network == n {
		return
	}
	m.network = n
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
