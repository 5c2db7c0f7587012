// Package payout holds the per-delivery runner credit amount. The value is
// set by operations at runtime and read on every delivered order, so reads
// vastly outnumber writes.
package payout

import "sync"

// DefaultCreditTenge is used until operations set another value.
const DefaultCreditTenge int64 = 700

// Provider is a concurrency-safe holder of the current per-delivery credit.
type Provider struct {
	mu    sync.RWMutex
	value int64
	subs  []chan int64
}

// New returns a Provider seeded with value; non-positive values fall back
// to the default.
func New(value int64) *Provider {
	if value <= 0 {
		value = DefaultCreditTenge
	}
	return &Provider{value: value}
}

// CurrentValue returns the credit applied to the next delivered order.
func (p *Provider) CurrentValue() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Set replaces the credit amount and notifies subscribers. Notification is
// best effort: a subscriber that is not draining its channel misses updates
// rather than blocking the writer.
func (p *Provider) Set(value int64) {
	if value <= 0 {
		return
	}
	p.mu.Lock()
	p.value = value
	subs := make([]chan int64, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- value:
		default:
		}
	}
}

// Subscribe returns a channel that receives subsequent credit changes.
func (p *Provider) Subscribe() <-chan int64 {
	ch := make(chan int64, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}
