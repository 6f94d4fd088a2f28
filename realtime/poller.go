package realtime

import (
	"context"
	"sync"
	"time"
)

// Poller is the polling fallback. Run calls tick once per interval unless an
// event was seen within that interval (see Touch). Force makes every interval
// tick regardless, for sessions whose subscription failed.
type Poller struct {
	interval time.Duration
	tick     func()

	mu       sync.Mutex
	lastSeen time.Time
	forced   bool
	now      func() time.Time
}

func NewPoller(interval time.Duration, tick func()) *Poller {
	return &Poller{interval: interval, tick: tick, now: time.Now}
}

// Touch records that a push notification just arrived.
func (p *Poller) Touch() {
	p.mu.Lock()
	p.lastSeen = p.now()
	p.mu.Unlock()
}

// Force disables the recent-event suppression.
func (p *Poller) Force() {
	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
}

func (p *Poller) due() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced || p.now().Sub(p.lastSeen) >= p.interval
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.due() {
				p.tick()
			}
		}
	}
}
