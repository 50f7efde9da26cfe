package core

import (
	"context"
	"time"
)

// PulseBroadcaster is the engine's shared clock. Three tickers fan out
// to subscriber channels: fast drives dispatch retries, medium drives
// liveness sweeps, slow drives wakeups and housekeeping.
//
// Subscriber channels are buffered with capacity one and written with
// non-blocking sends, so a component that is mid-cycle coalesces ticks
// instead of stalling the broadcaster.
type PulseBroadcaster struct {
	fast   time.Duration
	medium time.Duration
	slow   time.Duration

	fastSubs   []chan time.Time
	mediumSubs []chan time.Time
	slowSubs   []chan time.Time
}

func NewPulseBroadcaster(fast, medium, slow time.Duration) *PulseBroadcaster {
	return &PulseBroadcaster{
		fast:   fast,
		medium: medium,
		slow:   slow,
	}
}

// SubscribeFast registers a fast-cadence listener. All subscriptions
// must happen before Run starts.
func (p *PulseBroadcaster) SubscribeFast() <-chan time.Time {
	ch := make(chan time.Time, 1)
	p.fastSubs = append(p.fastSubs, ch)
	return ch
}

func (p *PulseBroadcaster) SubscribeMedium() <-chan time.Time {
	ch := make(chan time.Time, 1)
	p.mediumSubs = append(p.mediumSubs, ch)
	return ch
}

func (p *PulseBroadcaster) SubscribeSlow() <-chan time.Time {
	ch := make(chan time.Time, 1)
	p.slowSubs = append(p.slowSubs, ch)
	return ch
}

// Run ticks until ctx is cancelled.
func (p *PulseBroadcaster) Run(ctx context.Context) {
	fast := time.NewTicker(p.fast)
	medium := time.NewTicker(p.medium)
	slow := time.NewTicker(p.slow)
	defer fast.Stop()
	defer medium.Stop()
	defer slow.Stop()

	for {
		select {
		case t := <-fast.C:
			notify(p.fastSubs, t)
		case t := <-medium.C:
			notify(p.mediumSubs, t)
		case t := <-slow.C:
			notify(p.slowSubs, t)
		case <-ctx.Done():
			return
		}
	}
}

func notify(subs []chan time.Time, t time.Time) {
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}
