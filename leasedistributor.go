// leasedistributor.go
//
// A minimal implementation of the "lives above the core" lease distributor
// the protocol describes: something external that calls send_lease(ttl,
// permits) periodically. This is a reference policy, not the "fair split
// across connected peers" production policy the protocol gestures at — a single
// Connection, periodic-refill leaser, paced with golang.org/x/time/rate so
// a caller-supplied Ticker that returns too eagerly cannot flood the peer
// with LEASE frames.

package rsocket

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Ticker computes the next lease window to grant: how many requests to
// permit and for how long. Returning permits == 0 means "nothing to
// distribute right now"; the distributor skips sending a frame that tick.
type Ticker func() (ttl time.Duration, permits uint32)

// FixedTicker returns a Ticker that always grants the same window, the
// simplest useful policy.
func FixedTicker(ttl time.Duration, permits uint32) Ticker {
	return func() (time.Duration, uint32) { return ttl, permits }
}

// LeaseDistributor periodically grants a lease window to a Connection's
// peer by calling its Ticker and pushing the result through
// Connection.sendLease.
type LeaseDistributor struct {
	conn    *Connection
	ticker  Ticker
	period  time.Duration
	limiter *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLeaseDistributor builds a distributor that ticks at most once per
// period, using ticker to decide each grant's ttl and permits.
func NewLeaseDistributor(conn *Connection, period time.Duration, ticker Ticker) *LeaseDistributor {
	return &LeaseDistributor{
		conn:    conn,
		ticker:  ticker,
		period:  period,
		limiter: rate.NewLimiter(rate.Every(period), 1),
		done:    make(chan struct{}),
	}
}

// Start begins the distribution loop in its own goroutine. Stop (or the
// connection closing) ends it.
func (d *LeaseDistributor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
}

func (d *LeaseDistributor) run(ctx context.Context) {
	defer close(d.done)
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		ttl, permits := d.ticker()
		if permits > 0 {
			d.conn.sendLease(ttl, permits, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.conn.OnClose():
			return
		default:
		}
	}
}

// Stop halts the distribution loop and waits for it to exit.
func (d *LeaseDistributor) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}
