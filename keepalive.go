// keepalive.go
//
// Liveness detection for stream 0. Each peer periodically
// sends KEEPALIVE with RESPOND=1; the receiver must immediately echo it
// back with RESPOND=0. The sender tracks ticks-sent vs acks-received and
// raises a fatal CONNECTION_ERROR once the missed-ack ratio crosses the
// configured threshold — the same ratio-based liveness check as the
// teacher's Muxer.lastPingSent/lastPongRcvd pair (muxer.go), generalized
// from a single outstanding ping to a counted-miss threshold.

package rsocket

import (
	"sync/atomic"
	"time"
)

type keepaliveState struct {
	conn   *Connection
	period time.Duration
	missed uint32 // threshold

	ticksSent    int64 // atomic
	acksReceived int64 // atomic

	ticker *time.Ticker
	done   chan struct{}
}

func newKeepaliveState(conn *Connection, period time.Duration, missedThreshold uint32) *keepaliveState {
	return &keepaliveState{
		conn:   conn,
		period: period,
		missed: missedThreshold,
		done:   make(chan struct{}),
	}
}

func (k *keepaliveState) start() {
	k.ticker = time.NewTicker(k.period)
	go k.run()
}

func (k *keepaliveState) run() {
	for {
		select {
		case <-k.ticker.C:
			k.tick()
		case <-k.done:
			return
		}
	}
}

func (k *keepaliveState) tick() {
	sent := atomic.AddInt64(&k.ticksSent, 1)
	acked := atomic.LoadInt64(&k.acksReceived)
	if sent > 1 && uint32(sent-acked) > k.missed {
		k.conn.fatal(errKeepaliveTimeout())
		return
	}
	_ = k.conn.sendFrame(Frame{
		Type:  FrameTypeKeepalive,
		Flags: FlagRespond,
	})
}

// onReceived handles an inbound KEEPALIVE frame: echo it if RESPOND is set,
// otherwise record it as the ack for our own outstanding tick.
func (k *keepaliveState) onReceived(f Frame) {
	if f.Flags.has(FlagRespond) {
		_ = k.conn.sendFrame(Frame{
			Type:    FrameTypeKeepalive,
			Flags:   0,
			Payload: f.Payload,
		})
		return
	}
	atomic.StoreInt64(&k.acksReceived, atomic.LoadInt64(&k.ticksSent))
}

func (k *keepaliveState) stop() {
	if k.ticker != nil {
		k.ticker.Stop()
	}
	select {
	case <-k.done:
	default:
		close(k.done)
	}
}
