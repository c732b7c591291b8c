// lease.go
//
// Lease admission control. Two independent
// windows are tracked per Connection: the lease the peer granted us
// (gating our outbound stream-initiating frames) and the lease we granted
// the peer (gating inbound ones). Shape grounded on
// original_source/.../lease/LeaseImpl.java's {allowedRequests, ttl, expiry,
// metadata}, with expiry computed as receipt-time + ttl rather than
// carried on the wire.

package rsocket

import (
	"sync"
	"time"
)

// Lease is a window of permission to initiate up to AllowedRequests new
// streams before Expiry.
type Lease struct {
	AllowedRequests uint32
	TTL             time.Duration
	Expiry          time.Time
	Metadata        []byte
}

// valid reports whether l still grants at least one request:
// allowed_requests > 0 and now is before the lease's expiry.
func (l Lease) valid(now time.Time) bool {
	return l.AllowedRequests > 0 && now.Before(l.Expiry)
}

// leaseWindow is one side (inbound or outbound) of lease accounting,
// guarded by a mutex since both the stream-0 handler (on LEASE receipt) and
// the Requester/Responder (on every new-stream attempt) touch it.
type leaseWindow struct {
	mu    sync.Mutex
	lease Lease
	now   func() time.Time
}

func newLeaseWindow() *leaseWindow {
	return &leaseWindow{now: time.Now}
}

// set atomically replaces the prior lease: receipt of a new LEASE frame
// always discards whatever lease was previously in effect.
func (w *leaseWindow) set(ttl time.Duration, permits uint32, metadata []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.lease = Lease{
		AllowedRequests: permits,
		TTL:             ttl,
		Expiry:          now.Add(ttl),
		Metadata:        metadata,
	}
}

// tryAcquire decrements the window's remaining permits by one if the lease
// is currently valid, reporting whether it did. Each successful new-stream
// request atomically decrements allowed_requests.
func (w *leaseWindow) tryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lease.valid(w.now()) {
		return false
	}
	w.lease.AllowedRequests--
	return true
}

// current returns a snapshot of the window's lease state.
func (w *leaseWindow) current() Lease {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lease
}

// leaseManager is the pair of windows attached to one Connection.
// Honoring is off by default and only engages when both peers' SETUP
// negotiation enables it.
type leaseManager struct {
	honor    bool
	inbound  *leaseWindow // granted by the peer, gates our outbound requests
	outbound *leaseWindow // granted by us, gates the peer's inbound requests
}

func newLeaseManager(honor bool) *leaseManager {
	return &leaseManager{honor: honor, inbound: newLeaseWindow(), outbound: newLeaseWindow()}
}

// admitOutbound checks and consumes one outbound permit when leasing is in
// effect. When honor is false it always admits: lease gating only applies
// once SETUP has negotiated HONOR_LEASE.
func (m *leaseManager) admitOutbound() bool {
	if !m.honor {
		return true
	}
	return m.inbound.tryAcquire()
}

// admitInbound checks and consumes one inbound permit on receipt of a
// peer-initiated new-stream frame.
// When leasing is off, every request is admitted.
func (m *leaseManager) admitInbound() bool {
	if !m.honor {
		return true
	}
	return m.outbound.tryAcquire()
}

// grant records a LEASE frame received from the peer.
func (m *leaseManager) grant(ttl time.Duration, permits uint32, metadata []byte) {
	m.inbound.set(ttl, permits, metadata)
}

// grantToPeer records a LEASE frame we are about to send to the peer.
func (m *leaseManager) grantToPeer(ttl time.Duration, permits uint32, metadata []byte) {
	m.outbound.set(ttl, permits, metadata)
}
