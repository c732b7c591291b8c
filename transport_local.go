// transport_local.go
//
// An in-process DuplexConnection pair for tests and same-process
// client/server wiring, playing the role of the teacher's wsPipe test
// harness (wspipe_test.go) that links a Client and Server without a real
// socket. Frames are discrete messages, so a pair of buffered channels
// preserves message boundaries more directly than routing through
// io.Pipe's byte stream would.

package rsocket

import "sync"

// NewLocalDuplexConnectionPair returns two DuplexConnection values wired
// to each other: frames sent on one are received on the other.
func NewLocalDuplexConnectionPair() (a, b DuplexConnection) {
	ab := make(chan Data, 256)
	ba := make(chan Data, 256)
	closeCh := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(closeCh) }) }

	a = &localDuplexConnection{send: ab, recv: ba, closeCh: closeCh, closeFn: closeFn}
	b = &localDuplexConnection{send: ba, recv: ab, closeCh: closeCh, closeFn: closeFn}
	return a, b
}

type localDuplexConnection struct {
	send    chan<- Data
	recv    <-chan Data
	closeCh chan struct{}
	closeFn func()
}

func (l *localDuplexConnection) ReceiveFrame() (Data, error) {
	select {
	case d, ok := <-l.recv:
		if !ok {
			return nil, ErrClosedChannel
		}
		return d, nil
	case <-l.closeCh:
		return nil, ErrClosedChannel
	}
}

func (l *localDuplexConnection) SendFrame(d Data) error {
	select {
	case l.send <- d:
		return nil
	case <-l.closeCh:
		return ErrClosedChannel
	}
}

func (l *localDuplexConnection) Close() error {
	l.closeFn()
	return nil
}

func (l *localDuplexConnection) OnClose() <-chan struct{} { return l.closeCh }

func (l *localDuplexConnection) Availability() float64 {
	select {
	case <-l.closeCh:
		return 0
	default:
		return 1
	}
}
