// transport_websocket.go
//
// A DuplexConnection carrying one RSocket frame per WebSocket binary
// message, so unlike transport_tcp.go no length prefix is needed —
// the transport already preserves message boundaries. Grounded on the
// teacher's use of gorilla/websocket in websocket_test.go (Upgrader,
// Dialer, WriteMessage/ReadMessage).

package rsocket

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeWebsocket upgrades an inbound HTTP request to a WebSocket
// connection and wraps it as a DuplexConnection, for use in an
// http.HandlerFunc that accepts RSocket connections.
func UpgradeWebsocket(w http.ResponseWriter, r *http.Request) (DuplexConnection, error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewWebsocketDuplexConnection(conn), nil
}

// DialWebsocket dials url and wraps the resulting connection.
func DialWebsocket(url string) (DuplexConnection, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewWebsocketDuplexConnection(conn), nil
}

// WebsocketDuplexConnection adapts a *websocket.Conn to DuplexConnection.
type WebsocketDuplexConnection struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewWebsocketDuplexConnection wraps an already-established
// *websocket.Conn, either from UpgradeWebsocket or DialWebsocket.
func NewWebsocketDuplexConnection(conn *websocket.Conn) *WebsocketDuplexConnection {
	return &WebsocketDuplexConnection{conn: conn, closeCh: make(chan struct{})}
}

func (w *WebsocketDuplexConnection) ReceiveFrame() (Data, error) {
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	d := DataAlloc()
	d = append(d[:0], msg...)
	return d, nil
}

func (w *WebsocketDuplexConnection) SendFrame(d Data) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return errors.WithStack(w.conn.WriteMessage(websocket.BinaryMessage, d))
}

func (w *WebsocketDuplexConnection) Close() error {
	w.closeOnce.Do(func() { close(w.closeCh) })
	return w.conn.Close()
}

func (w *WebsocketDuplexConnection) OnClose() <-chan struct{} { return w.closeCh }

func (w *WebsocketDuplexConnection) Availability() float64 {
	select {
	case <-w.closeCh:
		return 0
	default:
		return 1
	}
}
