package rsocket

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	UnimplementedResponder
	onRequestResponse func(ctx context.Context, p Payload) (Payload, error)
	onRequestStream   func(ctx context.Context, p Payload) (PayloadProducer, error)
	onRequestChannel  func(ctx context.Context, inbound PayloadProducer, first Payload) (PayloadProducer, error)
	onFireAndForget   func(ctx context.Context, p Payload)
}

func (h *testHandler) HandleRequestResponse(ctx context.Context, p Payload) (Payload, error) {
	if h.onRequestResponse != nil {
		return h.onRequestResponse(ctx, p)
	}
	return h.UnimplementedResponder.HandleRequestResponse(ctx, p)
}

func (h *testHandler) HandleRequestStream(ctx context.Context, p Payload) (PayloadProducer, error) {
	if h.onRequestStream != nil {
		return h.onRequestStream(ctx, p)
	}
	return h.UnimplementedResponder.HandleRequestStream(ctx, p)
}

func (h *testHandler) HandleRequestChannel(ctx context.Context, inbound PayloadProducer, first Payload) (PayloadProducer, error) {
	if h.onRequestChannel != nil {
		return h.onRequestChannel(ctx, inbound, first)
	}
	return h.UnimplementedResponder.HandleRequestChannel(ctx, inbound, first)
}

func (h *testHandler) HandleFireAndForget(ctx context.Context, p Payload) {
	if h.onFireAndForget != nil {
		h.onFireAndForget(ctx, p)
	}
}

// connectPair establishes a client/server Connection pair over an in-
// process transport, driving the same Connect/Accept handshake the real
// transports use (transport_local.go).
func connectPair(t *testing.T, serverHandler Responder) (*RSocket, *RSocket) {
	t.Helper()
	clientTransport, serverTransport := NewLocalDuplexConnectionPair()

	type acceptResult struct {
		sock *RSocket
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		sock, err := Accept(serverTransport, ServerConfig{Handler: serverHandler})
		acceptCh <- acceptResult{sock, err}
	}()

	client, err := Connect(clientTransport, ClientConfig{Setup: SetupConfig{
		KeepalivePeriod: time.Minute,
		MaxLifetime:     time.Hour,
	}})
	require.NoError(t, err)

	res := <-acceptCh
	require.NoError(t, res.err)
	return client, res.sock
}

func Test_Connection_RequestResponse(t *testing.T) {
	defer leaktest.Check(t)()

	handler := &testHandler{onRequestResponse: func(ctx context.Context, p Payload) (Payload, error) {
		return NewPayloadString(p.DataString() + " world"), nil
	}}
	client, server := connectPair(t, handler)
	defer client.Close()
	defer server.Close()

	resp, err := client.RequestResponse(context.Background(), NewPayloadString("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.DataString())
}

func Test_Connection_RequestResponse_ApplicationError(t *testing.T) {
	defer leaktest.Check(t)()

	handler := &testHandler{onRequestResponse: func(ctx context.Context, p Payload) (Payload, error) {
		return Payload{}, NewRSocketError(ErrorCodeApplicationError, "boom")
	}}
	client, server := connectPair(t, handler)
	defer client.Close()
	defer server.Close()

	_, err := client.RequestResponse(context.Background(), NewPayloadString("hi"))
	require.Error(t, err)
	rerr, ok := err.(*RSocketError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeApplicationError, rerr.Code)
	assert.Equal(t, "boom", rerr.Message)
}

func Test_Connection_RequestStream_FullyConsumed(t *testing.T) {
	defer leaktest.Check(t)()

	handler := &testHandler{onRequestStream: func(ctx context.Context, p Payload) (PayloadProducer, error) {
		items := []Payload{NewPayloadString("a"), NewPayloadString("b"), NewPayloadString("c")}
		return SliceProducer(items), nil
	}}
	client, server := connectPair(t, handler)
	defer client.Close()
	defer server.Close()

	producer, err := client.RequestStream(context.Background(), NewPayloadString("go"), 10)
	require.NoError(t, err)

	var got []string
	ctx := context.Background()
	for {
		p, ok, err := producer.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, p.DataString())
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func Test_Connection_RequestStream_CancelMidway(t *testing.T) {
	defer leaktest.Check(t)()

	infinite := make(chan Payload)
	done := make(chan struct{})
	handler := &testHandler{onRequestStream: func(ctx context.Context, p Payload) (PayloadProducer, error) {
		return &channelFeedProducer{ch: infinite, done: done}, nil
	}}
	client, server := connectPair(t, handler)
	defer client.Close()
	defer server.Close()

	producer, err := client.RequestStream(context.Background(), NewPayloadString("go"), 10)
	require.NoError(t, err)

	select {
	case infinite <- NewPayloadString("x"):
	case <-time.After(time.Second):
		t.Fatal("responder never pulled first item")
	}
	p, ok, err := producer.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", p.DataString())

	if cancelable, ok := producer.(interface{ Cancel() }); ok {
		cancelable.Cancel()
	}
	close(done)
}

type channelFeedProducer struct {
	ch   chan Payload
	done chan struct{}
}

func (c *channelFeedProducer) Next(ctx context.Context) (Payload, bool, error) {
	select {
	case p := <-c.ch:
		return p, true, nil
	case <-c.done:
		return Payload{}, false, nil
	case <-ctx.Done():
		return Payload{}, false, ctx.Err()
	}
}

func Test_Connection_RequestChannel_Echo(t *testing.T) {
	defer leaktest.Check(t)()

	handler := &testHandler{onRequestChannel: func(ctx context.Context, inbound PayloadProducer, first Payload) (PayloadProducer, error) {
		out := make(chan Payload, 8)
		go func() {
			defer close(out)
			out <- NewPayloadString(first.DataString() + "_echo")
			for {
				p, ok, err := inbound.Next(ctx)
				if err != nil || !ok {
					return
				}
				out <- NewPayloadString(p.DataString() + "_echo")
			}
		}()
		return &chanOutProducer{out: out}, nil
	}}
	client, server := connectPair(t, handler)
	defer client.Close()
	defer server.Close()

	upstream := SliceProducer([]Payload{NewPayloadString("one"), NewPayloadString("two")})
	producer, err := client.RequestChannel(context.Background(), upstream, 10)
	require.NoError(t, err)

	var got []string
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		p, ok, err := producer.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, p.DataString())
	}
	assert.Equal(t, []string{"one_echo", "two_echo"}, got)
}

type chanOutProducer struct{ out <-chan Payload }

func (c *chanOutProducer) Next(ctx context.Context) (Payload, bool, error) {
	p, ok := <-c.out
	return p, ok, nil
}

func Test_Connection_FireAndForget(t *testing.T) {
	defer leaktest.Check(t)()

	received := make(chan string, 1)
	handler := &testHandler{onFireAndForget: func(ctx context.Context, p Payload) {
		received <- p.DataString()
	}}
	client, server := connectPair(t, handler)
	defer client.Close()
	defer server.Close()

	err := client.FireAndForget(context.Background(), NewPayloadString("fnf"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "fnf", got)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func Test_Connection_UnknownStreamID_IsFatal(t *testing.T) {
	defer leaktest.Check(t)()

	client, server := connectPair(t, &testHandler{})
	defer server.Close()

	// The client (odd ids) never allocated stream 999, so a PAYLOAD frame
	// addressed to it as a requester-inbound frame is a protocol error
	// that must tear down the connection.
	err := server.conn.sendFrame(Frame{StreamID: 999, Type: FrameTypePayload, Flags: FlagNext})
	require.NoError(t, err)

	select {
	case <-client.OnClose():
	case <-time.After(time.Second):
		t.Fatal("connection never closed on unknown stream id")
	}
}

func Test_Connection_Close_UnblocksInFlightRequest(t *testing.T) {
	defer leaktest.Check(t)()

	block := make(chan struct{})
	handler := &testHandler{onRequestResponse: func(ctx context.Context, p Payload) (Payload, error) {
		<-block
		return Payload{}, nil
	}}
	client, server := connectPair(t, handler)
	defer close(block)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.RequestResponse(context.Background(), NewPayloadString("x"))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("RequestResponse never unblocked after Close")
	}
}
