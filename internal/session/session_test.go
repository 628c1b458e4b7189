package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/gateway"
	"github.com/ochmanski/tenmillioncheckboxes/internal/protocol"
	"github.com/ochmanski/tenmillioncheckboxes/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type frame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	in     chan frame
	out    chan string
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	failWrites int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame),
		out:    make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, io.ErrUnexpectedEOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites > 0 {
		c.failWrites--
		return errors.New("broken pipe")
	}
	c.out <- string(data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, text string) {
	t.Helper()
	select {
	case c.in <- frame{messageType: websocket.TextMessage, data: []byte(text)}:
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not read %q", text)
	}
}

func (c *fakeConn) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.out:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-c.out:
		t.Fatalf("unexpected frame %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

type flakyGateway struct {
	*gateway.Memory
	down atomic.Bool
}

func (f *flakyGateway) SetScore(ctx context.Context, key string, index uint32, score int) error {
	if f.down.Load() {
		return &gateway.StoreError{Op: "set score", Err: errors.New("connection refused")}
	}
	return f.Memory.SetScore(ctx, key, index, score)
}

type harness struct {
	gw    gateway.Gateway
	relay *relay.Relay
}

func newHarness(t *testing.T, gw gateway.Gateway) *harness {
	t.Helper()
	r, err := relay.NewRelay(relay.WithSubscriber(gw))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.Start(ctx))
	go func() { _ = r.Run(ctx) }()
	return &harness{gw: gw, relay: r}
}

func (h *harness) connect(t *testing.T) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	s, err := NewSession(
		WithConn(conn),
		WithGateway(h.gw),
		WithSubscription(h.relay.Subscribe()),
		WithStoreTimeout(time.Second),
	)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	t.Cleanup(func() { conn.Close() })
	return conn, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	return nil
}

func TestMutationEchoAndBroadcast(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	a.send(t, "c,5")
	a.expect(t, "c,5")
	a.expect(t, "c,5")
	b.expect(t, "c,5")
	b.expectNothing(t)

	members, err := gw.RangeWithScores(context.Background(), gateway.GridKey, 5, 5)
	require.NoError(t, err)
	require.Equal(t, []gateway.Member{{Index: 5, Score: 1}}, members)
}

func TestEchoIsVerbatim(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	a.send(t, "u,007")
	got := []string{<-a.out, <-a.out}
	require.ElementsMatch(t, []string{"u,007", "u,7"}, got)
	b.expect(t, "u,7")
}

func TestRangeQuery(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	require.NoError(t, gw.SetScore(context.Background(), gateway.GridKey, 2, 1))
	h := newHarness(t, gw)
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	a.send(t, "get,0,3")
	a.expect(t, "get,2:1")
	b.expectNothing(t)

	a.send(t, "get,10,0")
	a.expect(t, "get")
}

func TestSetThenQuery(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, _ := h.connect(t)

	a.send(t, "u,42")
	a.expect(t, "u,42")
	a.expect(t, "u,42")
	a.send(t, "get,40,50")
	a.expect(t, protocol.EncodeRangeResponse([]protocol.Entry{{Index: 42, Score: 0}}))
}

func TestDecodeFailureEndsSession(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, done := h.connect(t)

	a.send(t, "x,1")
	err := waitDone(t, done)
	require.True(t, errors.Is(err, protocol.ErrDecode))
	a.expectNothing(t)
	require.Equal(t, 0, h.relay.Len())
}

func TestMalformedRangeQueryEndsSession(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, done := h.connect(t)

	a.send(t, "get,abc,10")
	require.True(t, errors.Is(waitDone(t, done), protocol.ErrDecode))
}

func TestStoreFailureEndsOnlyAffectedSession(t *testing.T) {
	gw := &flakyGateway{Memory: gateway.NewMemory()}
	defer gw.Close()
	h := newHarness(t, gw)
	a, aDone := h.connect(t)
	b, bDone := h.connect(t)

	gw.down.Store(true)
	a.send(t, "c,1")
	require.True(t, errors.Is(waitDone(t, aDone), gateway.ErrStoreUnavailable))
	a.expectNothing(t)

	gw.down.Store(false)
	b.send(t, "c,2")
	b.expect(t, "c,2")
	b.expect(t, "c,2")
	select {
	case err := <-bDone:
		t.Fatalf("session b ended: %v", err)
	default:
	}
}

func TestRelayWriteFailureIsAbsorbed(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, done := h.connect(t)

	a.mu.Lock()
	a.failWrites = 1
	a.mu.Unlock()
	h.relay.Broadcast("c,9")
	h.relay.Broadcast("c,10")
	a.expect(t, "c,10")

	a.send(t, "get,0,0")
	a.expect(t, "get")
	select {
	case err := <-done:
		t.Fatalf("session ended: %v", err)
	default:
	}
}

func TestNonTextFramesIgnored(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, _ := h.connect(t)

	a.in <- frame{messageType: websocket.BinaryMessage, data: []byte("garbage")}
	a.send(t, "get,0,1")
	a.expect(t, "get")
}

func TestCleanCloseReleasesSubscription(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	h := newHarness(t, gw)
	a, done := h.connect(t)
	require.Equal(t, 1, h.relay.Len())

	close(a.in)
	require.NoError(t, waitDone(t, done))
	require.Equal(t, 0, h.relay.Len())
}

func TestNewSessionValidation(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	r, err := relay.NewRelay(relay.WithSubscriber(gw))
	require.NoError(t, err)

	_, err = NewSession(WithGateway(gw), WithSubscription(r.Subscribe()))
	require.Error(t, err)
	_, err = NewSession(WithConn(newFakeConn()), WithSubscription(r.Subscribe()))
	require.Error(t, err)
	_, err = NewSession(WithConn(newFakeConn()), WithGateway(gw))
	require.Error(t, err)
	_, err = NewSession(WithConn(newFakeConn()), WithGateway(gw), WithSubscription(r.Subscribe()), WithStoreTimeout(-time.Second))
	require.Error(t, err)
}
