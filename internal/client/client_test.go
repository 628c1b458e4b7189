package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/gateway"
	"github.com/ochmanski/tenmillioncheckboxes/internal/relay"
	"github.com/ochmanski/tenmillioncheckboxes/internal/server"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestMirrorApply(t *testing.T) {
	m := NewMirror()
	require.NoError(t, m.Apply("get,2:1,3:0,9:1"))
	require.Equal(t, 3, m.Len())
	require.Equal(t, 2, m.CountChecked())

	require.NoError(t, m.Apply("u,2"))
	checked, known := m.Checked(2)
	require.True(t, known)
	require.False(t, checked)

	require.NoError(t, m.Apply("c,100"))
	checked, known = m.Checked(100)
	require.True(t, known)
	require.True(t, checked)

	_, known = m.Checked(5)
	require.False(t, known)

	require.Error(t, m.Apply("x,1"))
	require.Error(t, m.Apply("get,1"))
	require.NoError(t, m.Apply("get"))
}

func next(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case frame, ok := <-c.Frames():
		require.True(t, ok, "connection ended: %v", c.Err())
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return ""
}

func TestClientAgainstServer(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	r, err := relay.NewRelay(relay.WithSubscriber(gw))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	go func() { _ = r.Run(ctx) }()
	s, err := server.NewServer(server.WithGateway(gw), server.WithRelay(r))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + server.WSPath
	alice, err := Dial(ctx, url)
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Dial(ctx, url)
	require.NoError(t, err)
	defer bob.Close()

	mirror := NewMirror()
	require.NoError(t, alice.Check(7))
	require.Equal(t, "c,7", next(t, alice))
	require.Equal(t, "c,7", next(t, alice))
	frame := next(t, bob)
	require.Equal(t, "c,7", frame)
	require.NoError(t, mirror.Apply(frame))

	require.NoError(t, bob.Uncheck(8))
	require.Equal(t, "u,8", next(t, bob))
	require.Equal(t, "u,8", next(t, bob))

	require.NoError(t, bob.Get(0, 10))
	frame = next(t, bob)
	require.Equal(t, "get,7:1,8:0", frame)
	require.NoError(t, mirror.Apply(frame))
	require.Equal(t, 1, mirror.CountChecked())
	require.Equal(t, 2, mirror.Len())
}

func TestClientSeesServerClose(t *testing.T) {
	gw := gateway.NewMemory()
	defer gw.Close()
	r, err := relay.NewRelay(relay.WithSubscriber(gw))
	require.NoError(t, err)
	s, err := server.NewServer(server.WithGateway(gw), server.WithRelay(r))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+server.WSPath)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send("bogus"))
	select {
	case _, ok := <-c.Frames():
		require.False(t, ok)
		require.Error(t, c.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("connection stayed open")
	}
}

func TestCloseStopsUndrainedReader(t *testing.T) {
	upgrader := websocket.Upgrader{}
	flooded := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 300; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("c,1")); err != nil {
				return
			}
		}
		close(flooded)
		_, _, _ = conn.ReadMessage()
	}))
	defer ts.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, err)
	select {
	case <-flooded:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish writing")
	}
	require.Eventually(t, func() bool { return len(c.Frames()) == cap(c.Frames()) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case <-c.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("reader still running after Close")
	}
}
