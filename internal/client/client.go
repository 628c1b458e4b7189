// Package client connects to a checkbox server over websocket.
package client

import (
	"context"
	"net"
	"sync"

	"github.com/ochmanski/tenmillioncheckboxes/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Client is one websocket connection to a server. Incoming frames are
// delivered on Frames until the connection ends.
type Client struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	frames    chan string
	readErr   error
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// Dial connects to the websocket url, e.g. ws://localhost:8080/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s failed", url)
	}
	c := &Client{
		conn:   conn,
		frames:  make(chan string, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// readPump stops on a read error or once Close is called, whichever comes
// first, even if nobody drains Frames.
func (c *Client) readPump() {
	defer close(c.stopped)
	defer close(c.frames)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.frames <- string(data):
		case <-c.done:
			c.readErr = net.ErrClosed
			return
		}
	}
}

// Frames yields every text frame the server sends. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Frames() <-chan string {
	return c.frames
}

// Err is the read error that ended the connection. Only valid after Frames
// is closed.
func (c *Client) Err() error {
	return c.readErr
}

// Send writes one raw text frame.
func (c *Client) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return errors.Wrap(c.conn.WriteMessage(websocket.TextMessage, []byte(text)), "write frame failed")
}

// Check marks index checked.
func (c *Client) Check(index uint32) error {
	return c.Send(protocol.Mutation{Action: protocol.Check, Index: index}.Encode())
}

// Uncheck marks index unchecked.
func (c *Client) Uncheck(index uint32) error {
	return c.Send(protocol.Mutation{Action: protocol.Uncheck, Index: index}.Encode())
}

// Get asks for the state of [start, end].
func (c *Client) Get(start, end uint32) error {
	return c.Send(protocol.RangeQuery{Start: start, End: end}.Encode())
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
