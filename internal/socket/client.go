package socket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a connection to a running server. Frames sent by the
// server arrive on Events until the connection closes.
type Client struct {
	nc     net.Conn
	events chan Frame
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the server listening at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	c := &Client{nc: nc, events: make(chan Frame, 64), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	var lb LineBuffer
	buf := make([]byte, 32*1024)
	for {
		n, err := c.nc.Read(buf)
		for _, line := range lb.Write(buf[:n]) {
			f, perr := ParseFrame(line)
			if perr != nil {
				continue
			}
			select {
			case c.events <- f:
			case <-c.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Events returns the stream of frames from the server. It is closed
// when the connection ends.
func (c *Client) Events() <-chan Frame {
	return c.events
}

// Send writes one request.
func (c *Client) Send(r Request) error {
	line, err := Encode(r.Frame())
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}
	if _, err := c.nc.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", r.Type, err)
	}
	return nil
}

// Next waits for the next frame of type typ, discarding others. It
// returns an error if ctx ends or the connection closes first.
func (c *Client) Next(ctx context.Context, typ string) (Frame, error) {
	for {
		select {
		case f, ok := <-c.events:
			if !ok {
				return nil, fmt.Errorf("connection closed waiting for %s", typ)
			}
			if f.Type() == typ {
				return f, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}
