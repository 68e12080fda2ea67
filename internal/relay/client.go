package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/nfc-card-battle/pkg/battledto"
)

// HeaderProvider injects handshake headers.
type HeaderProvider func() map[string]string

type ClientOption func(*Client)

func WithHeaderProvider(h HeaderProvider) ClientOption {
	return func(c *Client) { c.headers = h }
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// Client is the player side of the relay. It implements battledto.Transport.
type Client struct {
	headers     HeaderProvider
	dialTimeout time.Duration

	conn    *websocket.Conn
	handler battledto.EventHandler

	createMu sync.Mutex
	waitMu   sync.Mutex
	waiting  chan battledto.Event

	done chan struct{}
	err  error
}

var _ battledto.Transport = (*Client)(nil)

// Dial connects to a relay websocket endpoint. handler receives every event in
// arrival order on the client's read goroutine.
func Dial(ctx context.Context, url string, handler battledto.EventHandler, opts ...ClientOption) (*Client, error) {
	c := &Client{dialTimeout: 10 * time.Second, handler: handler, done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)
	c.conn = conn
	go c.listen()
	return c, nil
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers == nil {
		return hdr
	}
	for k, v := range c.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func (c *Client) listen() {
	defer close(c.done)
	for {
		var ev battledto.Event
		if err := wsjson.Read(context.Background(), c.conn, &ev); err != nil {
			c.err = err
			return
		}
		c.waitMu.Lock()
		if c.waiting != nil && (ev.Type == battledto.EventRoomCreated || ev.Type == battledto.EventError) {
			c.waiting <- ev
			c.waiting = nil
		}
		c.waitMu.Unlock()
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

// Done is closed when the connection is gone; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) send(ctx context.Context, msg battledto.ClientMessage) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.conn, msg)
}

// CreateRoom asks the relay for a new room and waits for its code.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	ch := make(chan battledto.Event, 1)
	c.waitMu.Lock()
	c.waiting = ch
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		c.waiting = nil
		c.waitMu.Unlock()
	}()

	if err := c.send(ctx, battledto.ClientMessage{Type: battledto.MsgCreateRoom}); err != nil {
		return "", err
	}
	select {
	case ev := <-ch:
		if ev.Type == battledto.EventError && ev.Fault != nil {
			return "", *ev.Fault
		}
		return ev.RoomCode, nil
	case <-c.done:
		return "", errors.New("relay connection closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// JoinRoom sends join_room. Rejections arrive as error events.
func (c *Client) JoinRoom(ctx context.Context, code string) error {
	return c.send(ctx, battledto.ClientMessage{Type: battledto.MsgJoinRoom, RoomCode: strings.TrimSpace(code)})
}

func (c *Client) RegisterCard(ctx context.Context, cardUID, token string) error {
	return c.send(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: cardUID, Token: token})
}

func (c *Client) SelectAction(ctx context.Context, action string) error {
	return c.send(ctx, battledto.ClientMessage{Type: battledto.MsgSelectAction, Action: action})
}

func (c *Client) Leave(ctx context.Context) error {
	return c.send(ctx, battledto.ClientMessage{Type: battledto.MsgLeaveRoom})
}

func (c *Client) Close(ctx context.Context) error {
	err := c.conn.Close(websocket.StatusNormalClosure, "close")
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
