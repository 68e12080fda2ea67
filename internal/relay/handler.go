package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/nfc-card-battle/pkg/battledto"
)

const (
	maxMessageBytes = 64 << 10
	writeTimeout    = 5 * time.Second
)

type HandlerOptions struct {
	// OriginPatterns is passed to websocket.Accept; empty means same-origin only.
	OriginPatterns []string
	PingInterval   time.Duration
	SendBuffer     int
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Handler upgrades requests to websocket connections served by h.
func (h *Hub) Handler(opts HandlerOptions) http.Handler {
	opts = opts.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  opts.OriginPatterns,
			CompressionMode: websocket.CompressionNoContextTakeover,
		})
		if err != nil {
			h.log.Warn("relay_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		conn.SetReadLimit(maxMessageBytes)
		h.serve(r.Context(), conn, opts)
	})
}

func (h *Hub) serve(parent context.Context, conn *websocket.Conn, opts HandlerOptions) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := &wsConn{
		conn: conn,
		out:  make(chan battledto.Event, opts.SendBuffer),
		gone: make(chan struct{}),
		log:  h.log,
	}
	sess := h.Attach(c)
	defer func() {
		sess.Detach()
		c.drop(websocket.StatusNormalClosure, "bye")
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.pingLoop(ctx, opts.PingInterval) }()
	defer wg.Wait()
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				h.log.Debug("relay_read_error", zap.Error(err))
			}
			return
		}
		var msg battledto.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(battledto.FaultEvent(ErrBadRequest))
			continue
		}
		sess.Handle(ctx, msg)
	}
}

// wsConn queues outbound events; a single writer drains them.
type wsConn struct {
	conn *websocket.Conn
	out  chan battledto.Event
	gone chan struct{}
	once sync.Once
	log  *zap.Logger
}

func (c *wsConn) Send(ev battledto.Event) {
	select {
	case <-c.gone:
		return
	default:
	}
	select {
	case c.out <- ev:
	default:
		c.log.Warn("relay_send_overflow", zap.String("type", string(ev.Type)))
		c.drop(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// drop closes the connection without blocking the caller.
func (c *wsConn) drop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.gone)
		go func() { _ = c.conn.Close(code, reason) }()
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			return
		case ev := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, ev)
			cancel()
			if err != nil {
				c.log.Debug("relay_write_error", zap.Error(err))
				c.drop(websocket.StatusGoingAway, "write failure")
				return
			}
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.drop(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
