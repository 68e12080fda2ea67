package peer

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Accept upgrades r to a websocket and returns it as a byte stream for Host.Serve.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns ...string) (net.Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, fmt.Errorf("accept peer link: %w", err)
	}
	c.SetReadLimit(MaxFrame + 4)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// Dial opens the guest side of a link to a host's Handler.
func Dial(ctx context.Context, url string) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial peer host: %w", err)
	}
	c.SetReadLimit(MaxFrame + 4)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// Handler accepts one guest and serves it on h for the lifetime of the request.
func (h *Host) Handler(originPatterns ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, originPatterns...)
		if err != nil {
			h.log.Warn("peer_accept_error", zap.Error(err))
			return
		}
		if err := h.Serve(r.Context(), conn); err != nil {
			h.log.Info("peer_serve_end", zap.Error(err))
		}
	})
}
