package gateway

import (
	"time"

	logs "github.com/danmuck/sessiongate/internal/logging"
	"golang.org/x/net/websocket"
)

const wsWriteTimeout = 10 * time.Second

// serveWS streams bus frames to one observer until either side goes away.
// Inbound frames are read only to notice the peer closing.
func (s *Server) serveWS(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	sub, err := s.bus.Subscribe(conn.Request().Context())
	if err != nil {
		logs.Warnf("gateway.Server.serveWS subscribe err=%v", err)
		return
	}
	defer sub.Close()
	logs.Debugf("gateway.Server.serveWS open observer=%d remote=%q", sub.ID(), conn.Request().RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logs.Debugf("gateway.Server.serveWS peer closed observer=%d", sub.ID())
			return
		case frame, ok := <-sub.C():
			if !ok {
				logs.Debugf("gateway.Server.serveWS subscription ended observer=%d evicted=%t", sub.ID(), sub.Evicted())
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := websocket.JSON.Send(conn, frame); err != nil {
				logs.Debugf("gateway.Server.serveWS write observer=%d err=%v", sub.ID(), err)
				return
			}
		}
	}
}
