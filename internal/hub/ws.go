package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// SocketConfig tunes the websocket pumps.
type SocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

// DefaultSocketConfig matches what browsers and the agent tolerate.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 8 << 10,
	}
}

// Handler receives every inbound frame of a connection in arrival order.
type Handler func(c *Conn, data []byte)

// Serve registers c, pumps ws until either side closes, then unregisters.
// It blocks for the lifetime of the socket.
func (r *Registry) Serve(ws *websocket.Conn, c *Conn, cfg SocketConfig, onMessage Handler) {
	r.Register(c)
	defer r.Unregister(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writePump(ws, c, cfg)
	}()

	r.readPump(ws, c, cfg, onMessage)
	c.close()
	<-writerDone
}

func (r *Registry) readPump(ws *websocket.Conn, c *Conn, cfg SocketConfig, onMessage Handler) {
	ws.SetReadLimit(cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				r.log.Warn().Err(err).Str("conn_id", c.ID).Msg("websocket read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if onMessage != nil {
			onMessage(c, data)
		}
	}
}

func (r *Registry) writePump(ws *websocket.Conn, c *Conn, cfg SocketConfig) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case payload := <-c.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				r.log.Warn().Err(err).Str("conn_id", c.ID).Msg("websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.Done():
			r.flush(ws, c, cfg)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued once the connection was dropped.
func (r *Registry) flush(ws *websocket.Conn, c *Conn, cfg SocketConfig) {
	for {
		select {
		case payload := <-c.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
