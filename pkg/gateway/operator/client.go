package operator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callcenter/pkg/gateway/auth"
)

// client is one operator transport connection. Only the write loop writes
// to the socket.
type client struct {
	ws        *websocket.Conn
	principal *auth.Principal
	logger    *slog.Logger
	out       chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(ws *websocket.Conn, p *auth.Principal, outbox int, logger *slog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		ws:        ws,
		principal: p,
		logger:    logger,
		out:       make(chan []byte, outbox),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// send queues n without blocking. A full outbox drops the frame.
func (c *client) send(n Notification) bool {
	data, err := json.Marshal(n)
	if err != nil {
		c.logger.Error("encode notification", "type", n.Type, "error", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		c.logger.Warn("operator outbox full, dropping notification", "operator_id", c.principal.OperatorID, "type", n.Type)
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(c.cancel)
}

func (c *client) writeLoop(pingInterval, writeTimeout time.Duration, drained <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	closeWith := func(code int, text string) {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
	}

	for {
		select {
		case <-c.ctx.Done():
			c.flush(writeTimeout)
			closeWith(websocket.CloseNormalClosure, "")
			return
		case <-drained:
			c.flush(writeTimeout)
			closeWith(websocket.CloseGoingAway, "server draining")
			c.close()
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		}
	}
}

// flush writes whatever is already queued.
func (c *client) flush(writeTimeout time.Duration) {
	for {
		select {
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
