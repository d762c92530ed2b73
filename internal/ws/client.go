package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/heartline/internal/inbox"
	"github.com/pliu/heartline/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Frame types sent by the browser.
const (
	FrameOpen    = "open"
	FrameLeave   = "leave"
	FrameSend    = "send"
	FrameTyping  = "typing"
	FrameRefresh = "refresh"
)

// Frame types sent to the browser.
const (
	FrameSnapshot = "snapshot"
	FrameSent     = "sent"
	FrameError    = "error"
)

type InboundFrame struct {
	Type           string `json:"type"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	Content        string `json:"content,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
}

type OutboundFrame struct {
	Type     string          `json:"type"`
	Snapshot *inbox.Snapshot `json:"snapshot,omitempty"`
	Message  *models.Message `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Client is one browser connection with its own inbox handler. Snapshots
// coalesce: only the newest unsent one is written.
type Client struct {
	conn    *websocket.Conn
	userID  string
	handler *inbox.Handler
	logger  *zap.Logger

	send   chan []byte
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	latest []byte
}

// ServeWs upgrades the request and runs an inbox view for userID until the
// connection goes away.
func ServeWs(backend inbox.Backend, opts inbox.Options, w http.ResponseWriter, r *http.Request, userID string) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := &Client{
		conn:   conn,
		userID: userID,
		logger: logger.With(zap.String("user_id", userID)),
		send:   make(chan []byte, sendBuffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	opts.OnChange = c.pushSnapshot
	c.handler = inbox.New(backend, userID, opts)

	if err := c.handler.Start(r.Context()); err != nil {
		c.logger.Error("start inbox", zap.Error(err))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(OutboundFrame{Type: FrameError, Error: err.Error()})
		c.handler.Close()
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(r.Context())
}

func (c *Client) pushSnapshot(s inbox.Snapshot) {
	b, err := json.Marshal(OutboundFrame{Type: FrameSnapshot, Snapshot: &s})
	if err != nil {
		c.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.latest = b
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) reply(f OutboundFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- b:
	default:
		c.logger.Warn("send buffer full, dropping frame", zap.String("type", f.Type))
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		close(c.done)
		c.handler.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f InboundFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read", zap.Error(err))
			}
			return
		}
		if err := c.handle(ctx, f); err != nil {
			c.reply(OutboundFrame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (c *Client) handle(ctx context.Context, f InboundFrame) error {
	switch f.Type {
	case FrameOpen:
		return c.handler.Open(ctx, f.CounterpartyID)
	case FrameLeave:
		return c.handler.Leave()
	case FrameSend:
		m, err := c.handler.Send(ctx, f.CounterpartyID, f.Content, f.MediaURL)
		if err != nil {
			return err
		}
		c.reply(OutboundFrame{Type: FrameSent, Message: m})
		return nil
	case FrameTyping:
		return c.handler.SignalTyping(ctx, f.CounterpartyID)
	case FrameRefresh:
		return c.handler.Refresh()
	}
	return fmt.Errorf("unknown frame type %q", f.Type)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				return
			}
		case <-c.notify:
			c.mu.Lock()
			b := c.latest
			c.latest = nil
			c.mu.Unlock()
			if b == nil {
				continue
			}
			if err := c.write(b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
