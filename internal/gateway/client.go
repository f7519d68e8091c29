package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/soyeahso/parley/internal/auth"
	"github.com/soyeahso/parley/internal/logging"
)

var (
	ErrClientClosed = errors.New("client connection closed")
	ErrSlowConsumer = errors.New("client send queue full")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is an authenticated WebSocket connection. It implements
// registry.Conn; every outbound frame goes through a bounded queue drained by
// a single write goroutine.
type Client struct {
	ConnID      string
	Identity    auth.Identity
	Info        ClientInfo
	ConnectedAt time.Time

	socket  *websocket.Conn
	send    chan Frame
	done    chan struct{}
	limiter *rate.Limiter

	mu     sync.Mutex
	seq    int64
	closed bool
	log    *logging.Logger
}

// NewClient wraps an authenticated socket. queue bounds the outbound frames
// buffered for a slow reader; limiter may be nil for no request limit.
func NewClient(socket *websocket.Conn, id auth.Identity, info ClientInfo, queue int, limiter *rate.Limiter, log *logging.Logger) *Client {
	if queue <= 0 {
		queue = 64
	}
	connID := uuid.New().String()
	return &Client{
		ConnID:      connID,
		Identity:    id,
		Info:        info,
		ConnectedAt: time.Now(),
		socket:      socket,
		send:        make(chan Frame, queue),
		done:        make(chan struct{}),
		limiter:     limiter,
		log:         log.With("connId", connID),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.ConnID }

// UserID returns the authenticated user.
func (c *Client) UserID() string { return c.Identity.UserID }

// Emit queues a named event. A full queue closes the connection.
func (c *Client) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.enqueue(Frame{Type: FrameTypeEvent, Event: event, Payload: raw}, true)
}

// Respond queues a success response for the given request ID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.enqueue(f, false)
}

// RespondError queues an error response for the given request ID.
func (c *Client) RespondError(reqID string, errShape ErrorShape) error {
	return c.enqueue(NewErrorResponse(reqID, errShape), false)
}

// enqueue assigns event sequence numbers under the lock so queue order and
// seq order agree.
func (c *Client) enqueue(f Frame, event bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if event {
		c.seq++
		f.Seq = c.seq
	}
	select {
	case c.send <- f:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	c.log.Warn().Str("user", c.UserID()).Msg("send queue full, dropping slow client")
	c.Close()
	return ErrSlowConsumer
}

// Allow reports whether another request fits the rate limit.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump writes queued frames and keepalive pings until the client closes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(f); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain flushes frames queued before Close, then says goodbye.
func (c *Client) drain() {
	for {
		select {
		case f := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(f); err != nil {
				c.socket.Close()
				return
			}
		default:
			c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.socket.Close()
			return
		}
	}
}

// ReadFrame reads the next frame from the WebSocket.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close stops the write pump, which closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	// Unblock the reader; the write pump owns the final close frame.
	c.socket.SetReadDeadline(time.Now())
	return nil
}
