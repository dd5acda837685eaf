package router

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/murmur-chat/murmur/hub/internal/auth"
)

const (
	// wsPingInterval is how often the hub sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds every frame write.
	wsWriteWait = 10 * time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errSendOverflow = errors.New("send buffer full")
)

type connState int

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

// Conn is one live websocket session bound to an identity. Writes go through
// a bounded queue drained by a single writer goroutine.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	limiter  *rate.Limiter

	send    chan []byte
	done    chan struct{} // closed when the connection leaves stateOpen
	stopped chan struct{} // closed when the writer has exited

	mu          sync.Mutex
	state       connState
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn, identity auth.Identity, sendBuffer int, fps float64, burst int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	limit := rate.Inf
	if fps > 0 {
		limit = rate.Limit(fps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		limiter:  rate.NewLimiter(limit, burst),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues payload without blocking. A full queue closes the connection.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return errConnClosed
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return errSendOverflow
	}
}

// Close starts a server-initiated close with the given code. Only the first
// call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return
	}
	c.state = stateClosing
	c.closeCode, c.closeReason = code, reason
	close(c.done)
}

func (c *Conn) allowFrame() bool {
	return c.limiter.Allow()
}

// startKeepalive arms the read deadline and extends it on every pong.
func (c *Conn) startKeepalive() {
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}

// writePump is the only writer of data frames. It exits when the connection
// is closed or a write fails, and always tears down the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
		close(c.stopped)
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	if c.state == stateOpen {
		close(c.done)
	}
	c.state = stateClosed
	c.mu.Unlock()
	_ = c.ws.Close()
}
