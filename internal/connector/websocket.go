package connector

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/tradeflow/internal/config"
	"golang.org/x/time/rate"
)

// Websocket is for websocket connection.
type Websocket struct {
	Conn net.Conn
	Cfg  *config.WS
}

// Dialer opens websocket connections for all the stream consumers.
// Every dial waits for a token from one shared limiter, so reconnect storms after
// a network failure stay under the exchange connection rate limit.
type Dialer struct {
	cfg     *config.WS
	limiter *rate.Limiter
}

// NewDialer creates a dialer with the configured dial rate.
// Zero rate means no limit.
func NewDialer(cfg *config.WS) *Dialer {
	limit := rate.Inf
	if cfg.DialsPerSec > 0 {
		limit = rate.Limit(cfg.DialsPerSec)
	}
	return &Dialer{cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// Dial waits for the dial limiter and then connects to the url.
func (d *Dialer) Dial(appCtx context.Context, url string) (Websocket, error) {
	if err := d.limiter.Wait(appCtx); err != nil {
		return Websocket{}, err
	}
	return NewWebsocket(appCtx, d.cfg, url)
}

// NewWebsocket creates a new websocket connection for the stream.
func NewWebsocket(appCtx context.Context, cfg *config.WS, url string) (Websocket, error) {
	ctx := appCtx
	if cfg.ConnTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(cfg.ConnTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	}
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return Websocket{}, err
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: br}
	}
	websocket := Websocket{Conn: conn, Cfg: cfg}
	return websocket, nil
}

// Write writes data frame on websocket connection.
func (w *Websocket) Write(data []byte) error {
	return wsutil.WriteClientText(w.Conn, data)
}

// Read reads data frame from websocket connection.
// Ping frames from the server are answered while reading.
func (w *Websocket) Read() ([]byte, error) {
	if w.Cfg.ReadTimeoutSec > 0 {
		err := w.Conn.SetReadDeadline(time.Now().Add(time.Duration(w.Cfg.ReadTimeoutSec) * time.Second))
		if err != nil {
			return nil, err
		}
	}
	data, err := wsutil.ReadServerText(w.Conn)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close closes the underlying connection.
func (w *Websocket) Close() error {
	if w.Conn == nil {
		return nil
	}
	return w.Conn.Close()
}

// bufferedConn serves the frames received along with the handshake response before reading the connection.
// Once closed, reads fail even if buffered bytes remain.
type bufferedConn struct {
	net.Conn
	r      *bufio.Reader
	closed atomic.Bool
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	return c.r.Read(p)
}

func (c *bufferedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}
