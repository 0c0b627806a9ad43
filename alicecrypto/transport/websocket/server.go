// Package websocket carries protocol envelopes over WebSocket text frames,
// the transport browser clients use.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/alicecrypto/alicecrypto/connection"
	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
)

const transportName = "websocket"

type Options struct {
	// MaxMessageBytes is the read limit per frame.
	MaxMessageBytes int64
	// WriteWait bounds every write to the peer.
	WriteWait time.Duration
	// PingPeriod is how often the server pings. Zero disables keepalive.
	PingPeriod time.Duration
	// HandshakeTimeout closes connections that never establish. Zero disables it.
	HandshakeTimeout time.Duration
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: protocol.MaxFramePayload,
		WriteWait:       10 * time.Second,
		PingPeriod:      30 * time.Second,
	}
}

// Server upgrades HTTP requests and runs one connection.Conn per socket.
type Server struct {
	handler  *connection.Handler
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
	closed  bool
}

func NewServer(h *connection.Handler, opts Options) *Server {
	s := &Server{
		handler: h,
		opts:    opts,
		sockets: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err,
		}).Warn("WebSocket upgrade failed")
		return
	}
	if !s.track(ws) {
		ws.Close()
		return
	}
	defer s.untrack(ws)
	defer ws.Close()

	conn := s.handler.Open(transportName)
	defer conn.Close()

	// Hijacked connections outlive the request context; this one is ours.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"conn_id":  conn.ID().String(),
		"remote":   r.RemoteAddr,
	}).Info("WebSocket client connected")

	connection.WatchHandshake(ctx, conn, s.opts.HandshakeTimeout, func() {
		s.closeSocket(ws, websocket.ClosePolicyViolation, "handshake timeout")
	})
	s.keepalive(ctx, ws)

	ws.SetReadLimit(s.opts.MaxMessageBytes)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "ServeHTTP",
					"conn_id":  conn.ID().String(),
					"error":    err,
				}).Debug("WebSocket read ended")
			}
			return
		}

		reply, err := conn.Handle(ctx, message)
		conn.Report(err)
		if reply == nil {
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ServeHTTP",
				"conn_id":  conn.ID().String(),
				"error":    err,
			}).Warn("WebSocket write failed")
			return
		}
	}
}

// keepalive pings the peer and extends the read deadline on every pong.
func (s *Server) keepalive(ctx context.Context, ws *websocket.Conn) {
	if s.opts.PingPeriod <= 0 {
		return
	}
	pongWait := 2 * s.opts.PingPeriod
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(s.opts.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(s.opts.WriteWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) closeSocket(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(s.opts.WriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	ws.Close()
}

func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sockets[ws] = struct{}{}
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, ws)
}

// Active returns the number of open sockets.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Close sends a going-away close frame to every socket and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sockets := make([]*websocket.Conn, 0, len(s.sockets))
	for ws := range s.sockets {
		sockets = append(sockets, ws)
	}
	s.mu.Unlock()

	for _, ws := range sockets {
		s.closeSocket(ws, websocket.CloseGoingAway, "server shutting down")
	}
}
