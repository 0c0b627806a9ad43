package alicecrypto

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/alicecrypto/alicecrypto/config"
	"github.com/TheusHen/alicecrypto/alicecrypto/connection"
	"github.com/TheusHen/alicecrypto/alicecrypto/homomorphic"
	"github.com/TheusHen/alicecrypto/alicecrypto/metrics"
	"github.com/TheusHen/alicecrypto/alicecrypto/session"
	"github.com/TheusHen/alicecrypto/alicecrypto/store"
	"github.com/TheusHen/alicecrypto/alicecrypto/transport/quic"
	"github.com/TheusHen/alicecrypto/alicecrypto/transport/websocket"
)

var ErrNotListening = errors.New("server is not listening")

const shutdownTimeout = 5 * time.Second

// Server owns the shared state and every listener.
type Server struct {
	cfg      *config.Config
	store    store.MessageStore
	registry *session.Registry
	handler  *connection.Handler
	ws       *websocket.Server

	httpLn net.Listener
	quicLn *quic.Listener
}

// NewServer validates cfg and opens the message store.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	reg := session.NewRegistry(cfg.RehandshakePolicy())
	h := connection.NewHandler(reg, st, homomorphic.NewAggregator(cfg.Compute.MaxOperands), connection.Options{
		Suite:        cfg.Suite(),
		ClientName:   cfg.Chat.ClientName,
		ServerName:   cfg.Chat.ServerName,
		ReplyFormat:  cfg.Chat.ReplyFormat,
		ReplyOnError: cfg.Chat.ReplyOnError,
	})
	ws := websocket.NewServer(h, websocket.Options{
		MaxMessageBytes:  cfg.WebSocket.MaxMessageBytes,
		WriteWait:        cfg.WebSocket.WriteWait,
		PingPeriod:       cfg.WebSocket.PingPeriod,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
	})

	return &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		handler:  h,
		ws:       ws,
	}, nil
}

func (s *Server) Registry() *session.Registry { return s.registry }

func (s *Server) Store() store.MessageStore { return s.store }

// Router serves the WebSocket endpoint at / and /ws plus /healthz and /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.ws.ServeHTTP)
	r.Get("/ws", s.ws.ServeHTTP)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
		"sockets":  s.ws.Active(),
	})
}

// Listen binds the HTTP address and, when configured, the QUIC address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if s.cfg.QUICListen != "" {
		qln, err := quic.Listen(s.cfg.QUICListen)
		if err != nil {
			ln.Close()
			return err
		}
		s.quicLn = qln
	}
	s.httpLn = ln
	return nil
}

func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) QUICAddr() string {
	if s.quicLn == nil {
		return ""
	}
	return s.quicLn.AddrString()
}

// Serve runs until ctx is cancelled or a listener fails, then shuts down
// gracefully. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.httpLn == nil {
		return ErrNotListening
	}

	httpSrv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"function": "Serve",
			"addr":     s.HTTPAddr(),
		}).Info("WebSocket server listening")
		if err := httpSrv.Serve(s.httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.quicLn != nil {
		g.Go(func() error {
			return quic.Serve(gctx, s.quicLn, s.handler, quic.Options{
				HandshakeTimeout: s.cfg.Session.HandshakeTimeout,
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logrus.WithField("function", "Serve").Info("Shutting down")

		// Hijacked sockets are not tracked by http.Server.
		s.ws.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close destroys every session key and closes the store.
func (s *Server) Close() error {
	n := s.registry.Close()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"sessions": n,
	}).Info("Destroyed remaining sessions")
	return s.store.Close()
}
