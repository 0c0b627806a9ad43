package quic

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/alicecrypto/alicecrypto/connection"
	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
)

const transportName = "quic"

type Options struct {
	// HandshakeTimeout closes connections that never establish. Zero disables it.
	HandshakeTimeout time.Duration
}

// Serve accepts connections from ln until ctx is cancelled or ln is closed.
// It closes ln and waits for every connection to finish before returning.
func Serve(ctx context.Context, ln *Listener, h *connection.Handler, opts Options) error {
	// Deferred in this order so connections are cancelled before the wait.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     ln.AddrString(),
	}).Info("QUIC transport listening")

	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, q.ErrServerClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, qc, h, opts)
		}()
	}
}

func serveConn(ctx context.Context, qc q.Connection, h *connection.Handler, opts Options) {
	log := logrus.WithFields(logrus.Fields{
		"function": "serveConn",
		"remote":   qc.RemoteAddr().String(),
	})

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		log.WithField("error", err).Debug("No envelope stream opened")
		_ = qc.CloseWithError(codeNoError, "")
		return
	}
	defer stream.Close()

	conn := h.Open(transportName)
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Unblocks the stream read on shutdown.
		<-ctx.Done()
		stream.CancelRead(q.StreamErrorCode(codeShuttingDown))
	}()

	connection.WatchHandshake(ctx, conn, opts.HandshakeTimeout, func() {
		_ = qc.CloseWithError(codeHandshakeTimeout, "handshake timeout")
	})

	for {
		payload, err := protocol.ReadFrame(stream)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				_ = qc.CloseWithError(codeNoError, "")
			case errors.Is(err, protocol.ErrFrameTooLarge):
				log.WithField("error", err).Warn("Closing connection after oversized frame")
				_ = qc.CloseWithError(codeProtocolError, "frame too large")
			default:
				log.WithField("error", err).Debug("QUIC read ended")
				_ = qc.CloseWithError(codeNoError, "")
			}
			return
		}

		reply, err := conn.Handle(ctx, payload)
		conn.Report(err)
		if reply == nil {
			continue
		}
		if err := protocol.WriteFrame(stream, reply); err != nil {
			log.WithField("error", err).Warn("QUIC write failed")
			_ = qc.CloseWithError(codeNoError, "")
			return
		}
	}
}
