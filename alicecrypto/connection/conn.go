// Package connection runs the per-connection protocol state machine.
//
// A Conn is transport agnostic: the transport feeds it one inbound payload at
// a time through Handle and writes back whatever reply it returns.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/alicecrypto/alicecrypto/crypto"
	"github.com/TheusHen/alicecrypto/alicecrypto/homomorphic"
	"github.com/TheusHen/alicecrypto/alicecrypto/metrics"
	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
	"github.com/TheusHen/alicecrypto/alicecrypto/session"
	"github.com/TheusHen/alicecrypto/alicecrypto/store"
)

const (
	handshakeFailedText   = "key agreement failed"
	alreadyEstablishedMsg = "session already established"
	decryptFailedText     = "decryption failed"
)

var errMissingValues = errors.New("connection: values missing")

// Options tune chat behaviour.
type Options struct {
	Suite        crypto.Suite
	ClientName   string
	ServerName   string
	ReplyFormat  string
	ReplyOnError bool
}

// DefaultOptions matches the stock configuration.
func DefaultOptions() Options {
	return Options{
		Suite:       crypto.SuiteAES256GCM,
		ClientName:  "Alice",
		ServerName:  "Bob (Server)",
		ReplyFormat: "Server received: %s",
	}
}

// Handler holds the state shared by all connections.
type Handler struct {
	registry   *session.Registry
	store      store.MessageStore
	aggregator *homomorphic.Aggregator
	opts       Options
}

// NewHandler wires the shared collaborators. A nil store discards records and
// a nil aggregator applies no operand limit.
func NewHandler(reg *session.Registry, st store.MessageStore, agg *homomorphic.Aggregator, opts Options) *Handler {
	if st == nil {
		st = store.Discard{}
	}
	if agg == nil {
		agg = &homomorphic.Aggregator{}
	}
	return &Handler{registry: reg, store: st, aggregator: agg, opts: opts}
}

// Registry returns the shared session registry.
func (h *Handler) Registry() *session.Registry { return h.registry }

// Open starts tracking a new connection arriving over transport.
func (h *Handler) Open(transport string) *Conn {
	id := session.NewConnectionID()
	c := &Conn{
		id:        id,
		h:         h,
		transport: transport,
		state:     session.StateUnestablished,
		ready:     make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"conn_id":   id.String(),
			"transport": transport,
		}),
	}
	metrics.CurrentConnections.WithLabelValues(transport).Inc()
	c.log.WithField("function", "Open").Info("Connection opened")
	return c
}

// Conn is one client connection. Handle and Close are serialised, so a
// message being processed always finishes with the channel it started with.
type Conn struct {
	id        session.ConnectionID
	h         *Handler
	transport string
	log       *logrus.Entry

	mu    sync.Mutex
	state session.State
	ready chan struct{}
}

func (c *Conn) ID() session.ConnectionID { return c.id }

func (c *Conn) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed once the connection first establishes a session.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Handle processes one inbound payload. It returns the encoded reply, or nil
// when nothing should be sent, plus an *Error describing any failure. A reply
// and an error can both be non-nil (e.g. HANDSHAKE_ERROR).
func (c *Conn) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == session.StateClosed {
		return nil, ErrClosed
	}

	req, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		return nil, &Error{Kind: KindProtocol, Err: err}
	case errors.Is(err, protocol.ErrUnknownType):
		metrics.ProtocolErrors.WithLabelValues("unknown_type").Inc()
		return nil, &Error{Kind: KindProtocol, Err: err}
	case err != nil:
		// Bad field types are answered like empty fields.
		metrics.ProtocolErrors.WithLabelValues("invalid_fields").Inc()
		c.log.WithFields(logrus.Fields{
			"function": "Handle",
			"error":    err,
		}).Debug("Request has invalid fields")
	}

	var reply protocol.Reply
	switch r := req.(type) {
	case protocol.HandshakeInit:
		reply, err = c.handshake(r)
	case protocol.ChatMessage:
		reply, err = c.chat(ctx, r)
	case protocol.ComputeSum:
		reply, err = c.compute(r)
	default:
		return nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("%w: %T", protocol.ErrUnknownType, req)}
	}

	if reply == nil {
		return nil, err
	}
	out, encErr := protocol.Encode(reply)
	if encErr != nil {
		return nil, encErr
	}
	return out, err
}

func (c *Conn) handshake(req protocol.HandshakeInit) (protocol.Reply, error) {
	prev := c.state
	if prev == session.StateEstablished && c.h.registry.Policy() == session.RehandshakeReject {
		metrics.Handshakes.WithLabelValues("rejected").Inc()
		return protocol.HandshakeError{Error: alreadyEstablishedMsg},
			&Error{Kind: KindHandshake, Err: session.ErrAlreadyEstablished}
	}

	c.state = session.StateHandshaking
	pub, err := c.establish(req.PublicKey)
	if err != nil {
		c.state = prev
		metrics.Handshakes.WithLabelValues("failed").Inc()
		c.log.WithFields(logrus.Fields{
			"function": "handshake",
			"state":    prev.String(),
			"error":    err,
		}).Warn("Handshake failed")
		return protocol.HandshakeError{Error: handshakeFailedText}, &Error{Kind: KindHandshake, Err: err}
	}

	c.state = session.StateEstablished
	if prev != session.StateEstablished {
		close(c.ready)
	}
	metrics.Handshakes.WithLabelValues("ok").Inc()
	c.log.WithFields(logrus.Fields{
		"function":    "handshake",
		"rehandshake": prev == session.StateEstablished,
		"suite":       c.h.opts.Suite.String(),
	}).Info("Secure channel established")
	return protocol.HandshakeReply{PublicKey: pub}, nil
}

// establish runs the key exchange and binds the resulting channel. Nothing in
// the registry changes unless every step succeeds.
func (c *Conn) establish(peerKey string) (string, error) {
	peer, err := crypto.ParsePublicKeyBase64(peerKey)
	if err != nil {
		return "", err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	pub, err := kp.PublicKeyBase64()
	if err != nil {
		return "", err
	}
	ch, err := crypto.Establish(c.id.String(), kp, peer, c.h.opts.Suite)
	if err != nil {
		return "", err
	}

	old, err := c.h.registry.Put(c.id, ch)
	if err != nil {
		ch.Destroy()
		return "", err
	}
	if old != nil {
		old.Destroy()
	} else {
		metrics.EstablishedSessions.Inc()
	}
	return pub, nil
}

func (c *Conn) chat(ctx context.Context, req protocol.ChatMessage) (protocol.Reply, error) {
	ch, err := c.h.registry.Get(c.id)
	if err != nil {
		return c.chatFailure(err)
	}

	plaintext, err := ch.DecryptBase64(req.Content, req.IV)
	if err != nil {
		return c.chatFailure(err)
	}
	defer crypto.Wipe(plaintext)

	c.persist(ctx, req)

	text := fmt.Sprintf(c.h.opts.ReplyFormat, plaintext)
	content, iv, err := ch.EncryptBase64([]byte(text))
	if err != nil {
		return c.chatFailure(err)
	}

	metrics.ChatMessages.WithLabelValues("ok").Inc()
	c.log.WithFields(logrus.Fields{
		"function": "chat",
		"bytes":    len(plaintext),
	}).Debug("Chat message processed")
	return protocol.ChatReply{Sender: c.h.opts.ServerName, Content: content, IV: iv}, nil
}

func (c *Conn) chatFailure(err error) (protocol.Reply, error) {
	metrics.ChatMessages.WithLabelValues("decrypt_failed").Inc()
	e := &Error{Kind: KindDecryption, Err: err}
	if c.h.opts.ReplyOnError {
		return protocol.ChatError{Error: decryptFailedText}, e
	}
	return nil, e
}

// persist stores the inbound ciphertext. Failures are logged and the chat
// carries on.
func (c *Conn) persist(ctx context.Context, req protocol.ChatMessage) {
	rec, err := c.h.store.Append(ctx, store.Record{
		Sender:           c.h.opts.ClientName,
		ContentEncrypted: req.Content,
		IV:               req.IV,
	})
	if err != nil {
		metrics.StoreErrors.Inc()
		c.log.WithFields(logrus.Fields{
			"function": "persist",
			"error":    err,
		}).Error("Failed to store message")
		return
	}
	c.log.WithFields(logrus.Fields{
		"function":  "persist",
		"record_id": rec.ID,
		"sender":    rec.Sender,
	}).Debug("Stored encrypted message")
}

func (c *Conn) compute(req protocol.ComputeSum) (protocol.Reply, error) {
	var n, g string
	if req.PubKey != nil {
		n, g = string(req.PubKey.N), string(req.PubKey.G)
	}

	start := time.Now()
	var (
		result string
		err    error
	)
	if req.Values == nil {
		err = errMissingValues
	} else {
		result, err = c.h.aggregator.Compute(n, g, protocol.Strings(req.Values))
	}
	metrics.ComputeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ComputeRequests.WithLabelValues("failed").Inc()
		c.log.WithFields(logrus.Fields{
			"function": "compute",
			"operands": len(req.Values),
			"error":    err,
		}).Warn("Homomorphic sum failed")
		return protocol.ComputeResult{}, &Error{Kind: KindAggregation, Err: err}
	}

	metrics.ComputeRequests.WithLabelValues("ok").Inc()
	c.log.WithFields(logrus.Fields{
		"function": "compute",
		"operands": len(req.Values),
	}).Info("Homomorphic sum computed")
	return protocol.ComputeResult{Result: &result}, nil
}

// Close ends the connection and purges its session. It is idempotent and
// waits for an in-progress Handle to finish.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == session.StateClosed {
		return
	}
	established := c.state == session.StateEstablished
	c.state = session.StateClosed

	// The registry may already have been torn down by Registry.Close; the
	// gauge follows this connection's own state either way.
	if ch := c.h.registry.Remove(c.id); ch != nil {
		ch.Destroy()
	}
	if established {
		metrics.EstablishedSessions.Dec()
	}
	metrics.CurrentConnections.WithLabelValues(c.transport).Dec()
	c.log.WithField("function", "Close").Info("Connection closed")
}

// Report logs an error returned by Handle at a level matching its kind.
// Handshake and aggregation failures were already logged with detail.
func (c *Conn) Report(err error) {
	if err == nil {
		return
	}
	entry := c.log.WithFields(logrus.Fields{
		"function": "Report",
		"kind":     KindOf(err).String(),
		"error":    err,
	})
	switch KindOf(err) {
	case KindProtocol:
		if errors.Is(err, protocol.ErrMalformed) {
			entry.Error("Dropped payload that is not JSON")
			return
		}
		entry.Warn("Ignored message")
	case KindDecryption:
		entry.Warn("Chat message could not be decrypted")
	case KindHandshake, KindAggregation:
		entry.Debug("Request failed")
	default:
		entry.Error("Message handling failed")
	}
}

// WatchHandshake calls onTimeout if c has not established a session within
// timeout. It returns immediately when timeout is zero.
func WatchHandshake(ctx context.Context, c *Conn, timeout time.Duration, onTimeout func()) {
	if timeout <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-c.Ready():
		case <-ctx.Done():
		case <-t.C:
			c.log.WithFields(logrus.Fields{
				"function": "WatchHandshake",
				"timeout":  timeout.String(),
			}).Warn("Closing connection that never completed a handshake")
			onTimeout()
		}
	}()
}
