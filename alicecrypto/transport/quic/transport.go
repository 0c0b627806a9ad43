// Package quic carries protocol envelopes over a single bidirectional QUIC
// stream per connection, framed with protocol.WriteFrame.
package quic

import (
	"context"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
)

const (
	codeNoError          q.ApplicationErrorCode = 0
	codeHandshakeTimeout q.ApplicationErrorCode = 1
	codeProtocolError    q.ApplicationErrorCode = 2
	codeShuttingDown     q.ApplicationErrorCode = 3
)

const defaultKeepAlive = 15 * time.Second

func quicConfig() *q.Config {
	return &q.Config{KeepAlivePeriod: defaultKeepAlive}
}

type Listener struct {
	inner *q.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := NewServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

func (l *Listener) Accept(ctx context.Context) (q.Connection, error) {
	return l.inner.Accept(ctx)
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

// Client is the dialing side of the transport, used by tools and tests.
type Client struct {
	conn   q.Connection
	stream q.Stream

	wmu sync.Mutex
}

// Dial connects to addr and opens the envelope stream.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := q.DialAddr(ctx, addr, NewClientTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeNoError, "")
		return nil, err
	}
	return &Client{conn: conn, stream: stream}, nil
}

// Send writes one envelope.
func (c *Client) Send(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteFrame(c.stream, payload)
}

// Recv blocks for the next reply. Requests that produce no reply are not
// signalled.
func (c *Client) Recv() ([]byte, error) {
	return protocol.ReadFrame(c.stream)
}

// RoundTrip sends payload and waits for one reply.
func (c *Client) RoundTrip(payload []byte) ([]byte, error) {
	if err := c.Send(payload); err != nil {
		return nil, err
	}
	return c.Recv()
}

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context { return c.conn.Context() }

func (c *Client) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(codeNoError, "")
}
