package connection

import "errors"

var ErrClosed = errors.New("connection: closed")

// Kind classifies why an inbound message did not succeed.
type Kind uint8

const (
	KindProtocol Kind = iota + 1
	KindHandshake
	KindDecryption
	KindAggregation
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindHandshake:
		return "handshake"
	case KindDecryption:
		return "decryption"
	case KindAggregation:
		return "aggregation"
	default:
		return "unknown"
	}
}

// Error is returned by Conn.Handle. None of these are fatal to the
// connection; the transport logs them and keeps reading.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
