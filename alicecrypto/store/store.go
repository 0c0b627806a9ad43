// Package store persists encrypted chat records. Records only ever hold the
// ciphertext and nonce as received; plaintext and keys never reach a store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownDriver = errors.New("store: unknown driver")
	ErrClosed        = errors.New("store: closed")
	ErrReadOnly      = errors.New("store: opened read-only")
)

// Record is one persisted chat message.
type Record struct {
	ID               int64     `json:"id"`
	Sender           string    `json:"sender"`
	ContentEncrypted string    `json:"content_encrypted"`
	IV               string    `json:"iv"`
	Timestamp        time.Time `json:"timestamp"`
}

// MessageStore is an append-only record log.
type MessageStore interface {
	// Append stores rec and returns it with ID (and Timestamp, if zero) filled in.
	Append(ctx context.Context, rec Record) (Record, error)
	// List returns up to limit of the most recent records, oldest first.
	// A limit <= 0 returns everything.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverLog    = "log"
	DriverNone   = "none"
)

// Open returns the store for driver at path.
func Open(driver, path string) (MessageStore, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		return OpenSQLite(path)
	case DriverLog:
		return OpenLog(path)
	case DriverNone:
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// OpenReadOnly returns a store for listing records while the server may be
// running. The log driver never repairs or truncates the file in this mode.
func OpenReadOnly(driver, path string) (MessageStore, error) {
	if strings.ToLower(driver) == DriverLog {
		return OpenLogReader(path)
	}
	return Open(driver, path)
}

// Discard accepts records and keeps nothing.
type Discard struct{}

func (Discard) Append(_ context.Context, rec Record) (Record, error) {
	return stamp(rec), nil
}

func (Discard) List(context.Context, int) ([]Record, error) { return nil, nil }

func (Discard) Close() error { return nil }

func stamp(rec Record) Record {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return rec
}
