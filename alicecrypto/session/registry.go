package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/TheusHen/alicecrypto/alicecrypto/crypto"
)

var (
	ErrNotEstablished     = errors.New("session: not established")
	ErrAlreadyEstablished = errors.New("session: already established")
	ErrRegistryClosed     = errors.New("session: registry closed")
	ErrUnknownPolicy      = errors.New("session: unknown rehandshake policy")
)

// ConnectionID identifies one open transport connection.
type ConnectionID string

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

func (id ConnectionID) String() string { return string(id) }

// RehandshakePolicy decides what Put does when a connection already has a channel.
type RehandshakePolicy uint8

const (
	// RehandshakeReplace installs the new channel and hands back the old one.
	RehandshakeReplace RehandshakePolicy = iota
	// RehandshakeReject keeps the existing channel and fails the new handshake.
	RehandshakeReject
)

func (p RehandshakePolicy) String() string {
	switch p {
	case RehandshakeReplace:
		return "replace"
	case RehandshakeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseRehandshakePolicy maps a config name to a policy. Empty selects replace.
func ParseRehandshakePolicy(name string) (RehandshakePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "replace":
		return RehandshakeReplace, nil
	case "reject":
		return RehandshakeReject, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Registry maps open connections to their secure channels.
// Channels handed back by Put and Remove are owned by the caller, which
// destroys them once no operation is using them.
type Registry struct {
	mu       sync.RWMutex
	policy   RehandshakePolicy
	channels map[ConnectionID]*crypto.SecureChannel
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(policy RehandshakePolicy) *Registry {
	return &Registry{
		policy:   policy,
		channels: make(map[ConnectionID]*crypto.SecureChannel),
	}
}

// Policy returns the rehandshake policy.
func (r *Registry) Policy() RehandshakePolicy { return r.policy }

// Get returns the channel bound to id.
func (r *Registry) Get(id ConnectionID) (*crypto.SecureChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil, ErrNotEstablished
	}
	return ch, nil
}

// Put binds ch to id. If id already has a channel the policy applies: with
// RehandshakeReplace the previous channel is returned, with RehandshakeReject
// ErrAlreadyEstablished is returned and nothing changes.
func (r *Registry) Put(id ConnectionID, ch *crypto.SecureChannel) (*crypto.SecureChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	prev, exists := r.channels[id]
	if exists && r.policy == RehandshakeReject {
		return nil, ErrAlreadyEstablished
	}
	r.channels[id] = ch
	return prev, nil
}

// Remove unbinds id and returns the channel it held, or nil.
func (r *Registry) Remove(id ConnectionID) *crypto.SecureChannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil
	}
	delete(r.channels, id)
	return ch
}

// Len returns the number of established sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Close destroys every channel and rejects further Puts.
func (r *Registry) Close() int {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[ConnectionID]*crypto.SecureChannel)
	r.closed = true
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Destroy()
	}
	return len(channels)
}
