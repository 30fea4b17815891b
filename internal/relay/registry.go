package relay

import (
	"sync"

	"github.com/lancon/relay/internal/user"
)

// CloseReason tells a connection why the relay is closing it.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseSuperseded
	CloseUnauthorized
	CloseShutdown
	CloseTransport
)

func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseSuperseded:
		return "superseded"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseShutdown:
		return "shutdown"
	case CloseTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Conn is one live transport session as seen by the registry and router.
// Send must not block; it reports false when the delivery was not queued.
// Close must be safe to call more than once and from any goroutine.
type Conn interface {
	ID() string
	Send(Delivery) bool
	Close(CloseReason)
}

// Registry maps each identity to its single live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[user.Identity]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[user.Identity]Conn)}
}

// Register makes conn the live connection for id. A previously registered
// connection is closed with CloseSuperseded once the lock is released.
func (r *Registry) Register(id user.Identity, conn Conn) {
	r.mu.Lock()
	prev, ok := r.conns[id]
	r.conns[id] = conn
	r.mu.Unlock()

	if ok && prev != conn {
		prev.Close(CloseSuperseded)
	}
}

// Unregister removes id only while conn is still the registered connection.
func (r *Registry) Unregister(id user.Identity, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

func (r *Registry) Lookup(id user.Identity) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Online reports, for each requested identity, whether it is reachable now.
func (r *Registry) Online(ids []user.Identity) map[user.Identity]bool {
	out := make(map[user.Identity]bool, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		_, out[id] = r.conns[id]
	}
	return out
}

// CloseAll empties the registry and closes every connection with reason.
func (r *Registry) CloseAll(reason CloseReason) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[user.Identity]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(reason)
	}
}
