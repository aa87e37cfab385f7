package ws

import (
	"log"
	"sync"
	"time"
)

// Pusher is the write side of a registered connection. *websocket.Conn
// satisfies it; tests use fakes.
type Pusher interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const writeWait = 10 * time.Second

// Registry maps connection ids to live connections. The transport layer
// adds a connection at upgrade time and removes it on disconnect; the relay
// only consumes the resulting state through Push.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

type entry struct {
	conn Pusher
	// serializes writes; gorilla allows one concurrent writer
	writeMu sync.Mutex
	// principal from the verified connect token, may be empty
	principalID string
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

func (r *Registry) Add(connectionID, principalID string, conn Pusher) {
	r.mu.Lock()
	r.conns[connectionID] = &entry{conn: conn, principalID: principalID}
	r.mu.Unlock()
	log.Printf("ws connect id=%s principal=%s", connectionID, principalID)
}

func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.mu.Unlock()
	if ok {
		_ = e.conn.Close()
		log.Printf("ws disconnect id=%s", connectionID)
	}
}

func (r *Registry) Principal(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return "", false
	}
	return e.principalID, true
}

// Push writes one JSON message to a registered connection. It reports
// ok=false when the connection id is unknown or the write fails; a failed
// write evicts the connection, since the peer is unreachable either way.
func (r *Registry) Push(connectionID string, v any) bool {
	r.mu.RLock()
	e, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.writeMu.Lock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := e.conn.WriteJSON(v)
	e.writeMu.Unlock()

	if err != nil {
		log.Printf("ws push failed id=%s err=%v", connectionID, err)
		r.Remove(connectionID)
		return false
	}
	return true
}
