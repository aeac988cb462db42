package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

// Conn is the write side of a live target connection.
type Conn interface {
	WriteJSON(v any) error
}

type entry struct {
	conn Conn
	// writes on a single websocket connection must not interleave
	mu sync.Mutex
}

// Registry maps target ids to their live connection. Entries are added and
// removed only by the connection's own accept/close lifecycle.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register stores conn for targetID, replacing any previous connection. The
// returned func removes the entry only if it still points at conn.
func (r *Registry) Register(targetID string, conn Conn) func() {
	e := &entry{conn: conn}

	r.mu.Lock()
	r.entries[targetID] = e
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.entries[targetID]; ok && cur == e {
			delete(r.entries, targetID)
		}
	}
}

func (r *Registry) IsConnected(targetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[targetID]
	return ok
}

// Send writes msg to the target's connection. It returns domain.ErrNotConnected
// when no connection is registered.
func (r *Registry) Send(ctx context.Context, targetID string, msg any) error {
	r.mu.RLock()
	e, ok := r.entries[targetID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, targetID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send to target %s: %w", targetID, err)
	}
	return nil
}

// Connected filters ids down to those with a live connection, keeping order.
func (r *Registry) Connected(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Targets lists every connected target id in sorted order.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
