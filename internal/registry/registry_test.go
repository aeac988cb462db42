package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

type fakeConn struct {
	mu      sync.Mutex
	written []any
	err     error
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestRegistrySend(t *testing.T) {
	t.Parallel()

	r := New()
	conn := &fakeConn{}
	unregister := r.Register("111", conn)

	if !r.IsConnected("111") {
		t.Fatal("target should be connected")
	}
	if err := r.Send(context.Background(), "111", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if conn.count() != 1 {
		t.Fatalf("written = %d, want 1", conn.count())
	}

	unregister()
	err := r.Send(context.Background(), "111", "x")
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestRegistrySendWriteError(t *testing.T) {
	t.Parallel()

	r := New()
	writeErr := errors.New("broken pipe")
	r.Register("111", &fakeConn{err: writeErr})

	if err := r.Send(context.Background(), "111", "x"); !errors.Is(err, writeErr) {
		t.Fatalf("Send() error = %v, want %v", err, writeErr)
	}
}

func TestRegistryStaleUnregisterKeepsNewConnection(t *testing.T) {
	t.Parallel()

	r := New()
	first := &fakeConn{}
	second := &fakeConn{}

	unregisterFirst := r.Register("111", first)
	r.Register("111", second)
	unregisterFirst()

	if !r.IsConnected("111") {
		t.Fatal("reconnect must survive the old connection closing")
	}
	if err := r.Send(context.Background(), "111", "x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if second.count() != 1 || first.count() != 0 {
		t.Fatalf("first=%d second=%d, want 0/1", first.count(), second.count())
	}
}

func TestRegistryConnectedAndTargets(t *testing.T) {
	t.Parallel()

	r := New()
	r.Register("333", &fakeConn{})
	r.Register("111", &fakeConn{})

	got := r.Connected([]string{"111", "222", "333"})
	if len(got) != 2 || got[0] != "111" || got[1] != "333" {
		t.Fatalf("Connected() = %v", got)
	}

	targets := r.Targets()
	if len(targets) != 2 || targets[0] != "111" || r.Len() != 2 {
		t.Fatalf("Targets() = %v, Len() = %d", targets, r.Len())
	}
}

func TestRegistryConcurrentSendsSerialize(t *testing.T) {
	t.Parallel()

	r := New()
	conn := &fakeConn{}
	r.Register("111", conn)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Send(context.Background(), "111", i)
		}()
	}
	wg.Wait()

	if conn.count() != 20 {
		t.Fatalf("written = %d, want 20", conn.count())
	}
}
