package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn without any network. Wait blocks until Close,
// mirroring *ssh.Client.
type fakeConn struct {
	mu         sync.Mutex
	shellErr   error
	shellGate  chan struct{} // when set, NewShellSession blocks until it closes
	shellCalls int
	sessions   []*fakeShellSession
	waitCh     chan struct{}
	closeOnce  sync.Once
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{waitCh: make(chan struct{})}
}

func (c *fakeConn) NewShellSession() (ShellSession, error) {
	c.mu.Lock()
	c.shellCalls++
	gate := c.shellGate
	err := c.shellErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if gate != nil {
		<-gate
	}
	sess := newFakeShellSession()
	c.mu.Lock()
	c.sessions = append(c.sessions, sess)
	c.mu.Unlock()
	return sess, nil
}

func (c *fakeConn) shellCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shellCalls
}

func (c *fakeConn) Wait() error {
	<-c.waitCh
	return errors.New("connection closed")
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.waitCh)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testParams() ConnectParams {
	return ConnectParams{Host: "test-host", Port: 22, Username: "u"}
}

func mustCreate(t *testing.T, r *Registry, owner string, conn Conn) *Session {
	t.Helper()
	s, err := r.Create(owner, conn, testParams())
	require.NoError(t, err)
	return s
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry(nil, 0)
	conn := newFakeConn()

	s := mustCreate(t, r, "alice", conn)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "alice", s.Owner)
	assert.Equal(t, "test-host", s.Host)
	assert.Equal(t, StateReady, s.State())

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry(nil, 0)
	s := mustCreate(t, r, "alice", newFakeConn())

	r.Remove(s.ID)
	r.Remove(s.ID)
	r.Remove("never-existed")

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestSessionCloseConverges(t *testing.T) {
	r := NewRegistry(nil, 0)
	conn := newFakeConn()
	s := mustCreate(t, r, "alice", conn)

	// Concurrent teardown triggers must not double-free.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(ReasonTerminated)
		}()
	}
	wg.Wait()

	assert.True(t, conn.isClosed())
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestRemoteCloseTearsDownSession(t *testing.T) {
	r := NewRegistry(nil, 0)
	conn := newFakeConn()
	s := mustCreate(t, r, "alice", conn)

	// The remote end drops the transport.
	conn.Close()

	waitFor(t, func() bool {
		_, ok := r.Get(s.ID)
		return !ok
	})
}

func TestRegistryListByOwner(t *testing.T) {
	r := NewRegistry(nil, 0)
	a1 := mustCreate(t, r, "alice", newFakeConn())
	a2 := mustCreate(t, r, "alice", newFakeConn())
	mustCreate(t, r, "bob", newFakeConn())

	sessions := r.ListByOwner("alice")
	require.Len(t, sessions, 2)
	ids := map[string]bool{sessions[0].ID: true, sessions[1].ID: true}
	assert.True(t, ids[a1.ID])
	assert.True(t, ids[a2.ID])

	assert.Len(t, r.ListByOwner("carol"), 0)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Create("alice", newFakeConn(), testParams())
			if err != nil {
				t.Error(err)
				return
			}
			if _, ok := r.Get(s.ID); !ok {
				t.Error("created session not found")
			}
			s.Close(ReasonTerminated)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func TestRegistryShutdownClosesAll(t *testing.T) {
	r := NewRegistry(nil, 0)
	c1 := newFakeConn()
	c2 := newFakeConn()
	mustCreate(t, r, "alice", c1)
	mustCreate(t, r, "bob", c2)

	r.Shutdown()

	assert.Equal(t, 0, r.Len())
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
}

func TestRegistryCreateAfterShutdown(t *testing.T) {
	r := NewRegistry(nil, 0)
	r.Shutdown()

	conn := newFakeConn()
	_, err := r.Create("alice", conn, testParams())
	require.ErrorIs(t, err, ErrRegistryClosed)
	assert.True(t, conn.isClosed(), "refused create must not leak the connection")
	assert.Equal(t, 0, r.Len())
}
