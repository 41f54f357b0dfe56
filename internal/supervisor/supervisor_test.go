package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/registry"
)

type fakeTransport struct {
	mu     sync.Mutex
	got    [][]byte
	closed bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, raw := range f.got {
		env, err := envelope.Decode(raw)
		if err == nil && env.Kind == envelope.KindAck {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSupervisorPingsQuietConnections(t *testing.T) {
	reg := registry.New(nil)
	ft := &fakeTransport{}
	connID := reg.Register(ft)
	require.NoError(t, reg.Classify(connID, domain.ClassSandbox, "sess-1"))

	sup := New(reg, 20*time.Millisecond, nil)
	sup.Track(connID, "sess-1")
	t.Cleanup(func() { sup.Untrack(connID) })

	require.Eventually(t, func() bool { return ft.pings() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorSeenResetsMissedCount(t *testing.T) {
	reg := registry.New(nil)
	ft := &fakeTransport{}
	connID := reg.Register(ft)
	require.NoError(t, reg.Classify(connID, domain.ClassSandbox, "sess-1"))

	sup := New(reg, 15*time.Millisecond, nil)
	sup.Track(connID, "sess-1")
	t.Cleanup(func() { sup.Untrack(connID) })

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sup.Seen(connID)
			}
		}
	}()
	time.Sleep(100 * time.Millisecond)
	close(stop)

	require.False(t, ft.isClosed())
}

func TestSupervisorClosesConnectionAfterMissedHeartbeats(t *testing.T) {
	reg := registry.New(nil)
	ft := &fakeTransport{}
	connID := reg.Register(ft)
	require.NoError(t, reg.Classify(connID, domain.ClassSandbox, "sess-1"))

	closed := make(chan string, 1)
	sup := New(reg, 10*time.Millisecond, func(cid, sessionID string) {
		closed <- sessionID
	})
	sup.Track(connID, "sess-1")

	select {
	case sessionID := <-closed:
		require.Equal(t, "sess-1", sessionID)
	case <-time.After(time.Second):
		t.Fatal("expected supervisor to close connection after missed heartbeats")
	}
	require.True(t, ft.isClosed())
}

func TestUntrackStopsFurtherPings(t *testing.T) {
	reg := registry.New(nil)
	ft := &fakeTransport{}
	connID := reg.Register(ft)
	require.NoError(t, reg.Classify(connID, domain.ClassSandbox, "sess-1"))

	sup := New(reg, 10*time.Millisecond, nil)
	sup.Track(connID, "sess-1")
	sup.Untrack(connID)

	countAfterUntrack := ft.pings()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, countAfterUntrack, ft.pings())
}
