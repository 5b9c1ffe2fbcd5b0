package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/pkg/errors"
)

func TestHandshake_FailureNeverIndexed(t *testing.T) {
	h := newHarness(t, nil)

	conn, err := h.m.Handshake(context.Background(), "bogus", Meta{RemoteAddr: "10.0.0.1:1"})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, errors.Is(err, errors.ErrAuthentication))

	stats := h.m.Stats()
	assert.Equal(t, 0, stats.Connections)
	assert.Equal(t, 0, stats.Sessions)
}

func TestHandshake_DefaultRole(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect("alice", "")
	assert.Equal(t, "customer", conn.Principal().Role)
	assert.Equal(t, StateActive, conn.State())
}

func TestHandshake_RejectedWhileDraining(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.Shutdown(context.Background()))

	h.verifier.add("tok", h.claims("alice", "agent"))
	_, err := h.m.Handshake(context.Background(), "tok", Meta{})
	assert.True(t, errors.Is(err, errors.ErrShuttingDown))
}

func TestActivate_RegistersBindings(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect("alice", "agent")

	events := h.m.Handlers().Events(conn)
	assert.ElementsMatch(t, []string{
		EventSyncState, EventJoinRoom, EventLeaveRoom, EventSendMessage,
		EventMarkRead, EventTypingStart, EventTypingStop, EventStatusChange,
	}, events)

	got, ok := h.m.Connection(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestActivate_ConnectionLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConnections = 1 })
	h.connect("alice", "agent")

	h.verifier.add("tok-bob", h.claims("bob", "agent"))
	conn, err := h.m.Handshake(context.Background(), "tok-bob", Meta{})
	require.NoError(t, err)
	err = h.m.Activate(context.Background(), conn, &fakeTransport{})
	assert.True(t, errors.Is(err, errors.ErrTooManyConnections))
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 1, h.m.Stats().Connections)
}

func TestActivate_ConcurrentLimitNeverEvictsActive(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConnections = 2 })
	_, first := h.connect("alice", "agent")

	const n = 8
	conns := make([]*Connection, n)
	for i := range conns {
		token := fmt.Sprintf("tok-%d", i)
		h.verifier.add(token, h.claims(fmt.Sprintf("user-%d", i), "agent"))
		conn, err := h.m.Handshake(context.Background(), token, Meta{})
		require.NoError(t, err)
		conns[i] = conn
	}

	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *Connection) {
			defer wg.Done()
			<-start
			errs[i] = h.m.Activate(context.Background(), conn, &fakeTransport{})
		}(i, conn)
	}
	close(start)
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrTooManyConnections):
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, 2, h.m.Stats().Connections)

	// 已激活的连接不会被容量淘汰
	time.Sleep(20 * time.Millisecond)
	first.mu.Lock()
	defer first.mu.Unlock()
	assert.Equal(t, 0, first.closeCalls)
}

func TestActivate_SlotReturnedOnDisconnect(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConnections = 1 })
	alice, _ := h.connect("alice", "agent")
	h.m.Disconnect(alice, "bye")

	h.connect("bob", "agent")
	assert.Equal(t, 1, h.m.Stats().Connections)
}

func TestDispatch_UnknownEvent(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.connect("alice", "agent")

	h.dispatch(conn, "no-such-event", "r1", `{}`)

	last := tr.lastError()
	assert.Equal(t, "VALIDATION_ERROR", last.Data["code"])
	assert.Equal(t, "r1", last.RequestID)
	assert.Equal(t, StateActive, conn.State())
}

func TestDispatch_RateLimited(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.connect("alice", "agent")

	h.join(conn, "c1")
	h.join(conn, "c2")
	require.Equal(t, []string{"RATE_LIMITED"}, tr.errorCodes())
	retry := tr.lastError().Data["details"].(map[string]any)["retryAfterMs"].(float64)
	assert.InDelta(t, 1000, retry, 1)
	assert.False(t, conn.InRoom(roomOf("c2")))

	h.clock.Advance(time.Second)
	h.join(conn, "c2")
	assert.True(t, conn.InRoom(roomOf("c2")))
	assert.Len(t, tr.errorCodes(), 1)
}

func TestDispatch_MalformedPayload(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.connect("alice", "agent")

	h.dispatch(conn, EventJoinRoom, "r1", `[1,2]`)
	assert.Equal(t, []string{"VALIDATION_ERROR"}, tr.errorCodes())

	h.clock.Advance(time.Second)
	h.dispatch(conn, EventJoinRoom, "r2", `{"roomIdentifier":42}`)
	assert.Equal(t, []string{"VALIDATION_ERROR", "VALIDATION_ERROR"}, tr.errorCodes())
}

func TestDisconnect_IdempotentSingleOffline(t *testing.T) {
	h := newHarness(t, nil)
	_, trA := h.connect("alice", "agent")
	bob, trB := h.connect("bob", "agent")

	online := 0
	for _, f := range trA.events(EventPresenceUpdate) {
		if f.Data["identity"] == "bob" && f.Data["status"] == "online" {
			online++
		}
	}
	assert.Equal(t, 1, online)

	h.m.Disconnect(bob, "client closed")
	h.m.Disconnect(bob, "client closed")

	offline := 0
	for _, f := range trA.events(EventPresenceUpdate) {
		if f.Data["identity"] == "bob" && f.Data["status"] == "offline" {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
	assert.Equal(t, 1, trB.closeCalls)
	assert.Equal(t, StateClosed, bob.State())
	assert.Empty(t, h.m.Handlers().Events(bob))

	stats := h.m.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Sessions)
}

func TestDisconnect_SessionSurvivesWhileConnectionsRemain(t *testing.T) {
	h := newHarness(t, nil)
	_, trA := h.connect("alice", "agent")
	b1, _ := h.connect("bob", "agent")
	b2, _ := h.connect("bob", "agent")

	countOffline := func() int {
		n := 0
		for _, f := range trA.events(EventPresenceUpdate) {
			if f.Data["identity"] == "bob" && f.Data["status"] == "offline" {
				n++
			}
		}
		return n
	}

	h.m.Disconnect(b1, "closed")
	assert.Equal(t, 0, countOffline())
	sess, ok := h.m.Session(b2.Principal())
	require.True(t, ok)
	assert.Equal(t, 1, sess.Snapshot().Connections)

	h.m.Disconnect(b2, "closed")
	assert.Equal(t, 1, countOffline())
	_, ok = h.m.Session(b2.Principal())
	assert.False(t, ok)
}

func TestShutdown_NoticeExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.connect("alice", "agent")

	assert.True(t, h.m.notifyShutdown(conn, "maintenance", time.Second))
	assert.False(t, h.m.notifyShutdown(conn, "maintenance", time.Second))
	require.NoError(t, h.m.Shutdown(context.Background()))
	require.NoError(t, h.m.Shutdown(context.Background()))

	notices := tr.events(EventShutdownNotice)
	require.Len(t, notices, 1)
	assert.True(t, notices[0].Priority)
	assert.Equal(t, "maintenance", notices[0].Data["reason"])
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, "server shutdown", tr.closeReason)
	assert.True(t, h.m.Stats().Draining)
}

func TestShutdown_WaitsForGrace(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ShutdownGrace = 50 * time.Millisecond })
	_, tr := h.connect("alice", "agent")

	start := time.Now()
	require.NoError(t, h.m.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	notices := tr.events(EventShutdownNotice)
	require.Len(t, notices, 1)
	assert.EqualValues(t, 50, notices[0].Data["graceMs"])
}

func TestHandlers_NotRemovedWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect("alice", "agent")

	assert.False(t, h.m.Handlers().Unregister(conn, EventJoinRoom))
	assert.Equal(t, 0, h.m.Handlers().UnregisterAll(conn))
	assert.True(t, h.m.Handlers().Has(conn, EventJoinRoom))
}

func TestVerifyHandlers_ReregistersMissing(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect("alice", "agent")

	reg := h.m.handlers.lookup(conn.ID(), EventMarkRead)
	require.NotNil(t, reg)
	h.m.handlers.remove(conn.ID(), EventMarkRead, reg)
	require.False(t, h.m.Handlers().Has(conn, EventMarkRead))

	assert.Equal(t, 1, h.m.VerifyHandlers())
	assert.True(t, h.m.Handlers().Has(conn, EventMarkRead))
	assert.Equal(t, 0, h.m.VerifyHandlers())
}

func TestCleanup_ReapsIdleConnections(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.IdleTimeout = time.Minute })
	idle, tr := h.connect("alice", "agent")
	busy, _ := h.connect("bob", "agent")

	h.clock.Advance(45 * time.Second)
	h.dispatch(busy, EventStatusChange, "s1", `{"status":"away"}`)
	h.clock.Advance(30 * time.Second)

	r := h.m.Cleanup()
	assert.Equal(t, 1, r.Idle)
	assert.Equal(t, StateClosed, idle.State())
	assert.Equal(t, "idle timeout", tr.closeReason)
	assert.Equal(t, StateActive, busy.State())
}

func TestSessionExpiry_DisconnectsConnections(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SessionTTL = time.Minute
		c.IdleTimeout = time.Hour
	})
	conn, tr := h.connect("alice", "agent")

	h.clock.Advance(2 * time.Minute)
	h.m.sessions.Sweep()

	require.Eventually(t, func() bool { return conn.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.Contains(t, tr.closeReason, "session")
}

func TestHandlerPanicRepliesInternal(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.connect("alice", "agent")

	require.NoError(t, h.m.Handlers().Register(conn, "explode", func(context.Context, *Connection, *Request) error {
		panic(fmt.Sprintf("boom %d", 1))
	}, HandlerOptions{RequiresAuth: true}))

	h.dispatch(conn, "explode", "r9", `{}`)
	last := tr.lastError()
	assert.Equal(t, "INTERNAL_ERROR", last.Data["code"])
	assert.Equal(t, "r9", last.RequestID)
	assert.Equal(t, StateActive, conn.State())
}

func TestHandlerCallBudget(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.connect("alice", "agent")

	calls := 0
	require.NoError(t, h.m.Handlers().Register(conn, "once", func(context.Context, *Connection, *Request) error {
		calls++
		return nil
	}, HandlerOptions{CallBudget: 1}))

	h.dispatch(conn, "once", "", `{}`)
	h.dispatch(conn, "once", "", `{}`)
	assert.Equal(t, 1, calls)
	assert.False(t, h.m.Handlers().Has(conn, "once"))
}

func TestHandlerExecTimeout(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.connect("alice", "agent")

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, h.m.Handlers().Register(conn, "slow", func(ctx context.Context, _ *Connection, _ *Request) error {
		<-release
		return nil
	}, HandlerOptions{ExecTimeout: 20 * time.Millisecond}))

	h.dispatch(conn, "slow", "r1", `{}`)
	assert.Equal(t, "INTERNAL_ERROR", tr.lastError().Data["code"])
}
