package realtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/errors"
)

func presenceOf(tr *fakeTransport, identity string) []string {
	var out []string
	for _, f := range tr.events(EventPresenceUpdate) {
		if f.Data["identity"] == identity {
			out = append(out, f.Data["status"].(string))
		}
	}
	return out
}

func TestPresence_AudienceByRole(t *testing.T) {
	h := newHarness(t, nil)
	_, trAgent := h.connect("agent-1", "agent")
	_, trCustomer := h.connect("cust-1", "customer")
	_, trAdmin := h.connect("admin-1", "admin")
	_, _ = h.connect("agent-2", "agent")

	// 同角色与高权限角色可见，其他角色不可见
	assert.Equal(t, []string{"online"}, presenceOf(trAgent, "agent-2"))
	assert.Equal(t, []string{"online"}, presenceOf(trAdmin, "agent-2"))
	assert.Empty(t, presenceOf(trCustomer, "agent-2"))
}

func TestPresence_StatusChange(t *testing.T) {
	h := newHarness(t, nil)
	_, trA := h.connect("alice", "agent")
	bob, trB := h.connect("bob", "agent")

	h.dispatch(bob, EventStatusChange, "s1", `{"status":"busy"}`)
	assert.Equal(t, []string{"online", "busy"}, presenceOf(trA, "bob"))

	acks := trB.events(EventAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "busy", acks[0].Data["status"])

	h.clock.Advance(3 * time.Second)
	h.dispatch(bob, EventStatusChange, "s2", `{"status":"sleeping"}`)
	assert.Equal(t, "VALIDATION_ERROR", trB.lastError().Data["code"])
}

func TestPresence_InvisibleShownAsOffline(t *testing.T) {
	h := newHarness(t, nil)
	alice, trA := h.connect("alice", "agent")
	bob, trB := h.connect("bob", "agent")
	h.join(alice, "c1")

	h.dispatch(bob, EventStatusChange, "s1", `{"status":"invisible"}`)
	assert.Equal(t, []string{"online", "offline"}, presenceOf(trA, "bob"))
	assert.Contains(t, presenceOf(trB, "bob"), "invisible")

	// 隐身加入不通知他人，参与者列表也不包含
	h.join(bob, "c1")
	for _, f := range trA.events(EventRoomJoined) {
		assert.NotEqual(t, "bob", f.Data["identity"])
	}
	view := h.m.roomView(roomOf("c1"), "alice")
	for _, p := range view.Participants {
		assert.NotEqual(t, "bob", p.Identity)
	}
	self := h.m.roomView(roomOf("c1"), "bob")
	var found bool
	for _, p := range self.Participants {
		if p.Identity == "bob" {
			found = true
			assert.Equal(t, StatusInvisible, p.Status)
		}
	}
	assert.True(t, found)
}

func TestPresence_SessionMemberships(t *testing.T) {
	h := newHarness(t, nil)
	b1, _ := h.connect("bob", "agent")
	b2, _ := h.connect("bob", "agent")
	h.join(b1, "c1")
	h.clock.Advance(time.Second)
	h.join(b2, "c1")

	sess, ok := h.m.Session(b1.Principal())
	require.True(t, ok)
	snap := sess.Snapshot()
	assert.Equal(t, 2, snap.Connections)
	assert.Equal(t, 2, snap.Memberships[roomOf("c1")])

	h.m.Disconnect(b1, "closed")
	assert.Equal(t, 1, sess.Snapshot().Memberships[roomOf("c1")])
}

func TestTyping_ExpiresAfterWindow(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect("alice", "agent")
	bob, trB := h.connect("bob", "agent")
	h.join(alice, "c1")
	h.join(bob, "c1")

	h.dispatch(alice, EventTypingStart, "t1", `{"roomIdentifier":"c1"}`)
	typing := trB.events(EventTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "alice", typing[0].Data["identity"])
	assert.Equal(t, []string{"alice"}, h.m.typing.Typers(roomOf("c1")))

	sess, _ := h.m.Session(alice.Principal())
	assert.True(t, sess.Snapshot().Typing)

	h.clock.Advance(11 * time.Second)
	h.m.typing.Sweep()

	require.Eventually(t, func() bool { return len(trB.events(EventTypingStop)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ttl_expired", trB.events(EventTypingStop)[0].Data["reason"])
	assert.False(t, sess.Snapshot().Typing)
	assert.Empty(t, h.m.typing.Typers(roomOf("c1")))
}

func TestTyping_RepeatedStartRefreshes(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect("alice", "agent")
	bob, trB := h.connect("bob", "agent")
	h.join(alice, "c1")
	h.join(bob, "c1")

	h.dispatch(alice, EventTypingStart, "t1", `{"roomIdentifier":"c1"}`)
	h.clock.Advance(8 * time.Second)
	h.dispatch(alice, EventTypingStart, "t2", `{"roomIdentifier":"c1"}`)
	h.clock.Advance(8 * time.Second)
	h.m.typing.Sweep()

	assert.Len(t, trB.events(EventTyping), 1)
	assert.Empty(t, trB.events(EventTypingStop))
}

func TestTyping_StopAndLeave(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect("alice", "agent")
	bob, trB := h.connect("bob", "agent")
	h.join(alice, "c1")
	h.join(bob, "c1")

	h.dispatch(alice, EventTypingStart, "t1", `{"roomIdentifier":"c1"}`)
	h.dispatch(alice, EventTypingStop, "t2", `{"roomIdentifier":"c1"}`)
	stops := trB.events(EventTypingStop)
	require.Len(t, stops, 1)
	assert.Equal(t, "manual", stops[0].Data["reason"])

	h.clock.Advance(time.Second)
	h.dispatch(alice, EventTypingStart, "t3", `{"roomIdentifier":"c1"}`)
	h.m.Disconnect(alice, "closed")
	assert.Len(t, trB.events(EventTypingStop), 2)
	assert.Equal(t, 0, h.m.typing.Len())
}

func TestTyping_RequiresMembership(t *testing.T) {
	h := newHarness(t, nil)
	alice, tr := h.connect("alice", "agent")

	h.dispatch(alice, EventTypingStart, "t1", `{"roomIdentifier":"c1"}`)
	assert.Equal(t, []string{"PERMISSION_DENIED"}, tr.errorCodes())
}

func TestSync_SnapshotWithFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.store.convs = []store.Conversation{
		{Ref: store.Ref{Workspace: testWorkspace, Tenant: testTenant, Conversation: "c1"}, Title: "one"},
		{Ref: store.Ref{Workspace: testWorkspace, Tenant: testTenant, Conversation: "c2"}},
		{Ref: store.Ref{Workspace: testWorkspace, Tenant: testTenant, Conversation: "c3"}},
	}
	h.store.unread["c1"] = 4
	h.store.unreadErr["c3"] = fmt.Errorf("timeout")
	alice, tr := h.connect("alice", "agent")
	bob, _ := h.connect("bob", "agent")
	h.join(bob, "c1")

	// c2 的未读查询失败但有缓存，c3 失败且无缓存
	require.NoError(t, h.m.deps.Cache.Set(t.Context(), unreadCacheKey(roomOf("c2"), "alice"), 7, time.Minute))
	h.store.mu.Lock()
	h.store.unreadErr["c2"] = fmt.Errorf("timeout")
	h.store.mu.Unlock()

	snap, err := h.m.Sync(t.Context(), alice, "req-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, "sync-1", snap.SyncID)
	assert.Len(t, snap.Conversations, 3)
	assert.Equal(t, 4, snap.Unread[roomOf("c1")])
	assert.Equal(t, 7, snap.Unread[roomOf("c2")])
	assert.Equal(t, 0, snap.Unread[roomOf("c3")])
	assert.Equal(t, []string{roomOf("c3")}, snap.Stale)
	assert.Equal(t, []string{"bob"}, snap.Presence[roomOf("c1")])

	synced := tr.events(EventStateSynced)
	assert.Equal(t, "req-1", synced[len(synced)-1].RequestID)
}

func TestSync_ListFailureRequestsResync(t *testing.T) {
	h := newHarness(t, nil)
	alice, tr := h.connect("alice", "agent")

	h.store.mu.Lock()
	h.store.listErr = fmt.Errorf("unavailable")
	h.store.mu.Unlock()

	h.dispatch(alice, EventSyncState, "s1", `{"syncId":"abc"}`)

	assert.Equal(t, []string{"COLLABORATOR_UNAVAILABLE"}, tr.errorCodes())
	resync := tr.events(EventResyncRequired)
	require.Len(t, resync, 1)
	assert.Equal(t, "abc", resync[0].Data["syncId"])
	assert.EqualValues(t, 5000, resync[0].Data["retryAfterMs"])
	assert.Equal(t, StateActive, alice.State())
}

func TestParseRoomIdentifier(t *testing.T) {
	p := Principal{Identity: "alice", Workspace: "ws1", Tenant: "t1"}
	tests := []struct {
		name string
		raw  string
		want store.Ref
		code string
	}{
		{"bare conversation", "conv-1", store.Ref{Workspace: "ws1", Tenant: "t1", Conversation: "conv-1"}, ""},
		{"full key", "ws1:t1:conv.2", store.Ref{Workspace: "ws1", Tenant: "t1", Conversation: "conv.2"}, ""},
		{"percent encoded", "ws1%3At1%3Aconv_3", store.Ref{Workspace: "ws1", Tenant: "t1", Conversation: "conv_3"}, ""},
		{"surrounding space", "  conv  ", store.Ref{Workspace: "ws1", Tenant: "t1", Conversation: "conv"}, ""},
		{"empty", "   ", store.Ref{}, "VALIDATION_ERROR"},
		{"two parts", "t1:conv", store.Ref{}, "VALIDATION_ERROR"},
		{"bad characters", "conv/../x", store.Ref{}, "VALIDATION_ERROR"},
		{"double encoded stays encoded", "conv%253A1", store.Ref{}, "VALIDATION_ERROR"},
		{"bad escape", "conv%zz", store.Ref{}, "VALIDATION_ERROR"},
		{"other workspace", "ws2:t1:conv", store.Ref{}, "PERMISSION_DENIED"},
		{"other tenant", "ws1:t2:conv", store.Ref{}, "PERMISSION_DENIED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRoomIdentifier(tt.raw, p)
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, errors.From(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref)
			assert.Equal(t, "ws1:t1:"+tt.want.Conversation, RoomKey(ref))
		})
	}
}

func TestDedupe_Rotation(t *testing.T) {
	clock := newFakeClock()
	d := NewDedupe(1000, 0.001, time.Minute, clock.Now)

	d.Add("a")
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Rotate())

	clock.Advance(time.Minute)
	assert.True(t, d.Rotate())
	assert.True(t, d.Seen("a"))

	clock.Advance(time.Minute)
	assert.True(t, d.Rotate())
	assert.False(t, d.Seen("a"))
}
