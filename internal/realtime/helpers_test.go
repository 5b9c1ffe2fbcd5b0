package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/internal/auth"
	"github.com/tokmz/qim/internal/store"
)

const (
	testWorkspace = "ws1"
	testTenant    = "t1"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeVerifier struct {
	mu     sync.Mutex
	claims map[string]*auth.Claims
}

func (v *fakeVerifier) add(token string, c *auth.Claims) {
	v.mu.Lock()
	v.claims[token] = c
	v.mu.Unlock()
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.claims[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return c, nil
}

type fakeAuthorizer struct {
	mu   sync.Mutex
	deny map[string]bool // action 或 action:conversation
	err  error
}

func (a *fakeAuthorizer) HasAccess(_ context.Context, _ string, ref store.Ref, action string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	return !a.deny[action] && !a.deny[action+":"+ref.Conversation], nil
}

type fakeStore struct {
	mu        sync.Mutex
	convs     []store.Conversation
	unread    map[string]int
	unreadErr map[string]error
	listErr   error
	appendErr error
	appended  []*store.Message
	marked    map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		unread:    make(map[string]int),
		unreadErr: make(map[string]error),
		marked:    make(map[string][]string),
	}
}

func (s *fakeStore) ListConversations(_ context.Context, _, _, _ string) ([]store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]store.Conversation(nil), s.convs...), nil
}

func (s *fakeStore) UnreadCount(_ context.Context, ref store.Ref, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unreadErr[ref.Conversation]; err != nil {
		return 0, err
	}
	return s.unread[ref.Conversation], nil
}

func (s *fakeStore) AppendMessage(_ context.Context, msg *store.Message) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	if msg.ClientMsgID != "" {
		for _, prev := range s.appended {
			if prev.Ref == msg.Ref && prev.Sender == msg.Sender && prev.ClientMsgID == msg.ClientMsgID {
				return prev, nil
			}
		}
	}
	s.appended = append(s.appended, msg)
	return msg, nil
}

func (s *fakeStore) MarkRead(_ context.Context, ref store.Ref, identity string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[ref.Conversation+"/"+identity] = append(s.marked[ref.Conversation+"/"+identity], ids...)
	return nil
}

func (s *fakeStore) appendedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*store.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg *store.Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

type frame struct {
	Event     string         `json:"event"`
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data"`
	Priority  bool           `json:"-"`
}

type fakeTransport struct {
	mu          sync.Mutex
	frames      []frame
	closeReason string
	closeCalls  int
	full        bool
}

func (t *fakeTransport) record(b []byte, priority bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return fmt.Errorf("queue full")
	}
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	f.Priority = priority
	t.frames = append(t.frames, f)
	return nil
}

func (t *fakeTransport) Send(b []byte) error         { return t.record(b, false) }
func (t *fakeTransport) SendPriority(b []byte) error { return t.record(b, true) }
func (t *fakeTransport) RemoteAddr() string          { return "127.0.0.1:5555" }

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	t.closeReason = reason
	t.closeCalls++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) events(name string) []frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []frame
	for _, f := range t.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (t *fakeTransport) errorCodes() []string {
	var codes []string
	for _, f := range t.events(EventError) {
		codes = append(codes, f.Data["code"].(string))
	}
	return codes
}

func (t *fakeTransport) lastError() frame {
	errs := t.events(EventError)
	if len(errs) == 0 {
		return frame{}
	}
	return errs[len(errs)-1]
}

type harness struct {
	t         *testing.T
	m         *Manager
	clock     *fakeClock
	store     *fakeStore
	authz     *fakeAuthorizer
	verifier  *fakeVerifier
	publisher *recordingPublisher
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ShutdownGrace = 0
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		t:         t,
		clock:     newFakeClock(),
		store:     newFakeStore(),
		authz:     &fakeAuthorizer{deny: make(map[string]bool)},
		verifier:  &fakeVerifier{claims: make(map[string]*auth.Claims)},
		publisher: &recordingPublisher{},
	}
	m, err := NewManager(Deps{
		Verifier:   h.verifier,
		Authorizer: h.authz,
		Store:      h.store,
		Publisher:  h.publisher,
	}, WithConfig(cfg), WithClock(h.clock.Now))
	require.NoError(t, err)
	h.m = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return h
}

func (h *harness) claims(identity, role string) *auth.Claims {
	return &auth.Claims{
		Role:             role,
		Workspace:        testWorkspace,
		Tenant:           testTenant,
		RegisteredClaims: jwt.RegisteredClaims{Subject: identity},
	}
}

// connect 握手并激活，等待初始同步完成
func (h *harness) connect(identity, role string) (*Connection, *fakeTransport) {
	h.t.Helper()
	token := "token-" + identity + "-" + role
	h.verifier.add(token, h.claims(identity, role))

	conn, err := h.m.Handshake(context.Background(), token, Meta{RemoteAddr: "127.0.0.1:5555"})
	require.NoError(h.t, err)
	tr := &fakeTransport{}
	require.NoError(h.t, h.m.Activate(context.Background(), conn, tr))
	require.Eventually(h.t, func() bool {
		return len(tr.events(EventStateSynced))+len(tr.events(EventResyncRequired)) > 0
	}, time.Second, 5*time.Millisecond)
	return conn, tr
}

func (h *harness) dispatch(conn *Connection, event, requestID, data string) {
	h.m.Dispatch(context.Background(), conn, event, requestID, []byte(data))
}

func (h *harness) join(conn *Connection, conv string) {
	h.t.Helper()
	h.dispatch(conn, EventJoinRoom, "join-"+conv, `{"roomIdentifier":"`+conv+`"}`)
}

func roomOf(conv string) string {
	return testWorkspace + ":" + testTenant + ":" + conv
}
