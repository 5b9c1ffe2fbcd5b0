package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/internal/auth"
	"github.com/tokmz/qim/internal/authz"
	"github.com/tokmz/qim/internal/conf"
	"github.com/tokmz/qim/internal/realtime"
	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/internal/store/sqlstore"
	"github.com/tokmz/qim/internal/telemetry"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/orm"
	"github.com/tokmz/qim/pkg/ws"
)

const testSecret = "server-test-secret"

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	manager *realtime.Manager
	store   *sqlstore.Store
}

func newTestEnv(t *testing.T, settings conf.ServerSettings, rt *realtime.Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	dbCfg := orm.DefaultConfig()
	dbCfg.DSN = "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	st, err := sqlstore.New(ctx, dbCfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.SaveConversation(ctx, &store.Conversation{
		Ref:          store.Ref{Workspace: "ws1", Tenant: "t1", Conversation: "c1"},
		Title:        "support",
		Participants: []string{"alice", "bob"},
	}))

	verifier, err := auth.NewVerifier(&auth.Config{Secret: testSecret})
	require.NoError(t, err)
	az, err := authz.New(st, nil, nil, logger.NewNop())
	require.NoError(t, err)

	if rt == nil {
		rt = realtime.DefaultConfig()
	}
	rt.ShutdownGrace = 50 * time.Millisecond
	m, err := realtime.NewManager(realtime.Deps{
		Verifier:   verifier,
		Authorizer: az,
		Store:      st,
	}, realtime.WithConfig(rt))
	require.NoError(t, err)

	rec, err := telemetry.New("qim-test")
	require.NoError(t, err)

	wsCfg := ws.DefaultConfig()
	wsCfg.AllowAllOrigins = true
	if settings.Addr == "" {
		settings.Addr = "127.0.0.1:0"
	}
	settings.Mode = "test"

	srv, err := New(Options{
		Settings: settings,
		WS:       wsCfg,
		Manager:  m,
		Recorder: rec,
		Logger:   logger.NewNop(),
		Out:      &bytes.Buffer{},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		ts.Close()
		_ = st.Close(context.Background())
	})
	return &testEnv{srv: srv, ts: ts, manager: m, store: st}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	tok, err := auth.Sign(testSecret, &auth.Claims{
		Role:      "agent",
		Workspace: "ws1",
		Tenant:    "t1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return tok
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

type frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// readUntil 读取帧直到出现指定事件
func readUntil(t *testing.T, c *websocket.Conn, event string) frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Event == event {
			return f
		}
	}
}

func decodeBody(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var r Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func TestServer_HandshakeRejected(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{}, nil)

	tests := []struct {
		name   string
		query  string
		header http.Header
		status int
		code   string
	}{
		{name: "missing token", status: http.StatusUnauthorized, code: "AUTHENTICATION_REQUIRED"},
		{name: "bad token", query: "token=garbage", status: http.StatusUnauthorized, code: "AUTHENTICATION_FAILED"},
		{
			name:   "wrong scheme",
			header: http.Header{"Authorization": []string{"Basic abc"}},
			status: http.StatusUnauthorized,
			code:   "AUTHENTICATION_REQUIRED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resp, err := websocket.DefaultDialer.Dial(wsURL(env.ts, tt.query), tt.header)
			if c != nil {
				_ = c.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeBody(t, resp).Code)
		})
	}
	assert.Zero(t, env.manager.Stats().Connections)
}

func TestServer_ConnectSyncAndJoin(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{}, nil)

	header := http.Header{"Authorization": []string{"Bearer " + token(t, "alice")}}
	c, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, ""), header)
	require.NoError(t, err)
	defer c.Close()

	synced := readUntil(t, c, realtime.EventStateSynced)
	var snap struct {
		Conversations []struct {
			RoomIdentifier string `json:"roomIdentifier"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(synced.Data, &snap))
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "ws1:t1:c1", snap.Conversations[0].RoomIdentifier)

	require.NoError(t, c.WriteJSON(map[string]any{
		"event":      realtime.EventJoinRoom,
		"request_id": "r1",
		"data":       map[string]any{"roomIdentifier": "c1"},
	}))
	joined := readUntil(t, c, realtime.EventRoomJoined)
	assert.Equal(t, "r1", joined.RequestID)

	// 无法解析的帧只回复错误，连接保持
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errFrame := readUntil(t, c, realtime.EventError)
	assert.Contains(t, string(errFrame.Data), "VALIDATION_ERROR")

	stats := env.manager.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Rooms)
}

func TestServer_TokenQueryAndDisconnectCleanup(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{}, nil)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "token="+token(t, "bob")), nil)
	require.NoError(t, err)
	readUntil(t, c, realtime.EventStateSynced)
	require.Equal(t, 1, env.manager.Stats().Connections)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = c.Close()

	assert.Eventually(t, func() bool {
		s := env.manager.Stats()
		return s.Connections == 0 && s.Sessions == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_TooManyConnections(t *testing.T) {
	rt := realtime.DefaultConfig()
	rt.MaxConnections = 1
	env := newTestEnv(t, conf.ServerSettings{}, rt)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "token="+token(t, "alice")), nil)
	require.NoError(t, err)
	defer first.Close()
	readUntil(t, first, realtime.EventStateSynced)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "token="+token(t, "bob")), nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = second.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseTryAgainLater, ce.Code)
	assert.Equal(t, 1, env.manager.Stats().Connections)
}

func TestServer_HandshakeRateLimit(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{HandshakeRate: 0.001, HandshakeBurst: 2}, nil)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(env.ts.URL + "/ws")
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	resp, err := http.Get(env.ts.URL + "/ws")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", decodeBody(t, resp).Code)
}

func TestServer_HealthAndShutdown(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{EnableDebug: true}, nil)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "token="+token(t, "alice")), nil)
	require.NoError(t, err)
	defer c.Close()
	readUntil(t, c, realtime.EventStateSynced)

	resp, err = http.Get(env.ts.URL + "/debug/stats")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "OK", body.Code)
	assert.Contains(t, body.Data, "realtime")

	resp, err = http.Get(env.ts.URL + "/debug/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- env.manager.Shutdown(ctx)
	}()

	notice := readUntil(t, c, realtime.EventShutdownNotice)
	assert.Contains(t, string(notice.Data), "graceMs")
	require.NoError(t, <-done)

	resp, err = http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SHUTTING_DOWN", decodeBody(t, resp).Code)

	resp, err = http.Get(env.ts.URL + "/ws?token=" + token(t, "bob"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_DebugRoutesDisabled(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{}, nil)
	resp, err := http.Get(env.ts.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "case insensitive scheme", header: "bearer  abc ", want: "abc"},
		{name: "query fallback", query: "token=xyz", want: "xyz"},
		{name: "other scheme falls back", header: "Basic abc", query: "token=xyz", want: "xyz"},
		{name: "none", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, bearerToken(r))
		})
	}
}

func TestPrintBanner(t *testing.T) {
	env := newTestEnv(t, conf.ServerSettings{}, nil)
	var out bytes.Buffer
	env.srv.out = &out
	env.srv.printBanner("[::]:8080")

	s := out.String()
	assert.Contains(t, s, "ws://127.0.0.1:8080/ws")
	assert.Contains(t, s, "/healthz")
	assert.Contains(t, s, "Listening on [::]:8080")
}
