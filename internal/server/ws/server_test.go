package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/protocol"
)

const testToken = "terminal-secret"

func testConfig() Config {
	return Config{
		AuthToken:         testToken,
		MaxConnections:    5,
		HeartbeatInterval: time.Hour,
		ConnectionTimeout: 2 * time.Hour,
		AuthTimeout:       time.Second,
		SendTimeout:       time.Second,
	}
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.HandleWS)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token, account string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if account != "" {
		h.Set("X-Account-Id", account)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestHandshake_AcceptAndSend(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, testToken, "acct-1")

	accept := readJSON(t, conn)
	assert.Equal(t, "ACCEPT", accept["type"])
	assert.NotEmpty(t, accept["sessionId"])
	assert.NotEmpty(t, accept["timestamp"])

	err := s.Send(context.Background(), "acct-1", &protocol.Open{
		Header:     protocol.NewHeader(protocol.TypeOpen, time.Now()),
		AccountID:  "acct-1",
		PositionID: "p1",
		Symbol:     "EURUSD",
		Side:       "BUY",
		Volume:     0.1,
	})
	require.NoError(t, err)

	open := readJSON(t, conn)
	assert.Equal(t, "OPEN", open["type"])
	assert.Equal(t, "p1", open["positionId"])

	st := s.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Authenticated)
}

func TestHandshake_MaxConnectionsRejectedBeforeRegistration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s, url := startServer(t, cfg)

	first := dial(t, url, testToken, "acct-1")
	readJSON(t, first)

	second := dial(t, url, testToken, "acct-2")
	expectClose(t, second, protocol.CloseMaxConnections)

	assert.Equal(t, 1, s.Registry().Len())
	_, ok := s.Registry().ByAccount("acct-2")
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().RejectedCapacity)
}

func TestHandshake_BadTokenClosed4001(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, "wrong", "acct-1")
	expectClose(t, conn, protocol.CloseAuthFailed)

	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().RejectedAuth)
}

func TestHandshake_BcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.AuthToken = ""
	cfg.AuthTokenHash = string(hash)
	_, url := startServer(t, cfg)

	conn := dial(t, url, testToken, "acct-1")
	assert.Equal(t, "ACCEPT", readJSON(t, conn)["type"])
}

func TestHandshake_AuthMessage(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, "", "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "AUTH",
		"token":     testToken,
		"accountId": "acct-9",
	}))
	assert.Equal(t, "ACCEPT", readJSON(t, conn)["type"])

	require.Eventually(t, func() bool {
		_, ok := s.Registry().ByAccount("acct-9")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandshake_MissingAccountClosed4005(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, testToken, "")
	expectClose(t, conn, protocol.CloseAccountRequired)

	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Stats().Authenticated)
}

func TestHandshake_AuthMessageWithoutAccount(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, "", "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "AUTH", "token": testToken}))
	expectClose(t, conn, protocol.CloseAccountRequired)
	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandshake_AuthTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTimeout = 50 * time.Millisecond
	s, url := startServer(t, cfg)

	conn := dial(t, url, "", "")
	expectClose(t, conn, protocol.CloseAuthTimeout)
	assert.Equal(t, int64(1), s.Stats().AuthTimeouts)
}

func TestUnauthenticatedMayOnlySendInfo(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, "", "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "OPENED", "positionId": "p1", "orderId": "o1", "price": 1.1,
	}))
	reply := readJSON(t, conn)
	assert.Equal(t, "ERROR", reply["type"])
	assert.Equal(t, "UNAUTHENTICATED", reply["errorCode"])

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInvalidMessageDroppedWithErrorReply(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, testToken, "acct-1")
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"OPENED","positionId":"p1"}`)))
	reply := readJSON(t, conn)
	assert.Equal(t, "ERROR", reply["type"])
	assert.Equal(t, "INVALID_MESSAGE", reply["errorCode"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	readJSON(t, conn)

	assert.Equal(t, int64(2), s.Stats().ProtocolErrors)
}

func TestInboundEventsCarryAccount(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, testToken, "acct-1")
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "OPENED", "positionId": "p1", "orderId": "o1", "price": 1.0842,
	}))

	select {
	case ev := <-s.Events():
		assert.Equal(t, "acct-1", ev.AccountID)
		opened, ok := ev.Message.(*protocol.Opened)
		require.True(t, ok)
		assert.Equal(t, "p1", opened.PositionID)
		assert.Equal(t, 1.0842, opened.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestSend_UnknownAccount(t *testing.T) {
	s, _ := startServer(t, testConfig())
	err := s.Send(context.Background(), "ghost", &protocol.Ping{Header: protocol.NewHeader(protocol.TypePing, time.Now())})
	assert.ErrorIs(t, err, domain.ErrNoConnection)
}

func TestHeartbeat_TimeoutClosesWith4008(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	)
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	cfg.ConnectionTimeout = 60 * time.Second
	s, url := startServer(t, cfg)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	conn := dial(t, url, testToken, "acct-1")
	readJSON(t, conn)

	s.heartbeat()
	ping := readJSON(t, conn)
	assert.Equal(t, "PING", ping["type"])

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()
	s.heartbeat()

	expectClose(t, conn, protocol.CloseHeartbeatTimeout)
	assert.Equal(t, int64(1), s.Stats().HeartbeatTimeouts)
}

func TestHeartbeat_PongUpdatesQuality(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, testToken, "acct-1")
	readJSON(t, conn)

	s.heartbeat()
	assert.Equal(t, "PING", readJSON(t, conn)["type"])
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "PONG"}))

	require.Eventually(t, func() bool {
		infos := s.Connections()
		return len(infos) == 1 && infos[0].Quality != QualityUnknown
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	s, url := startServer(t, testConfig())
	conn := dial(t, url, testToken, "acct-1")
	readJSON(t, conn)

	infos := s.Connections()
	require.Len(t, infos, 1)
	assert.True(t, s.Disconnect(infos[0].ID))
	expectClose(t, conn, websocket.CloseNormalClosure)
	assert.False(t, s.Disconnect("missing"))
}
