package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// testServer is a loopback websocket endpoint capturing inbound envelopes
type testServer struct {
	*httptest.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	headers http.Header
	inbound chan Envelope
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{inbound: make(chan Envelope, 32)}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.headers = r.Header.Clone()
		ts.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			ts.inbound <- env
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, env Envelope) {
	t.Helper()
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	require.NotNil(t, conn)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (ts *testServer) expect(t *testing.T, msgType MsgType) Envelope {
	t.Helper()
	for {
		select {
		case env := <-ts.inbound:
			if env.Type == msgType {
				return env
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s envelope", msgType)
			return Envelope{}
		}
	}
}

func newTestClient(ts *testServer) *Client {
	return NewClient(Options{
		URL:          ts.wsURL(),
		APIKey:       "test-key",
		ClientID:     "relay-agent-test",
		PingInterval: time.Second,
		PingTimeout:  time.Second,
	})
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)
}

func TestConnectAuthenticatesFirst(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)

	auth := ts.expect(t, MsgAuth)
	assert.Equal(t, "test-key", auth.APIKey)
	require.NotNil(t, auth.ClientInfo)
	assert.Equal(t, "relay-agent-test", auth.ClientInfo.Type)

	ts.mu.Lock()
	headers := ts.headers
	ts.mu.Unlock()
	assert.Equal(t, "Bearer test-key", headers.Get("Authorization"))
	assert.Equal(t, "relay-agent-test", headers.Get("X-Client-Type"))
}

func TestPingRepliedWithPong(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)
	ts.expect(t, MsgAuth)

	ts.push(t, NewEnvelope(MsgPing))
	pong := ts.expect(t, MsgPong)
	assert.NotEmpty(t, pong.Timestamp)
}

func TestCommandDispatch(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	type cmd struct{ command, sourceID string }
	got := make(chan cmd, 1)
	c.OnCommand = func(command, sourceID string) {
		got <- cmd{command, sourceID}
	}

	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)
	ts.expect(t, MsgAuth)

	env := NewEnvelope(MsgCommand)
	env.Command = CommandSyncNow
	env.SourceID = "src-42"
	ts.push(t, env)

	select {
	case received := <-got:
		assert.Equal(t, CommandSyncNow, received.command)
		assert.Equal(t, "src-42", received.sourceID)
	case <-time.After(3 * time.Second):
		t.Fatal("command was not dispatched")
	}
}

func TestMalformedEnvelopeIsSkipped(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)
	ts.expect(t, MsgAuth)

	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The session must survive the bad frame.
	ts.push(t, NewEnvelope(MsgPing))
	ts.expect(t, MsgPong)
	assert.True(t, c.IsConnected())
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1/ws", APIKey: "k"})

	assert.False(t, c.IsConnected())
	assert.False(t, c.SendData("src", "test", time.Now(), map[string]interface{}{"a": 1}, nil))
	assert.False(t, c.SendStatus("running", nil))
}

func TestSendDataEnvelope(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)
	ts.expect(t, MsgAuth)

	recTime := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.True(t, c.SendData("src-1", "csvfile", recTime,
		map[string]interface{}{"name": "alice"},
		map[string]interface{}{"row": 7}))

	data := ts.expect(t, MsgData)
	assert.Equal(t, "src-1", data.SourceID)
	assert.Equal(t, "csvfile", data.SourceType)
	assert.Equal(t, recTime.Format(time.RFC3339Nano), data.Timestamp)
	assert.Equal(t, "alice", data.Data["name"])
}

func TestStopIsQuiescentAndIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	c.Start(t.Context())
	waitConnected(t, c)

	c.Stop()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Send(NewEnvelope(MsgStatus)))

	// Second stop must not panic or block.
	c.Stop()
}

func TestBackoffDoublesToCapAndResets(t *testing.T) {
	c := NewClient(Options{URL: "ws://example.invalid/ws"})

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, c.nextBackoff(), "step %d", i)
	}

	c.resetBackoff()
	assert.Equal(t, 1*time.Second, c.nextBackoff())
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)
	ts.expect(t, MsgAuth)

	// Drop the server side; the client must come back on its own.
	ts.mu.Lock()
	ts.conn.Close()
	ts.mu.Unlock()

	require.Eventually(t, func() bool { return !c.IsConnected() }, 3*time.Second, 10*time.Millisecond)
	waitConnected(t, c)
	ts.expect(t, MsgAuth)
}

func TestReconnectSurvivesImmediateSessionDrop(t *testing.T) {
	var (
		mu            sync.Mutex
		live          *websocket.Conn
		dropAfterAuth bool
		auths         atomic.Int32
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		live = conn
		drop := dropAfterAuth
		if drop {
			dropAfterAuth = false
		}
		mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			if env.Type == MsgAuth {
				auths.Add(1)
				if drop {
					conn.Close()
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:       "test-key",
		ClientID:     "relay-agent-test",
		PingInterval: time.Second,
		PingTimeout:  time.Second,
	})
	c.Start(t.Context())
	defer c.Stop()
	waitConnected(t, c)

	// Kill the session and make the next one die right after the handshake.
	// The client must keep cycling and settle on the third connection.
	mu.Lock()
	dropAfterAuth = true
	live.Close()
	mu.Unlock()

	require.Eventually(t, func() bool { return auths.Load() >= 3 && c.IsConnected() },
		10*time.Second, 10*time.Millisecond)
}
