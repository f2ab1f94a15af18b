package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopsync/coopsync/pkg/core"
	"github.com/coopsync/coopsync/pkg/streaming"
)

// testServer creates an httptest server that upgrades to WebSocket,
// records received messages, and acks hello/goodbye.
func testServer(t *testing.T) (*httptest.Server, *messageLog) {
	t.Helper()
	ml := &messageLog{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ml.setSecret(r.URL.Query().Get("secret"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()
		ml.track(c)

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			ml.add(env)

			if env.Type == streaming.TypeHello || env.Type == streaming.TypeGoodbye {
				ack := streaming.AckMessage{Type: "ack", For: env.Type}
				data, _ := json.Marshal(ack)
				if err := c.WriteMessage(ws.TextMessage, data); err != nil {
					return
				}
			}
		}
	}))

	return srv, ml
}

type messageLog struct {
	mu       sync.Mutex
	secret   string
	messages []streaming.Envelope
	conns    []*ws.Conn
}

func (m *messageLog) track(c *ws.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = append(m.conns, c)
}

// drop closes every server side connection without a close frame.
func (m *messageLog) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

func (m *messageLog) add(env streaming.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, env)
}

func (m *messageLog) setSecret(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = s
}

func (m *messageLog) all() []streaming.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]streaming.Envelope, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *messageLog) types() []string {
	var out []string
	for _, env := range m.all() {
		out = append(out, env.Type)
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestInit_SendsHello(t *testing.T) {
	srv, ml := testServer(t)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv), Secret: "hunter2", ServerName: "Vinewood"})
	require.NoError(t, b.Init())

	msgs := ml.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, streaming.TypeHello, msgs[0].Type)

	var hello streaming.HelloPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &hello))
	assert.Equal(t, "Vinewood", hello.ServerName)

	ml.mu.Lock()
	assert.Equal(t, "hunter2", ml.secret)
	ml.mu.Unlock()

	require.NoError(t, b.Close())
	assert.Equal(t, streaming.TypeGoodbye, ml.types()[len(ml.types())-1])
}

func TestInit_DialFailure(t *testing.T) {
	b := New(Config{URL: "ws://127.0.0.1:1/none"})
	assert.Error(t, b.Init())
}

func TestFireAndForgetMessages(t *testing.T) {
	srv, ml := testServer(t)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv), Secret: "s"})
	require.NoError(t, b.Init())

	s := &core.Session{ConnID: "a", Username: "lester"}
	require.NoError(t, b.StartSession(s))
	assert.Equal(t, uint(1), s.ID)

	require.NoError(t, b.RecordFileDelivery(&core.FileDelivery{ConnID: "a", Files: 2}))
	require.NoError(t, b.RecordSnapshot(nil))
	require.NoError(t, b.RecordSnapshot([]core.EntitySnapshot{{Kind: core.KindPed, ID: 3}}))
	require.NoError(t, b.RecordPerformance(&core.PerformanceSample{Clients: 1}))
	require.NoError(t, b.EndSession(s))

	// goodbye is acked only after every earlier message was read
	require.NoError(t, b.Close())

	assert.Equal(t, []string{
		streaming.TypeHello,
		streaming.TypeSessionStart,
		streaming.TypeFileDelivery,
		streaming.TypeSnapshot,
		streaming.TypePerformance,
		streaming.TypeSessionEnd,
		streaming.TypeGoodbye,
	}, ml.types())

	var snaps []core.EntitySnapshot
	require.NoError(t, json.Unmarshal(ml.all()[3].Payload, &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, uint32(3), snaps[0].ID)
}

func TestMarshalEnvelope(t *testing.T) {
	data, err := marshalEnvelope(streaming.TypePerformance, core.PerformanceSample{Peds: 4, Time: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	var env streaming.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, streaming.TypePerformance, env.Type)
	assert.Contains(t, string(env.Payload), `"peds":4`)
}

func TestReconnect_ReplaysOpenSessions(t *testing.T) {
	srv, ml := testServer(t)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv), Secret: "s", ServerName: "Paleto"})
	b.conn.backoff = 10 * time.Millisecond
	require.NoError(t, b.Init())

	ended := &core.Session{ConnID: "a", Username: "michael"}
	open := &core.Session{ConnID: "b", Username: "trevor"}
	require.NoError(t, b.StartSession(ended))
	require.NoError(t, b.StartSession(open))
	require.NoError(t, b.EndSession(ended))
	require.Eventually(t, func() bool { return len(ml.all()) == 4 }, 2*time.Second, 5*time.Millisecond)

	ml.drop()
	require.Eventually(t, func() bool { return len(ml.all()) == 6 }, 2*time.Second, 5*time.Millisecond, "hello and open session replayed")

	replayed := ml.all()[4:]
	assert.Equal(t, streaming.TypeHello, replayed[0].Type)
	assert.Equal(t, streaming.TypeSessionStart, replayed[1].Type)
	var s core.Session
	require.NoError(t, json.Unmarshal(replayed[1].Payload, &s))
	assert.Equal(t, open.ID, s.ID)
	assert.Equal(t, "trevor", s.Username)

	// traffic continues on the new connection
	require.NoError(t, b.RecordPerformance(&core.PerformanceSample{Clients: 1}))
	require.NoError(t, b.Close())
	types := ml.types()
	assert.Equal(t, []string{streaming.TypePerformance, streaming.TypeGoodbye}, types[len(types)-2:])
}

func TestReplay_EmptyBeforeInit(t *testing.T) {
	b := New(Config{URL: "ws://127.0.0.1:1/none"})
	assert.Nil(t, b.replay())
}
