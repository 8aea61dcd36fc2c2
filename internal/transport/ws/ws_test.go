package ws

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/gamecore/internal/transport"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen("127.0.0.1:0", DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func dial(t *testing.T, tr *Transport) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+tr.Addr()+"/", nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// tickUntil runs Read until want messages were collected.
func tickUntil(t *testing.T, tr *Transport, want int) []transport.Message {
	t.Helper()
	var msgs []transport.Message
	deadline := time.Now().Add(2 * time.Second)
	for len(msgs) < want {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of %d messages before deadline", len(msgs), want)
		}
		msgs = tr.Read(msgs)
		tr.Flush()
		if len(msgs) < want {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return msgs
}

// waitConnections runs ticks until the transport has want live connections.
func waitConnections(t *testing.T, tr *Transport, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tr.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("have %d live connections, want %d", tr.Len(), want)
		}
		tr.Read(nil)
		tr.Flush()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTextFrameSurfacesAsMessage(t *testing.T) {
	tr := newTestTransport(t)
	conn := dial(t, tr)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	msgs := tickUntil(t, tr, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Data()))
	assert.True(t, tr.Connected(msgs[0].ID()))
}

func TestBinaryFrameAndReply(t *testing.T) {
	tr := newTestTransport(t)
	conn := dial(t, tr)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	msgs := tickUntil(t, tr, 1)
	assert.Equal(t, []byte{1, 2, 3}, msgs[0].Data())

	require.True(t, tr.Write(msgs[0].ID(), []byte("reply")))
	tr.Flush()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "reply", string(data))
}

func TestTextFrameIsAnsweredWithBinary(t *testing.T) {
	tr := newTestTransport(t)
	conn := dial(t, tr)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	msgs := tickUntil(t, tr, 1)

	require.True(t, tr.Write(msgs[0].ID(), msgs[0].Data()))
	tr.Flush()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "ping", string(data))
}

func TestSingleFrameIsBoundedOnlyByMessageSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 1024
	tr, err := Listen("127.0.0.1:0", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	conn := dial(t, tr)

	fits := make([]byte, 1024)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, fits))
	msgs := tickUntil(t, tr, 1)
	assert.Len(t, msgs[0].Data(), 1024)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1025)))
	waitConnections(t, tr, 0)
}

func TestControlFramesProduceNoMessages(t *testing.T) {
	tr := newTestTransport(t)
	conn := dial(t, tr)

	deadline := time.Now().Add(time.Second)
	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("p"), deadline))
	require.NoError(t, conn.WriteControl(websocket.PongMessage, []byte("q"), deadline))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("after")))

	msgs := tickUntil(t, tr, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after", string(msgs[0].Data()))
}

func TestMessagesFromManyPeersKeepTheirIdentifiers(t *testing.T) {
	tr := newTestTransport(t)
	a := dial(t, tr)
	b := dial(t, tr)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("a")))
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("b")))

	msgs := tickUntil(t, tr, 2)
	byPayload := map[string]transport.ConnID{}
	for _, msg := range msgs {
		byPayload[string(msg.Data())] = msg.ID()
	}
	assert.NotEqual(t, byPayload["a"], byPayload["b"])
	assert.Equal(t, 2, tr.Len())
}

func TestAbruptDisconnectIsEvictedByFlush(t *testing.T) {
	tr := newTestTransport(t)
	conn := dial(t, tr)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	id := tickUntil(t, tr, 1)[0].ID()

	// Drop the TCP connection without a close frame.
	require.NoError(t, conn.UnderlyingConn().Close())

	payload := make([]byte, 64<<10)
	deadline := time.Now().Add(3 * time.Second)
	for tr.Connected(id) {
		if time.Now().After(deadline) {
			t.Fatal("connection was never evicted")
		}
		tr.Write(id, payload)

		start := time.Now()
		tr.Flush()
		assert.Less(t, time.Since(start), 250*time.Millisecond, "flush must not block")
		time.Sleep(5 * time.Millisecond)
	}

	assert.False(t, tr.Connected(id))
	assert.False(t, tr.Write(id, []byte("late")))
	assert.Equal(t, 0, tr.bad.Len())
}

func TestOrderlyCloseIsEvictedByRead(t *testing.T) {
	tr := newTestTransport(t)
	conn := dial(t, tr)
	waitConnections(t, tr, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	waitConnections(t, tr, 0)
}

func TestWriteUnknownIdentifierFails(t *testing.T) {
	tr := newTestTransport(t)
	assert.False(t, tr.Write(transport.NextConnID(), []byte("nobody")))
}

func TestPlainHTTPRequestFailsHandshake(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tr, err := Listen("127.0.0.1:0", DefaultConfig(), zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	resp, err := http.Get("http://" + tr.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("websocket handshake failed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("failed handshake was never resolved")
		}
		tr.Read(nil)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, tr.pending)
}

func TestResolveHandshakes_Partitions(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tr := &Transport{logger: zap.New(core)}

	inFlight := newHandshake("10.0.0.1:1")
	failed := newHandshake("10.0.0.2:2")
	failed.finish(nil, errors.New("bad upgrade"))

	live, pending := tr.resolveHandshakes([]*handshake{inFlight, failed})
	assert.Empty(t, live)
	require.Len(t, pending, 1)
	assert.Same(t, inFlight, pending[0])
	assert.Equal(t, 1, logs.FilterMessage("websocket handshake failed").Len())

	// Still unresolved next tick: stays pending, nothing logged.
	live, pending = tr.resolveHandshakes(pending)
	assert.Empty(t, live)
	assert.Len(t, pending, 1)
	assert.Equal(t, 1, logs.Len())
}

func TestClient_SendStagesBehindFullQueue(t *testing.T) {
	cfg := DefaultConfig()
	c := newClient(transport.NextConnID(), nil, cfg)

	require.NoError(t, c.send([]byte("a"), 2))
	assert.ErrorIs(t, c.send([]byte("b"), 2), transport.ErrWouldBlock)
	assert.ErrorIs(t, c.send([]byte("c"), 2), transport.ErrWouldBlock)
	assert.ErrorIs(t, c.send([]byte("d"), 2), errBacklogFull)
	assert.Equal(t, 2, c.staged.Length())

	more, err := c.drain()
	require.NoError(t, err)
	assert.True(t, more, "outbound queue is still full")

	assert.Equal(t, "a", string(<-c.outbound))
	more, err = c.drain()
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, "b", string(<-c.outbound))

	more, err = c.drain()
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, "c", string(<-c.outbound))
}

func TestClient_FailureReportedAfterQueuedFrames(t *testing.T) {
	c := newClient(transport.NextConnID(), nil, DefaultConfig())
	c.inbound <- []byte("last words")
	c.fail(errors.New("reset"))

	data, err := c.next()
	require.NoError(t, err)
	assert.Equal(t, "last words", string(data))

	_, err = c.next()
	assert.EqualError(t, err, "reset")

	_, err = c.drain()
	assert.NoError(t, err, "nothing staged")
	assert.EqualError(t, c.send([]byte("x"), 1), "reset")
}
