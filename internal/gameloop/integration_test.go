package gameloop_test

import (
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gamecore/internal/gameloop"
	"github.com/cory-johannsen/gamecore/internal/transport"
	"github.com/cory-johannsen/gamecore/internal/transport/udp"
	"github.com/cory-johannsen/gamecore/internal/transport/ws"
)

// stepUntil steps d until done reports true or the deadline passes.
func stepUntil(t *testing.T, d *gameloop.Driver, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "condition not met before deadline")
		d.Step()
		time.Sleep(time.Millisecond)
	}
}

func TestDriver_EchoesOverUDPAndWebSocket(t *testing.T) {
	logger := zaptest.NewLogger(t)

	udpTr, err := udp.Listen("127.0.0.1:0", udp.DefaultConfig(), logger)
	require.NoError(t, err)
	wsTr, err := ws.Listen("127.0.0.1:0", ws.DefaultConfig(), logger)
	require.NoError(t, err)

	var seen []string
	app := gameloop.ApplicationFunc(func(in []transport.Message) []transport.Message {
		out := make([]transport.Message, 0, len(in))
		for _, msg := range in {
			seen = append(seen, string(msg.Data()))
			reply := msg.Data()
			if string(reply) == "ping" {
				reply = []byte("pong")
			}
			out = append(out, transport.NewMessage(msg.ID(), reply))
		}
		return out
	})

	d, err := gameloop.New(gameloop.Options{
		ServerID:    "integration",
		TPS:         128,
		Transports:  []transport.Transport{udpTr, wsTr},
		Application: app,
		AutoStart:   true,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, udpTr.Close())
		assert.NoError(t, wsTr.Close())
	})

	udpClient, err := net.Dial("udp", udpTr.Addr())
	require.NoError(t, err)
	defer udpClient.Close()

	wsClient, _, err := websocket.DefaultDialer.Dial("ws://"+wsTr.Addr()+"/", nil)
	require.NoError(t, err)
	defer wsClient.Close()

	_, err = udpClient.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, wsClient.WriteMessage(websocket.TextMessage, []byte("hello")))

	stepUntil(t, d, func() bool { return len(seen) >= 2 })
	assert.ElementsMatch(t, []string{"ping", "hello"}, seen)
	assert.Equal(t, 2, d.Status().Connections)

	require.NoError(t, udpClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := udpClient.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, wsClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := wsClient.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "hello", string(data))
}
