package connection

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

func wsTestServer(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/v1/sync/ws", m.Handler())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/v1/sync/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) datatypes.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg datatypes.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func writeFrame(t *testing.T, ws *websocket.Conn, mt datatypes.MessageType, payload any) {
	t.Helper()
	msg, err := datatypes.NewMessage(mt, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))
}

func TestWebsocket_HandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	m := testManager()
	ws := wsTestServer(t, m)

	writeFrame(t, ws, datatypes.MessageTypeSubscribe, datatypes.SubscribePayload{})

	msg := readFrame(t, ws)
	require.Equal(t, datatypes.MessageTypeError, msg.Type)
	var p datatypes.ErrorPayload
	require.NoError(t, msg.DecodePayload(&p))
	assert.Equal(t, datatypes.ErrCodeAuthRequired, p.Code)
}

func TestWebsocket_HandshakeRejectsMissingProject(t *testing.T) {
	m := testManager()
	ws := wsTestServer(t, m)

	writeFrame(t, ws, datatypes.MessageTypeAuth, datatypes.AuthPayload{Token: "t"})

	msg := readFrame(t, ws)
	require.Equal(t, datatypes.MessageTypeError, msg.Type)
	var p datatypes.ErrorPayload
	require.NoError(t, msg.DecodePayload(&p))
	assert.Equal(t, datatypes.ErrCodeAuthFailed, p.Code)
}

func TestWebsocket_SubscribeReceiveAck(t *testing.T) {
	m := testManager()
	ws := wsTestServer(t, m)

	writeFrame(t, ws, datatypes.MessageTypeAuth,
		datatypes.AuthPayload{Token: "t", ProjectID: "P1"})

	auth := readFrame(t, ws)
	require.Equal(t, datatypes.MessageTypeAuthResponse, auth.Type)
	var resp datatypes.AuthResponse
	require.NoError(t, auth.DecodePayload(&resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.ClientID)

	writeFrame(t, ws, datatypes.MessageTypeSubscribe, datatypes.SubscribePayload{
		Filters: datatypes.SyncFilters{ProjectIDs: []string{"P1"}},
	})

	// The subscribe frame is processed by the server's read loop; wait
	// for it to land before broadcasting.
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		cc, ok := m.conns[resp.ClientID]
		if !ok {
			return false
		}
		cc.mu.Lock()
		defer cc.mu.Unlock()
		return cc.subscribed
	}, 2*time.Second, 10*time.Millisecond)

	m.BroadcastChange(context.Background(), ruleChange("P1"))

	frame := readFrame(t, ws)
	require.Equal(t, datatypes.MessageTypeContextChange, frame.Type)
	var cf datatypes.ChangeFrame
	require.NoError(t, frame.DecodePayload(&cf))
	assert.Equal(t, "rule-1", cf.Change.EntityID)
	assert.NotEmpty(t, cf.MessageID)

	require.Equal(t, 1, m.PendingTotal(), "delivery is durable until acked")
	writeFrame(t, ws, datatypes.MessageTypeAck,
		datatypes.AckPayload{MessageID: cf.MessageID})
	require.Eventually(t, func() bool {
		return m.PendingTotal() == 0
	}, 2*time.Second, 10*time.Millisecond, "ack with the delivered id releases the entry")

	writeFrame(t, ws, datatypes.MessageTypePing, datatypes.PingPayload{Timestamp: time.Now()})
	pong := readFrame(t, ws)
	assert.Equal(t, datatypes.MessageTypePong, pong.Type)
}

// A frame that is not valid JSON is answered with a parse error; the
// connection keeps serving.
func TestWebsocket_MalformedFrameKeepsConnection(t *testing.T) {
	m := testManager()
	ws := wsTestServer(t, m)

	writeFrame(t, ws, datatypes.MessageTypeAuth,
		datatypes.AuthPayload{Token: "t", ProjectID: "P1"})
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	errMsg := readFrame(t, ws)
	require.Equal(t, datatypes.MessageTypeError, errMsg.Type)
	var p datatypes.ErrorPayload
	require.NoError(t, errMsg.DecodePayload(&p))
	assert.Equal(t, datatypes.ErrCodeParseError, p.Code)

	writeFrame(t, ws, datatypes.MessageTypePing, datatypes.PingPayload{Timestamp: time.Now()})
	pong := readFrame(t, ws)
	assert.Equal(t, datatypes.MessageTypePong, pong.Type)
	assert.Equal(t, 1, m.ConnectedClients())
}

func TestWebsocket_DisconnectRemovesConnection(t *testing.T) {
	m := testManager()
	ws := wsTestServer(t, m)

	writeFrame(t, ws, datatypes.MessageTypeAuth,
		datatypes.AuthPayload{Token: "t", ProjectID: "P1"})
	readFrame(t, ws)
	require.Equal(t, 1, m.ConnectedClients())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return m.ConnectedClients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
