package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sru-kri/BidCraft/internal/comm"
	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/socketsvc/handlers"
	"github.com/sru-kri/BidCraft/internal/socketsvc/ws"
	"github.com/sru-kri/BidCraft/internal/store/memory"
)

func newServer(t *testing.T) (*httptest.Server, *ws.Ws) {
	t.Helper()
	st, hub := memory.NewWithHub()
	s := ws.NewWs(ws.SessionFactoryFor(st, hub), 10)

	r := chi.NewRouter()
	SetRoutes(r, handlers.NewHandler(s, "0"), InitAuth("test-secret"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	m, err := comm.NewMessage(msgType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(m))
}

// readUntil skips messages until one of msgType arrives and matches.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m comm.WSMessage
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == msgType && (match == nil || match(m.Data)) {
			return m.Data
		}
	}
}

func playerCount(n int) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var st comm.StateData
		return json.Unmarshal(raw, &st) == nil && len(st.View.Players) == n
	}
}

func TestGatewayRoomFlow(t *testing.T) {
	srv, _ := newServer(t)
	host := dial(t, srv)
	guest := dial(t, srv)

	send(t, host, comm.TypeCreateRoom, comm.CreateRoomData{Name: "  host  "})
	var created comm.CreatedData
	require.NoError(t, json.Unmarshal(readUntil(t, host, comm.TypeCreated, nil), &created))
	assert.True(t, game.ValidCode(created.Code))

	send(t, guest, comm.TypeJoinRoom, comm.JoinRoomData{Code: strings.ToLower(created.Code), Name: "guest"})
	readUntil(t, guest, comm.TypeState, playerCount(2))
	readUntil(t, host, comm.TypeState, playerCount(2))

	send(t, guest, comm.TypeStartGame, nil)
	var failure comm.ErrorData
	require.NoError(t, json.Unmarshal(readUntil(t, guest, comm.TypeError, nil), &failure))
	assert.Contains(t, failure.Error, "host")

	send(t, host, comm.TypeStartGame, nil)
	readUntil(t, guest, comm.TypeState, func(raw json.RawMessage) bool {
		var st comm.StateData
		return json.Unmarshal(raw, &st) == nil && st.View.Event != nil && st.View.Room.Status == models.StatusPlaying
	})

	send(t, guest, comm.TypePlay, comm.PlayData{Action: models.ActionSell})
	var result comm.ResultData
	require.NoError(t, json.Unmarshal(readUntil(t, guest, comm.TypeResult, nil), &result))
	assert.Equal(t, 1, result.Round.Round)
	assert.Equal(t, models.ActionSell, result.Round.Action)

	send(t, guest, comm.TypePlay, comm.PlayData{Action: models.ActionSell})
	require.NoError(t, json.Unmarshal(readUntil(t, guest, comm.TypeError, nil), &failure))
	assert.Contains(t, failure.Error, "already acted")

	// dropping the guest socket removes its player from the room
	guest.Close()
	readUntil(t, host, comm.TypeState, playerCount(1))
}

func TestGatewayRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	readUntil(t, conn, comm.TypeError, nil)

	send(t, conn, comm.TypeCreateRoom, comm.CreateRoomData{Name: "   "})
	var failure comm.ErrorData
	require.NoError(t, json.Unmarshal(readUntil(t, conn, comm.TypeError, nil), &failure))
	assert.Equal(t, comm.ErrEmptyName.Error(), failure.Error)

	send(t, conn, comm.TypeJoinRoom, comm.JoinRoomData{Code: "QQQQQQ", Name: "x"})
	require.NoError(t, json.Unmarshal(readUntil(t, conn, comm.TypeError, nil), &failure))
	assert.Contains(t, failure.Error, "room not found")

	send(t, conn, "dance", nil)
	readUntil(t, conn, comm.TypeError, nil)
}

func TestEventsAndHealth(t *testing.T) {
	srv, _ := newServer(t)

	rsp, err := http.Get(srv.URL + "/v1/events")
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	var body struct {
		Data []game.Event `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&body))
	assert.Len(t, body.Data, len(game.Catalog()))

	rsp, err = http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, rsp.StatusCode)

	_, token, err := InitAuth("test-secret").Encode(map[string]interface{}{"service": "test"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rsp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
}
