package devserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/donut-chat/internal/chat"
	"github.com/omochice/donut-chat/internal/devserver"
	"github.com/omochice/donut-chat/internal/logging"
	"github.com/omochice/donut-chat/internal/store"
	"github.com/omochice/donut-chat/internal/transport/ws"
	"github.com/omochice/donut-chat/pkg/protocol"
)

var t0 = time.Date(2017, 6, 29, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newServer(t *testing.T) (*devserver.Server, *httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	srv := devserver.New(devserver.Options{
		Store:        st,
		Tokens:       map[string]int64{"alice-token": 1, "bob-token": 2},
		Users:        []chat.User{{ID: 1, Name: "Alice", Email: "alice@example.com"}},
		PingInterval: 50 * time.Millisecond,
		Logger:       logging.Discard(),
		Now:          func() time.Time { return t0 },
	})
	require.NoError(t, srv.Seed(context.Background(), devserver.DefaultRooms))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)
	return srv, ts, st
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPI_RequiresToken(t *testing.T) {
	_, ts, _ := newServer(t)

	for _, token := range []string{"", "wrong"} {
		resp := get(t, ts.URL+"/api/rooms", token)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "token %q", token)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Rooms(t *testing.T) {
	_, ts, _ := newServer(t)

	resp := get(t, ts.URL+"/api/rooms", "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var raw []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Len(t, raw, len(devserver.DefaultRooms))
	assert.Equal(t, "Algoritmos e Estruturas de Dados", raw[0]["curricular_component"])
	assert.Contains(t, raw[0], "created_at")
}

func TestAPI_Messages(t *testing.T) {
	srv, ts, _ := newServer(t)

	_, err := srv.CreateMessage(context.Background(), 1, 2, "oi")
	require.NoError(t, err)
	_, err = srv.CreateMessage(context.Background(), 2, 1, "elsewhere")
	require.NoError(t, err)

	resp := get(t, ts.URL+"/api/rooms/1/messages", "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []chat.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "oi", msgs[0].Content)
	assert.Equal(t, int64(2), msgs[0].AuthorID)
	assert.True(t, msgs[0].CreatedAt.Equal(t0))

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/rooms/99/messages", "alice-token").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/rooms/abc/messages", "alice-token").StatusCode)
}

func TestAPI_CreateMessage(t *testing.T) {
	_, ts, st := newServer(t)

	post := func(body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/rooms/3/messages", strings.NewReader(body))
		req.Header.Set("Authorization", "Token bob-token")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg chat.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, int64(3), msg.RoomID)
	assert.Equal(t, int64(2), msg.AuthorID)

	stored, err := st.Message(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)

	assert.Equal(t, http.StatusUnprocessableEntity, post(`{"content":"  "}`).StatusCode)
}

func TestAPI_Users(t *testing.T) {
	_, ts, _ := newServer(t)

	resp := get(t, ts.URL+"/api/users/me", "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me chat.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, chat.User{ID: 1, Name: "Alice", Email: "alice@example.com"}, me)

	resp = get(t, ts.URL+"/api/users", "bob-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []chat.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	require.Len(t, users, 2)
	assert.Equal(t, int64(1), users[0].ID)
	assert.Equal(t, "user2", users[1].Name)
}

func TestAPI_NoRoute(t *testing.T) {
	_, ts, _ := newServer(t)
	resp := get(t, ts.URL+"/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// cableConn is a raw cable connection for protocol-level assertions.
type cableConn struct {
	t    *testing.T
	conn chat.Conn
}

func dialCable(t *testing.T, ts *httptest.Server, token string) *cableConn {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ws.GorillaDialer{}.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/cable", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &cableConn{t: t, conn: conn}
}

// next returns the next frame that is not a ping.
func (c *cableConn) next() protocol.Frame {
	c.t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		data, err := c.conn.Read(ctx)
		cancel()
		require.NoError(c.t, err)

		var f protocol.Frame
		require.NoError(c.t, f.Decode(data))
		if f.Type != protocol.FramePing {
			return f
		}
	}
}

func (c *cableConn) send(cmd protocol.Command) {
	c.t.Helper()
	data, err := cmd.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(context.Background(), data))
}

func (c *cableConn) subscribe(roomID int64) string {
	c.t.Helper()
	identifier, err := protocol.Identifier(devserver.ChannelClass, map[string]any{"room_id": roomID})
	require.NoError(c.t, err)
	c.send(protocol.Command{Type: protocol.CommandSubscribe, Identifier: identifier})
	return identifier
}

func TestCable_Unauthorized(t *testing.T) {
	_, ts, _ := newServer(t)
	c := dialCable(t, ts, "wrong")

	f := c.next()
	assert.Equal(t, protocol.FrameDisconnect, f.Type)
	assert.Equal(t, "unauthorized", f.Reason)
	assert.False(t, f.Reconnect)
}

func TestCable_WelcomeAndPing(t *testing.T) {
	_, ts, _ := newServer(t)
	c := dialCable(t, ts, "alice-token")

	assert.Equal(t, protocol.FrameWelcome, c.next().Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.conn.Read(ctx)
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, f.Decode(data))
	assert.Equal(t, protocol.FramePing, f.Type)
	assert.Positive(t, f.Ping)
}

func TestCable_SubscribeRejectsUnknownRoom(t *testing.T) {
	_, ts, _ := newServer(t)
	c := dialCable(t, ts, "alice-token")
	require.Equal(t, protocol.FrameWelcome, c.next().Type)

	identifier := c.subscribe(99)
	f := c.next()
	assert.Equal(t, protocol.FrameReject, f.Type)
	assert.Equal(t, identifier, f.Identifier)

	other, _ := protocol.Identifier("OtherChannel", map[string]any{"room_id": 1})
	c.send(protocol.Command{Type: protocol.CommandSubscribe, Identifier: other})
	assert.Equal(t, protocol.FrameReject, c.next().Type)
}

func TestCable_SendMessageBroadcastsToRoom(t *testing.T) {
	srv, ts, st := newServer(t)

	alice := dialCable(t, ts, "alice-token")
	bob := dialCable(t, ts, "bob-token")
	outsider := dialCable(t, ts, "bob-token")
	for _, c := range []*cableConn{alice, bob, outsider} {
		require.Equal(t, protocol.FrameWelcome, c.next().Type)
	}

	aliceID := alice.subscribe(1)
	require.Equal(t, protocol.FrameConfirm, alice.next().Type)
	bobID := bob.subscribe(1)
	require.Equal(t, protocol.FrameConfirm, bob.next().Type)
	outsider.subscribe(2)
	require.Equal(t, protocol.FrameConfirm, outsider.next().Type)
	assert.Equal(t, 2, srv.Hub().SubscriberCount(1))

	data, err := protocol.ActionData(devserver.SendAction, map[string]any{"content": "bom dia", "room_id": 1})
	require.NoError(t, err)
	alice.send(protocol.Command{Type: protocol.CommandMessage, Identifier: aliceID, Data: data})

	for _, c := range []struct {
		conn       *cableConn
		identifier string
	}{{alice, aliceID}, {bob, bobID}} {
		f := c.conn.next()
		require.Equal(t, protocol.FrameMessage, f.Type)
		assert.Equal(t, c.identifier, f.Identifier)

		var push struct {
			Message chat.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(f.Message, &push))
		assert.Equal(t, "bom dia", push.Message.Content)
		assert.Equal(t, int64(1), push.Message.RoomID)
		assert.Equal(t, int64(1), push.Message.AuthorID)
	}

	msgs, err := st.Messages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// The outsider only sees pings.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	for {
		data, err := outsider.conn.Read(ctx)
		if err != nil {
			break
		}
		var f protocol.Frame
		require.NoError(t, f.Decode(data))
		assert.Equal(t, protocol.FramePing, f.Type)
	}
}

func TestCable_NonStringContentIsRejected(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	log, hook := test.NewNullLogger()
	srv := devserver.New(devserver.Options{
		Store:  st,
		Tokens: map[string]int64{"alice-token": 1},
		Logger: log,
	})
	require.NoError(t, srv.Seed(context.Background(), devserver.DefaultRooms))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)

	c := dialCable(t, ts, "alice-token")
	require.Equal(t, protocol.FrameWelcome, c.next().Type)
	identifier := c.subscribe(1)
	require.Equal(t, protocol.FrameConfirm, c.next().Type)

	for _, content := range []any{42, "second"} {
		data, err := protocol.ActionData(devserver.SendAction, map[string]any{"content": content, "room_id": 1})
		require.NoError(t, err)
		c.send(protocol.Command{Type: protocol.CommandMessage, Identifier: identifier, Data: data})
	}

	// Actions are handled in order, so the first push is the valid one.
	f := c.next()
	require.Equal(t, protocol.FrameMessage, f.Type)
	var push struct {
		Message chat.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(f.Message, &push))
	assert.Equal(t, "second", push.Message.Content)

	msgs, err := st.Messages(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	var logged []string
	for _, e := range hook.AllEntries() {
		logged = append(logged, e.Message)
	}
	assert.Contains(t, logged, "Failed to decode message content")
	assert.NotContains(t, logged, "Ignoring empty message")
}

func TestCable_UnsubscribeStopsDelivery(t *testing.T) {
	srv, ts, _ := newServer(t)
	c := dialCable(t, ts, "alice-token")
	require.Equal(t, protocol.FrameWelcome, c.next().Type)

	identifier := c.subscribe(1)
	require.Equal(t, protocol.FrameConfirm, c.next().Type)
	c.send(protocol.Command{Type: protocol.CommandUnsubscribe, Identifier: identifier})

	require.Eventually(t, func() bool { return srv.Hub().SubscriberCount(1) == 0 },
		time.Second, 10*time.Millisecond)
}

func TestCable_ClientCount(t *testing.T) {
	srv, ts, _ := newServer(t)
	c := dialCable(t, ts, "alice-token")
	require.Equal(t, protocol.FrameWelcome, c.next().Type)
	assert.Equal(t, 1, srv.ClientCount())

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestServer_StopSendsDisconnect(t *testing.T) {
	srv, ts, _ := newServer(t)
	c := dialCable(t, ts, "alice-token")
	require.Equal(t, protocol.FrameWelcome, c.next().Type)

	srv.Stop()

	f := c.next()
	assert.Equal(t, protocol.FrameDisconnect, f.Type)
	assert.True(t, f.Reconnect)
}

func TestServer_StartStop(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	srv := devserver.New(devserver.Options{Addr: "127.0.0.1:0", Store: st, Logger: logging.Discard()})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/api/rooms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	srv.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestServer_SeedKeepsExistingRooms(t *testing.T) {
	srv, _, st := newServer(t)

	_, _, err := st.UpsertRoom(context.Background(), chat.Room{ID: 1, Title: "Renamed", CreatedAt: t0})
	require.NoError(t, err)
	require.NoError(t, srv.Seed(context.Background(), devserver.DefaultRooms))

	room, err := st.Room(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", room.Title)
}

func TestServer_MessageIDsContinueFromStore(t *testing.T) {
	srv, _, st := newServer(t)

	_, _, err := st.UpsertMessage(context.Background(), chat.Message{ID: 41, RoomID: 2, Content: "old", CreatedAt: t0})
	require.NoError(t, err)

	msg, err := srv.CreateMessage(context.Background(), 2, 1, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)
}
