package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gatherly/gatherly/internal/server"
	"github.com/gatherly/gatherly/internal/testutil"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type wsConn struct {
	r *http.Request
	c *websocket.Conn
}

// wsTestServer upgrades every incoming connection and hands it to the test
// over a channel so the test can play the server side of the protocol.
func wsTestServer(t *testing.T) (*httptest.Server, string, chan wsConn) {
	t.Helper()

	conns := make(chan wsConn, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- wsConn{r: r, c: c}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL, conns
}

func newTestSession(t *testing.T, url string) *Session {
	t.Helper()
	return New(Config{
		URL:        url,
		Token:      "test-token",
		MaxRetries: 2,
		Logger:     testutil.TestLogger(t),
	})
}

func readClientFrame(t *testing.T, conn *websocket.Conn) server.ClientMessage {
	t.Helper()
	var frame server.ClientMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	assert.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// acceptJoin consumes the join frame and acks it with the given room.
func acceptJoin(t *testing.T, conn *websocket.Conn, room types.Room) {
	t.Helper()
	frame := readClientFrame(t, conn)
	if !assert.NotNil(t, frame.Join, "expected a join frame") {
		return
	}
	assert.Equal(t, room.ExternalId, frame.Join.RoomId)
	assert.NoError(t, conn.WriteJSON(server.NoErrOK(frame.Id, room)))
}

func pushMessage(t *testing.T, conn *websocket.Conn, msg types.Message) {
	t.Helper()
	assert.NoError(t, conn.WriteJSON(&server.ServerMessage{
		BaseMessage: server.BaseMessage{Timestamp: server.Now()},
		Message:     &msg,
	}))
}

func nextEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

// waitForState consumes state-change events until the wanted state shows
// up.
func waitForState(t *testing.T, events <-chan Event, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventStateChange && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestSession_OpenAndDeliver(t *testing.T) {
	_, url, conns := wsTestServer(t)
	room := types.Room{Id: 1, ExternalId: "r1", Name: "standup"}

	go func() {
		wc := <-conns
		assert.Equal(t, "Bearer test-token", wc.r.Header.Get("Authorization"))
		acceptJoin(t, wc.c, room)

		pushMessage(t, wc.c, types.Message{Id: 1, RoomId: 1, UserId: 2, Content: "hello"})
		// replay of the same id must not be delivered twice
		pushMessage(t, wc.c, types.Message{Id: 1, RoomId: 1, UserId: 2, Content: "hello"})
		pushMessage(t, wc.c, types.Message{Id: 2, RoomId: 1, UserId: 2, Content: "again"})
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))
	assert.Equal(t, StateConnected, sess.State())

	first := nextEvent(t, sess.Events(), EventMessage)
	assert.Equal(t, 1, first.Message.Id)
	assert.Equal(t, "r1", first.RoomId)

	second := nextEvent(t, sess.Events(), EventMessage)
	assert.Equal(t, 2, second.Message.Id, "duplicate id must be suppressed")
}

func TestSession_OpenTwice(t *testing.T) {
	_, url, conns := wsTestServer(t)

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, types.Room{Id: 1, ExternalId: "r1"})
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))
	assert.ErrorIs(t, sess.Open(context.Background(), "r1"), ErrAlreadyOpen)
}

func TestSession_JoinDenied(t *testing.T) {
	_, url, conns := wsTestServer(t)

	go func() {
		wc := <-conns
		frame := readClientFrame(t, wc.c)
		assert.NoError(t, wc.c.WriteJSON(server.ErrForbidden(frame.Id)))
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	err := sess.Open(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrJoinDenied, "authorization failures must not be retried")
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestSession_Publish(t *testing.T) {
	_, url, conns := wsTestServer(t)
	room := types.Room{Id: 1, ExternalId: "r1"}

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, room)

		frame := readClientFrame(t, wc.c)
		if !assert.NotNil(t, frame.Publish) {
			return
		}
		assert.Equal(t, "r1", frame.Publish.RoomId)
		assert.Equal(t, "hi all", frame.Publish.Content)
		assert.Equal(t, "corr-1", frame.Publish.CorrelationId)
		assert.NoError(t, wc.c.WriteJSON(server.NoErrAccepted(frame.Id)))
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))
	assert.NoError(t, sess.Publish(context.Background(), "hi all", "corr-1"))
}

func TestSession_PublishWhileClosed(t *testing.T) {
	sess := newTestSession(t, "ws://127.0.0.1:0")
	assert.ErrorIs(t, sess.Publish(context.Background(), "hi", "corr"), ErrNotConnected)
}

func TestSession_Switch(t *testing.T) {
	_, url, conns := wsTestServer(t)
	room1 := types.Room{Id: 1, ExternalId: "r1"}
	room2 := types.Room{Id: 2, ExternalId: "r2"}

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, room1)
		// drain the leave frame and the close that follow the switch
		for {
			if _, _, err := wc.c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, room2)
		// a frame for the old room on the new connection must be filtered
		pushMessage(t, wc.c, types.Message{Id: 10, RoomId: 1, UserId: 2, Content: "stale"})
		pushMessage(t, wc.c, types.Message{Id: 11, RoomId: 2, UserId: 2, Content: "fresh"})
	}()

	assert.NoError(t, sess.Switch(context.Background(), "r2"))
	assert.Equal(t, StateConnected, sess.State())

	ev := nextEvent(t, sess.Events(), EventMessage)
	assert.Equal(t, 11, ev.Message.Id, "messages for the old room must not surface after a switch")
	assert.Equal(t, "r2", ev.RoomId)
}

func TestSession_SwitchWhileReconnecting(t *testing.T) {
	_, url, conns := wsTestServer(t)
	room1 := types.Room{Id: 1, ExternalId: "r1"}
	room2 := types.Room{Id: 2, ExternalId: "r2"}

	go func() {
		// the first connection drops right after the join completes
		wc := <-conns
		acceptJoin(t, wc.c, room1)
		wc.c.Close()
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))
	waitForState(t, sess.Events(), StateReconnecting)

	// the redial for the dropped room arrives but is never acked, so its
	// join attempt is still in flight when the switch happens
	stale := <-conns

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, room2)
		pushMessage(t, wc.c, types.Message{Id: 20, RoomId: 2, UserId: 2, Content: "moved"})
	}()

	assert.NoError(t, sess.Switch(context.Background(), "r2"))
	assert.Equal(t, StateConnected, sess.State())

	ev := nextEvent(t, sess.Events(), EventMessage)
	assert.Equal(t, 20, ev.Message.Id)
	assert.Equal(t, "r2", ev.RoomId)

	// failing the abandoned join attempt must not trigger another dial
	// for the old room
	stale.c.Close()
	select {
	case wc := <-conns:
		wc.c.Close()
		t.Fatal("abandoned room kept redialing after the switch")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSession_SwitchRequiresOpen(t *testing.T) {
	sess := newTestSession(t, "ws://127.0.0.1:0")
	assert.ErrorIs(t, sess.Switch(context.Background(), "r2"), ErrNotConnected)
}

func TestSession_Reconnect(t *testing.T) {
	_, url, conns := wsTestServer(t)
	room := types.Room{Id: 1, ExternalId: "r1"}

	go func() {
		// first connection drops right after the join completes
		wc := <-conns
		acceptJoin(t, wc.c, room)
		wc.c.Close()

		// the session dials again and rejoins the same room
		wc = <-conns
		acceptJoin(t, wc.c, room)
		pushMessage(t, wc.c, types.Message{Id: 1, RoomId: 1, UserId: 2, Content: "welcome back"})
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))

	waitForState(t, sess.Events(), StateReconnecting)
	waitForState(t, sess.Events(), StateConnected)

	ev := nextEvent(t, sess.Events(), EventMessage)
	assert.Equal(t, "welcome back", ev.Message.Content)
	assert.Equal(t, StateConnected, sess.State())
}

func TestSession_ConnectionLost(t *testing.T) {
	srv, url, conns := wsTestServer(t)
	room := types.Room{Id: 1, ExternalId: "r1"}

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, room)
		// take the whole server down so every reconnect attempt fails
		srv.CloseClientConnections()
		srv.Close()
	}()

	sess := newTestSession(t, url)
	defer sess.Close()

	assert.NoError(t, sess.Open(context.Background(), "r1"))

	ev := nextEvent(t, sess.Events(), EventConnectionLost)
	assert.Equal(t, "r1", ev.RoomId)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestSession_CloseIdempotent(t *testing.T) {
	_, url, conns := wsTestServer(t)

	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, types.Room{Id: 1, ExternalId: "r1"})
	}()

	sess := newTestSession(t, url)
	assert.NoError(t, sess.Open(context.Background(), "r1"))

	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())
	assert.Equal(t, StateDisconnected, sess.State())

	// a closed session can be opened again
	go func() {
		wc := <-conns
		acceptJoin(t, wc.c, types.Room{Id: 1, ExternalId: "r1"})
	}()
	assert.NoError(t, sess.Open(context.Background(), "r1"))
	assert.NoError(t, sess.Close())
}

func TestSession_CloseWithoutOpen(t *testing.T) {
	sess := newTestSession(t, "ws://127.0.0.1:0")
	assert.NoError(t, sess.Close())
}
