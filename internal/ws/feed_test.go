package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/protocol"
	"github.com/whisper/chatroom/internal/ratelimit"
)

type fakeRoom struct {
	mu         sync.Mutex
	heartbeats []string
	posts      []chat.MessageInput
	postErr    error
}

func (r *fakeRoom) Heartbeat(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, name)
	return nil
}

func (r *fakeRoom) PostMessage(_ context.Context, from string, in chat.MessageInput) (chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.postErr != nil {
		return chat.Message{}, r.postErr
	}
	r.posts = append(r.posts, in)
	return chat.Message{ID: "m1", From: from, To: in.To, Text: in.Text, Type: in.Type}, nil
}

func (r *fakeRoom) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heartbeats)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }
func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 1500 * time.Millisecond
}

func newTestFeed(room Room, opts ...FeedOption) *Feed {
	config := DefaultServerConfig()
	config.WriteTimeout = time.Second
	return NewFeed(config, room, logs.GetLoggerFromLevel(slog.LevelDebug), opts...)
}

// attach registers one end of an in-memory pipe as a connection for name and
// returns the client end.
func attach(t *testing.T, f *Feed, id, name string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	c := &Connection{ID: id, Name: name, Conn: server, Fd: -1, CreatedAt: time.Now()}
	c.Touch(time.Now())
	f.Server().Connections().Add(c)
	return c, client
}

func readFrame(t *testing.T, client net.Conn, wait time.Duration) (map[string]any, error) {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(wait))
	data, _, err := wsutil.ReadServerData(client)
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame, nil
}

func Test_Deliver_Only_Reaches_Allowed_Connections(t *testing.T) {
	req := require.New(t)
	f := newTestFeed(&fakeRoom{})
	_, ana := attach(t, f, "c1", "Ana")
	_, carla := attach(t, f, "c2", "Carla")

	m := chat.Message{ID: "m1", From: "Bob", To: "Ana", Text: "psst", Type: chat.TypePrivateMessage}
	done := make(chan struct{})
	go func() {
		f.Deliver(chat.Event{Kind: chat.EventMessageCreated, Message: &m})
		close(done)
	}()

	frame, err := readFrame(t, ana, 2*time.Second)
	req.NoError(err)
	req.Equal(protocol.TypeMessage, frame["type"])
	req.Equal("psst", frame["message"].(map[string]any)["text"])

	<-done
	_, err = readFrame(t, carla, 100*time.Millisecond)
	req.Error(err)
}

func Test_Deliver_Deleted_Message(t *testing.T) {
	req := require.New(t)
	f := newTestFeed(&fakeRoom{})
	_, bob := attach(t, f, "c1", "Bob")

	go f.Deliver(chat.Event{Kind: chat.EventMessageDeleted, ID: "m9", From: "Ana", To: chat.Everyone})

	frame, err := readFrame(t, bob, 2*time.Second)
	req.NoError(err)
	req.Equal(protocol.TypeMessageDeleted, frame["type"])
	req.Equal("m9", frame["id"])
}

func Test_Deliver_Drops_Broken_Connection(t *testing.T) {
	req := require.New(t)
	f := newTestFeed(&fakeRoom{})
	_, client := attach(t, f, "c1", "Ana")
	req.NoError(client.Close())

	m := chat.Message{ID: "m1", From: "Bob", To: chat.Everyone, Text: "hi", Type: chat.TypeMessage}
	f.Deliver(chat.Event{Kind: chat.EventMessageCreated, Message: &m})

	req.Zero(f.Server().Connections().Count())
}

func Test_Ping_Answers_Pong_And_Refreshes_Heartbeat(t *testing.T) {
	req := require.New(t)
	room := &fakeRoom{}
	f := newTestFeed(room)
	conn, client := attach(t, f, "c1", "Ana")

	go f.dispatcher.Dispatch(conn, []byte(`{"type":"ping"}`))

	frame, err := readFrame(t, client, 2*time.Second)
	req.NoError(err)
	req.Equal(protocol.TypePong, frame["type"])
	req.Eventually(func() bool { return room.heartbeatCount() == 1 }, time.Second, 10*time.Millisecond)
}

func Test_Post_Uses_Connection_Identity(t *testing.T) {
	req := require.New(t)
	room := &fakeRoom{}
	f := newTestFeed(room)
	conn, _ := attach(t, f, "c1", "Ana")

	f.dispatcher.Dispatch(conn, []byte(`{"type":"message","to":"everyone","text":"oi","message_type":"message"}`))

	room.mu.Lock()
	defer room.mu.Unlock()
	req.Len(room.posts, 1)
	req.Equal(chat.MessageInput{To: chat.Everyone, Text: "oi", Type: chat.TypeMessage}, room.posts[0])
}

func Test_Post_Validation_Error_Frame(t *testing.T) {
	req := require.New(t)
	room := &fakeRoom{postErr: chat.ErrValidation}
	f := newTestFeed(room)
	conn, client := attach(t, f, "c1", "Ana")

	go f.dispatcher.Dispatch(conn, []byte(`{"type":"message","to":"","text":"","message_type":"x"}`))

	frame, err := readFrame(t, client, 2*time.Second)
	req.NoError(err)
	req.Equal(protocol.TypeError, frame["type"])
	req.Equal("validation", frame["code"])
}

func Test_Post_Rate_Limited_Frame(t *testing.T) {
	req := require.New(t)
	room := &fakeRoom{}
	f := newTestFeed(room, WithRateLimit(denyLimiter{}, ratelimit.MessageRule(1, time.Minute)))
	conn, client := attach(t, f, "c1", "Ana")

	go f.dispatcher.Dispatch(conn, []byte(`{"type":"message","to":"everyone","text":"oi","message_type":"message"}`))

	frame, err := readFrame(t, client, 2*time.Second)
	req.NoError(err)
	req.Equal(protocol.TypeRateLimited, frame["type"])
	req.Equal(float64(2), frame["retry_after"])
	req.Empty(room.posts)
}

func Test_Unknown_Frame_Gets_Error(t *testing.T) {
	req := require.New(t)
	f := newTestFeed(&fakeRoom{})
	conn, client := attach(t, f, "c1", "Ana")

	go f.dispatcher.Dispatch(conn, []byte(`not json`))

	frame, err := readFrame(t, client, 2*time.Second)
	req.NoError(err)
	req.Equal("parse_error", frame["code"])
}

func Test_HandleUpgrade_Requires_User(t *testing.T) {
	req := require.New(t)
	f := newTestFeed(&fakeRoom{})

	rec := httptest.NewRecorder()
	f.HandleUpgrade(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	req.Equal(http.StatusUnprocessableEntity, rec.Code)
}

func Test_Requester_Keeps_Name_Verbatim(t *testing.T) {
	cases := map[string]struct {
		target string
		header string
		want   string
	}{
		"query":             {"/ws?user=Ana", "", "Ana"},
		"query wins":        {"/ws?user=Ana", "Bob", "Ana"},
		"header fallback":   {"/ws", "Bob", "Bob"},
		"leading space":     {"/ws?user=%20Ana", "", " Ana"},
		"header whitespace": {"/ws", " Bob ", " Bob "},
		"missing":           {"/ws", "", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				r.Header.Set(IdentityHeader, tc.header)
			}
			require.Equal(t, tc.want, requester(r))
		})
	}
}

func Test_Feed_End_To_End(t *testing.T) {
	req := require.New(t)
	room := &fakeRoom{}
	f := newTestFeed(room)
	req.NoError(f.Start())
	defer f.Shutdown()

	srv := httptest.NewServer(http.HandlerFunc(f.HandleUpgrade))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?user=Ana")
	req.NoError(err)
	defer conn.Close()

	req.Eventually(func() bool { return f.Server().Connections().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	req.NoError(wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	req.NoError(err)
	req.JSONEq(`{"type":"pong"}`, string(data))
	req.Eventually(func() bool { return room.heartbeatCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	m := chat.Message{ID: "m1", From: "Bob", To: chat.Everyone, Text: "hello", Type: chat.TypeMessage, Time: "10:00:00"}
	f.Deliver(chat.Event{Kind: chat.EventMessageCreated, Message: &m})

	data, err = wsutil.ReadServerText(conn)
	req.NoError(err)
	var frame protocol.ServerMessageMsg
	req.NoError(json.Unmarshal(data, &frame))
	req.Equal(m, frame.Message)
}
