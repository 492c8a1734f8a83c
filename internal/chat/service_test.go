package chat_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/metrics"
	"github.com/whisper/chatroom/internal/store/badgerstore"
)

const maxIdle = 10 * time.Second

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []chat.Event
}

func (r *recorder) Publish(_ context.Context, e chat.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.events, func(e chat.Event, _ int) string { return e.Kind })
}

func newService(t *testing.T) (*chat.Service, *badgerstore.Store, *clock, *recorder) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	st, err := badgerstore.Open("", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	events := &recorder{}
	return chat.NewService(st, events, log, chat.WithClock(clk.Now)), st, clk, events
}

func register(t *testing.T, svc *chat.Service, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := svc.Register(context.Background(), chat.ParticipantInput{Name: name})
		require.NoError(t, err)
	}
}

func Test_Register_Posts_Join_Notice(t *testing.T) {
	req := require.New(t)
	svc, _, clk, events := newService(t)
	ctx := context.Background()

	p, err := svc.Register(ctx, chat.ParticipantInput{Name: "Ana"})
	req.NoError(err)
	req.Equal("Ana", p.Name)
	req.True(p.LastStatus.Equal(clk.Now()))

	msgs, err := svc.ListMessages(ctx, "Bob", 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(chat.Message{
		ID:   msgs[0].ID,
		From: "Ana",
		To:   chat.Everyone,
		Text: chat.JoinedText,
		Type: chat.TypeStatus,
		Time: "10:00:00",
	}, msgs[0])

	req.Equal([]string{chat.EventParticipantJoined, chat.EventMessageCreated}, events.kinds())
}

func Test_Participants_Gauge_Counts_The_Store(t *testing.T) {
	req := require.New(t)
	svc, st, clk, _ := newService(t)
	ctx := context.Background()

	// Registered through another replica sharing the store.
	_, err := st.InsertParticipant(ctx, chat.Participant{Name: "Zed", LastStatus: clk.Now()})
	req.NoError(err)

	register(t, svc, "Ana", "Bob")
	req.Equal(float64(3), testutil.ToFloat64(metrics.Participants))

	clk.Advance(6 * time.Second)
	req.NoError(svc.Heartbeat(ctx, "Ana"))
	clk.Advance(5 * time.Second)
	_, err = svc.ExpireIdle(ctx, maxIdle)
	req.NoError(err)
	req.Equal(float64(1), testutil.ToFloat64(metrics.Participants))
}

func Test_Register_Duplicate_Is_Conflict(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newService(t)
	register(t, svc, "Ana")

	_, err := svc.Register(context.Background(), chat.ParticipantInput{Name: "Ana"})
	req.ErrorIs(err, chat.ErrConflict)

	_, err = svc.Register(context.Background(), chat.ParticipantInput{Name: "ana"})
	req.NoError(err, "names are case-sensitive")
}

func Test_Register_Empty_Name(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.Register(context.Background(), chat.ParticipantInput{})
	require.ErrorIs(t, err, chat.ErrValidation)
}

func Test_List_Participants_Never_Nil(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newService(t)

	got, err := svc.ListParticipants(context.Background())
	req.NoError(err)
	req.NotNil(got)
	req.Empty(got)
}

func Test_Heartbeat(t *testing.T) {
	req := require.New(t)
	svc, st, clk, _ := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana")

	clk.Advance(7 * time.Second)
	req.NoError(svc.Heartbeat(ctx, "Ana"))

	p, err := st.FindParticipant(ctx, "Ana")
	req.NoError(err)
	req.True(p.LastStatus.Equal(clk.Now()))

	req.ErrorIs(svc.Heartbeat(ctx, "Bob"), chat.ErrNotFound)
	req.ErrorIs(svc.Heartbeat(ctx, ""), chat.ErrValidation)
}

func Test_Post_Message(t *testing.T) {
	req := require.New(t)
	svc, _, clk, _ := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana")
	clk.Advance(65 * time.Second)

	m, err := svc.PostMessage(ctx, "Ana", chat.MessageInput{To: chat.Everyone, Text: "hi", Type: chat.TypeMessage})
	req.NoError(err)
	req.NotEmpty(m.ID)
	req.Equal("Ana", m.From)
	req.Equal("10:01:05", m.Time)

	_, err = svc.PostMessage(ctx, "Zed", chat.MessageInput{To: chat.Everyone, Text: "hi", Type: chat.TypeMessage})
	req.ErrorIs(err, chat.ErrValidation)

	_, err = svc.PostMessage(ctx, "", chat.MessageInput{To: chat.Everyone, Text: "hi", Type: chat.TypeMessage})
	req.ErrorIs(err, chat.ErrValidation)
}

func Test_Post_Message_Has_No_Length_Limit(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana")

	text := strings.Repeat("a", 2001) + strings.Repeat("€", 3000)
	m, err := svc.PostMessage(ctx, "Ana", chat.MessageInput{To: chat.Everyone, Text: text, Type: chat.TypeMessage})
	req.NoError(err)
	req.Equal(text, m.Text)

	edited, err := svc.EditMessage(ctx, "Ana", m.ID, chat.MessageInput{To: chat.Everyone, Text: text + text, Type: chat.TypeMessage})
	req.NoError(err)
	req.Equal(text+text, edited.Text)
}

func Test_List_Messages_Keeps_Insertion_Order_And_Limit(t *testing.T) {
	req := require.New(t)
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana", "Bob")

	for _, text := range []string{"a", "b", "c"} {
		_, err := svc.PostMessage(ctx, "Ana", chat.MessageInput{To: chat.Everyone, Text: text, Type: chat.TypeMessage})
		req.NoError(err)
	}
	_, err := svc.PostMessage(ctx, "Ana", chat.MessageInput{To: "Carla", Text: "hidden", Type: chat.TypePrivateMessage})
	req.NoError(err)

	msgs, err := svc.ListMessages(ctx, "Bob", 2)
	req.NoError(err)
	req.Equal([]string{"b", "c"}, lo.Map(msgs, func(m chat.Message, _ int) string { return m.Text }))

	msgs, err = svc.ListMessages(ctx, "Bob", 0)
	req.NoError(err)
	req.Len(msgs, 5)

	_, err = svc.ListMessages(ctx, "", 0)
	req.ErrorIs(err, chat.ErrValidation)
}

func Test_Edit_Message(t *testing.T) {
	req := require.New(t)
	svc, st, clk, events := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana", "Bob")

	m, err := svc.PostMessage(ctx, "Ana", chat.MessageInput{To: chat.Everyone, Text: "hi", Type: chat.TypeMessage})
	req.NoError(err)
	clk.Advance(time.Minute)

	update := chat.MessageInput{To: "Bob", Text: "hi Bob", Type: chat.TypePrivateMessage}

	_, err = svc.EditMessage(ctx, "Bob", m.ID, update)
	req.ErrorIs(err, chat.ErrForbidden)

	_, err = svc.EditMessage(ctx, "Ana", "missing", update)
	req.ErrorIs(err, chat.ErrNotFound)

	_, err = svc.EditMessage(ctx, "Ana", m.ID, chat.MessageInput{To: "Bob", Type: chat.TypeMessage})
	req.ErrorIs(err, chat.ErrValidation)

	_, err = svc.EditMessage(ctx, "Ana", m.ID, chat.MessageInput{To: "Bob", Text: "x", Type: chat.TypeStatus})
	req.ErrorIs(err, chat.ErrValidation)

	// Rejected edits leave the stored message untouched.
	unchanged, err := st.FindMessage(ctx, m.ID)
	req.NoError(err)
	req.Equal(m, unchanged)
	req.Equal(chat.EventMessageCreated, events.kinds()[len(events.kinds())-1])

	edited, err := svc.EditMessage(ctx, "Ana", m.ID, update)
	req.NoError(err)
	req.Equal(chat.Message{ID: m.ID, From: "Ana", To: "Bob", Text: "hi Bob", Type: chat.TypePrivateMessage, Time: m.Time}, edited)

	msgs, err := svc.ListMessages(ctx, "Carla", 0)
	req.NoError(err)
	req.False(lo.ContainsBy(msgs, func(x chat.Message) bool { return x.ID == m.ID }))

	req.Equal(chat.EventMessageUpdated, events.kinds()[len(events.kinds())-1])
}

func Test_Delete_Message(t *testing.T) {
	req := require.New(t)
	svc, _, _, events := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana", "Bob")

	m, err := svc.PostMessage(ctx, "Ana", chat.MessageInput{To: "Bob", Text: "x", Type: chat.TypePrivateMessage})
	req.NoError(err)

	req.ErrorIs(svc.DeleteMessage(ctx, "Bob", m.ID), chat.ErrForbidden)
	req.ErrorIs(svc.DeleteMessage(ctx, "Ana", "missing"), chat.ErrNotFound)
	req.NoError(svc.DeleteMessage(ctx, "Ana", m.ID))
	req.ErrorIs(svc.DeleteMessage(ctx, "Ana", m.ID), chat.ErrNotFound)

	last := events.events[len(events.events)-1]
	req.Equal(chat.Event{Kind: chat.EventMessageDeleted, ID: m.ID, From: "Ana", To: "Bob", Ts: last.Ts}, last)
}

func Test_Expire_Idle_Evicts_Once(t *testing.T) {
	req := require.New(t)
	svc, _, clk, _ := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana", "Bob")

	clk.Advance(6 * time.Second)
	req.NoError(svc.Heartbeat(ctx, "Bob"))
	clk.Advance(5 * time.Second) // Ana idle 11s, Bob idle 5s

	result, err := svc.ExpireIdle(ctx, maxIdle)
	req.NoError(err)
	req.Equal([]string{"Ana"}, result.Evicted)
	req.Equal(2, result.Scanned)
	req.Equal(1, result.Remaining)

	result, err = svc.ExpireIdle(ctx, maxIdle)
	req.NoError(err)
	req.Empty(result.Evicted)

	participants, err := svc.ListParticipants(ctx)
	req.NoError(err)
	req.Equal([]string{"Bob"}, lo.Map(participants, func(p chat.Participant, _ int) string { return p.Name }))

	msgs, err := svc.ListMessages(ctx, "Bob", 0)
	req.NoError(err)
	left := lo.Filter(msgs, func(m chat.Message, _ int) bool { return m.Text == chat.LeftText })
	req.Len(left, 1)
	req.Equal("Ana", left[0].From)
	req.Equal(chat.Everyone, left[0].To)
	req.Equal(chat.TypeStatus, left[0].Type)
}

func Test_Expire_Idle_Boundary_Is_Exclusive(t *testing.T) {
	req := require.New(t)
	svc, _, clk, _ := newService(t)
	register(t, svc, "Ana")

	clk.Advance(maxIdle)
	result, err := svc.ExpireIdle(context.Background(), maxIdle)
	req.NoError(err)
	req.Empty(result.Evicted)

	clk.Advance(time.Millisecond)
	result, err = svc.ExpireIdle(context.Background(), maxIdle)
	req.NoError(err)
	req.Equal([]string{"Ana"}, result.Evicted)
}

func Test_Expire_Idle_Heartbeat_Wins_Race(t *testing.T) {
	req := require.New(t)
	svc, st, clk, _ := newService(t)
	ctx := context.Background()
	register(t, svc, "Ana")
	clk.Advance(time.Minute)

	// A heartbeat lands after the scan but before the conditional delete.
	req.NoError(st.TouchParticipant(ctx, "Ana", clk.Now()))
	req.ErrorIs(st.ExpireParticipant(ctx, "Ana", clk.Now().Add(-maxIdle)), chat.ErrNotFound)

	_, err := st.FindParticipant(ctx, "Ana")
	req.NoError(err)
}

// failingStore fails the departure notice for one participant.
type failingStore struct {
	chat.Store
	failFor string
}

func (s failingStore) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if m.Text == chat.LeftText && m.From == s.failFor {
		return chat.Message{}, errors.New("disk full")
	}
	return s.Store.InsertMessage(ctx, m)
}

func Test_Expire_Idle_Collects_Errors_And_Continues(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	st, err := badgerstore.Open("", log)
	req.NoError(err)
	defer st.Close(context.Background())

	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc := chat.NewService(failingStore{Store: st, failFor: "Ana"}, nil, log, chat.WithClock(clk.Now))
	register(t, svc, "Ana", "Bob")
	clk.Advance(time.Minute)

	result, err := svc.ExpireIdle(context.Background(), maxIdle)
	req.Error(err)
	req.Contains(err.Error(), "disk full")
	req.ElementsMatch([]string{"Ana", "Bob"}, result.Evicted)
	req.Zero(result.Remaining)
}
