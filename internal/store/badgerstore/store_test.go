package badgerstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func Test_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) chat.Store { return newTestStore(t) })
}

func Test_Participant_Lifecycle(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	p, err := s.InsertParticipant(ctx, chat.Participant{Name: "Ana", LastStatus: at})
	req.NoError(err)
	req.NotEmpty(p.ID)

	_, err = s.InsertParticipant(ctx, chat.Participant{Name: "Ana", LastStatus: at})
	req.ErrorIs(err, chat.ErrConflict)

	found, err := s.FindParticipant(ctx, "Ana")
	req.NoError(err)
	req.Equal(p.ID, found.ID)
	req.True(found.LastStatus.Equal(at))

	_, err = s.FindParticipant(ctx, "Bob")
	req.ErrorIs(err, chat.ErrNotFound)

	later := at.Add(5 * time.Second)
	req.NoError(s.TouchParticipant(ctx, "Ana", later))
	req.ErrorIs(s.TouchParticipant(ctx, "Bob", later), chat.ErrNotFound)

	// Still fresh relative to the cutoff: nothing is deleted.
	req.ErrorIs(s.ExpireParticipant(ctx, "Ana", later), chat.ErrNotFound)
	req.NoError(s.ExpireParticipant(ctx, "Ana", later.Add(time.Nanosecond)))
	req.ErrorIs(s.ExpireParticipant(ctx, "Ana", later.Add(time.Hour)), chat.ErrNotFound)

	all, err := s.ListParticipants(ctx)
	req.NoError(err)
	req.Empty(all)
}

func Test_Messages_Keep_Insertion_Order(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 250; i++ {
		m, err := s.InsertMessage(ctx, chat.Message{From: "Ana", To: chat.Everyone, Text: "m", Type: chat.TypeMessage, Time: "10:00:00"})
		req.NoError(err)
		ids = append(ids, m.ID)
	}

	all, err := s.ListMessages(ctx)
	req.NoError(err)
	req.Len(all, 250)
	for i, m := range all {
		req.Equal(ids[i], m.ID)
	}
}

func Test_Message_Update_And_Delete(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.InsertMessage(ctx, chat.Message{From: "Ana", To: chat.Everyone, Text: "hi", Type: chat.TypeMessage, Time: "10:00:00"})
	req.NoError(err)

	req.NoError(s.UpdateMessage(ctx, m.ID, chat.MessageUpdate{To: "Bob", Text: "hey", Type: chat.TypePrivateMessage}))
	got, err := s.FindMessage(ctx, m.ID)
	req.NoError(err)
	req.Equal(chat.Message{ID: m.ID, From: "Ana", To: "Bob", Text: "hey", Type: chat.TypePrivateMessage, Time: "10:00:00"}, got)

	req.ErrorIs(s.UpdateMessage(ctx, "missing", chat.MessageUpdate{}), chat.ErrNotFound)

	req.NoError(s.DeleteMessage(ctx, m.ID))
	req.ErrorIs(s.DeleteMessage(ctx, m.ID), chat.ErrNotFound)
	_, err = s.FindMessage(ctx, m.ID)
	req.ErrorIs(err, chat.ErrNotFound)

	all, err := s.ListMessages(ctx)
	req.NoError(err)
	req.NotNil(all)
	req.Empty(all)
}

func Test_Reopen_On_Disk(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "chat")
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	s, err := Open(dir, log)
	req.NoError(err)
	first, err := s.InsertMessage(ctx, chat.Message{From: "Ana", To: chat.Everyone, Text: "one", Type: chat.TypeMessage})
	req.NoError(err)
	req.NoError(s.Close(ctx))

	s, err = Open(dir, log)
	req.NoError(err)
	defer s.Close(ctx)
	second, err := s.InsertMessage(ctx, chat.Message{From: "Ana", To: chat.Everyone, Text: "two", Type: chat.TypeMessage})
	req.NoError(err)

	all, err := s.ListMessages(ctx)
	req.NoError(err)
	req.Len(all, 2)
	req.Equal(first.ID, all[0].ID)
	req.Equal(second.ID, all[1].ID)
	req.NoError(s.Ping(ctx))
}
