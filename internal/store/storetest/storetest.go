// Package storetest holds the behaviour every chat.Store backend must share,
// run by each backend's own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/chatroom/internal/chat"
)

// Run exercises a fresh, empty store returned by open.
func Run(t *testing.T, open func(t *testing.T) chat.Store) {
	t.Run("participants", func(t *testing.T) { participants(t, open(t)) })
	t.Run("expire", func(t *testing.T) { expire(t, open(t)) })
	t.Run("messages", func(t *testing.T) { messages(t, open(t)) })
	t.Run("unknown ids", func(t *testing.T) { unknownIDs(t, open(t)) })
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func participants(t *testing.T, s chat.Store) {
	req := require.New(t)
	ctx := context.Background()

	all, err := s.ListParticipants(ctx)
	req.NoError(err)
	req.Empty(all)

	p, err := s.InsertParticipant(ctx, chat.Participant{Name: "Ana", LastStatus: base})
	req.NoError(err)
	req.NotEmpty(p.ID)

	_, err = s.InsertParticipant(ctx, chat.Participant{Name: "Ana", LastStatus: base})
	req.ErrorIs(err, chat.ErrConflict)

	n, err := s.CountParticipants(ctx)
	req.NoError(err)
	req.Equal(1, n)

	found, err := s.FindParticipant(ctx, "Ana")
	req.NoError(err)
	req.Equal("Ana", found.Name)
	req.Equal(base.UnixMilli(), found.LastStatus.UnixMilli())

	_, err = s.FindParticipant(ctx, "ana")
	req.ErrorIs(err, chat.ErrNotFound)

	req.NoError(s.TouchParticipant(ctx, "Ana", base.Add(time.Minute)))
	found, err = s.FindParticipant(ctx, "Ana")
	req.NoError(err)
	req.Equal(base.Add(time.Minute).UnixMilli(), found.LastStatus.UnixMilli())

	req.ErrorIs(s.TouchParticipant(ctx, "Bob", base), chat.ErrNotFound)
}

func expire(t *testing.T, s chat.Store) {
	req := require.New(t)
	ctx := context.Background()

	_, err := s.InsertParticipant(ctx, chat.Participant{Name: "Ana", LastStatus: base})
	req.NoError(err)
	_, err = s.InsertParticipant(ctx, chat.Participant{Name: "Bob", LastStatus: base.Add(20 * time.Second)})
	req.NoError(err)

	cutoff := base.Add(10 * time.Second)
	req.NoError(s.ExpireParticipant(ctx, "Ana", cutoff))
	req.ErrorIs(s.ExpireParticipant(ctx, "Ana", cutoff), chat.ErrNotFound)
	req.ErrorIs(s.ExpireParticipant(ctx, "Bob", cutoff), chat.ErrNotFound)

	all, err := s.ListParticipants(ctx)
	req.NoError(err)
	req.Len(all, 1)
	req.Equal("Bob", all[0].Name)

	n, err := s.CountParticipants(ctx)
	req.NoError(err)
	req.Equal(1, n)
}

func messages(t *testing.T, s chat.Store) {
	req := require.New(t)
	ctx := context.Background()

	all, err := s.ListMessages(ctx)
	req.NoError(err)
	req.Empty(all)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		m, err := s.InsertMessage(ctx, chat.Message{From: "Ana", To: chat.Everyone, Text: text, Type: chat.TypeMessage, Time: "10:00:00"})
		req.NoError(err)
		req.NotEmpty(m.ID)
		ids = append(ids, m.ID)
	}

	all, err = s.ListMessages(ctx)
	req.NoError(err)
	req.Len(all, 3)
	for i, m := range all {
		req.Equal(ids[i], m.ID)
	}

	req.NoError(s.UpdateMessage(ctx, ids[1], chat.MessageUpdate{To: "Bob", Text: "deux", Type: chat.TypePrivateMessage}))
	m, err := s.FindMessage(ctx, ids[1])
	req.NoError(err)
	req.Equal(chat.Message{ID: ids[1], From: "Ana", To: "Bob", Text: "deux", Type: chat.TypePrivateMessage, Time: "10:00:00"}, m)

	req.NoError(s.DeleteMessage(ctx, ids[0]))
	all, err = s.ListMessages(ctx)
	req.NoError(err)
	req.Len(all, 2)
	req.Equal(ids[1], all[0].ID)
	req.Equal(ids[2], all[1].ID)
}

func unknownIDs(t *testing.T, s chat.Store) {
	req := require.New(t)
	ctx := context.Background()

	for _, id := range []string{"missing", "", "65f1c0ffee0000000000abcd", "8d9c5e0e-6f64-4f1b-9a4e-2d2b0c0a1b11"} {
		_, err := s.FindMessage(ctx, id)
		req.ErrorIs(err, chat.ErrNotFound, id)
		req.ErrorIs(s.UpdateMessage(ctx, id, chat.MessageUpdate{To: "x", Text: "y", Type: chat.TypeMessage}), chat.ErrNotFound, id)
		req.ErrorIs(s.DeleteMessage(ctx, id), chat.ErrNotFound, id)
	}
}
