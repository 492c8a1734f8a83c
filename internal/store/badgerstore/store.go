// Package badgerstore keeps both chat collections in an embedded BadgerDB.
// Documents are JSON values under prefixed keys:
//
//	participant:<name>      -> participant document
//	post:<seq, 19 digits>   -> message document (zero padding keeps insertion order)
//	postid:<uuid>           -> post:<seq> key of that message
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/whisper/chatroom/internal/chat"
)

const (
	participantPrefix = "participant:"
	postPrefix        = "post:"
	postIDPrefix      = "postid:"
	postSequenceKey   = "seq:post"
)

type participantDoc struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	LastStatus int64  `json:"last_status"` // unix nanoseconds
}

type postDoc struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	Type string `json:"type"`
	Time string `json:"time"`
}

// Store implements chat.Store on BadgerDB.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// Open opens (or creates) a database at path. An empty path keeps
// everything in memory, which is what tests use.
func Open(path string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	seq, err := db.GetSequence([]byte(postSequenceKey), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badgerstore: sequence: %w", err)
	}
	return &Store{db: db, seq: seq, log: log}, nil
}

// Ping reports whether the database is still open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badgerstore: database closed")
	}
	return nil
}

// Close releases the post sequence and closes the database.
func (s *Store) Close(context.Context) error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("badgerstore: release sequence", "err", err)
	}
	return s.db.Close()
}

func participantKey(name string) []byte {
	return []byte(participantPrefix + name)
}

// InsertParticipant stores p under its name, failing with chat.ErrConflict
// when the name is taken.
func (s *Store) InsertParticipant(_ context.Context, p chat.Participant) (chat.Participant, error) {
	p.ID = uuid.NewString()
	data, err := json.Marshal(toParticipantDoc(p))
	if err != nil {
		return chat.Participant{}, fmt.Errorf("badgerstore: marshal participant: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := participantKey(p.Name)
		if _, err := txn.Get(key); err == nil {
			return chat.ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction registered the same name first.
		return chat.Participant{}, chat.ErrConflict
	}
	if err != nil {
		return chat.Participant{}, err
	}
	return p, nil
}

// FindParticipant returns the participant called name.
func (s *Store) FindParticipant(_ context.Context, name string) (chat.Participant, error) {
	var doc participantDoc
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, participantKey(name), &doc)
	})
	if err != nil {
		return chat.Participant{}, err
	}
	return doc.toParticipant(), nil
}

// ListParticipants returns all participants ordered by name.
func (s *Store) ListParticipants(context.Context) ([]chat.Participant, error) {
	participants := []chat.Participant{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(participantPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc participantDoc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			participants = append(participants, doc.toParticipant())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return participants, nil
}

// CountParticipants counts participant keys without decoding them.
func (s *Store) CountParticipants(context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(participantPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// TouchParticipant sets the participant's last status to at.
func (s *Store) TouchParticipant(_ context.Context, name string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := participantKey(name)
		var doc participantDoc
		if err := getJSON(txn, key, &doc); err != nil {
			return err
		}
		doc.LastStatus = at.UnixNano()
		return setJSON(txn, key, doc)
	})
}

// ExpireParticipant deletes the participant if its last status is still
// before cutoff.
func (s *Store) ExpireParticipant(_ context.Context, name string, cutoff time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := participantKey(name)
		var doc participantDoc
		if err := getJSON(txn, key, &doc); err != nil {
			return err
		}
		if !time.Unix(0, doc.LastStatus).Before(cutoff) {
			return chat.ErrNotFound
		}
		return txn.Delete(key)
	})
}

// InsertMessage appends m after every message stored so far.
func (s *Store) InsertMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	n, err := s.seq.Next()
	if err != nil {
		return chat.Message{}, fmt.Errorf("badgerstore: next sequence: %w", err)
	}
	m.ID = uuid.NewString()
	key := []byte(fmt.Sprintf("%s%019d", postPrefix, n))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key, toPostDoc(m)); err != nil {
			return err
		}
		return txn.Set([]byte(postIDPrefix+m.ID), key)
	})
	if err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

// FindMessage returns the message with the given id.
func (s *Store) FindMessage(_ context.Context, id string) (chat.Message, error) {
	var doc postDoc
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := postKey(txn, id)
		if err != nil {
			return err
		}
		return getJSON(txn, key, &doc)
	})
	if err != nil {
		return chat.Message{}, err
	}
	return doc.toMessage(), nil
}

// ListMessages returns every message in insertion order.
func (s *Store) ListMessages(context.Context) ([]chat.Message, error) {
	messages := []chat.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(postPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc postDoc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			messages = append(messages, doc.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// UpdateMessage overwrites to, text and type of the message with the given id.
func (s *Store) UpdateMessage(_ context.Context, id string, u chat.MessageUpdate) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, err := postKey(txn, id)
		if err != nil {
			return err
		}
		var doc postDoc
		if err := getJSON(txn, key, &doc); err != nil {
			return err
		}
		doc.To, doc.Text, doc.Type = u.To, u.Text, u.Type
		return setJSON(txn, key, doc)
	})
}

// DeleteMessage removes the message with the given id.
func (s *Store) DeleteMessage(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, err := postKey(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(postIDPrefix + id))
	})
}

func postKey(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get([]byte(postIDPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal: %w", err)
	}
	return txn.Set(key, data)
}

func toParticipantDoc(p chat.Participant) participantDoc {
	return participantDoc{ID: p.ID, Name: p.Name, LastStatus: p.LastStatus.UnixNano()}
}

func (d participantDoc) toParticipant() chat.Participant {
	return chat.Participant{ID: d.ID, Name: d.Name, LastStatus: time.Unix(0, d.LastStatus)}
}

func toPostDoc(m chat.Message) postDoc {
	return postDoc{ID: m.ID, From: m.From, To: m.To, Text: m.Text, Type: m.Type, Time: m.Time}
}

func (d postDoc) toMessage() chat.Message {
	return chat.Message{ID: d.ID, From: d.From, To: d.To, Text: d.Text, Type: d.Type, Time: d.Time}
}
