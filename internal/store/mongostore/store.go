// Package mongostore keeps the chat collections in MongoDB, one document per
// participant in `participants` and one per message in `posts`.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/whisper/chatroom/internal/chat"
)

const (
	ParticipantsCollection = "participants"
	PostsCollection        = "posts"
)

type participantDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Name       string             `bson:"name"`
	LastStatus int64              `bson:"lastStatus"` // unix milliseconds
}

type postDoc struct {
	ID   primitive.ObjectID `bson:"_id,omitempty"`
	From string             `bson:"from"`
	To   string             `bson:"to"`
	Text string             `bson:"text"`
	Type string             `bson:"type"`
	Time string             `bson:"time"`
}

// Store implements chat.Store on a MongoDB database.
type Store struct {
	client       *mongo.Client
	participants *mongo.Collection
	posts        *mongo.Collection
	log          *slog.Logger
}

// Connect dials uri, verifies the connection and makes sure participant
// names are backed by a unique index.
func Connect(ctx context.Context, uri, database string, log *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:       client,
		participants: db.Collection(ParticipantsCollection),
		posts:        db.Collection(PostsCollection),
		log:          log,
	}

	_, err = s.participants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: create name index: %w", err)
	}

	log.Info("mongostore: connected", "database", database)
	return s, nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// InsertParticipant stores p, failing with chat.ErrConflict when the name is taken.
func (s *Store) InsertParticipant(ctx context.Context, p chat.Participant) (chat.Participant, error) {
	res, err := s.participants.InsertOne(ctx, participantDoc{
		Name:       p.Name,
		LastStatus: p.LastStatus.UnixMilli(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return chat.Participant{}, chat.ErrConflict
	}
	if err != nil {
		return chat.Participant{}, fmt.Errorf("mongostore: insert participant: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		p.ID = id.Hex()
	}
	return p, nil
}

// FindParticipant returns the participant called name.
func (s *Store) FindParticipant(ctx context.Context, name string) (chat.Participant, error) {
	var doc participantDoc
	err := s.participants.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Participant{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Participant{}, fmt.Errorf("mongostore: find participant: %w", err)
	}
	return doc.toParticipant(), nil
}

// ListParticipants returns every participant.
func (s *Store) ListParticipants(ctx context.Context) ([]chat.Participant, error) {
	cursor, err := s.participants.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list participants: %w", err)
	}
	var docs []participantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode participants: %w", err)
	}

	participants := make([]chat.Participant, 0, len(docs))
	for _, doc := range docs {
		participants = append(participants, doc.toParticipant())
	}
	return participants, nil
}

func (s *Store) CountParticipants(ctx context.Context) (int, error) {
	n, err := s.participants.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("mongostore: count participants: %w", err)
	}
	return int(n), nil
}

// TouchParticipant sets the participant's last status to at.
func (s *Store) TouchParticipant(ctx context.Context, name string, at time.Time) error {
	res, err := s.participants.UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{"$set": bson.M{"lastStatus": at.UnixMilli()}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: touch participant: %w", err)
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// ExpireParticipant deletes the participant if its last status is still
// before cutoff.
func (s *Store) ExpireParticipant(ctx context.Context, name string, cutoff time.Time) error {
	res, err := s.participants.DeleteOne(ctx, bson.M{
		"name":       name,
		"lastStatus": bson.M{"$lt": cutoff.UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("mongostore: expire participant: %w", err)
	}
	if res.DeletedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// InsertMessage stores m. ObjectIDs grow monotonically, which gives posts
// their insertion order.
func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	res, err := s.posts.InsertOne(ctx, postDoc{
		From: m.From,
		To:   m.To,
		Text: m.Text,
		Type: m.Type,
		Time: m.Time,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("mongostore: insert message: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		m.ID = id.Hex()
	}
	return m, nil
}

// FindMessage returns the message with the given hex ObjectID.
func (s *Store) FindMessage(ctx context.Context, id string) (chat.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return chat.Message{}, chat.ErrNotFound
	}
	var doc postDoc
	err = s.posts.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Message{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("mongostore: find message: %w", err)
	}
	return doc.toMessage(), nil
}

// ListMessages returns every message in insertion order.
func (s *Store) ListMessages(ctx context.Context) ([]chat.Message, error) {
	cursor, err := s.posts.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list messages: %w", err)
	}
	var docs []postDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode messages: %w", err)
	}

	messages := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.toMessage())
	}
	return messages, nil
}

// UpdateMessage overwrites to, text and type of the message with the given id.
func (s *Store) UpdateMessage(ctx context.Context, id string, u chat.MessageUpdate) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return chat.ErrNotFound
	}
	res, err := s.posts.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"to": u.To, "text": u.Text, "type": u.Type}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: update message: %w", err)
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// DeleteMessage removes the message with the given id.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return chat.ErrNotFound
	}
	res, err := s.posts.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("mongostore: delete message: %w", err)
	}
	if res.DeletedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (d participantDoc) toParticipant() chat.Participant {
	return chat.Participant{
		ID:         d.ID.Hex(),
		Name:       d.Name,
		LastStatus: time.UnixMilli(d.LastStatus),
	}
}

func (d postDoc) toMessage() chat.Message {
	return chat.Message{
		ID:   d.ID.Hex(),
		From: d.From,
		To:   d.To,
		Text: d.Text,
		Type: d.Type,
		Time: d.Time,
	}
}
