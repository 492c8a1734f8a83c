package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/chatroom/internal/metrics"
)

// Service applies the chat room rules on top of a Store. It holds no state
// of its own, so handlers, the live feed and the sweep may share one value.
type Service struct {
	store  Store
	events Publisher
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, for tests that need to control staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service. A nil publisher disables event fan-out.
func NewService(store Store, events Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		events: events,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a participant and announces it with a status message.
func (s *Service) Register(ctx context.Context, in ParticipantInput) (Participant, error) {
	if err := ValidateParticipant(in); err != nil {
		return Participant{}, err
	}

	_, err := s.store.FindParticipant(ctx, in.Name)
	switch {
	case err == nil:
		return Participant{}, fmt.Errorf("chat: register %q: %w", in.Name, ErrConflict)
	case !errors.Is(err, ErrNotFound):
		return Participant{}, fmt.Errorf("chat: register: %w", err)
	}

	now := s.now()
	p, err := s.store.InsertParticipant(ctx, Participant{Name: in.Name, LastStatus: now})
	if err != nil {
		return Participant{}, fmt.Errorf("chat: register %q: %w", in.Name, err)
	}

	notice, err := s.store.InsertMessage(ctx, Message{
		From: p.Name,
		To:   Everyone,
		Text: JoinedText,
		Type: TypeStatus,
		Time: now.Format(TimeLayout),
	})
	if err != nil {
		return Participant{}, fmt.Errorf("chat: register %q: join notice: %w", in.Name, err)
	}
	metrics.MessagesTotal.WithLabelValues(TypeStatus).Inc()
	s.countParticipants(ctx)

	s.log.Info("participant joined", "name", p.Name)
	s.publish(ctx, Event{Kind: EventParticipantJoined, Name: p.Name, Ts: now.UnixMilli()})
	s.publish(ctx, Event{Kind: EventMessageCreated, Message: &notice, Ts: now.UnixMilli()})
	return p, nil
}

// ListParticipants returns every registered participant.
func (s *Service) ListParticipants(ctx context.Context) ([]Participant, error) {
	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list participants: %w", err)
	}
	if participants == nil {
		participants = []Participant{}
	}
	return participants, nil
}

// Heartbeat refreshes the named participant's LastStatus.
func (s *Service) Heartbeat(ctx context.Context, name string) error {
	if err := ValidateIdentity(name); err != nil {
		return err
	}
	if err := s.store.TouchParticipant(ctx, name, s.now()); err != nil {
		return fmt.Errorf("chat: heartbeat %q: %w", name, err)
	}
	return nil
}

// PostMessage stores a message from a registered participant.
func (s *Service) PostMessage(ctx context.Context, from string, in MessageInput) (Message, error) {
	if err := ValidateIdentity(from); err != nil {
		return Message{}, err
	}
	if err := ValidateMessage(in); err != nil {
		return Message{}, err
	}

	if _, err := s.store.FindParticipant(ctx, from); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, fmt.Errorf("%w: unknown sender %q", ErrValidation, from)
		}
		return Message{}, fmt.Errorf("chat: post message: %w", err)
	}

	now := s.now()
	m, err := s.store.InsertMessage(ctx, Message{
		From: from,
		To:   in.To,
		Text: in.Text,
		Type: in.Type,
		Time: now.Format(TimeLayout),
	})
	if err != nil {
		return Message{}, fmt.Errorf("chat: post message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(m.Type).Inc()

	s.publish(ctx, Event{Kind: EventMessageCreated, Message: &m, Ts: now.UnixMilli()})
	return m, nil
}

// ListMessages returns the messages requester may see, keeping the last
// limit of them when limit > 0.
func (s *Service) ListMessages(ctx context.Context, requester string, limit int) ([]Message, error) {
	if err := ValidateIdentity(requester); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	return VisibleTo(messages, requester, limit), nil
}

// EditMessage overwrites to, text and type of a message owned by requester.
func (s *Service) EditMessage(ctx context.Context, requester, id string, in MessageInput) (Message, error) {
	if err := ValidateIdentity(requester); err != nil {
		return Message{}, err
	}
	if err := ValidateMessage(in); err != nil {
		return Message{}, err
	}

	m, err := s.owned(ctx, requester, id)
	if err != nil {
		return Message{}, fmt.Errorf("chat: edit message: %w", err)
	}

	update := MessageUpdate{To: in.To, Text: in.Text, Type: in.Type}
	if err := s.store.UpdateMessage(ctx, id, update); err != nil {
		return Message{}, fmt.Errorf("chat: edit message %s: %w", id, err)
	}
	m.To, m.Text, m.Type = update.To, update.Text, update.Type

	s.publish(ctx, Event{Kind: EventMessageUpdated, Message: &m, Ts: s.now().UnixMilli()})
	return m, nil
}

// DeleteMessage removes a message owned by requester.
func (s *Service) DeleteMessage(ctx context.Context, requester, id string) error {
	m, err := s.owned(ctx, requester, id)
	if err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	if err := s.store.DeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("chat: delete message %s: %w", id, err)
	}

	s.publish(ctx, Event{
		Kind: EventMessageDeleted,
		ID:   m.ID,
		From: m.From,
		To:   m.To,
		Ts:   s.now().UnixMilli(),
	})
	return nil
}

func (s *Service) owned(ctx context.Context, requester, id string) (Message, error) {
	m, err := s.store.FindMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if m.From != requester {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrForbidden)
	}
	return m, nil
}

// SweepResult summarises one ExpireIdle pass.
type SweepResult struct {
	Scanned   int
	Evicted   []string
	Remaining int
}

// ExpireIdle evicts every participant whose last heartbeat is older than
// maxIdle and posts a departure notice for each. A participant that vanished
// between the scan and the delete is skipped without a notice. Failures for
// one participant are collected and do not stop the rest of the batch.
func (s *Service) ExpireIdle(ctx context.Context, maxIdle time.Duration) (SweepResult, error) {
	now := s.now()
	cutoff := now.Add(-maxIdle)

	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("chat: sweep: %w", err)
	}

	result := SweepResult{Scanned: len(participants)}
	var errs []error
	for _, p := range participants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !p.Idle(now, maxIdle) {
			continue
		}

		if err := s.store.ExpireParticipant(ctx, p.Name, cutoff); err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, fmt.Errorf("evict %q: %w", p.Name, err))
			}
			continue
		}
		result.Evicted = append(result.Evicted, p.Name)
		metrics.Evictions.Inc()
		s.log.Info("participant left", "name", p.Name, "idle", now.Sub(p.LastStatus).Round(time.Millisecond))
		s.publish(ctx, Event{Kind: EventParticipantLeft, Name: p.Name, Ts: now.UnixMilli()})

		notice, err := s.store.InsertMessage(ctx, Message{
			From: p.Name,
			To:   Everyone,
			Text: LeftText,
			Type: TypeStatus,
			Time: now.Format(TimeLayout),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("departure notice %q: %w", p.Name, err))
			continue
		}
		metrics.MessagesTotal.WithLabelValues(TypeStatus).Inc()
		s.publish(ctx, Event{Kind: EventMessageCreated, Message: &notice, Ts: now.UnixMilli()})
	}

	result.Remaining = result.Scanned - len(result.Evicted)
	s.countParticipants(ctx)

	if len(errs) > 0 {
		return result, fmt.Errorf("chat: sweep: %w", errors.Join(errs...))
	}
	return result, nil
}

// countParticipants sets the participants gauge from the store, which every
// replica and the standalone sweeper share.
func (s *Service) countParticipants(ctx context.Context) {
	n, err := s.store.CountParticipants(ctx)
	if err != nil {
		s.log.Warn("count participants failed", "err", err)
		return
	}
	metrics.Participants.Set(float64(n))
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("event publish failed", "kind", e.Kind, "err", err)
	}
}
