package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/chatroom/internal/chat"
)

// participantJSON is the wire form of a participant.
type participantJSON struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	LastStatus int64  `json:"lastStatus"` // unix milliseconds
}

func toParticipantJSON(p chat.Participant) participantJSON {
	return participantJSON{ID: p.ID, Name: p.Name, LastStatus: p.LastStatus.UnixMilli()}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in chat.ParticipantInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	p, err := s.room.Register(ctx, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantJSON(p))
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()

	participants, err := s.room.ListParticipants(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(participants, func(p chat.Participant, _ int) participantJSON {
		return toParticipantJSON(p)
	}))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var in chat.MessageInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	m, err := s.room.PostMessage(ctx, identity(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()

	messages, err := s.room.ListMessages(ctx, identity(r), parseLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()

	if err := s.room.Heartbeat(ctx, identity(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var in chat.MessageInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	m, err := s.room.EditMessage(ctx, identity(r), r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()

	if err := s.room.DeleteMessage(ctx, identity(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleHealth reports liveness and whether the store answers a ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()

	resp := struct {
		Status string `json:"status"`
		Store  string `json:"store"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Store:  "up",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}

	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health: store ping failed", "err", err)
		resp.Status, resp.Store = "degraded", "down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// identity returns the caller's claimed name.
func identity(r *http.Request) string {
	return r.Header.Get(IdentityHeader)
}

// parseLimit reads ?limit=N. Anything but a positive integer means no limit.
func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
