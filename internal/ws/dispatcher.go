package ws

import (
	"log/slog"

	"github.com/whisper/chatroom/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes client frames to handlers by type. Pings are
// answered with a pong before any registered ping handler runs.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(log *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register associates a handler with a frame type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and runs the matching handler. Malformed or
// unsupported frames get an error frame back.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("ws: dispatch parse error", "conn", conn.ID, "err", err)
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		if msgType != protocol.TypePing {
			d.log.Debug("ws: unsupported message type", "type", msgType, "conn", conn.ID)
			d.SendError(conn, "unsupported_type", "unsupported message type")
		}
		return
	}

	handler(conn, msg)
}

// SendError writes an error frame to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("ws: build frame", "type", msgType, "err", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("ws: send frame", "type", msgType, "conn", conn.ID, "err", err)
	}
}
