package chat

import "github.com/samber/lo"

// Visible reports whether requester may read m: broadcasts and status
// notices, messages addressed to the requester, and anything the requester
// sent, including private messages to someone else.
func Visible(m Message, requester string) bool {
	return m.To == Everyone || m.To == requester || m.From == requester
}

// VisibleTo filters messages for requester and, when limit > 0, keeps only
// the last limit of them. Insertion order is preserved and the result is
// never nil.
func VisibleTo(messages []Message, requester string, limit int) []Message {
	visible := lo.Filter(messages, func(m Message, _ int) bool {
		return Visible(m, requester)
	})
	if limit > 0 && limit < len(visible) {
		visible = visible[len(visible)-limit:]
	}
	if visible == nil {
		return []Message{}
	}
	return visible
}
