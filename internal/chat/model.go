package chat

import (
	"time"

	"go-signal/internal/protocol"
)

// Message is one stored chat line. Target is the recipient for direct
// messages and the group id for group messages.
type Message struct {
	ID        string    `json:"message_id"`
	Key       string    `json:"conversation_key"`
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

func (m Message) Payload() protocol.ChatPayload {
	p := protocol.ChatPayload{
		MessageID: m.ID,
		From:      m.From,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
	if IsGroupKey(m.Key) {
		p.GroupID = m.Target
	} else {
		p.To = m.Target
	}
	return p
}

func payloads(msgs []Message) []protocol.ChatPayload {
	out := make([]protocol.ChatPayload, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload()
	}
	return out
}
