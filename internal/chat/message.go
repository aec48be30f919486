package chat

import (
	"strings"

	"github.com/opsdesk/huddle/internal/proto"
	"github.com/opsdesk/huddle/internal/storage"
)

// Message kinds stored in the messages table.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
	KindFile  = "file"
)

// ConversationID derives the stable conversation key for a pair of
// identities. Both sides compute the same key regardless of who sends.
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

func toWire(m storage.Message) proto.ChatMessagePayload {
	return proto.ChatMessagePayload{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		RecipientID:     m.RecipientID,
		Content:         m.Content,
		MsgKind:         m.Kind,
		FileName:        m.FileName,
		FileSize:        m.FileSize,
		DurationSeconds: m.DurationSeconds,
		CreatedAt:       m.CreatedAt,
	}
}

func fromWire(p proto.ChatMessagePayload) storage.Message {
	kind := p.MsgKind
	if kind == "" {
		kind = KindText
	}
	return storage.Message{
		ID:              p.ID,
		ConversationID:  p.ConversationID,
		SenderID:        p.SenderID,
		RecipientID:     p.RecipientID,
		Content:         p.Content,
		Kind:            kind,
		FileName:        p.FileName,
		FileSize:        p.FileSize,
		DurationSeconds: p.DurationSeconds,
		CreatedAt:       p.CreatedAt,
	}
}
