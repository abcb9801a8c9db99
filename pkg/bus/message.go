package bus

import "time"

// InboundMessage is the normalized ingress payload from any channel.
// Immutable once published.
type InboundMessage struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	Attachments []string          `json:"attachments,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SessionKey derives the stable conversation key from channel and chat identity.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply routed back to a channel connector for delivery.
// Produced only by the agent loop or the background task manager.
type OutboundMessage struct {
	SessionKey string    `json:"session_key"`
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	Content    string    `json:"content"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
