// ABOUTME: Transcript message type with client-side delivery state tracking.
// ABOUTME: Decodes both sender encodings the backend uses (populated object vs bare id).

package wire

import (
	"time"

	"github.com/goccy/go-json"
)

// DeliveryState records how a transcript entry reached the local transcript.
type DeliveryState int

const (
	// DeliveryPending: sent over the channel, no confirmation yet.
	DeliveryPending DeliveryState = iota
	// DeliveryConfirmed: delivered by the channel (receive-message or
	// message-sent) or loaded from the transcript history.
	DeliveryConfirmed
	// DeliveryFallback: delivered via the REST create-message endpoint
	// while the channel was unavailable; no confirmation will arrive.
	DeliveryFallback
	// DeliveryFailed: both delivery paths failed.
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryFallback:
		return "fallback"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one conversation transcript entry. Identity is the ID field:
// two messages with the same ID in the same conversation collapse to one.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	CreatedAt      time.Time

	// Delivery is client-side bookkeeping and never crosses the wire.
	Delivery DeliveryState
}

// senderRef is the backend's sender field. History endpoints populate the
// sender ({_id, name}); channel events sometimes carry just the id string.
type senderRef struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

type messageJSON struct {
	ID             string          `json:"_id"`
	ConversationID string          `json:"conversationId"`
	Sender         json.RawMessage `json:"senderId"`
	SenderName     string          `json:"senderName"`
	Body           string          `json:"message"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MarshalJSON encodes the message in the backend's field layout, with the
// sender as a bare id string. Round-trips through UnmarshalJSON.
func (m Message) MarshalJSON() ([]byte, error) {
	raw := messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
	if m.SenderID != "" {
		id, err := json.Marshal(m.SenderID)
		if err != nil {
			return nil, err
		}
		raw.Sender = id
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes a backend message, flattening the sender reference.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.ConversationID = raw.ConversationID
	m.SenderName = raw.SenderName
	m.Body = raw.Body
	m.CreatedAt = raw.CreatedAt
	m.Delivery = DeliveryConfirmed

	if len(raw.Sender) == 0 || string(raw.Sender) == "null" {
		return nil
	}

	// Populated sender object first, bare id string otherwise.
	var ref senderRef
	if err := json.Unmarshal(raw.Sender, &ref); err == nil {
		m.SenderID = ref.ID
		if ref.Name != "" {
			m.SenderName = ref.Name
		}
		return nil
	}

	var id string
	if err := json.Unmarshal(raw.Sender, &id); err != nil {
		return err
	}
	m.SenderID = id
	return nil
}
