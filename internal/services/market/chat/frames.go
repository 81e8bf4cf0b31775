package chat

import (
	"encoding/json"
	"time"

	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFrameBytes          = maxFramePayloadBytes + 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Frame types.
const (
	frameJoin          = "chat.join"
	frameSend          = "chat.send"
	frameHistoryBefore = "chat.history.before"
	frameJoined        = "chat.joined"
	frameMessage       = "chat.message"
	frameAck           = "chat.ack"
	frameError         = "chat.error"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type joinPayload struct {
	ChatID string `json:"chat_id"`
	Token  string `json:"token,omitempty"`
}

type joinedPayload struct {
	ChatID         string `json:"chat_id"`
	LatestSequence int64  `json:"latest_sequence"`
	ServerTime     string `json:"server_time"`
}

type sendPayload struct {
	ChatID          string `json:"chat_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Message         string `json:"message"`
	Sender          string `json:"sender"`
}

type historyBeforePayload struct {
	BeforeSequence int64 `json:"before_sequence"`
	Limit          int   `json:"limit"`
}

type messageEnvelope struct {
	Message chatMessage `json:"message"`
}

// chatMessage mirrors the REST message shape so clients decode both alike.
type chatMessage struct {
	ID              string `json:"_id"`
	ChatID          string `json:"chatId"`
	Message         string `json:"message"`
	Sender          string `json:"sender"`
	Timestamp       string `json:"timestamp"`
	Sequence        int64  `json:"sequence"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Count     int    `json:"count,omitempty"`
}

func toChatMessage(m storage.Message) chatMessage {
	return chatMessage{
		ID:              m.ID,
		ChatID:          m.ChatID,
		Message:         m.Body,
		Sender:          m.Sender,
		Timestamp:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Sequence:        m.Sequence,
		ClientMessageID: m.ClientMessageID,
	}
}
