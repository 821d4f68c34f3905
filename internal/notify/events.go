package notify

import "chatsched/internal/domain"

const (
	// TypeStatus is only sent to a stream subscriber when it connects.
	TypeStatus          = "status"
	TypeQR              = "qr"
	TypeAuthenticated   = "authenticated"
	TypeClientReady     = "client_ready"
	TypeAuthFailure     = "auth_failure"
	TypeDisconnected    = "disconnected"
	TypeReconnecting    = "reconnecting"
	TypeReconnectFailed = "reconnect_failed"
	TypeMessageSent     = "message_sent"
	TypeMessageFailed   = "message_failed"
	TypeSessionReset    = "session_reset"
)

type QR struct {
	QR string `json:"qr"`
}

type ClientReady struct {
	Chats []domain.Chat `json:"chats"`
}

type AuthFailure struct {
	Message string `json:"message"`
}

type Disconnected struct {
	Reason               string `json:"reason"`
	ReconnectAttempts    int    `json:"reconnectAttempts"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
}

type Reconnecting struct {
	Attempt     int   `json:"attempt"`
	MaxAttempts int   `json:"maxAttempts"`
	DelayMS     int64 `json:"delay,omitempty"`
	Manual      bool  `json:"manual,omitempty"`
}

type ReconnectFailed struct {
	Message string `json:"message"`
}

type MessageSent struct {
	TaskID   int64  `json:"messageId"`
	TargetID string `json:"chatId"`
	Body     string `json:"message"`
}

type MessageFailed struct {
	TaskID   int64  `json:"messageId"`
	TargetID string `json:"chatId"`
	Reason   string `json:"reason"`
}
