package transport

import (
	"context"

	"chatsched/internal/domain"
)

// Sender delivers a text message to a conversation.
type Sender interface {
	Send(ctx context.Context, chatID, body string) error
}

// Session is the live connection to the chat network. Credential material
// belongs to the implementation.
type Session interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	ResetCredentials(ctx context.Context) error
	Chats(ctx context.Context) ([]domain.Chat, error)
}

type Client interface {
	Sender
	Session
}

// Events receives lifecycle signals raised by a Session.
type Events interface {
	OnQR(payload string)
	OnAuthenticated()
	OnReady()
	OnAuthFailure(message string)
	OnDisconnected(reason string)
}
