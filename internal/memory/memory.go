package memory

import (
	"context"
	"time"

	"promptrelay/internal/llm"
)

// Session is one chat conversation.
type Session struct {
	ID        string
	Provider  string
	Model     string
	CreatedAt time.Time
	Messages  int
}

// Memory is the interface for persistent chat history.
type Memory interface {
	NewSession(ctx context.Context, provider, model string) (string, error)
	SaveMessage(ctx context.Context, sessionID string, msg llm.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]llm.Message, error)
	Sessions(ctx context.Context, limit int) ([]Session, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}
