package telegram

import (
	"context"
	"log/slog"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
)

// Sender delivers outbound messages to the transport adapter boundary.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// QueueSender hands outbound messages to the adapter through the outgoing
// channel. The adapter process drains it and talks to the Telegram API.
type QueueSender struct {
	logger *slog.Logger
	bus    *bus.Bus
}

// Ensure QueueSender implements the Sender interface
var _ Sender = (*QueueSender)(nil)

// NewQueueSender creates a queue-backed sender.
func NewQueueSender(b *bus.Bus) *QueueSender {
	return &QueueSender{
		logger: slog.Default().With("module", "telegram.sender"),
		bus:    b,
	}
}

// Send enqueues one outbound message.
func (s *QueueSender) Send(ctx context.Context, chatID int64, text string) error {
	s.logger.Info("sending message", "chat_id", chatID, "chars", len(text))
	return s.bus.Publish(ctx, bus.ChannelOutgoing, domain.OutgoingMessage{
		ChatID: chatID,
		Text:   text,
	})
}
