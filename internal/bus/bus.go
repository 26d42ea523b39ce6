package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mia/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus connects front-end channels to the chat loop in-process.
// Inbound messages go through one buffered channel; outbound messages are
// routed synchronously to the handler registered for their channel name.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	handlers map[string]func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage)),
		logger:   logger,
	}
}

// Publish queues msg for the chat loop, waiting up to publishTimeout when
// the buffer is full.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.PublishContext(ctx, msg); err != nil {
		b.logger.Error("inbound message dropped",
			"channel", msg.Channel,
			"chat", msg.ChatID,
			"err", err,
		)
	}
}

// PublishContext queues msg, giving up when ctx ends.
func (b *InMemoryBus) PublishContext(ctx context.Context, msg domain.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errBusClosed
	}

	select {
	case b.inbound <- msg:
		return nil
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "chat", msg.ChatID)
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel",
			"channel", msg.Channel,
			"kind", msg.Kind,
		)
		return
	}

	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

type busError string

func (e busError) Error() string { return string(e) }

const errBusClosed = busError("bus: closed")
