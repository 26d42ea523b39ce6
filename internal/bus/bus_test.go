package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"mia/internal/domain"
)

// --- Logic đúng ---

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "cli", ChatID: "local", Content: "xin chào"})

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "xin chào" {
			t.Fatalf("expected 'xin chào', got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBus_RoutesOutboundByChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var cli, tg []domain.OutboundKind
	b.OnOutbound("cli", func(m domain.OutboundMessage) { cli = append(cli, m.Kind) })
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { tg = append(tg, m.Kind) })

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Kind: domain.OutboundFinal})
	b.SendOutbound(domain.OutboundMessage{Channel: "cli", Kind: domain.OutboundChunk})

	if len(cli) != 1 || cli[0] != domain.OutboundChunk {
		t.Fatalf("unexpected cli deliveries: %v", cli)
	}
	if len(tg) != 1 || tg[0] != domain.OutboundFinal {
		t.Fatalf("unexpected telegram deliveries: %v", tg)
	}
}

// --- Điều kiện rẽ nhánh ---

func TestInMemoryBus_UnknownChannelDropped(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	// must not panic
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere"})
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()

	err := b.PublishContext(context.Background(), domain.InboundMessage{Channel: "cli"})
	if err == nil {
		t.Fatal("expected error publishing to closed bus")
	}
	if _, open := <-b.Subscribe(); open {
		t.Fatal("expected inbound channel to be closed")
	}
}

// --- Giá trị biên ---

func TestInMemoryBus_FullBufferHonoursContext(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	if err := b.PublishContext(context.Background(), domain.InboundMessage{Content: "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.PublishContext(ctx, domain.InboundMessage{Content: "2"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInMemoryBus_CloseTwice(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()
}
