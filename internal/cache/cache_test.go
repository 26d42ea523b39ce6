package cache

import (
	"context"
	"testing"
	"time"
)

// --- Logic đúng ---

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory(time.Minute, 0)
	ctx := context.Background()

	if err := m.Set(ctx, "m1", []string{"Câu 1", "Câu 2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok, err := m.Get(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[0] != "Câu 1" {
		t.Fatalf("unexpected questions: %v", got)
	}
}

func TestMemory_ReturnsCopy(t *testing.T) {
	m := NewMemory(time.Minute, 0)
	ctx := context.Background()
	in := []string{"a"}
	m.Set(ctx, "m1", in)
	in[0] = "changed"

	got, _, _ := m.Get(ctx, "m1")
	got[0] = "also changed"
	again, _, _ := m.Get(ctx, "m1")
	if again[0] != "a" {
		t.Fatalf("expected cached value to be isolated, got %q", again[0])
	}
}

// --- Điều kiện rẽ nhánh ---

func TestMemory_Miss(t *testing.T) {
	m := NewMemory(time.Minute, 0)
	if _, ok, _ := m.Get(context.Background(), "none"); ok {
		t.Fatal("expected miss")
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Minute, 0)
	now := time.Now()
	m.now = func() time.Time { return now }
	m.Set(context.Background(), "m1", []string{"a"})

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, ok, _ := m.Get(context.Background(), "m1"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if m.Len() != 0 {
		t.Fatalf("expected expired entry to be removed, got %d", m.Len())
	}
}

// --- Giá trị biên ---

func TestMemory_EvictsWhenFull(t *testing.T) {
	m := NewMemory(time.Minute, 2)
	now := time.Now()
	ctx := context.Background()

	m.now = func() time.Time { return now }
	m.Set(ctx, "first", nil)
	m.now = func() time.Time { return now.Add(time.Second) }
	m.Set(ctx, "second", nil)
	m.Set(ctx, "third", nil)

	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	if _, ok, _ := m.Get(ctx, "first"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
}

func TestMemory_OverwriteDoesNotEvict(t *testing.T) {
	m := NewMemory(time.Minute, 1)
	ctx := context.Background()
	m.Set(ctx, "m1", []string{"a"})
	m.Set(ctx, "m1", []string{"b"})

	got, ok, _ := m.Get(ctx, "m1")
	if !ok || got[0] != "b" {
		t.Fatalf("expected overwritten value, got %v ok=%v", got, ok)
	}
}

func TestNewRedisClient_NoAddr(t *testing.T) {
	client, err := NewRedisClient(context.Background(), RedisConfig{})
	if client != nil || err != nil {
		t.Fatalf("expected nil client and nil error, got %v %v", client, err)
	}
}

func TestRedis_KeySpace(t *testing.T) {
	r := NewRedis(RedisOptions{})
	if got := r.key(" m1 "); got != "mia:suggested:m1" {
		t.Fatalf("unexpected key %q", got)
	}
}
