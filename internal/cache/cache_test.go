package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if _, found, err := m.Get(ctx, "absent"); err != nil || found {
		t.Fatalf("Get(absent) = found %v, err %v, want miss", found, err)
	}

	if err := m.Set(ctx, "status", []byte(`{"active":true}`), time.Minute); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	value, found, err := m.Get(ctx, "status")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if !found || string(value) != `{"active":true}` {
		t.Fatalf("Get() = %q, found %v, want stored value", value, found)
	}
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "status", []byte("stale"), 30*time.Second); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}

	now = now.Add(29 * time.Second)
	if _, found, _ := m.Get(ctx, "status"); !found {
		t.Fatal("Get() before expiry reported a miss")
	}

	now = now.Add(2 * time.Second)
	if _, found, _ := m.Get(ctx, "status"); found {
		t.Fatal("Get() after expiry reported a hit")
	}
}

func TestMemoryNoExpiryWhenTTLZero(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "pinned", []byte("keep"), 0); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	now = now.Add(24 * time.Hour)
	if _, found, _ := m.Get(ctx, "pinned"); !found {
		t.Fatal("Get() reported a miss for an entry without expiry")
	}
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "status", []byte("value"), time.Minute); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if err := m.Delete(ctx, "status"); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if _, found, _ := m.Get(ctx, "status"); found {
		t.Fatal("Get() reported a hit after Delete()")
	}
	if err := m.Delete(ctx, "status"); err != nil {
		t.Fatalf("Delete() of absent key returned error: %v", err)
	}
}

func TestMemoryGetCopiesValue(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("abc"), 0); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	value, _, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	value[0] = 'z'

	again, _, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if string(again) != "abc" {
		t.Fatalf("stored value = %q after caller mutation, want abc", again)
	}
}

func TestRedisKeyNamespacing(t *testing.T) {
	t.Parallel()

	r := &Redis{namespace: "devpulse"}
	if got := r.key("status"); got != "devpulse:status" {
		t.Fatalf("key() = %q, want devpulse:status", got)
	}

	bare := &Redis{}
	if got := bare.key("status"); got != "status" {
		t.Fatalf("key() without namespace = %q, want status", got)
	}
}
