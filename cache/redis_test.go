package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"iot-anomaly-pipeline/models"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := NewRedisClient(server.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, server
}

func TestNewRedisClientUnreachable(t *testing.T) {
	if _, err := NewRedisClient("127.0.0.1:1"); err == nil {
		t.Fatal("NewRedisClient on a closed port succeeded")
	}
}

func TestLockExcludesOtherHolders(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()

	unlock, err := client.Lock(ctx, "R1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if ttl := server.TTL(lockPrefix + "R1"); ttl <= 0 || ttl > DefaultLockTTL {
		t.Errorf("lock TTL = %v, want in (0, %v]", ttl, DefaultLockTTL)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := client.RLock(waitCtx, "R1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Lock err = %v, want deadline exceeded", err)
	}

	other, err := client.Lock(ctx, "R2")
	if err != nil {
		t.Fatalf("Lock(R2): %v", err)
	}
	other()

	unlock()
	if server.Exists(lockPrefix + "R1") {
		t.Fatal("lock key still present after unlock")
	}

	again, err := client.Lock(ctx, "R1")
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	again()
}

func TestLockRenewedWhileHeld(t *testing.T) {
	client, server := newTestClient(t)
	client.SetLockTTL(300 * time.Millisecond)
	key := lockPrefix + "R1"

	unlock, err := client.Lock(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// miniredis only ages keys on FastForward, so a renewal shows up as
	// the TTL jumping back to the full 300ms.
	server.FastForward(250 * time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	if ttl := server.TTL(key); ttl != 300*time.Millisecond {
		t.Fatalf("lock TTL = %v after renewal window, want 300ms", ttl)
	}

	server.FastForward(250 * time.Millisecond)
	if !server.Exists(key) {
		t.Fatal("held lock expired past its original TTL")
	}

	unlock()
	unlock()
	if server.Exists(key) {
		t.Fatal("lock key still present after unlock")
	}
}

func TestUnlockDoesNotReleaseForeignLock(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()

	unlock, err := client.Lock(ctx, "R1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Simulate expiry and takeover by another process.
	server.Set(lockPrefix+"R1", "someone-else")
	unlock()

	if got, _ := server.Get(lockPrefix + "R1"); got != "someone-else" {
		t.Fatalf("foreign lock value = %q, want it untouched", got)
	}
}

func TestRoomStatusRoundTrip(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()

	missing, err := client.GetRoomStatus(ctx, "R1")
	if err != nil || missing != nil {
		t.Fatalf("GetRoomStatus on empty store = %v, %v", missing, err)
	}

	status := models.RoomStatus{
		Room:       "R1",
		RunID:      "run-1",
		Mode:       "run",
		Trained:    true,
		Inferred:   true,
		Readings:   201,
		Verdicts:   201,
		Anomalies:  4,
		FinishedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := client.SaveRoomStatus(ctx, status); err != nil {
		t.Fatalf("SaveRoomStatus: %v", err)
	}
	if ttl := server.TTL(statusPrefix + "R1"); ttl != statusTTL {
		t.Errorf("status TTL = %v, want %v", ttl, statusTTL)
	}

	got, err := client.GetRoomStatus(ctx, "R1")
	if err != nil {
		t.Fatalf("GetRoomStatus: %v", err)
	}
	if got == nil || !got.FinishedAt.Equal(status.FinishedAt) {
		t.Fatalf("GetRoomStatus = %+v, want %+v", got, status)
	}
	got.FinishedAt = status.FinishedAt
	if *got != status {
		t.Errorf("GetRoomStatus = %+v, want %+v", got, status)
	}
}
