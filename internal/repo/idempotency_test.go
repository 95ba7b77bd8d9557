package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIdempotency_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	paymentID := uuid.NewString()

	if _, err := CreateIdempotency(ctx, db, "u1", "key-1", paymentID, 201, time.Hour); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}

	got, err := GetIdempotency(ctx, db, "u1", "key-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if got.PaymentID != paymentID || got.Status != 201 {
		t.Fatalf("record mismatch: %+v", got)
	}
}

func TestIdempotency_DuplicateKeySameUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", "key-1", uuid.NewString(), 201, time.Hour); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "key-1", uuid.NewString(), 201, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same key under another user is a different record.
	if _, err := CreateIdempotency(ctx, db, "u2", "key-1", uuid.NewString(), 201, time.Hour); err != nil {
		t.Fatalf("create for other user: %v", err)
	}
}

func TestIdempotency_ExpiredNotReturned(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", "key-1", uuid.NewString(), 201, time.Millisecond); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}

	_, err := GetIdempotency(ctx, db, "u1", "key-1", time.Now().UTC().Add(time.Second))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired record, got %v", err)
	}
}

func TestIdempotency_EmptyKey(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetIdempotency(context.Background(), db, "u1", "", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty key, got %v", err)
	}
}
