package repo

import (
	"context"
	"sync"
	"testing"
)

func TestGetBalance_MissingAccountIsZero(t *testing.T) {
	db := newTestDB(t)
	bal, err := GetBalance(context.Background(), db, "ghost")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("balance = %d; want 0", bal)
	}
}

func TestIncrementCredits_CreatesThenAccumulates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := IncrementCredits(ctx, db, "u1", 5); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if err := IncrementCredits(ctx, db, "u1", 10); err != nil {
		t.Fatalf("second increment: %v", err)
	}

	bal, err := GetBalance(ctx, db, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 15 {
		t.Fatalf("balance = %d; want 15", bal)
	}
}

func TestIncrementCredits_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- IncrementCredits(ctx, db, "u1", 1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent increment: %v", err)
		}
	}

	bal, err := GetBalance(ctx, db, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != workers {
		t.Fatalf("balance = %d; want %d", bal, workers)
	}
}
