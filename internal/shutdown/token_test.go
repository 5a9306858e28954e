package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetIsIdempotent(t *testing.T) {
	token := New()
	if token.IsSet() {
		t.Fatal("new token should be unset")
	}
	for i := 0; i < 5; i++ {
		token.Set()
		if !token.IsSet() {
			t.Fatalf("token unset after %d calls", i+1)
		}
	}
}

func TestFirstSetterWins(t *testing.T) {
	token := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.SetWithReason(fmt.Sprintf("setter-%d", i))
		}()
	}
	wg.Wait()
	first := token.Reason()
	token.SetWithReason("late")
	if token.Reason() != first || first == "" {
		t.Fatalf("reason changed after first set: %q -> %q", first, token.Reason())
	}
}

func TestWait(t *testing.T) {
	token := New()
	start := time.Now()
	if token.Wait(30 * time.Millisecond) {
		t.Fatal("Wait returned true for unset token")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("Wait returned after %s, before its timeout", elapsed)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		token.Set()
	}()
	if !token.Wait(time.Second) {
		t.Fatal("Wait returned false after Set")
	}
	if !token.Wait(0) {
		t.Fatal("Wait(0) should report the current state")
	}
}

func TestContextCancelledBySet(t *testing.T) {
	token := New()
	ctx, cancel := token.Context(context.Background())
	defer cancel()

	token.Set()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Set")
	}
	if !errors.Is(context.Cause(ctx), ErrOperationAborted) {
		t.Fatalf("cause = %v, want ErrOperationAborted", context.Cause(ctx))
	}
}

func TestContextCancelDoesNotSetToken(t *testing.T) {
	token := New()
	_, cancel := token.Context(context.Background())
	cancel()
	if token.IsSet() {
		t.Fatal("cancelling the derived context must not set the token")
	}
}

func TestAborted(t *testing.T) {
	if !Aborted(fmt.Errorf("find device: %w", ErrOperationAborted)) {
		t.Error("wrapped ErrOperationAborted should count as aborted")
	}
	if !Aborted(context.Canceled) {
		t.Error("context.Canceled should count as aborted")
	}
	if Aborted(errors.New("boom")) || Aborted(nil) {
		t.Error("unrelated errors are not aborts")
	}
}
