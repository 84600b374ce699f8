package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/chordlog/internal/types"
)

func keyEvent(kind types.EventKind, k types.Key, ms int) types.RawEvent {
	return types.RawEvent{Kind: kind, Key: k, Time: time.Unix(0, 0).Add(time.Duration(ms) * time.Millisecond)}
}

func TestQueueFIFO(t *testing.T) {
	queue := NewQueue(10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := queue.Send(ctx, keyEvent(types.KindKeyPress, "KeyA", i)); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 5; i++ {
		ev, err := queue.Receive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := time.Unix(0, 0).Add(time.Duration(i) * time.Millisecond); !ev.Time.Equal(want) {
			t.Errorf("expected event %d at %v, got %v", i, want, ev.Time)
		}
	}
}

func TestQueueCloseDeliversBuffered(t *testing.T) {
	queue := NewQueue(4)
	ctx := context.Background()

	if err := queue.Send(ctx, keyEvent(types.KindKeyPress, "KeyA", 0)); err != nil {
		t.Fatal(err)
	}
	queue.Close()
	queue.Close()

	if _, err := queue.Receive(ctx); err != nil {
		t.Fatalf("expected buffered event after close, got %v", err)
	}
	if _, err := queue.Receive(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if err := queue.Send(ctx, keyEvent(types.KindKeyPress, "KeyB", 1)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on send after close, got %v", err)
	}
}

func TestQueueCloseReleasesBlockedSender(t *testing.T) {
	queue := NewQueue(0)
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Send(context.Background(), keyEvent(types.KindKeyPress, "KeyA", 0))
	}()

	time.Sleep(50 * time.Millisecond)
	queue.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked sender")
	}
}

func TestQueueReceiveHonoursContext(t *testing.T) {
	queue := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := queue.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	queue := NewQueue(8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := queue.Send(ctx, keyEvent(types.KindKeyPress, "KeyA", p*100+i)); err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		queue.Close()
	}()

	count := 0
	for {
		_, err := queue.Receive(ctx)
		if errors.Is(err, ErrQueueClosed) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if count != 100 {
		t.Errorf("expected 100 events, got %d", count)
	}
}
