package queue

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryQueue_EnqueueAndReceive(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "post-1"); err != nil {
		t.Fatalf("Enqueue() がエラーを返した: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	ch, err := q.Deliveries(ctx)
	if err != nil {
		t.Fatalf("Deliveries() がエラーを返した: %v", err)
	}
	d := <-ch
	if d.PostID != "post-1" {
		t.Errorf("PostID = %q, want post-1", d.PostID)
	}
	if err := d.Ack(); err != nil {
		t.Errorf("Ack() がエラーを返した: %v", err)
	}
}

func TestMemoryQueue_FullDoesNotBlock(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "post-1"); err != nil {
		t.Fatalf("Enqueue() がエラーを返した: %v", err)
	}
	if err := q.Enqueue(ctx, "post-2"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("満杯時 error = %v, want ErrQueueFull", err)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	ch, _ := q.Deliveries(ctx)

	if err := q.Close(); err != nil {
		t.Fatalf("Close() がエラーを返した: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("2回目のClose() がエラーを返した: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("Close後に受信チャネルが閉じられていない")
	}
	if err := q.Enqueue(ctx, "post-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Close後 error = %v, want ErrClosed", err)
	}
}

func TestDelivery_AckCallsFunc(t *testing.T) {
	called := false
	d := NewDelivery("post-1", func() error {
		called = true
		return nil
	})
	_ = d.Ack()
	if !called {
		t.Error("Ackでack関数が呼ばれていない")
	}
}
