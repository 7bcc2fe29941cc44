package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/distmap/transport"
	"github.com/rbaliyan/distmap/transport/message"
	"go.opentelemetry.io/otel/trace"
)

func testMessage(id string, source, tag int, payload string) transport.Message {
	return message.New(id, source, "world", tag, []byte(payload), trace.SpanContext{})
}

func receive(t *testing.T, sub transport.Subscription) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func TestNew(t *testing.T) {
	tr := New(WithBufferSize(8))
	if tr == nil {
		t.Fatal("expected transport, got nil")
	}
	defer tr.Close(context.Background())

	if tr.bufferSize != 8 {
		t.Errorf("expected buffer size 8, got %d", tr.bufferSize)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("register new mailbox", func(t *testing.T) {
		if err := tr.Register(ctx, "w.0"); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	})

	t.Run("register duplicate mailbox returns error", func(t *testing.T) {
		if err := tr.Register(ctx, "w.0"); err != transport.ErrMailboxAlreadyExists {
			t.Errorf("expected ErrMailboxAlreadyExists, got %v", err)
		}
	})

	t.Run("register on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.Close(ctx)
		if err := tr2.Register(ctx, "w.0"); err != transport.ErrTransportClosed {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	if err := tr.Unregister(ctx, "missing"); err != transport.ErrMailboxNotRegistered {
		t.Errorf("expected ErrMailboxNotRegistered, got %v", err)
	}

	tr.Register(ctx, "w.1")
	sub, err := tr.Subscribe(ctx, "w.1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := tr.Unregister(ctx, "w.1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("subscription not closed after unregister")
	}
}

func TestPublishBeforeSubscribe(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	// peers may publish before the owner registers
	for i := range 3 {
		if err := tr.Publish(ctx, "w.2", testMessage(fmt.Sprint(i), 1, 7, "early")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if _, err := tr.Subscribe(ctx, "w.2"); err != transport.ErrMailboxNotRegistered {
		t.Fatalf("expected ErrMailboxNotRegistered before Register, got %v", err)
	}
	if err := tr.Register(ctx, "w.2"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	sub, err := tr.Subscribe(ctx, "w.2")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := range 3 {
		msg := receive(t, sub)
		if msg.ID() != fmt.Sprint(i) {
			t.Errorf("expected message %d, got %s", i, msg.ID())
		}
	}
}

func TestSingleSubscriber(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.Register(ctx, "w.0")
	sub, err := tr.Subscribe(ctx, "w.0")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := tr.Subscribe(ctx, "w.0"); err != transport.ErrAlreadySubscribed {
		t.Errorf("expected ErrAlreadySubscribed, got %v", err)
	}

	sub.Close(ctx)
	if _, err := tr.Subscribe(ctx, "w.0"); err != nil {
		t.Errorf("resubscribe after close failed: %v", err)
	}
}

func TestResubscribeKeepsUndelivered(t *testing.T) {
	ctx := context.Background()
	tr := New(WithBufferSize(1))
	defer tr.Close(ctx)

	tr.Register(ctx, "w.0")
	sub, _ := tr.Subscribe(ctx, "w.0")
	for i := range 5 {
		tr.Publish(ctx, "w.0", testMessage(fmt.Sprint(i), 0, 1, ""))
	}
	first := receive(t, sub)
	if first.ID() != "0" {
		t.Fatalf("expected message 0, got %s", first.ID())
	}
	sub.Close(ctx)

	// whatever sat in the closed subscription buffer is gone; the rest survive in order
	sub2, err := tr.Subscribe(ctx, "w.0")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	last := -1
	deadline := time.After(time.Second)
	for last < 4 {
		select {
		case msg := <-sub2.Messages():
			var n int
			fmt.Sscan(msg.ID(), &n)
			if n <= last {
				t.Fatalf("out of order: %d after %d", n, last)
			}
			last = n
		case <-deadline:
			t.Fatalf("timeout, last message %d", last)
		}
	}
}

func TestFIFOPerPublisher(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.Register(ctx, "w.0")
	sub, _ := tr.Subscribe(ctx, "w.0")

	const publishers, perPublisher = 4, 200
	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perPublisher {
				tr.Publish(ctx, "w.0", testMessage(fmt.Sprint(i), p, 0, ""))
			}
		}()
	}

	next := make([]int, publishers)
	for range publishers * perPublisher {
		msg := receive(t, sub)
		var n int
		fmt.Sscan(msg.ID(), &n)
		if n != next[msg.Source()] {
			t.Fatalf("publisher %d: expected %d, got %d", msg.Source(), next[msg.Source()], n)
		}
		next[msg.Source()]++
	}
	wg.Wait()
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	tr := New()

	tr.Register(ctx, "w.0")
	sub, _ := tr.Subscribe(ctx, "w.0")

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := tr.Publish(ctx, "w.0", testMessage("x", 0, 0, "")); err != transport.ErrTransportClosed {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("subscription not closed")
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr := New()

	tr.Register(ctx, "w.0")
	tr.Publish(ctx, "w.0", testMessage("a", 0, 0, ""))
	tr.Publish(ctx, "w.1", testMessage("b", 0, 0, ""))

	h := tr.Health(ctx)
	if !h.IsHealthy() {
		t.Fatalf("expected healthy, got %s", h.Status)
	}
	if h.Details["mailboxes"] != 2 {
		t.Errorf("expected 2 mailboxes, got %v", h.Details["mailboxes"])
	}
	if h.Details["queued"] != 2 {
		t.Errorf("expected 2 queued, got %v", h.Details["queued"])
	}

	tr.Close(ctx)
	if tr.Health(ctx).Status != transport.HealthStatusUnhealthy {
		t.Error("expected unhealthy after close")
	}
}
