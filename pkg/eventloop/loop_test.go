package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New(16, nil)
	defer l.Close(time.Second)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", got)
		}
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 tasks, got %d", len(got))
	}
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	l := New(16, nil)
	defer l.Close(time.Second)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestAfterFuncCancel(t *testing.T) {
	l := New(16, nil)
	defer l.Close(time.Second)

	var fired atomic.Bool
	cancel := l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	if !cancel() {
		t.Fatalf("expected cancel to stop pending timer")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("canceled timer fired")
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := New(16, nil)
	defer l.Close(time.Second)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatalf("loop stopped after panic")
	}
}

func TestCloseRejectsWorkAndCancelsBackground(t *testing.T) {
	l := New(16, nil)
	stopped := make(chan struct{})
	l.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})
	l.Close(time.Second)

	select {
	case <-stopped:
	default:
		t.Fatalf("background task not canceled by close")
	}
	if l.Post(func() {}) {
		t.Fatalf("post after close should fail")
	}
	if err := l.Do(context.Background(), func() {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
