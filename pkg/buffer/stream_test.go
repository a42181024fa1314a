package buffer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seq(from, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(from + i)
	}
	return b
}

func TestStreamSendReceive(t *testing.T) {
	sb := NewStream(8, 1)
	if n := sb.Send(seq(0, 5), 0); n != 5 {
		t.Fatalf("Send()=%d, want 5", n)
	}
	p := make([]byte, 3)
	if n := sb.Receive(p, 0); n != 3 || !bytes.Equal(p, seq(0, 3)) {
		t.Fatalf("Receive()=%d %v", n, p)
	}
	// wrap around the end of the ring
	if n := sb.Send(seq(5, 6), 0); n != 6 {
		t.Fatalf("Send()=%d, want 6", n)
	}
	p = make([]byte, 8)
	if n := sb.Receive(p, 0); n != 8 || !bytes.Equal(p, seq(3, 8)) {
		t.Fatalf("Receive()=%d %v", n, p[:n])
	}
	if sb.Len() != 0 {
		t.Errorf("len=%d", sb.Len())
	}
}

func TestStreamShortWrite(t *testing.T) {
	sb := NewStream(4, 1)
	start := time.Now()
	if n := sb.Send(seq(0, 6), 10*time.Millisecond); n != 4 {
		t.Errorf("Send()=%d, want 4", n)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Send returned before its timeout")
	}
	if n := sb.Send([]byte{9}, 0); n != 0 {
		t.Errorf("Send(full, 0)=%d, want 0", n)
	}
	if sb.Free() != 0 {
		t.Errorf("free=%d", sb.Free())
	}
}

func TestStreamSendWaitsForSpace(t *testing.T) {
	sb := NewStream(4, 1)
	sb.Send(seq(0, 4), 0)
	go func() {
		time.Sleep(5 * time.Millisecond)
		sb.Receive(make([]byte, 2), 0)
	}()
	if n := sb.Send(seq(4, 2), time.Second); n != 2 {
		t.Errorf("Send()=%d, want 2", n)
	}
}

func TestStreamTriggerLevel(t *testing.T) {
	sb := NewStream(16, 4)

	// timeout 0 returns what is there even below the trigger
	sb.Send(seq(0, 2), 0)
	p := make([]byte, 8)
	if n := sb.Receive(p, 0); n != 2 {
		t.Fatalf("Receive(0)=%d, want 2", n)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	go func() {
		defer wg.Done()
		got = sb.Receive(p, time.Second)
	}()

	sb.Send(seq(0, 2), 0)
	time.Sleep(10 * time.Millisecond)
	if sb.Len() != 2 {
		t.Fatalf("reader released below trigger level, len=%d", sb.Len())
	}
	sb.Send(seq(2, 2), 0)
	wg.Wait()
	if got != 4 {
		t.Errorf("Receive()=%d, want 4", got)
	}
}

func TestStreamReceiveTimeoutReturnsPartial(t *testing.T) {
	sb := NewStream(16, 8)
	sb.Send(seq(0, 3), 0)
	p := make([]byte, 8)
	if n := sb.Receive(p, 5*time.Millisecond); n != 3 {
		t.Errorf("Receive()=%d, want 3", n)
	}
	if n := sb.Receive(p, 5*time.Millisecond); n != 0 {
		t.Errorf("Receive(empty)=%d, want 0", n)
	}
}

func TestStreamSmallReadBelowTrigger(t *testing.T) {
	sb := NewStream(16, 8)
	sb.Send(seq(0, 2), 0)
	p := make([]byte, 2)
	// len(p) < trigger releases at len(p)
	if n := sb.Receive(p, time.Second); n != 2 {
		t.Errorf("Receive()=%d, want 2", n)
	}
}

func TestStreamReceiveContext(t *testing.T) {
	sb := NewStream(16, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sb.ReceiveContext(ctx, make([]byte, 4))
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err=%v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReceiveContext ignored cancellation")
	}

	sb.Send(seq(0, 4), 0)
	p := make([]byte, 4)
	n, err := sb.ReceiveContext(context.Background(), p)
	if err != nil || n != 4 {
		t.Errorf("ReceiveContext()=%d, %v", n, err)
	}
}

func TestStreamClose(t *testing.T) {
	sb := NewStream(8, 4)
	sb.Send(seq(0, 2), 0)
	sb.Close()

	if n := sb.Send([]byte{1}, time.Second); n != 0 {
		t.Errorf("Send after Close=%d", n)
	}
	p := make([]byte, 4)
	n, err := sb.ReceiveContext(context.Background(), p)
	if err != nil || n != 2 {
		t.Errorf("ReceiveContext() after Close=%d, %v; want buffered bytes", n, err)
	}
	if _, err := sb.ReceiveContext(context.Background(), p); !errors.Is(err, ErrClosed) {
		t.Errorf("err=%v, want ErrClosed", err)
	}
}

func TestStreamDiscardReset(t *testing.T) {
	sb := NewStream(8, 1)
	sb.Send(seq(0, 6), 0)
	if n := sb.Discard(4); n != 4 {
		t.Errorf("Discard(4)=%d", n)
	}
	p := make([]byte, 8)
	if n := sb.Receive(p, 0); n != 2 || p[0] != 4 {
		t.Errorf("after discard got %v", p[:n])
	}
	if n := sb.Discard(10); n != 0 {
		t.Errorf("Discard on empty=%d", n)
	}

	sb.Send(seq(0, 5), 0)
	sb.Reset()
	if sb.Len() != 0 || sb.Free() != 8 {
		t.Errorf("len=%d free=%d after reset", sb.Len(), sb.Free())
	}
}

func TestStreamOffsets(t *testing.T) {
	sb := NewStream(8, 1)
	sb.Send(seq(0, 6), 0)
	sb.Receive(make([]byte, 2), 0)
	if r, w := sb.Offsets(); r != 2 || w != 6 {
		t.Fatalf("Offsets()=%d,%d, want 2,6", r, w)
	}
	// wrap around: offsets keep growing past the capacity
	sb.Send(seq(6, 4), 0)
	if w := sb.Written(); w != 10 {
		t.Errorf("Written()=%d, want 10", w)
	}

	if n := sb.DiscardTo(7); n != 5 {
		t.Errorf("DiscardTo(7)=%d, want 5", n)
	}
	p := make([]byte, 8)
	if n := sb.Receive(p, 0); n != 3 || p[0] != 7 {
		t.Errorf("after DiscardTo got %v", p[:n])
	}
	if n := sb.DiscardTo(4); n != 0 {
		t.Errorf("DiscardTo behind the read offset=%d", n)
	}
	sb.Send(seq(0, 2), 0)
	if n := sb.DiscardTo(100); n != 2 {
		t.Errorf("DiscardTo past the write offset=%d, want 2", n)
	}

	sb.Reset()
	if r, w := sb.Offsets(); r != 0 || w != 0 {
		t.Errorf("Offsets() after Reset=%d,%d", r, w)
	}
}

func TestStreamSetTriggerLevelClamps(t *testing.T) {
	sb := NewStream(8, 100)
	if got := sb.TriggerLevel(); got != 8 {
		t.Errorf("trigger=%d, want 8", got)
	}
	sb.SetTriggerLevel(0)
	if got := sb.TriggerLevel(); got != 1 {
		t.Errorf("trigger=%d, want 1", got)
	}
}
