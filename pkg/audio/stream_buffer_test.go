package audio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/shoutd/pkg/audio"
)

func TestStreamBuffer_DrainIfReady_BelowThreshold(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	b.Append(make([]float32, 1000))

	if got := b.DrainIfReady(1024); got != nil {
		t.Fatalf("DrainIfReady returned %d samples below threshold", len(got))
	}
	if b.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000 (buffer must be unchanged)", b.Len())
	}
}

func TestStreamBuffer_DrainIfReady_DrainsEverything(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	b.Append([]float32{1, 2})
	b.Append(make([]float32, 1200))

	got := b.DrainIfReady(1024)
	if len(got) != 1202 {
		t.Fatalf("drained %d samples, want 1202", len(got))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("append order not preserved: %v", got[:2])
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after drain, want 0", b.Len())
	}
}

func TestStreamBuffer_AppendCopies(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	chunk := []float32{1, 2, 3}
	b.Append(chunk)
	chunk[0] = 99

	if got := b.DrainIfReady(1); got[0] != 1 {
		t.Errorf("buffer aliases the caller's slice: got %v", got[0])
	}
}

func TestStreamBuffer_MaxSamplesDropsOldest(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer(audio.WithMaxSamples(4))
	if n := b.Append([]float32{1, 2, 3}); n != 0 {
		t.Errorf("dropped %d, want 0", n)
	}
	if n := b.Append([]float32{4, 5, 6}); n != 2 {
		t.Errorf("dropped %d, want 2", n)
	}

	got := b.DrainIfReady(1)
	want := []float32{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
}

func TestStreamBuffer_WaitReady_WokenByAppend(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Append(make([]float32, 2048))
	}()

	start := time.Now()
	if !b.WaitReady(context.Background(), 1024, 5*time.Second) {
		t.Fatal("WaitReady returned false although the threshold was met")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("WaitReady was not woken by Append")
	}
}

func TestStreamBuffer_WaitReady_Timeout(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	b.Append(make([]float32, 10))

	start := time.Now()
	if b.WaitReady(context.Background(), 1024, 10*time.Millisecond) {
		t.Fatal("WaitReady returned true below threshold")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("WaitReady returned before the timeout")
	}
}

func TestStreamBuffer_WaitReady_ContextDone(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if b.WaitReady(ctx, 1, time.Minute) {
		t.Fatal("WaitReady returned true on canceled context with empty buffer")
	}
}

func TestStreamBuffer_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const chunks, chunkLen = 200, 64
	b := audio.NewStreamBuffer()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range chunks {
			b.Append(make([]float32, chunkLen))
		}
	}()

	total := 0
	deadline := time.Now().Add(5 * time.Second)
	for total < chunks*chunkLen && time.Now().Before(deadline) {
		b.WaitReady(context.Background(), 1, 10*time.Millisecond)
		total += len(b.DrainIfReady(1))
	}
	wg.Wait()
	total += len(b.DrainIfReady(1))

	if total != chunks*chunkLen {
		t.Errorf("consumed %d samples, want %d", total, chunks*chunkLen)
	}
}

func TestStreamBuffer_Reset(t *testing.T) {
	t.Parallel()

	b := audio.NewStreamBuffer()
	b.Append(make([]float32, 5))
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() = %d after Reset, want 0", b.Len())
	}
}
