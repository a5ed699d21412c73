package stream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// feed returns a closed channel pre-loaded with deltas.
func feed(deltas ...string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, len(deltas))
	for _, d := range deltas {
		ch <- providers.StreamChunk{Content: d}
	}
	close(ch)
	return ch
}

func split(s string, n int) []string {
	var out []string
	for i := 0; i < len(s); i += n {
		out = append(out, s[i:min(i+n, len(s))])
	}
	return out
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestOptimize_ProgressMonotonicAndComplete(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 10)
	o := New(Config{Delay: -1})

	for _, expected := range []int{0, len(text)} {
		chunks := collect(t, o.Optimize(context.Background(), feed(split(text, 3)...), Options{ExpectedBytes: expected}))
		if len(chunks) < 2 {
			t.Fatalf("expected several chunks, got %d", len(chunks))
		}

		var sb strings.Builder
		prev := 0.0
		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("chunk %d has index %d", i, c.Index)
			}
			if c.Progress < prev {
				t.Errorf("progress went backwards: %v after %v", c.Progress, prev)
			}
			if i < len(chunks)-1 && (c.Done || c.Progress >= 1) {
				t.Errorf("chunk %d finished early: %+v", i, c)
			}
			prev = c.Progress
			sb.WriteString(c.Text)
		}
		last := chunks[len(chunks)-1]
		if !last.Done || last.Progress != 1 || last.Err != nil {
			t.Errorf("unexpected final chunk %+v", last)
		}
		if sb.String() != text {
			t.Errorf("text was altered in transit")
		}
	}
}

func TestOptimize_EmptyStream(t *testing.T) {
	o := New(Config{Delay: -1})
	chunks := collect(t, o.Optimize(context.Background(), feed(), Options{}))
	if len(chunks) != 1 || !chunks[0].Done || chunks[0].Text != "" {
		t.Fatalf("expected a single empty done chunk, got %+v", chunks)
	}
}

func TestOptimize_UpstreamErrorTerminates(t *testing.T) {
	src := make(chan providers.StreamChunk, 2)
	src <- providers.StreamChunk{Content: "partial text"}
	src <- providers.ErrorChunk(errTest("connection reset"))
	close(src)

	o := New(Config{Delay: -1})
	chunks := collect(t, o.Optimize(context.Background(), src, Options{}))
	if len(chunks) != 2 {
		t.Fatalf("expected buffered text then the error, got %+v", chunks)
	}
	if chunks[0].Text != "partial text" || chunks[0].Done {
		t.Errorf("buffered text should be flushed first, got %+v", chunks[0])
	}
	last := chunks[1]
	if !last.Done || last.Err == nil || last.Err.Error() != "connection reset" {
		t.Errorf("expected terminal error chunk, got %+v", last)
	}
	if last.Progress >= 1 {
		t.Error("a failed stream should not report completion")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestOptimize_CancelClosesOutput(t *testing.T) {
	src := make(chan providers.StreamChunk) // never written
	ctx, cancel := context.WithCancel(context.Background())
	out := New(Config{Delay: -1}).Optimize(ctx, src, Options{})
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Error("no chunk expected after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("output not closed after cancellation")
	}
}

func TestOptimize_Paces(t *testing.T) {
	o := New(Config{Delay: 20 * time.Millisecond})
	start := time.Now()
	chunks := collect(t, o.Optimize(context.Background(), feed("one. ", "two. ", "three. ", "four. "), Options{MinChunk: 4}))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("four paced chunks finished in %v", elapsed)
	}
	if len(chunks) != 5 {
		t.Errorf("expected 4 text chunks and a done marker, got %d", len(chunks))
	}
}

func TestClassifyBandwidth(t *testing.T) {
	tests := []struct {
		kbps float64
		want Band
	}{
		{0, BandMedium},
		{-5, BandMedium},
		{64, BandLow},
		{255, BandLow},
		{256, BandMedium},
		{1500, BandMedium},
		{2048, BandHigh},
		{100000, BandHigh},
	}
	for _, tt := range tests {
		if got := ClassifyBandwidth(tt.kbps); got != tt.want {
			t.Errorf("ClassifyBandwidth(%v) = %s, want %s", tt.kbps, got, tt.want)
		}
	}
}

func TestResolve_AppliesBand(t *testing.T) {
	o := New(Config{ChunkSize: 32, Delay: 40 * time.Millisecond})

	low := o.resolve(Options{BandwidthKbps: 100})
	if low.minChunk != 64 || low.maxChunk != 256 || low.delay != 80*time.Millisecond {
		t.Errorf("low band: %+v", low)
	}
	high := o.resolve(Options{BandwidthKbps: 10000})
	if high.minChunk != 16 || high.maxChunk != 64 || high.delay != 20*time.Millisecond {
		t.Errorf("high band: %+v", high)
	}
	mid := o.resolve(Options{MinChunk: 10})
	if mid.minChunk != 10 || mid.maxChunk != 40 || mid.band != BandMedium {
		t.Errorf("override: %+v", mid)
	}
}

func TestMultiplex_CompletesAfterAllStreams(t *testing.T) {
	slow := make(chan providers.StreamChunk)
	srcs := map[string]<-chan providers.StreamChunk{
		"a": feed("hello"),
		"b": slow,
	}

	o := New(Config{Delay: -1})
	out, done := o.Multiplex(context.Background(), srcs, Options{})

	first := <-out
	if first.Stream != "a" || !first.Done || first.Overall != 0.5 {
		t.Fatalf("expected stream a to finish at half overall progress, got %+v", first)
	}
	select {
	case <-done:
		t.Fatal("completion fired while stream b was still open")
	case <-time.After(20 * time.Millisecond):
	}

	slow <- providers.StreamChunk{Content: "world"}
	close(slow)

	var rest []MuxChunk
	for c := range out {
		rest = append(rest, c)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion did not fire")
	}

	if len(rest) != 1 || rest[0].Stream != "b" || rest[0].Text != "world" || rest[0].Overall != 1 {
		t.Errorf("unexpected remaining chunks %+v", rest)
	}
}

func TestMultiplex_Empty(t *testing.T) {
	out, done := New(Config{}).Multiplex(context.Background(), nil, Options{})
	if _, ok := <-out; ok {
		t.Error("expected closed output")
	}
	<-done
}
