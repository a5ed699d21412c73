package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

type countingBackend struct {
	calls atomic.Int64
	err   error
}

func (b *countingBackend) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	out := &providers.EmbeddingResponse{Model: req.Model}
	for range req.Input {
		out.Vectors = append(out.Vectors, []float32{1, 2, 3})
	}
	return out, nil
}

func TestProviderEmbedder_Memoises(t *testing.T) {
	backend := &countingBackend{}
	pe, err := NewProviderEmbedder(backend, "text-embedding-3-small", 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	v1, err := pe.Embed(ctx, "Hello World")
	if err != nil {
		t.Fatal(err)
	}
	v2, _ := pe.Embed(ctx, "  hello   world ")
	if backend.calls.Load() != 1 {
		t.Errorf("normalized duplicates should hit the memo, got %d calls", backend.calls.Load())
	}
	if len(v1) != 3 || len(v2) != 3 {
		t.Errorf("unexpected vectors %v %v", v1, v2)
	}
}

func TestProviderEmbedder_Errors(t *testing.T) {
	if _, err := NewProviderEmbedder(nil, "", 0); err == nil {
		t.Error("nil backend should be rejected")
	}

	backend := &countingBackend{err: errors.New("quota")}
	pe, _ := NewProviderEmbedder(backend, "m", 0)
	if _, err := pe.Embed(context.Background(), "x"); err == nil {
		t.Error("backend error should be returned")
	}
}
