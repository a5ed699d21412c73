package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Embedder turns a prompt into a vector for semantic lookup.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const defaultHashDim = 256

// HashEmbedder is a deterministic feature-hashing embedder. Words and word
// bigrams are hashed into a fixed number of signed buckets and the result is
// L2-normalised, so prompts sharing most of their wording land close
// together. It needs no model and is the default.
type HashEmbedder struct {
	Dim int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = defaultHashDim
	}
	vec := make([]float32, dim)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	add := func(feature string, w float32) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(dim))
		if sum>>63 == 1 {
			w = -w
		}
		vec[idx] += w
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const defaultEmbedMemo = 4096

// ProviderEmbedder embeds through a backend embeddings API and memoises
// results by normalized prompt.
type ProviderEmbedder struct {
	backend providers.Embedder
	model   string
	memo    *lru.Cache[string, []float32]
}

// NewProviderEmbedder wraps backend. size <= 0 uses a 4096-entry memo.
func NewProviderEmbedder(backend providers.Embedder, model string, size int) (*ProviderEmbedder, error) {
	if backend == nil {
		return nil, errors.New("cache: embedder backend must not be nil")
	}
	if size <= 0 {
		size = defaultEmbedMemo
	}
	memo, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("cache: embed memo: %w", err)
	}
	return &ProviderEmbedder{backend: backend, model: model, memo: memo}, nil
}

func (p *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Normalize(text)
	if v, ok := p.memo.Get(key); ok {
		return v, nil
	}
	resp, err := p.backend.Embed(ctx, &providers.EmbeddingRequest{Input: []string{text}, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("cache: embed: %w", err)
	}
	if len(resp.Vectors) == 0 {
		return nil, errors.New("cache: embed: backend returned no vectors")
	}
	v := resp.Vectors[0]
	p.memo.Add(key, v)
	return v, nil
}
