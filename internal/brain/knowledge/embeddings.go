package knowledge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"strings"
	"time"
	"unicode"

	"google.golang.org/genai"
)

// EmbedTimeout bounds a single call to a remote embedding model
const EmbedTimeout = 30 * time.Second

// Embedder is the pluggable embedding provider used when content arrives without a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Close() error
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider  string // "gemini" or "hashing"
	Model     string
	Dimension int
}

// NewEmbedder builds the configured embedder. The gemini provider needs an API key.
func NewEmbedder(ctx context.Context, apiKey string, cfg EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "hashing":
		return NewHashingEmbedder(cfg.Dimension), nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("gemini embedder requires an API key")
		}
		return NewGeminiEmbedder(ctx, apiKey, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// GeminiEmbedder uses the Gemini API for generating embeddings
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGeminiEmbedder creates a new Gemini embedder
func NewGeminiEmbedder(ctx context.Context, apiKey string, cfg EmbeddingConfig) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 768 // text-embedding-004
	}

	log.Printf("[GeminiEmbedder] Initialized with model: %s (dimension: %d)", model, dim)
	return &GeminiEmbedder{client: client, model: model, dim: dim}, nil
}

// Embed generates an embedding vector for the given text
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	dim := int32(g.dim)
	res, err := g.client.Models.EmbedContent(timeoutCtx, g.model, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding timeout after %v", EmbedTimeout)
		}
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	values := res.Embeddings[0].Values
	// A wrong-sized vector would be rejected at ingest anyway; fail here with a clearer cause.
	if len(values) != g.dim {
		return nil, fmt.Errorf("model %s returned %d dimensions, expected %d", g.model, len(values), g.dim)
	}
	return append([]float32(nil), values...), nil
}

// Dimension returns the embedding dimension
func (g *GeminiEmbedder) Dimension() int {
	return g.dim
}

// Close releases the embedder; the genai client holds no closable resources
func (g *GeminiEmbedder) Close() error {
	return nil
}

// EmbedBatch generates embeddings for multiple texts, one request each
func (g *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := g.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// HashingEmbedder is a deterministic offline embedder using the hashing trick over
// lowercased word tokens. Identical content always yields identical vectors.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates a hashing embedder; dim defaults to 256
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

// Embed maps each token to a signed bucket and L2-normalizes the result
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		hs := fnv.New64a()
		hs.Write([]byte(tok))
		sum := hs.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// Dimension returns the embedding dimension
func (h *HashingEmbedder) Dimension() int {
	return h.dim
}

// Close is a no-op
func (h *HashingEmbedder) Close() error {
	return nil
}
