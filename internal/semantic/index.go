package semantic

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"hintd/internal/store"
)

const embedBatchSize = 32

// Encoder is the embedding capability the index depends on.
type Encoder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Source supplies the commands to index, keyed by record id.
type Source interface {
	RecentDistinct(ctx context.Context, limit int) ([]store.IndexedCommand, error)
}

// Hit is one approximate-nearest-neighbor result.
type Hit struct {
	ID       int64
	Distance float64
}

// Index maintains an HNSW graph over embedded command history, keyed by
// command-record id. Reads are safe for concurrent use; the refresh loop is
// the only writer and swaps batches in under one write lock, so concurrent
// searches see either the old or the new state, never a partial one.
type Index struct {
	encoder     Encoder
	source      Source
	redact      func(string) string
	maxCommands int
	ttl         time.Duration

	mu    sync.RWMutex
	graph *hnsw.Graph[int64]
	known map[int64]struct{}

	stopCh    chan struct{}
	initDone  chan struct{}
	initOnce  sync.Once
	closeOnce sync.Once
}

// NewIndex creates an index over source using encoder. redact is applied to
// every command before it is sent to the embedding endpoint; pass the
// privacy package's Redact.
func NewIndex(encoder Encoder, source Source, redact func(string) string, maxCommands int, ttl time.Duration) *Index {
	if redact == nil {
		redact = func(s string) string { return s }
	}
	return &Index{
		encoder:     encoder,
		source:      source,
		redact:      redact,
		maxCommands: maxCommands,
		ttl:         ttl,
		graph:       hnsw.NewGraph[int64](),
		known:       make(map[int64]struct{}),
		stopCh:      make(chan struct{}),
		initDone:    make(chan struct{}),
	}
}

// Refresh embeds commands not yet in the graph and adds them in one batch.
func (idx *Index) Refresh(ctx context.Context) error {
	cmds, err := idx.source.RecentDistinct(ctx, idx.maxCommands)
	if err != nil {
		return err
	}

	idx.mu.RLock()
	var toEmbed []store.IndexedCommand
	for _, c := range cmds {
		if _, ok := idx.known[c.ID]; !ok {
			toEmbed = append(toEmbed, c)
		}
	}
	idx.mu.RUnlock()

	if len(toEmbed) == 0 {
		return nil
	}

	var nodes []hnsw.Node[int64]
	for i := 0; i < len(toEmbed); i += embedBatchSize {
		end := min(i+embedBatchSize, len(toEmbed))
		batch := toEmbed[i:end]

		redacted := make([]string, len(batch))
		for j, c := range batch {
			redacted[j] = idx.redact(c.Command)
		}

		vectors, err := idx.encoder.EmbedBatch(ctx, redacted)
		if err != nil {
			slog.Error("batch embed error", "error", err)
			continue
		}
		for j, c := range batch {
			nodes = append(nodes, hnsw.MakeNode(c.ID, vectors[j]))
		}
	}

	if len(nodes) > 0 {
		idx.mu.Lock()
		idx.graph.Add(nodes...)
		for _, n := range nodes {
			idx.known[n.Key] = struct{}{}
		}
		idx.mu.Unlock()
	}
	return nil
}

// StartRefreshLoop runs Refresh immediately, then re-indexes every TTL
// interval until Close is called. It blocks; run it on its own goroutine.
func (idx *Index) StartRefreshLoop(ctx context.Context) {
	if err := idx.Refresh(ctx); err != nil {
		slog.Error("initial indexing error", "error", err)
	}
	idx.initOnce.Do(func() { close(idx.initDone) })

	ticker := time.NewTicker(idx.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			if err := idx.Refresh(ctx); err != nil {
				slog.Error("periodic re-indexing error", "error", err)
			}
		}
	}
}

// InitDone returns a channel closed after the first Refresh completes.
func (idx *Index) InitDone() <-chan struct{} {
	return idx.initDone
}

// Search embeds the query and returns the k nearest indexed record ids with
// cosine distances, nearest first.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	vec, err := idx.encoder.Embed(ctx, idx.redact(query))
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 || k <= 0 {
		return nil, nil
	}

	neighbors := idx.graph.Search(vec, k)
	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		hits = append(hits, Hit{ID: n.Key, Distance: cosineDistance(vec, n.Value)})
	}
	return hits, nil
}

// Len returns the number of indexed commands.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Close stops the refresh loop.
func (idx *Index) Close() {
	idx.closeOnce.Do(func() {
		close(idx.stopCh)
	})
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

type cacheFile struct {
	Model   string       `json:"model"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	ID        int64     `json:"id"`
	Embedding []float32 `json:"embedding"`
}

// SaveCache writes the current embeddings to disk so a restart does not
// re-embed the whole history.
func (idx *Index) SaveCache(path string) error {
	idx.mu.RLock()
	entries := make([]cacheEntry, 0, len(idx.known))
	for id := range idx.known {
		vec, ok := idx.graph.Lookup(id)
		if !ok {
			continue
		}
		entries = append(entries, cacheEntry{ID: id, Embedding: vec})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(cacheFile{Model: idx.encoder.Model(), Entries: entries})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadCache loads previously saved embeddings. A cache written by a
// different model is silently skipped.
func (idx *Index) LoadCache(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}
	if cf.Model != idx.encoder.Model() {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	nodes := make([]hnsw.Node[int64], 0, len(cf.Entries))
	for _, e := range cf.Entries {
		nodes = append(nodes, hnsw.MakeNode(e.ID, e.Embedding))
		idx.known[e.ID] = struct{}{}
	}
	if len(nodes) > 0 {
		idx.graph.Add(nodes...)
		// Cached data is immediately searchable without waiting for the
		// refresh loop's first pass.
		idx.initOnce.Do(func() { close(idx.initDone) })
	}
	return nil
}
