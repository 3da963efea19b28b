// Package suggest implements the retrieval-and-ranking engine: a three-tier
// cascade (exact, semantic, contextual) run concurrently against a shared
// deadline, merged into one deterministically ranked suggestion list.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"hintd/internal/safety"
	"hintd/internal/semantic"
	"hintd/internal/store"
)

// ErrRetrieval is returned when the backing store is unreachable. Single
// tier failures never surface it; they degrade to omission.
var ErrRetrieval = errors.New("suggest: retrieval failed")

// DefaultLimit is used when a request does not specify one.
const DefaultLimit = 8

const (
	// Over-fetch factor applied inside each tier before the merge.
	tierOverFetch = 4
	// TTL for cached successor lookups. Repeated keystrokes in one
	// directory hit the cache; new transitions appear within this window.
	successorTTL = 30 * time.Second
)

// Source identifies the tier a suggestion originated from.
type Source string

const (
	SourceExact      Source = "exact"
	SourceSemantic   Source = "semantic"
	SourceContextual Source = "contextual"
)

// tierBase breaks ties among otherwise-equal candidates. The constants are
// within 2% of each other so they never dominate the recency or success
// signals.
func tierBase(s Source) float64 {
	switch s {
	case SourceExact:
		return 1.02
	case SourceSemantic:
		return 1.01
	default:
		return 1.00
	}
}

// Query is one suggestion request.
type Query struct {
	Partial       string
	Cwd           string
	History       []string
	Limit         int
	MinConfidence float64
}

// Suggestion is one ranked candidate. Confidence is the min-max normalized
// score in [0,1], not a probability.
type Suggestion struct {
	Command    string
	Confidence float64
	Source     Source
	Safety     safety.Verdict

	count int64 // raw occurrence count, tie-break only
}

// Searcher is the semantic index capability. nil means the tier is
// unavailable and contributes nothing.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]semantic.Hit, error)
}

// Engine runs the suggestion cascade. Safe for concurrent use: requests
// share only the store, the optional index, and the thread-safe successor
// cache.
type Engine struct {
	store    *store.Store
	index    Searcher
	deadline time.Duration
	now      func() time.Time

	successors *ttlcache.Cache[string, []store.Transition]
}

// NewEngine creates an engine over st. index may be nil to disable the
// semantic tier. deadline bounds the concurrent tier phase of each request.
func NewEngine(st *store.Store, index Searcher, deadline time.Duration) *Engine {
	c := ttlcache.New[string, []store.Transition](
		ttlcache.WithTTL[string, []store.Transition](successorTTL),
		ttlcache.WithDisableTouchOnHit[string, []store.Transition](),
	)
	go c.Start()
	return &Engine{
		store:      st,
		index:      index,
		deadline:   deadline,
		now:        time.Now,
		successors: c,
	}
}

// Close stops the successor cache's expiration loop.
func (e *Engine) Close() {
	e.successors.Stop()
}

type tierCandidate struct {
	command   string
	tierScore float64
}

type tierResult struct {
	source     Source
	candidates []tierCandidate
	err        error
}

// Suggest runs the three tiers concurrently against a shared deadline,
// merges candidates by exact command string, scores each unique command
// once, and returns the ranked list. Tiers still in flight at the deadline
// are abandoned: their results go to a buffered channel nobody reads.
func (e *Engine) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	if strings.TrimSpace(q.Partial) == "" && len(q.History) == 0 {
		return []Suggestion{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	if err := e.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	tctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	results := make(chan tierResult, 3)
	go func() { results <- e.exactTier(tctx, q) }()
	go func() { results <- e.semanticTier(tctx, q) }()
	go func() { results <- e.contextualTier(tctx, q) }()

	var completed []tierResult
	failures := 0
collect:
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				slog.Debug("tier failed", "source", r.source, "error", r.err)
				failures++
				continue
			}
			completed = append(completed, r)
		case <-tctx.Done():
			break collect
		}
	}
	cancel()

	if len(completed) == 0 && failures == 3 {
		return nil, fmt.Errorf("%w: all tiers failed", ErrRetrieval)
	}

	ranked, err := e.rank(ctx, q, completed)
	if err != nil {
		return nil, err
	}
	return ranked, nil
}

// rank merges tier candidates by command, computes the final score once per
// unique command from its store aggregates, normalizes to confidence, and
// applies the response contract: MinConfidence cut, Limit truncation,
// deterministic ordering, safety tagging.
func (e *Engine) rank(ctx context.Context, q Query, tiers []tierResult) ([]Suggestion, error) {
	type mergedEntry struct {
		source    Source
		bestScore float64
	}
	merged := make(map[string]*mergedEntry)
	for _, tr := range tiers {
		for _, c := range tr.candidates {
			cur, ok := merged[c.command]
			if !ok {
				merged[c.command] = &mergedEntry{source: tr.source, bestScore: c.tierScore}
				continue
			}
			// Tier-of-origin is the tier with the highest raw tier
			// score. The final score is computed once below, never
			// summed across tiers.
			if c.tierScore > cur.bestScore {
				cur.source = tr.source
				cur.bestScore = c.tierScore
			}
		}
	}
	if len(merged) == 0 {
		return []Suggestion{}, nil
	}

	now := e.now().Unix()
	type scored struct {
		Suggestion
		score float64
	}
	items := make([]scored, 0, len(merged))
	for cmd, m := range merged {
		stats, err := e.store.StatsFor(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
		}
		items = append(items, scored{
			Suggestion: Suggestion{Command: cmd, Source: m.source, count: stats.Count},
			score:      e.score(m.source, stats, q.Cwd, now),
		})
	}

	// Min-max normalization across the result set. A degenerate range
	// (single candidate, or all scores equal) normalizes to 1.
	minScore, maxScore := items[0].score, items[0].score
	for _, it := range items[1:] {
		minScore = math.Min(minScore, it.score)
		maxScore = math.Max(maxScore, it.score)
	}
	spread := maxScore - minScore

	out := make([]Suggestion, 0, len(items))
	for _, it := range items {
		confidence := 1.0
		if spread > 0 {
			confidence = (it.score - minScore) / spread
		}
		if confidence < q.MinConfidence {
			continue
		}
		s := it.Suggestion
		s.Confidence = confidence
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].Command < out[j].Command
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}

	// Annotate, never filter: surfacing risky commands is the client's
	// decision.
	for i := range out {
		out[i].Safety = safety.Analyze(out[i].Command)
	}
	return out, nil
}

// score is the multiplicative ranking function, applied once per unique
// command from the unified store aggregates.
func (e *Engine) score(src Source, stats store.Stats, cwd string, now int64) float64 {
	days := float64(now-stats.LastUsed) / 86400
	if days < 0 {
		days = 0
	}
	// Laplace-smoothed success rate stays in (0, 1] so the factor never
	// zeroes the product.
	successRate := float64(stats.SuccessCount+1) / float64(stats.Count+1)

	return tierBase(src) *
		math.Exp(-0.1*days) *
		directoryFactor(cwd, stats.LastCwd) *
		successRate * successRate *
		math.Log(float64(stats.Count)+1)
}

// directoryFactor is 2.0 for the same directory, 1.5 for a parent/child
// relationship, 1.0 otherwise.
func directoryFactor(cwd, lastCwd string) float64 {
	if cwd == "" || lastCwd == "" {
		return 1.0
	}
	cwd = filepath.Clean(cwd)
	lastCwd = filepath.Clean(lastCwd)
	if cwd == lastCwd {
		return 2.0
	}
	if strings.HasPrefix(cwd, lastCwd+string(filepath.Separator)) ||
		strings.HasPrefix(lastCwd, cwd+string(filepath.Separator)) {
		return 1.5
	}
	return 1.0
}

// exactTier looks up stored commands by prefix, scored by raw frequency
// with a recency nudge.
func (e *Engine) exactTier(ctx context.Context, q Query) tierResult {
	if strings.TrimSpace(q.Partial) == "" {
		return tierResult{source: SourceExact}
	}
	stats, err := e.store.PrefixMatch(ctx, q.Partial, q.Limit*tierOverFetch)
	if err != nil {
		return tierResult{source: SourceExact, err: err}
	}
	now := e.now().Unix()
	cands := make([]tierCandidate, 0, len(stats))
	for _, st := range stats {
		days := float64(now-st.LastUsed) / 86400
		if days < 0 {
			days = 0
		}
		cands = append(cands, tierCandidate{
			command:   st.Command,
			tierScore: float64(st.Count) + 1/(1+days),
		})
	}
	return tierResult{source: SourceExact, candidates: cands}
}

// semanticTier queries the similarity index and resolves neighbor ids back
// to records. Resolution failures are skipped silently: a neighbor may
// reference a record that no longer exists.
func (e *Engine) semanticTier(ctx context.Context, q Query) tierResult {
	if e.index == nil || strings.TrimSpace(q.Partial) == "" {
		return tierResult{source: SourceSemantic}
	}
	hits, err := e.index.Search(ctx, q.Partial, q.Limit*tierOverFetch)
	if err != nil {
		return tierResult{source: SourceSemantic, err: err}
	}
	var cands []tierCandidate
	seen := make(map[string]bool)
	for _, h := range hits {
		rec, err := e.store.ByID(ctx, h.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Debug("neighbor resolution failed", "id", h.ID, "error", err)
			}
			continue
		}
		if seen[rec.Command] {
			continue
		}
		seen[rec.Command] = true
		cands = append(cands, tierCandidate{
			command:   rec.Command,
			tierScore: 1 / (1 + h.Distance),
		})
	}
	return tierResult{source: SourceSemantic, candidates: cands}
}

// contextualTier mines the session history for what habitually follows the
// last command, conditioned on the working directory.
func (e *Engine) contextualTier(ctx context.Context, q Query) tierResult {
	prev := lastNonEmpty(q.History)
	if prev == "" {
		return tierResult{source: SourceContextual}
	}

	key := q.Cwd + "\x00" + prev
	var transitions []store.Transition
	if item := e.successors.Get(key); item != nil {
		transitions = item.Value()
	} else {
		var err error
		transitions, err = e.store.Successors(ctx, prev, q.Limit*tierOverFetch)
		if err != nil {
			return tierResult{source: SourceContextual, err: err}
		}
		e.successors.Set(key, transitions, ttlcache.DefaultTTL)
	}

	// Aggregate co-occurrence weight per successor; transitions observed
	// in the current directory count double.
	weights := make(map[string]float64)
	var order []string
	for _, tr := range transitions {
		w := float64(tr.Count)
		if tr.Cwd == q.Cwd {
			w *= 2
		}
		if _, ok := weights[tr.Next]; !ok {
			order = append(order, tr.Next)
		}
		weights[tr.Next] += w
	}

	cands := make([]tierCandidate, 0, len(order))
	for _, next := range order {
		cands = append(cands, tierCandidate{command: next, tierScore: weights[next]})
	}
	return tierResult{source: SourceContextual, candidates: cands}
}

func lastNonEmpty(history []string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(history[i]); s != "" {
			return s
		}
	}
	return ""
}
