package suggest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"hintd/internal/safety"
	"hintd/internal/semantic"
	"hintd/internal/store"
)

func newTestEngine(t *testing.T, index Searcher) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(st, index, 500*time.Millisecond)
	t.Cleanup(func() {
		e.Close()
		st.Close()
	})
	return e, st
}

// seed appends n occurrences of command at the given age in days.
func seed(t *testing.T, st *store.Store, command, cwd string, n int, ageDays int) {
	t.Helper()
	ts := time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour).Unix()
	for i := 0; i < n; i++ {
		if _, err := st.Append(context.Background(), store.Record{
			Command: command, Cwd: cwd, Timestamp: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSuggestRanksFrequentRecentSameDirFirst(t *testing.T) {
	e, st := newTestEngine(t, nil)
	seed(t, st, "git status", "/repo", 10, 0)
	seed(t, st, "git stash", "/other", 2, 30)

	got, err := e.Suggest(context.Background(), Query{
		Partial: "git s", Cwd: "/repo", Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d suggestions, want 2: %v", len(got), got)
	}
	if got[0].Command != "git status" {
		t.Errorf("top suggestion = %q, want git status", got[0].Command)
	}
	if got[1].Command != "git stash" {
		t.Errorf("second suggestion = %q, want git stash", got[1].Command)
	}
}

func TestSuggestNoDuplicateCommands(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()

	// "go test ./..." reachable from both the exact tier (prefix) and the
	// contextual tier (follows vim in history).
	st.Append(ctx, store.Record{Command: "vim main.go", Cwd: "/p", SessionID: "s"})
	st.Append(ctx, store.Record{Command: "go test ./...", Cwd: "/p", SessionID: "s"})
	st.Append(ctx, store.Record{Command: "vim main.go", Cwd: "/p", SessionID: "s2"})
	st.Append(ctx, store.Record{Command: "go test ./...", Cwd: "/p", SessionID: "s2"})

	got, err := e.Suggest(ctx, Query{
		Partial: "go te", Cwd: "/p", History: []string{"vim main.go"}, Limit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]int)
	for _, s := range got {
		seen[s.Command]++
	}
	for cmd, n := range seen {
		if n > 1 {
			t.Errorf("command %q appears %d times", cmd, n)
		}
	}
	if seen["go test ./..."] != 1 {
		t.Errorf("expected go test ./... exactly once, got %v", got)
	}
}

func TestSuggestConfidenceBounds(t *testing.T) {
	e, st := newTestEngine(t, nil)
	seed(t, st, "make build", "/p", 5, 0)
	seed(t, st, "make test", "/p", 3, 2)
	seed(t, st, "make clean", "/q", 1, 40)

	got, err := e.Suggest(context.Background(), Query{Partial: "make", Cwd: "/p", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range got {
		if s.Confidence < 0 || s.Confidence > 1 {
			t.Errorf("confidence %f out of [0,1] for %q", s.Confidence, s.Command)
		}
	}
}

func TestSuggestMinConfidenceCut(t *testing.T) {
	e, st := newTestEngine(t, nil)
	seed(t, st, "make build", "/p", 10, 0)
	seed(t, st, "make clean", "/q", 1, 60)

	got, err := e.Suggest(context.Background(), Query{
		Partial: "make", Cwd: "/p", Limit: 10, MinConfidence: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range got {
		if s.Confidence < 0.5 {
			t.Errorf("suggestion %q below min confidence: %f", s.Command, s.Confidence)
		}
	}
	if len(got) != 1 || got[0].Command != "make build" {
		t.Errorf("expected only make build to survive the cut, got %v", got)
	}
}

func TestSuggestDeterministic(t *testing.T) {
	e, st := newTestEngine(t, nil)
	seed(t, st, "git status", "/repo", 5, 1)
	seed(t, st, "git stash", "/repo", 5, 1)
	seed(t, st, "git show", "/repo", 2, 3)

	q := Query{Partial: "git s", Cwd: "/repo", Limit: 10}
	first, err := e.Suggest(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := e.Suggest(context.Background(), q)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\nfirst: %v\nagain: %v", i, first, again)
		}
	}
}

func TestSuggestTieBreakLexicographic(t *testing.T) {
	e, st := newTestEngine(t, nil)
	// Identical stats: equal score, equal count, so ordering falls through
	// to the command string.
	ts := time.Now().Unix()
	ctx := context.Background()
	st.Append(ctx, store.Record{Command: "git show", Cwd: "/r", Timestamp: ts})
	st.Append(ctx, store.Record{Command: "git shortlog", Cwd: "/r", Timestamp: ts})

	got, err := e.Suggest(ctx, Query{Partial: "git sho", Cwd: "/r", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d suggestions, want 2", len(got))
	}
	if got[0].Command != "git shortlog" || got[1].Command != "git show" {
		t.Errorf("tie not broken lexicographically: %q, %q", got[0].Command, got[1].Command)
	}
}

func TestSuggestLimitTruncation(t *testing.T) {
	e, st := newTestEngine(t, nil)
	for i := 0; i < 10; i++ {
		seed(t, st, fmt.Sprintf("git cmd%d", i), "/r", i+1, 0)
	}
	got, err := e.Suggest(context.Background(), Query{Partial: "git", Cwd: "/r", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("got %d suggestions, want 3", len(got))
	}
}

func TestSuggestContextualTier(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	for _, sid := range []string{"a", "b", "c"} {
		st.Append(ctx, store.Record{Command: "docker build .", Cwd: "/app", SessionID: sid})
		st.Append(ctx, store.Record{Command: "docker push img", Cwd: "/app", SessionID: sid})
	}

	got, err := e.Suggest(ctx, Query{
		Cwd: "/app", History: []string{"docker build ."}, Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range got {
		if s.Command == "docker push img" {
			found = true
			if s.Source != SourceContextual {
				t.Errorf("source = %s, want contextual", s.Source)
			}
		}
	}
	if !found {
		t.Errorf("expected contextual suggestion docker push img, got %v", got)
	}
}

// errorSearcher simulates an unavailable similarity index.
type errorSearcher struct{}

func (errorSearcher) Search(context.Context, string, int) ([]semantic.Hit, error) {
	return nil, errors.New("index unavailable")
}

func TestSuggestDegradesWithoutSemanticTier(t *testing.T) {
	for name, index := range map[string]Searcher{
		"nil index":      nil,
		"erroring index": errorSearcher{},
	} {
		t.Run(name, func(t *testing.T) {
			e, st := newTestEngine(t, index)
			seed(t, st, "git status", "/repo", 3, 0)

			got, err := e.Suggest(context.Background(), Query{Partial: "git", Cwd: "/repo", Limit: 5})
			if err != nil {
				t.Fatalf("expected graceful degradation, got %v", err)
			}
			if len(got) == 0 {
				t.Error("expected exact-tier results despite missing semantic tier")
			}
		})
	}
}

// stubSearcher returns fixed hits.
type stubSearcher struct {
	hits []semantic.Hit
}

func (s stubSearcher) Search(context.Context, string, int) ([]semantic.Hit, error) {
	return s.hits, nil
}

func TestSuggestSemanticResolutionFailuresSkipped(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	id, err := st.Append(ctx, store.Record{Command: "kubectl get pods", Cwd: "/infra"})
	if err != nil {
		t.Fatal(err)
	}

	// One resolvable neighbor, one dangling id.
	e := NewEngine(st, stubSearcher{hits: []semantic.Hit{
		{ID: id, Distance: 0.1},
		{ID: id + 999, Distance: 0.2},
	}}, 500*time.Millisecond)
	t.Cleanup(e.Close)

	got, err := e.Suggest(ctx, Query{Partial: "pods running", Cwd: "/infra", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Command != "kubectl get pods" {
		t.Fatalf("expected the one resolvable neighbor, got %v", got)
	}
	if got[0].Source != SourceSemantic {
		t.Errorf("source = %s, want semantic", got[0].Source)
	}
}

func TestSuggestStoreUnavailable(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(st, nil, 500*time.Millisecond)
	t.Cleanup(e.Close)
	st.Close()

	_, err = e.Suggest(context.Background(), Query{Partial: "git", Limit: 5})
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("expected ErrRetrieval, got %v", err)
	}
}

func TestSuggestSafetyAnnotationNeverFilters(t *testing.T) {
	e, st := newTestEngine(t, nil)
	seed(t, st, "rm -rf ./build", "/p", 4, 0)

	got, err := e.Suggest(context.Background(), Query{Partial: "rm -rf", Cwd: "/p", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("risky suggestion must still be returned, got %v", got)
	}
	if got[0].Safety.Level != safety.LevelDangerous {
		t.Errorf("safety level = %s, want dangerous", got[0].Safety.Level)
	}
}

func TestSuggestEmptyInput(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	got, err := e.Suggest(context.Background(), Query{Partial: "   ", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no suggestions for blank input, got %v", got)
	}
}

func TestSuggestConcurrentRequestsDoNotInterfere(t *testing.T) {
	e, st := newTestEngine(t, nil)
	seed(t, st, "git status", "/repo", 10, 0)
	seed(t, st, "git stash", "/repo", 2, 5)
	seed(t, st, "make build", "/proj", 7, 1)
	seed(t, st, "make test", "/proj", 4, 0)

	qa := Query{Partial: "git s", Cwd: "/repo", Limit: 5}
	qb := Query{Partial: "make", Cwd: "/proj", Limit: 5}

	wantA, err := e.Suggest(context.Background(), qa)
	if err != nil {
		t.Fatal(err)
	}
	wantB, err := e.Suggest(context.Background(), qb)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.Suggest(context.Background(), qa)
			if err != nil {
				errs <- err
				return
			}
			if !reflect.DeepEqual(got, wantA) {
				errs <- fmt.Errorf("concurrent A mismatch: %v", got)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.Suggest(context.Background(), qb)
			if err != nil {
				errs <- err
				return
			}
			if !reflect.DeepEqual(got, wantB) {
				errs <- fmt.Errorf("concurrent B mismatch: %v", got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDirectoryFactor(t *testing.T) {
	tests := []struct {
		name         string
		cwd, lastCwd string
		want         float64
	}{
		{"same", "/a/b", "/a/b", 2.0},
		{"child", "/a/b/c", "/a/b", 1.5},
		{"parent", "/a/b", "/a/b/c", 1.5},
		{"sibling", "/a/b", "/a/c", 1.0},
		{"prefix but not element", "/a/bc", "/a/b", 1.0},
		{"either empty", "/a", "", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := directoryFactor(tt.cwd, tt.lastCwd); got != tt.want {
				t.Errorf("directoryFactor(%q, %q) = %v, want %v", tt.cwd, tt.lastCwd, got, tt.want)
			}
		})
	}
}

func TestTierBaseBreaksTiesOnly(t *testing.T) {
	// The spread between tier constants stays far below one day of
	// recency decay, so tier origin can only separate otherwise-equal
	// candidates.
	spread := tierBase(SourceExact) - tierBase(SourceContextual)
	if spread <= 0 {
		t.Fatal("exact tier must outrank contextual on exact ties")
	}
	if spread/tierBase(SourceContextual) > 0.05 {
		t.Errorf("tier base spread %f dominates continuous signals", spread)
	}
}
