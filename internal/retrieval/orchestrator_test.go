package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/querytype"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

// fakeSearcher serves canned hits per collection.
type fakeSearcher struct {
	// hits maps collection to its answer, already ordered by distance.
	hits map[string][]rag.Hit
	// errs maps collection to a permanent failure.
	errs map[string]error
	// busy maps collection to how many calls answer rag.ErrStoreBusy first.
	busy map[string]int
	// block lists collections that wait for ctx cancellation.
	block map[string]bool
	// jitter adds a random delay to every call.
	jitter bool

	mu sync.Mutex
	// calls counts queries per collection.
	calls map[string]int
	// lastN records the n passed per collection.
	lastN map[string]int
}

func (f *fakeSearcher) QueryCollection(ctx context.Context, collection, _ string, n int) ([]rag.Hit, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls, f.lastN = map[string]int{}, map[string]int{}
	}
	f.calls[collection]++
	f.lastN[collection] = n
	call := f.calls[collection]
	f.mu.Unlock()

	if f.jitter {
		time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	}
	if f.block[collection] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if call <= f.busy[collection] {
		return nil, fmt.Errorf("docstore: query %q: %w", collection, rag.ErrStoreBusy)
	}
	if err := f.errs[collection]; err != nil {
		return nil, err
	}
	h := f.hits[collection]
	if len(h) > n {
		h = h[:n]
	}
	return h, nil
}

func hits(prefix string, distances ...float64) []rag.Hit {
	out := make([]rag.Hit, len(distances))
	for i, d := range distances {
		out[i] = rag.Hit{ID: fmt.Sprintf("%s-%d", prefix, i), Text: fmt.Sprintf("%s text %d", prefix, i), Distance: d}
	}
	return out
}

func fiveCollectionTable(t *testing.T) *querytype.Table {
	t.Helper()
	w := []querytype.Weight{{Collection: "a", Weight: 1}, {Collection: "b", Weight: 0.9}, {Collection: "c", Weight: 0.8}, {Collection: "d", Weight: 0.7}, {Collection: "e", Weight: 0.6}}
	table, err := querytype.NewTable([]querytype.Profile{{Label: querytype.DefaultLabel, Weights: w}})
	require.NoError(t, err)
	return table
}

func allHits() map[string][]rag.Hit {
	return map[string][]rag.Hit{
		"a": hits("a", 0.10, 0.40, 0.70),
		"b": hits("b", 0.20, 0.30),
		"c": hits("c", 0.05, 0.90),
		"d": hits("d", 0.50),
		"e": hits("e", 0.15, 0.25, 0.35),
	}
}

func assertSorted(t *testing.T, rs []rag.RankedResult) {
	t.Helper()
	for i := 1; i < len(rs); i++ {
		assert.LessOrEqual(t, rs[i-1].Score, rs[i].Score, "results %d and %d are out of order", i-1, i)
	}
}

func TestRetrieve_GripperQueryUsesCodeProfileOnly(t *testing.T) {
	t.Parallel()
	profiles := querytype.DefaultProfiles()
	// Narrow the code profile so membership is observable.
	profiles[0].Weights = []querytype.Weight{{Collection: querytype.CollectionFunctions, Weight: 1.0}, {Collection: querytype.CollectionSDK, Weight: 0.9}}
	table, err := querytype.NewTable(profiles)
	require.NoError(t, err)

	s := &fakeSearcher{hits: map[string][]rag.Hit{
		querytype.CollectionFunctions: hits("fn", 0.3, 0.6),
		querytype.CollectionSDK:       hits("sdk", 0.2),
		querytype.CollectionClasses:   hits("cls", 0.01),
		querytype.CollectionVision:    hits("vis", 0.01),
	}}
	o := New(s, table, nil)

	res, err := o.Retrieve(context.Background(), "How do I control the gripper?", 10)
	require.NoError(t, err)
	assert.Equal(t, "code", res.Label)
	require.Len(t, res.Results, 3)
	for _, r := range res.Results {
		assert.Contains(t, []string{querytype.CollectionFunctions, querytype.CollectionSDK}, r.Collection)
	}
	assert.Zero(t, s.calls[querytype.CollectionClasses], "collections outside the profile must not be queried")
}

func TestRetrieve_MultiplyScoring(t *testing.T) {
	t.Parallel()
	table, err := querytype.NewTable([]querytype.Profile{{
		Label:   querytype.DefaultLabel,
		Weights: []querytype.Weight{{Collection: "trusted", Weight: 1.0}, {Collection: "weak", Weight: 0.5}},
	}})
	require.NoError(t, err)
	s := &fakeSearcher{hits: map[string][]rag.Hit{
		"trusted": hits("t", 0.3),
		"weak":    hits("w", 0.4),
	}}

	res, err := New(s, table, nil).Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)
	// 0.4*0.5 = 0.2 beats 0.3*1.0.
	assert.Equal(t, "weak", res.Results[0].Collection)
	assert.InDelta(t, 0.2, res.Results[0].Score, 1e-9)

	res, err = New(s, table, &Config{Scoring: ScoringDivide}).Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)
	// 0.3/1.0 = 0.3 beats 0.4/0.5 = 0.8.
	assert.Equal(t, "trusted", res.Results[0].Collection)
	assert.InDelta(t, 0.8, res.Results[1].Score, 1e-9)
}

func TestRetrieve_SortedAndTruncated(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	table := fiveCollectionTable(t)

	for iter := range 200 {
		s := &fakeSearcher{hits: map[string][]rag.Hit{}}
		for _, c := range []string{"a", "b", "c", "d", "e"} {
			n := rng.IntN(6)
			var ds []float64
			for range n {
				ds = append(ds, rng.Float64()*2)
			}
			s.hits[c] = hits(c, ds...)
		}
		topK := 1 + rng.IntN(12)

		res, err := New(s, table, &Config{PerCollectionK: 5}).Retrieve(context.Background(), "q", topK)
		require.NoError(t, err, "iteration %d", iter)
		assert.LessOrEqual(t, len(res.Results), topK)
		assertSorted(t, res.Results)
	}
}

func TestRetrieve_PerCollectionKIsIndependentOfTopK(t *testing.T) {
	t.Parallel()
	s := &fakeSearcher{hits: allHits()}
	_, err := New(s, fiveCollectionTable(t), &Config{PerCollectionK: 7}).Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, 7, s.lastN[c], "collection %s", c)
	}
}

func TestRetrieve_TwoOfFiveCollectionsFail(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	s := &fakeSearcher{
		hits: allHits(),
		errs: map[string]error{
			"b": fmt.Errorf("docstore: query %q: %w", "b", rag.ErrEmbedding),
			"d": fmt.Errorf("docstore: query %q: %w", "d", rag.ErrEmbedding),
		},
	}
	o := New(s, fiveCollectionTable(t), &Config{Registerer: reg})

	res, err := o.Retrieve(context.Background(), "anything", 5)
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assertSorted(t, res.Results)
	for _, r := range res.Results {
		assert.NotContains(t, []string{"b", "d"}, r.Collection)
	}
	assert.True(t, res.Partial)
	require.Len(t, res.Failures, 2)
	assert.False(t, res.Failures[0].Transient)
	assert.Contains(t, res.Warning(), "2 of 5 collections failed (b, d)")

	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.failures.WithLabelValues("b", "embedding")))
}

func TestRetrieve_DimensionMismatchSuggestsHeal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	s := &fakeSearcher{
		hits: allHits(),
		errs: map[string]error{"c": fmt.Errorf("docstore: query %q: %w", "c", rag.ErrDimensionMismatch)},
	}

	res, err := New(s, fiveCollectionTable(t), nil).Retrieve(ctx, "q", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, res.Collections)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, buf.String(), "collections heal")
	assert.Contains(t, buf.String(), "collection=c")
}

func TestRetrieve_AllCollectionsFailReturnsEmpty(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := &fakeSearcher{errs: map[string]error{"a": boom, "b": boom, "c": boom, "d": boom, "e": boom}}

	res, err := New(s, fiveCollectionTable(t), nil).Retrieve(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Len(t, res.Failures, 5)
}

func TestRetrieve_EmptyCollectionsYieldNoResults(t *testing.T) {
	t.Parallel()
	res, err := New(&fakeSearcher{}, fiveCollectionTable(t), nil).Retrieve(context.Background(), "", 3)
	require.NoError(t, err)
	assert.Equal(t, querytype.DefaultLabel, res.Label)
	assert.Empty(t, res.Results)
	assert.False(t, res.Partial)
	assert.Empty(t, res.Warning())
}

func TestRetrieve_TimeoutIsTransientPartialResult(t *testing.T) {
	t.Parallel()
	s := &fakeSearcher{hits: allHits(), block: map[string]bool{"c": true}}
	o := New(s, fiveCollectionTable(t), &Config{CallTimeout: 20 * time.Millisecond, Parallel: true})

	res, err := o.Retrieve(context.Background(), "q", 20)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "c", res.Failures[0].Collection)
	assert.True(t, res.Failures[0].Transient)
	assert.ErrorIs(t, res.Failures[0].Err, rag.ErrTransient)
	assert.True(t, res.Partial)
	assert.Len(t, res.Results, 9)
}

func TestRetrieve_BusyStoreIsRetried(t *testing.T) {
	t.Parallel()
	s := &fakeSearcher{hits: allHits(), busy: map[string]int{"a": 2}}
	o := New(s, fiveCollectionTable(t), &Config{BusyRetries: 2, BusyRetryDelay: time.Millisecond})

	res, err := o.Retrieve(context.Background(), "q", 20)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 3, s.calls["a"])

	s = &fakeSearcher{hits: allHits(), busy: map[string]int{"a": 5}}
	res, err = New(s, fiveCollectionTable(t), &Config{BusyRetries: 1, BusyRetryDelay: time.Millisecond}).
		Retrieve(context.Background(), "q", 20)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Transient)
	assert.Equal(t, 2, s.calls["a"])
}

func TestRetrieve_ParallelMatchesSequential(t *testing.T) {
	t.Parallel()
	table := fiveCollectionTable(t)
	// Equal effective scores across collections exercise the tie order.
	tied := map[string][]rag.Hit{
		"a": hits("a", 0.30, 0.60),
		"b": hits("b", 0.30/0.9*0.9, 0.5),
		"c": hits("c", 0.375, 0.1),
		"d": hits("d", 0.2),
		"e": hits("e", 0.5, 0.5),
	}

	want, err := New(&fakeSearcher{hits: tied}, table, nil).Retrieve(context.Background(), "q", 8)
	require.NoError(t, err)

	for range 25 {
		got, err := New(&fakeSearcher{hits: tied, jitter: true}, table, &Config{Parallel: true, MaxConcurrency: 3}).
			Retrieve(context.Background(), "q", 8)
		require.NoError(t, err)
		assert.Equal(t, want.Results, got.Results)
	}
}

func TestRetrieve_InvalidTopK(t *testing.T) {
	t.Parallel()
	_, err := New(&fakeSearcher{}, fiveCollectionTable(t), nil).Retrieve(context.Background(), "q", 0)
	assert.ErrorIs(t, err, rag.ErrInvalidInput)
}

func TestRetrieve_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeSearcher{hits: allHits()}, fiveCollectionTable(t), nil).Retrieve(ctx, "q", 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseScoring(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Scoring{"": ScoringMultiply, "multiply": ScoringMultiply, "DIVIDE": ScoringDivide} {
		got, err := ParseScoring(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScoring("add")
	assert.ErrorIs(t, err, rag.ErrConfiguration)
	assert.Equal(t, "divide", ScoringDivide.String())
}

func TestMerge_DeduplicatesKeepingBestScore(t *testing.T) {
	t.Parallel()
	first := []rag.RankedResult{{ID: "1", Collection: "a", Score: 0.5}, {ID: "2", Collection: "a", Score: 0.1}}
	second := []rag.RankedResult{{ID: "1", Collection: "a", Score: 0.2}, {ID: "1", Collection: "b", Score: 0.3}}

	got := Merge(10, first, second)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, rag.RankedResult{ID: "1", Collection: "a", Score: 0.2}, got[1])
	assert.Equal(t, "b", got[2].Collection)

	assert.Len(t, Merge(1, first, second), 1)
}
