package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/reachyrag-go/internal/generator"
	"github.com/54b3r/reachyrag-go/internal/querytype"
	"github.com/54b3r/reachyrag-go/internal/rag"
	"github.com/54b3r/reachyrag-go/internal/rerank"
	"github.com/54b3r/reachyrag-go/internal/retrieval"
)

type mapRetriever map[string]*retrieval.Result

func (m mapRetriever) Retrieve(_ context.Context, query string, _ int) (*retrieval.Result, error) {
	r, ok := m[query]
	if !ok {
		return nil, errors.New("no results for " + query)
	}
	return r, nil
}

type reverseReranker struct{ err error }

func (r reverseReranker) RerankResults(_ context.Context, _ string, in []rag.RankedResult, topK int) ([]rag.RankedResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]rag.RankedResult, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		out = append(out, in[i])
	}
	return out[:min(topK, len(out))], nil
}

type fixedDecomposer struct {
	subs []string
	err  error
}

func (d fixedDecomposer) Decompose(context.Context, string) ([]string, error) { return d.subs, d.err }

type echoGenerator struct{ req generator.Request }

func (g *echoGenerator) Generate(_ context.Context, req generator.Request, w io.Writer) (*generator.Answer, error) {
	g.req = req
	text := "answer for " + req.Query
	_, _ = io.WriteString(w, text)
	return &generator.Answer{Text: text}, nil
}

func rr(coll, id string, score float64) rag.RankedResult {
	return rag.RankedResult{Collection: coll, ID: id, Text: "text " + id, Score: score}
}

var baseResults = mapRetriever{
	"open the gripper": {
		Label:   "code",
		Queried: 6,
		Results: []rag.RankedResult{rr("api_docs_functions", "open", 0.1), rr("api_docs_classes", "Gripper", 0.3)},
	},
}

func TestProcess_RetrievesAndGenerates(t *testing.T) {
	t.Parallel()
	gen := &echoGenerator{}
	p, err := New(&Config{Retriever: baseResults, Generator: gen})
	require.NoError(t, err)

	var out strings.Builder
	o, err := p.Process(context.Background(), "open the gripper", "s", &out)
	require.NoError(t, err)

	assert.Equal(t, "answer for open the gripper", out.String())
	assert.Equal(t, "code", gen.req.QueryType)
	assert.Equal(t, "s", gen.req.SessionID)
	assert.Equal(t, []string{"[api_docs_functions] text open", "[api_docs_classes] text Gripper"}, gen.req.Context)
	assert.False(t, o.Reranked)
	assert.False(t, o.Partial())
	assert.Empty(t, o.Warning())
	require.NotNil(t, o.Answer)
}

func TestRetrieve_RerankAndFallback(t *testing.T) {
	t.Parallel()
	p, err := New(&Config{Retriever: baseResults, Reranker: reverseReranker{}})
	require.NoError(t, err)
	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.True(t, o.Reranked)
	assert.Equal(t, "Gripper", o.Results[0].ID)

	reg := prometheus.NewRegistry()
	p, err = New(&Config{Retriever: baseResults, Reranker: reverseReranker{err: errors.New("encoder down")}, Registerer: reg})
	require.NoError(t, err)
	o, err = p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.False(t, o.Reranked)
	assert.Equal(t, "open", o.Results[0].ID)
	assert.InDelta(t, 1, testutil.ToFloat64(p.rerankFallbacks), 0)
}

func TestRetrieve_DecomposeMergesSubQueries(t *testing.T) {
	t.Parallel()
	r := mapRetriever{
		"open the gripper": baseResults["open the gripper"],
		"turn on the arm": {
			Results:  []rag.RankedResult{rr("api_docs_functions", "turn_on", 0.05), rr("api_docs_functions", "open", 0.2)},
			Failures: []retrieval.CollectionFailure{{Collection: "vision_examples", Err: errors.New("timeout"), Transient: true}},
			Queried:  6,
		},
	}
	p, err := New(&Config{Retriever: r, Decomposer: fixedDecomposer{subs: []string{"turn on the arm", "unknown sub"}}, TopK: 3})
	require.NoError(t, err)

	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.Equal(t, "code", o.Label)
	assert.Len(t, o.SubQueries, 2)

	ids := make([]string, len(o.Results))
	for i, res := range o.Results {
		ids[i] = res.ID
	}
	// "open" keeps its best score (0.1) and appears once.
	assert.Equal(t, []string{"turn_on", "open", "Gripper"}, ids)
	assert.True(t, o.Partial())
	assert.Contains(t, o.Warning(), "vision_examples")
}

func TestRetrieve_DecomposeFailureFallsBack(t *testing.T) {
	t.Parallel()
	p, err := New(&Config{Retriever: baseResults, Decomposer: fixedDecomposer{err: errors.New("llm down")}})
	require.NoError(t, err)
	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.Empty(t, o.SubQueries)
	assert.Len(t, o.Results, 2)
}

func TestPipelineErrors(t *testing.T) {
	t.Parallel()
	_, err := New(&Config{})
	assert.ErrorIs(t, err, rag.ErrConfiguration)

	p, err := New(&Config{Retriever: baseResults})
	require.NoError(t, err)

	_, err = p.Retrieve(context.Background(), " ")
	assert.ErrorIs(t, err, rag.ErrInvalidInput)

	_, err = p.Retrieve(context.Background(), "unmapped")
	assert.Error(t, err)

	_, err = p.Process(context.Background(), "open the gripper", "", io.Discard)
	assert.ErrorIs(t, err, rag.ErrConfiguration)
}

// shelfSearcher answers every collection with n hits "<collection>-<i>" at
// distance 0.1*(i+1).
type shelfSearcher struct{}

func (shelfSearcher) QueryCollection(_ context.Context, collection, _ string, n int) ([]rag.Hit, error) {
	hits := make([]rag.Hit, n)
	for i := range n {
		id := fmt.Sprintf("%s-%d", collection, i)
		hits[i] = rag.Hit{ID: id, Text: "text " + id, Distance: 0.1 * float64(i+1)}
	}
	return hits, nil
}

// favouriteEncoder scores the document ending in favourite 10, the rest 0.
type favouriteEncoder struct {
	favourite string
	seen      int
}

func (e *favouriteEncoder) Score(_ context.Context, _ string, docs []string) ([]float64, error) {
	e.seen = len(docs)
	out := make([]float64, len(docs))
	for i, d := range docs {
		if strings.HasSuffix(d, e.favourite) {
			out[i] = 10
		}
	}
	return out, nil
}

func twoShelfOrchestrator(t *testing.T) *retrieval.Orchestrator {
	t.Helper()
	table, err := querytype.NewTable([]querytype.Profile{{
		Label:   querytype.DefaultLabel,
		Weights: []querytype.Weight{{Collection: "a", Weight: 1}, {Collection: "b", Weight: 1}},
	}})
	require.NoError(t, err)
	return retrieval.New(shelfSearcher{}, table, &retrieval.Config{PerCollectionK: 5})
}

func TestRetrieve_RerankerSelectsFromWholeShortlist(t *testing.T) {
	t.Parallel()
	enc := &favouriteEncoder{favourite: "a-4"}
	p, err := New(&Config{
		Retriever:        twoShelfOrchestrator(t),
		Reranker:         rerank.New(enc),
		TopK:             5,
		RerankCandidates: 10,
	})
	require.NoError(t, err)

	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)

	// a-4 is ninth by distance, so only a shortlist wider than TopK reaches it.
	assert.Equal(t, 10, enc.seen)
	assert.True(t, o.Reranked)
	require.Len(t, o.Results, DefaultRerankTopK)
	assert.Equal(t, "a-4", o.Results[0].ID)
}

func TestRetrieve_RerankFailureKeepsTopK(t *testing.T) {
	t.Parallel()
	p, err := New(&Config{
		Retriever: twoShelfOrchestrator(t),
		Reranker:  reverseReranker{err: errors.New("encoder down")},
		TopK:      4,
	})
	require.NoError(t, err)

	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.False(t, o.Reranked)
	require.Len(t, o.Results, 4)
	assert.InDelta(t, 0.1, o.Results[0].Score, 1e-9)
}

func TestRetrieve_FailuresCountedOncePerCollection(t *testing.T) {
	t.Parallel()
	timeout := retrieval.CollectionFailure{Collection: "vision_examples", Err: errors.New("timeout"), Transient: true}
	r := mapRetriever{
		"open the gripper": {Label: "code", Queried: 6, Failures: []retrieval.CollectionFailure{timeout}},
		"find the gripper": {Queried: 6, Failures: []retrieval.CollectionFailure{timeout}},
		"close the gripper": {Queried: 6, Failures: []retrieval.CollectionFailure{timeout}},
	}
	p, err := New(&Config{Retriever: r, Decomposer: fixedDecomposer{subs: []string{"find the gripper", "close the gripper"}}})
	require.NoError(t, err)

	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.Len(t, o.Failures, 1)
	assert.Equal(t, 6, o.Queried)
	assert.Contains(t, o.Warning(), "1 of 6 collections failed (vision_examples)")
}

func TestRetrieve_QueriedIsUnionOfSearchedCollections(t *testing.T) {
	t.Parallel()
	r := mapRetriever{
		"open the gripper": {Label: "code", Queried: 2, Collections: []string{"a", "b"}},
		"look at the cup": {
			Queried:     2,
			Collections: []string{"b", "c"},
			Failures:    []retrieval.CollectionFailure{{Collection: "c", Err: errors.New("boom")}},
		},
	}
	p, err := New(&Config{Retriever: r, Decomposer: fixedDecomposer{subs: []string{"look at the cup"}}})
	require.NoError(t, err)

	o, err := p.Retrieve(context.Background(), "open the gripper")
	require.NoError(t, err)
	assert.Equal(t, 3, o.Queried)
	assert.Contains(t, o.Warning(), "1 of 3 collections failed (c)")
}
