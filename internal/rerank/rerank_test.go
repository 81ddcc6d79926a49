package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// fixedEncoder returns canned scores.
type fixedEncoder struct {
	scores []float64
	err    error
}

func (f fixedEncoder) Score(context.Context, string, []string) ([]float64, error) {
	return f.scores, f.err
}

func TestRerank_PolarityExample(t *testing.T) {
	t.Parallel()
	r := New(fixedEncoder{scores: []float64{0.2, 0.8}})

	got, err := r.Rerank(context.Background(), "q", []string{"a", "b"}, []float64{0.9, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Text)
	assert.InDelta(t, 0.59, got[0].Score, 1e-9)
	assert.Equal(t, "a", got[1].Text)
	assert.InDelta(t, 0.41, got[1].Score, 1e-9)
}

func TestRerank_TruncatesToTopK(t *testing.T) {
	t.Parallel()
	r := New(fixedEncoder{scores: []float64{0.1, 0.9, 0.5}})

	got, err := r.Rerank(context.Background(), "q", []string{"x", "y", "z"}, []float64{0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"y", "z"}, []string{got[0].Text, got[1].Text})
	assert.Equal(t, 1, got[0].Index)
}

func TestRerank_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := New(fixedEncoder{}).Rerank(ctx, "q", []string{"a"}, nil, 1)
	assert.ErrorIs(t, err, rag.ErrInvalidInput)

	_, err = New(fixedEncoder{}).Rerank(ctx, "q", []string{"a"}, []float64{1}, 0)
	assert.ErrorIs(t, err, rag.ErrInvalidInput)

	boom := errors.New("model not loaded")
	_, err = New(fixedEncoder{err: boom}).Rerank(ctx, "q", []string{"a"}, []float64{1}, 1)
	assert.ErrorIs(t, err, boom)

	_, err = New(fixedEncoder{scores: []float64{1, 2}}).Rerank(ctx, "q", []string{"a"}, []float64{1}, 1)
	assert.Error(t, err)

	got, err := New(fixedEncoder{}).Rerank(ctx, "q", nil, nil, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRerankResults_KeepsCollectionAndReplacesScore(t *testing.T) {
	t.Parallel()
	in := []rag.RankedResult{
		{ID: "1", Text: "a", Collection: "api_docs_functions", Score: 0.9},
		{ID: "2", Text: "b", Collection: "reachy2_sdk", Score: 0.1},
	}
	got, err := New(fixedEncoder{scores: []float64{0.2, 0.8}}).RerankResults(context.Background(), "q", in, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "reachy2_sdk", got[0].Collection)
	assert.InDelta(t, 0.59, got[0].Score, 1e-9)
	assert.Equal(t, 0.9, in[0].Score, "input must not be modified")
}

func TestHTTPCrossEncoder_Score(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req rerankRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gripper", req.Query)
		assert.Equal(t, DefaultModel, req.Model)
		// Servers answer sorted by score, not by input order.
		_ = json.NewEncoder(w).Encode([]rerankItem{{Index: 1, Score: 0.9}, {Index: 0, Score: 0.1}})
	}))
	defer srv.Close()

	enc := NewHTTPCrossEncoder(&HTTPConfig{Endpoint: srv.URL + "/", APIKey: "tok"})
	got, err := enc.Score(context.Background(), "gripper", []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.9}, got)
}

func TestHTTPCrossEncoder_Failures(t *testing.T) {
	t.Parallel()
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
		"missing score": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode([]rerankItem{{Index: 0, Score: 1}})
		},
		"bad index": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode([]rerankItem{{Index: 0, Score: 1}, {Index: 7, Score: 1}})
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewHTTPCrossEncoder(&HTTPConfig{Endpoint: srv.URL}).Score(context.Background(), "q", []string{"a", "b"})
			assert.Error(t, err)
		})
	}
}

func TestHTTPCrossEncoder_Ping(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	assert.NoError(t, NewHTTPCrossEncoder(&HTTPConfig{Endpoint: srv.URL}).Ping(context.Background()))
}
