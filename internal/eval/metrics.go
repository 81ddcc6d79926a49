// Package eval measures retrieval quality against a set of labelled queries.
package eval

import (
	"math"
	"slices"
)

// PrecisionAtK is the share of the top k retrieved IDs that are relevant.
// Duplicate IDs count once.
func PrecisionAtK(relevant map[string]bool, retrieved []string, k int) float64 {
	if len(retrieved) == 0 || k <= 0 {
		return 0
	}
	return float64(hits(relevant, retrieved, k)) / float64(k)
}

// RecallAtK is the share of relevant IDs found in the top k retrieved.
func RecallAtK(relevant map[string]bool, retrieved []string, k int) float64 {
	if len(relevant) == 0 || k <= 0 {
		return 0
	}
	return float64(hits(relevant, retrieved, k)) / float64(len(relevant))
}

// MRR is the reciprocal rank of the first relevant retrieved ID.
func MRR(relevant map[string]bool, retrieved []string) float64 {
	for i, id := range retrieved {
		if relevant[id] {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// NDCGAtK is normalised discounted cumulative gain with graded relevance
// (gain 2^rel - 1, discount log2(i+2)).
func NDCGAtK(relevance map[string]int, retrieved []string, k int) float64 {
	if len(retrieved) == 0 || k <= 0 {
		return 0
	}
	var dcg float64
	for i, id := range retrieved[:min(k, len(retrieved))] {
		dcg += gain(relevance[id], i)
	}

	ideal := make([]int, 0, len(relevance))
	for _, rel := range relevance {
		ideal = append(ideal, rel)
	}
	slices.Sort(ideal)
	slices.Reverse(ideal)
	var idcg float64
	for i, rel := range ideal[:min(k, len(ideal))] {
		idcg += gain(rel, i)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func gain(rel, pos int) float64 {
	return (math.Pow(2, float64(rel)) - 1) / math.Log2(float64(pos+2))
}

func hits(relevant map[string]bool, retrieved []string, k int) int {
	seen := make(map[string]bool)
	for _, id := range retrieved[:min(k, len(retrieved))] {
		if relevant[id] {
			seen[id] = true
		}
	}
	return len(seen)
}
