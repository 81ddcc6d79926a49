// Package querytype maps free-text questions to coarse query-type labels by
// keyword matching, and maps each label to the per-collection weight table
// the retriever applies to that collection's distances.
package querytype

import (
	"fmt"
	"strings"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// DefaultLabel is the reserved label returned when no profile matches.
const DefaultLabel = "default"

// Weight is the static importance of one collection within a profile.
type Weight struct {
	// Collection is the document-store collection name.
	Collection string
	// Weight is in (0, 1].
	Weight float64
}

// Profile is one query type: the keywords that select it and the weight
// table applied when it is selected.
type Profile struct {
	// Label is the query-type name returned by Classify.
	Label string
	// Keywords are matched as lower-case substrings of the query.
	// Ignored for the default profile.
	Keywords []string
	// Weights is ordered; retrieval fans out in this order.
	Weights []Weight
}

// Table is an immutable, validated profile set. It is safe for concurrent use.
type Table struct {
	// profiles holds the keyword profiles in priority order, default excluded.
	profiles []Profile
	// byLabel indexes every profile's weights, default included.
	byLabel map[string][]Weight
	// labels lists all labels in priority order with default last.
	labels []string
}

// NewTable validates profiles and builds a Table. Profiles are matched in
// the order given. Exactly one profile must carry DefaultLabel.
func NewTable(profiles []Profile) (*Table, error) {
	t := &Table{byLabel: make(map[string][]Weight, len(profiles))}
	hasDefault := false

	for i, p := range profiles {
		label := strings.TrimSpace(p.Label)
		if label == "" {
			return nil, fmt.Errorf("querytype: profile %d has no label: %w", i, rag.ErrConfiguration)
		}
		if _, dup := t.byLabel[label]; dup {
			return nil, fmt.Errorf("querytype: duplicate profile %q: %w", label, rag.ErrConfiguration)
		}
		if len(p.Weights) == 0 {
			return nil, fmt.Errorf("querytype: profile %q has no collection weights: %w", label, rag.ErrConfiguration)
		}

		seen := make(map[string]struct{}, len(p.Weights))
		weights := make([]Weight, 0, len(p.Weights))
		for _, w := range p.Weights {
			if w.Collection == "" {
				return nil, fmt.Errorf("querytype: profile %q has a weight with no collection: %w", label, rag.ErrConfiguration)
			}
			if !(w.Weight > 0 && w.Weight <= 1) {
				return nil, fmt.Errorf("querytype: profile %q collection %q weight %v outside (0,1]: %w",
					label, w.Collection, w.Weight, rag.ErrConfiguration)
			}
			if _, dup := seen[w.Collection]; dup {
				return nil, fmt.Errorf("querytype: profile %q lists collection %q twice: %w", label, w.Collection, rag.ErrConfiguration)
			}
			seen[w.Collection] = struct{}{}
			weights = append(weights, w)
		}
		t.byLabel[label] = weights

		if label == DefaultLabel {
			hasDefault = true
			continue
		}

		keywords := make([]string, 0, len(p.Keywords))
		for _, k := range p.Keywords {
			k = strings.ToLower(k)
			if strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("querytype: profile %q has an empty keyword: %w", label, rag.ErrConfiguration)
			}
			keywords = append(keywords, k)
		}
		t.profiles = append(t.profiles, Profile{Label: label, Keywords: keywords, Weights: weights})
		t.labels = append(t.labels, label)
	}

	if !hasDefault {
		return nil, fmt.Errorf("querytype: no %q profile configured: %w", DefaultLabel, rag.ErrConfiguration)
	}
	t.labels = append(t.labels, DefaultLabel)
	return t, nil
}

// Classify returns the label of the first profile with a keyword occurring
// in the lower-cased query, or DefaultLabel.
func (t *Table) Classify(query string) string {
	q := strings.ToLower(query)
	if strings.TrimSpace(q) == "" {
		return DefaultLabel
	}
	for _, p := range t.profiles {
		for _, k := range p.Keywords {
			if strings.Contains(q, k) {
				return p.Label
			}
		}
	}
	return DefaultLabel
}

// WeightsFor returns the weight table for label, falling back to the
// default profile's table for unknown labels. The result must not be modified.
func (t *Table) WeightsFor(label string) []Weight {
	if w, ok := t.byLabel[label]; ok {
		return w
	}
	return t.byLabel[DefaultLabel]
}

// Lookup is the strict variant of WeightsFor.
func (t *Table) Lookup(label string) ([]Weight, error) {
	w, ok := t.byLabel[label]
	if !ok {
		return nil, fmt.Errorf("querytype: unknown query type %q: %w", label, rag.ErrConfiguration)
	}
	return w, nil
}

// Labels returns every configured label in match priority order, default last.
func (t *Table) Labels() []string {
	out := make([]string, len(t.labels))
	copy(out, t.labels)
	return out
}

// Collections returns the union of collections named by any profile, in
// first-seen order.
func (t *Table) Collections() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, label := range t.labels {
		for _, w := range t.byLabel[label] {
			if _, ok := seen[w.Collection]; ok {
				continue
			}
			seen[w.Collection] = struct{}{}
			out = append(out, w.Collection)
		}
	}
	return out
}
