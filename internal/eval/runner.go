package eval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
	"github.com/54b3r/reachyrag-go/internal/retrieval"
)

// Case is one labelled query. A retrieved document is relevant to the case
// when its text contains one of the Relevant markers (case-insensitive).
type Case struct {
	Query    string   `yaml:"query"`
	Relevant []string `yaml:"relevant"`
}

// Suite is the YAML case file.
type Suite struct {
	// K is the cut-off for every metric. Defaults to 5.
	K     int    `yaml:"k"`
	Cases []Case `yaml:"cases"`
}

// Metrics holds the scores for one case or their mean.
type Metrics struct {
	Precision float64
	Recall    float64
	MRR       float64
	NDCG      float64
}

// CaseReport is the outcome of a single case.
type CaseReport struct {
	Query   string
	Label   string
	Metrics Metrics
	// Retrieved is the number of results returned.
	Retrieved int
	// Err is set when retrieval failed; its metrics are zero.
	Err error
}

// Report is the outcome of a Run.
type Report struct {
	K     int
	Cases []CaseReport
	Mean  Metrics
}

// Retriever is the part of retrieval.Orchestrator a Runner needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (*retrieval.Result, error)
}

// LoadSuite reads and validates a YAML case file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: read %s: %w", path, err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("eval: parse %s: %w: %w", path, rag.ErrInvalidInput, err)
	}
	if s.K <= 0 {
		s.K = 5
	}
	if len(s.Cases) == 0 {
		return nil, fmt.Errorf("eval: %s has no cases: %w", path, rag.ErrInvalidInput)
	}
	for i, c := range s.Cases {
		if strings.TrimSpace(c.Query) == "" || len(c.Relevant) == 0 {
			return nil, fmt.Errorf("eval: %s case %d needs a query and relevant markers: %w", path, i+1, rag.ErrInvalidInput)
		}
	}
	return &s, nil
}

// Run retrieves every case and scores it. A failed case is reported and
// counted as zero in the mean; Run itself only fails on cancellation.
func Run(ctx context.Context, r Retriever, s *Suite) (*Report, error) {
	log := logging.FromContext(ctx)
	rep := &Report{K: s.K}
	for _, c := range s.Cases {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("eval: run: %w", err)
		}
		cr := CaseReport{Query: c.Query}
		res, err := r.Retrieve(ctx, c.Query, s.K)
		if err != nil {
			log.Warn("eval: retrieval failed", slog.String("query", c.Query), slog.Any("error", err))
			cr.Err = err
			rep.Cases = append(rep.Cases, cr)
			continue
		}
		cr.Label = res.Label
		cr.Retrieved = len(res.Results)
		cr.Metrics = score(c, res.Results, s.K)
		rep.Cases = append(rep.Cases, cr)
	}

	n := float64(len(rep.Cases))
	for _, cr := range rep.Cases {
		rep.Mean.Precision += cr.Metrics.Precision / n
		rep.Mean.Recall += cr.Metrics.Recall / n
		rep.Mean.MRR += cr.Metrics.MRR / n
		rep.Mean.NDCG += cr.Metrics.NDCG / n
	}
	return rep, nil
}

// score maps each retrieved document to the first marker it contains so the
// set-based metrics count a marker once, however many documents carry it.
func score(c Case, results []rag.RankedResult, k int) Metrics {
	relevant := make(map[string]bool, len(c.Relevant))
	graded := make(map[string]int, len(c.Relevant))
	for _, m := range c.Relevant {
		key := strings.ToLower(m)
		relevant[key] = true
		graded[key] = 1
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Collection + "/" + r.ID
		text := strings.ToLower(r.Text)
		for _, m := range c.Relevant {
			if key := strings.ToLower(m); strings.Contains(text, key) {
				ids[i] = key
				break
			}
		}
	}
	return Metrics{
		Precision: PrecisionAtK(relevant, ids, k),
		Recall:    RecallAtK(relevant, ids, k),
		MRR:       MRR(relevant, ids),
		NDCG:      NDCGAtK(graded, ids, k),
	}
}

// WriteTable renders rep as an aligned text table.
func (rep *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "QUERY\tLABEL\tP@%d\tR@%d\tMRR\tNDCG@%d\n", rep.K, rep.K, rep.K)
	for _, c := range rep.Cases {
		if c.Err != nil {
			fmt.Fprintf(tw, "%s\t-\terror: %v\t\t\t\n", c.Query, c.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%.3f\t%.3f\n", c.Query, c.Label,
			c.Metrics.Precision, c.Metrics.Recall, c.Metrics.MRR, c.Metrics.NDCG)
	}
	fmt.Fprintf(tw, "MEAN\t\t%.3f\t%.3f\t%.3f\t%.3f\n",
		rep.Mean.Precision, rep.Mean.Recall, rep.Mean.MRR, rep.Mean.NDCG)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("eval: write table: %w", err)
	}
	return nil
}
