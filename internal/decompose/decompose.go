// Package decompose splits a complex robotics question into a handful of
// simpler sub-queries that are retrieved independently.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

const systemPrompt = `You are a robotics expert assistant specialising in the Reachy robot platform. Break complex queries down into essential, actionable sub-tasks.

Response format:
` + "```reasoning" + `
- Source: [one-line reference to relevant documentation]
- Adapt: [key elements to modify]
- Verify: [capabilities to check]
` + "```" + `

[Numbered sub-tasks]

When handling adaptation requests, first locate the exact documented example, identify which elements need modification, check that every modification stays within documented capabilities and plan the implementation using documented features only.

Never suggest modifications the documentation does not support. If no suitable example exists, say so.`

const userTemplate = `Break down this robotics query into essential sub-tasks, focusing on adaptation from existing examples.

Consider the core goal, the required setup, key parameters, safety requirements, which documented examples to adapt and which safety checks to preserve.

Query: %s

Start with the reasoning block, then give 3-5 clear, actionable sub-tasks based on documented capabilities.

IMPORTANT: Prefix each step of your reasoning with [REASON] so it can be logged.`

// numbered matches "1. text", "2) text" and similar list items.
var numbered = regexp.MustCompile(`^\d+[.)]\s+(.+)$`)

// Decomposer asks a chat model for sub-queries.
type Decomposer struct {
	chatModel model.BaseChatModel
	timeout   time.Duration
}

// New returns a Decomposer backed by m. timeout bounds each model call; zero
// means no extra bound.
func New(m model.BaseChatModel, timeout time.Duration) (*Decomposer, error) {
	if m == nil {
		return nil, fmt.Errorf("decompose: chat model must not be nil: %w", rag.ErrConfiguration)
	}
	return &Decomposer{chatModel: m, timeout: timeout}, nil
}

// Decompose returns the sub-queries for query. A model failure or a reply
// without usable lines wraps rag.ErrUpstreamGeneration.
func (d *Decomposer) Decompose(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("decompose: empty query: %w", rag.ErrInvalidInput)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	log := logging.FromContext(ctx)

	msg, err := d.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf(userTemplate, query)),
	})
	if err != nil {
		return nil, fmt.Errorf("decompose: generate: %w: %w", rag.ErrUpstreamGeneration, err)
	}

	subs, reasons := Parse(msg.Content)
	for _, r := range reasons {
		log.Debug("decompose: reasoning", slog.String("step", r))
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("decompose: no sub-queries in model reply: %w", rag.ErrUpstreamGeneration)
	}
	log.Info("decompose: query split", slog.Int("sub_queries", len(subs)))
	return subs, nil
}

// Parse extracts sub-queries from a model reply. Fenced blocks and [REASON]
// lines are skipped; the latter are returned separately. When the reply has
// numbered items only those are kept, with the numbering removed. Otherwise
// every remaining non-empty line is a sub-query.
func Parse(content string) (subs, reasons []string) {
	var (
		inFence bool
		plain   []string
	)
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "```"):
			inFence = !inFence
			continue
		case inFence || line == "":
			continue
		}
		if rest, ok := strings.CutPrefix(line, "[REASON]"); ok {
			reasons = append(reasons, strings.TrimSpace(rest))
			continue
		}
		if m := numbered.FindStringSubmatch(line); m != nil {
			subs = append(subs, strings.TrimSpace(m[1]))
			continue
		}
		plain = append(plain, line)
	}
	if len(subs) == 0 {
		subs = plain
	}
	return subs, reasons
}
