// Package generator turns a query and its ranked context into an answer from
// the configured chat model. It replays recent conversation history, keeps the
// prompt inside the token budget and streams the model output to the caller.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/reachyrag-go/internal/budget"
	"github.com/54b3r/reachyrag-go/internal/history"
	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

// DefaultHistoryMessages is the number of prior messages replayed per request.
const DefaultHistoryMessages = 3

// apologyPrefix starts the answer text returned when the model call fails.
const apologyPrefix = "I apologize, but I encountered an error while generating the response: "

// Config holds the dependencies required to construct a Generator.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// History is the optional conversation store. If nil, every request is
	// stateless.
	History history.Store

	// HistoryMessages is the number of prior messages (not turns) replayed
	// per request. Defaults to DefaultHistoryMessages if zero.
	HistoryMessages int

	// MaxContextTokens is the estimated token budget for the whole prompt.
	// Context documents are trimmed lowest-ranked first, then history oldest
	// first. Defaults to budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int

	// TypeInstructions overrides the per-label instructions. Nil uses
	// DefaultTypeInstructions.
	TypeInstructions TypeInstructions

	// CallTimeout bounds a single model call. Zero means no extra bound.
	CallTimeout time.Duration
}

// Request is a single generation request.
type Request struct {
	// Query is the user's question.
	Query string
	// Context holds retrieved documents, best first.
	Context []string
	// QueryType is the classifier label for Query.
	QueryType string
	// SessionID keys conversation history. Empty means stateless.
	SessionID string
}

// Answer is the outcome of a generation request.
type Answer struct {
	// Text is the full response, or the apology when generation failed.
	Text string
	// SafetyTopics lists the safety guidance relevant to the exchange.
	SafetyTopics []SafetyTopic
	// ContextUsed is the number of context documents that fit the budget.
	ContextUsed int
}

// Generator builds prompts and drives the chat model.
type Generator struct {
	// chatModel answers the assembled prompt.
	chatModel model.BaseChatModel
	// history is nil when conversations are not stored.
	history history.Store
	// historyMessages is the number of prior messages replayed.
	historyMessages int
	// maxContextTokens is the prompt budget.
	maxContextTokens int
	// instructions maps query labels to answer guidance.
	instructions TypeInstructions
	// callTimeout bounds one model call; zero leaves ctx as is.
	callTimeout time.Duration
}

// New constructs a Generator from cfg.
func New(cfg *Config) (*Generator, error) {
	if cfg == nil || cfg.ChatModel == nil {
		return nil, fmt.Errorf("generator: ChatModel must not be nil: %w", rag.ErrConfiguration)
	}
	depth := cfg.HistoryMessages
	if depth <= 0 {
		depth = DefaultHistoryMessages
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	ti := cfg.TypeInstructions
	if ti == nil {
		ti = DefaultTypeInstructions()
	}
	return &Generator{
		chatModel:        cfg.ChatModel,
		history:          cfg.History,
		historyMessages:  depth,
		maxContextTokens: maxCtx,
		instructions:     ti,
		callTimeout:      cfg.CallTimeout,
	}, nil
}

// Generate streams the answer to req into w and returns it. When the model
// fails the apology is written to w, returned as the Answer text, and the
// error wraps rag.ErrUpstreamGeneration. The exchange is recorded in history
// either way.
func (g *Generator) Generate(ctx context.Context, req Request, w io.Writer) (*Answer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("generator: generate: empty query: %w", rag.ErrInvalidInput)
	}
	log := logging.FromContext(ctx).With(slog.String("label", req.QueryType))

	messages, used := g.buildMessages(ctx, req)
	log.Debug("generator: prompt built",
		slog.Int("messages", len(messages)),
		slog.Int("context_docs", used),
		slog.Int("estimated_tokens", budget.EstimateMessages(messages)),
	)

	text, genErr := g.stream(ctx, messages, w)
	if genErr != nil {
		log.Error("generator: model call failed", slog.Any("error", genErr))
		apology := apologyPrefix + genErr.Error()
		if text != "" {
			apology = "\n\n" + apology
		}
		_, _ = io.WriteString(w, apology)
		text = apologyPrefix + genErr.Error()
	}
	for _, step := range reasoningLines(text) {
		log.Debug("generator: reasoning", slog.String("step", step))
	}

	ans := &Answer{Text: text, SafetyTopics: SafetyTopics(req.Query, text), ContextUsed: used}
	g.record(ctx, req.SessionID, req.Query, text)

	if genErr != nil {
		return ans, fmt.Errorf("generator: generate: %w: %w", rag.ErrUpstreamGeneration, genErr)
	}
	return ans, nil
}

// stream sends messages to the model and copies chunks to w as they arrive.
// It returns whatever text was received, also on error.
func (g *Generator) stream(ctx context.Context, messages []*schema.Message, w io.Writer) (string, error) {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}
	sr, err := g.chatModel.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("stream: %w", err)
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return buf.String(), fmt.Errorf("receive: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		buf.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return buf.String(), fmt.Errorf("write: %w", err)
		}
	}
	if buf.Len() == 0 {
		return "", errors.New("model returned an empty response")
	}
	return buf.String(), nil
}

// buildMessages assembles [system, ...history, user]. The user message carries
// the query and the numbered context. It returns the number of context
// documents kept.
func (g *Generator) buildMessages(ctx context.Context, req Request) ([]*schema.Message, int) {
	log := logging.FromContext(ctx)
	system := schema.SystemMessage(systemMessage(g.instructions.For(req.QueryType)))

	// Reserve room for the frame without documents, then fit the documents.
	frame := []*schema.Message{system, schema.UserMessage(userMessage(req.Query, ""))}
	docs := req.Context
	if len(docs) > 0 {
		docs = budget.TrimContext(docs, g.maxContextTokens-budget.EstimateMessages(frame))
		if dropped := len(req.Context) - len(docs); dropped > 0 {
			log.Warn("budget: dropped context documents to fit context window",
				slog.Int("dropped", dropped),
				slog.Int("retained", len(docs)),
				slog.Int("max_tokens", g.maxContextTokens),
			)
		}
	}
	user := schema.UserMessage(userMessage(req.Query, formatContext(docs)))

	historyMsgs := g.loadHistory(ctx, req.SessionID)
	before := len(historyMsgs)
	historyMsgs = budget.TrimHistory([]*schema.Message{system, user}, historyMsgs, g.maxContextTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		log.Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
			slog.Int("max_tokens", g.maxContextTokens),
		)
	}

	out := make([]*schema.Message, 0, len(historyMsgs)+2)
	out = append(out, system)
	out = append(out, historyMsgs...)
	out = append(out, user)
	return out, len(docs)
}

func (g *Generator) loadHistory(ctx context.Context, session string) []*schema.Message {
	if g.history == nil || session == "" {
		return nil
	}
	prior, err := g.history.Recent(ctx, session, g.historyMessages)
	if err != nil {
		logging.FromContext(ctx).Warn("history: failed to load prior messages", slog.Any("error", err))
		return nil
	}
	msgs := make([]*schema.Message, 0, len(prior))
	for _, m := range prior {
		switch m.Role {
		case history.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case history.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs
}

// record persists the exchange. Failures are logged, not returned.
func (g *Generator) record(ctx context.Context, session, query, answer string) {
	if g.history == nil || session == "" {
		return
	}
	// The caller may have gone away after a failed stream; keep the turn anyway.
	ctx = context.WithoutCancel(ctx)
	if err := g.history.Append(ctx, session, history.RoleUser, query); err != nil {
		logging.FromContext(ctx).Warn("history: failed to persist user message", slog.Any("error", err))
		return
	}
	if err := g.history.Append(ctx, session, history.RoleAssistant, answer); err != nil {
		logging.FromContext(ctx).Warn("history: failed to persist assistant message", slog.Any("error", err))
	}
}
