package generator

import (
	"fmt"
	"strings"
)

// systemPrompt frames every generation request.
const systemPrompt = `You are a code-focused assistant for Reachy 2 robot development. Your goals:
1. Generate working code examples
2. Help debug and fix code issues
3. Give concise, practical implementation guidance
4. Adapt and generalize from documented examples only

Response format:
` + "```reasoning" + `
- Base: [one-line reference to the example being adapted]
- Plan: [2-3 key modifications]
- Safety: [critical checks to keep]
` + "```" + `

[Code and explanation]

Guidelines:
- Prefer code over prose and keep answers brief
- Include the imports and setup the code needs
- Make the code complete and runnable
- Follow Python conventions and use type hints where they help

Adaptation rules:
1. Never invent examples from scratch; adapt a documented one
2. Cite the example you adapted
3. Only change parameters, logic or control flow present in the original
4. If the documentation has no suitable example, say so
5. Keep every safety check and error handler of the original

For debugging, focus on the specific error message, give a minimal working
example and suggest a practical fix.

Never expose API keys or credentials; read secrets from environment variables.`

// reasonMarker prefixes reasoning lines the model is asked to emit.
const reasonMarker = "[REASON]"

const reasonInstruction = "IMPORTANT: Prefix each step of your reasoning with " + reasonMarker + " so it can be logged."

// defaultTypeInstruction applies to every label without its own entry.
const defaultTypeInstruction = "Provide a code-focused response with implementation details."

// TypeInstructions maps a query-type label to the extra instruction appended
// to the system prompt.
type TypeInstructions map[string]string

// DefaultTypeInstructions returns the built-in per-label instructions.
func DefaultTypeInstructions() TypeInstructions {
	return TypeInstructions{
		"code":    "Generate a response with complete, runnable code examples.",
		"default": defaultTypeInstruction,
	}
}

// For returns the instruction for label, falling back to the "default" entry.
func (ti TypeInstructions) For(label string) string {
	if s, ok := ti[label]; ok {
		return s
	}
	if s, ok := ti["default"]; ok {
		return s
	}
	return defaultTypeInstruction
}

func systemMessage(typeInstruction string) string {
	return systemPrompt + "\n" + typeInstruction + "\n\n" + reasonInstruction
}

// formatContext numbers documents from 1 in ranked order.
func formatContext(docs []string) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = fmt.Sprintf("Document %d:\n%s", i+1, d)
	}
	return strings.Join(parts, "\n\n")
}

func userMessage(query, formattedContext string) string {
	return "Query: " + query +
		"\n\nRelevant Documentation:\n" + formattedContext +
		"\n\nGenerate a detailed response that directly answers the query using the provided documentation " +
		"and previous conversation context when relevant. Include relevant code examples when appropriate."
}

// reasoningLines extracts the marked reasoning steps from a response.
func reasoningLines(text string) []string {
	var out []string
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, reasonMarker); ok {
			out = append(out, strings.TrimSpace(rest))
		}
	}
	return out
}
