package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 << 20

// record is the on-disk document shape. Scrapers disagree on the text field
// name, so both page_content and content are accepted.
type record struct {
	ID          string         `json:"id"`
	PageContent *string        `json:"page_content"`
	Content     *string        `json:"content"`
	Metadata    map[string]any `json:"metadata"`
}

// ParseRecords decodes a JSON array or JSONL stream into documents.
// Every malformed record is reported with its line (JSONL) or index (array);
// all problems are joined into one error matching rag.ErrInvalidInput.
func ParseRecords(r io.Reader) ([]rag.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ingestion: read records: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return parseArray(trimmed)
	}
	return parseLines(trimmed)
}

func parseArray(data []byte) ([]rag.Document, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ingestion: parse JSON array: %w: %w", rag.ErrInvalidInput, err)
	}
	docs := make([]rag.Document, 0, len(raw))
	var problems []string
	for i, msg := range raw {
		d, err := decodeRecord(msg)
		if err != nil {
			problems = append(problems, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		docs = append(docs, d)
	}
	return docs, joinProblems(problems)
}

func parseLines(data []byte) ([]rag.Document, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var (
		docs     []rag.Document
		problems []string
		line     int
	)
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		d, err := decodeRecord(text)
		if err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ingestion: scan records at line %d: %w", line+1, err)
	}
	return docs, joinProblems(problems)
}

func decodeRecord(data []byte) (rag.Document, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return rag.Document{}, fmt.Errorf("invalid JSON: %w", err)
	}
	var text string
	switch {
	case rec.PageContent != nil:
		text = *rec.PageContent
	case rec.Content != nil:
		text = *rec.Content
	default:
		return rag.Document{}, fmt.Errorf("missing page_content or content")
	}
	if strings.TrimSpace(text) == "" {
		return rag.Document{}, fmt.Errorf("empty text")
	}
	return rag.Document{ID: rec.ID, Text: text, Metadata: flattenMetadata(rec.Metadata)}, nil
}

// flattenMetadata renders scalar values as strings and anything nested as
// compact JSON. Nulls are dropped.
func flattenMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	const shown = 10
	msg := strings.Join(problems[:min(shown, len(problems))], "; ")
	if len(problems) > shown {
		msg += fmt.Sprintf("; and %d more", len(problems)-shown)
	}
	return fmt.Errorf("ingestion: %d malformed records: %s: %w", len(problems), msg, rag.ErrInvalidInput)
}
