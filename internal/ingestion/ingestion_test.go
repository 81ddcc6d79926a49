package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

type recordingStore struct {
	recreate   bool
	addErr     error
	healed     []string
	collection string
	texts      []string
	metas      []map[string]string
	ids        []string
}

func (s *recordingStore) RecreateIfDimensionMismatch(_ context.Context, c string) (bool, error) {
	s.healed = append(s.healed, c)
	return s.recreate, nil
}

func (s *recordingStore) AddDocuments(_ context.Context, c string, texts []string, metas []map[string]string, ids []string) error {
	s.collection, s.texts, s.metas, s.ids = c, texts, metas, ids
	return s.addErr
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseRecords_JSONLNormalisesTextField(t *testing.T) {
	t.Parallel()
	in := `{"page_content": "reachy.r_arm.turn_on()", "metadata": {"source": "arm.py", "chunk": 2, "tags": ["arm"]}}

{"id": "g1", "content": "gripper.open()"}
`
	docs, err := ParseRecords(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("want 2 docs, got %d", len(docs))
	}
	if docs[0].Text != "reachy.r_arm.turn_on()" || docs[1].Text != "gripper.open()" {
		t.Errorf("unexpected texts: %q, %q", docs[0].Text, docs[1].Text)
	}
	if docs[0].Metadata["chunk"] != "2" || docs[0].Metadata["tags"] != `["arm"]` {
		t.Errorf("metadata not flattened: %v", docs[0].Metadata)
	}
	if docs[1].ID != "g1" {
		t.Errorf("want id g1, got %q", docs[1].ID)
	}
}

func TestParseRecords_ReportsLineNumbers(t *testing.T) {
	t.Parallel()
	in := "{\"content\": \"ok\"}\n{\"metadata\": {}}\nnot json\n{\"content\": \"  \"}\n"
	docs, err := ParseRecords(strings.NewReader(in))
	if !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	for _, want := range []string{"3 malformed records", "line 2: missing page_content or content", "line 3: invalid JSON", "line 4: empty text"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if len(docs) != 1 {
		t.Errorf("well-formed records must still be returned, got %d", len(docs))
	}
}

func TestParseRecords_Array(t *testing.T) {
	t.Parallel()
	docs, err := ParseRecords(strings.NewReader(`[{"content": "a"}, {"nope": 1}]`))
	if err == nil || !strings.Contains(err.Error(), "record 1") {
		t.Fatalf("want record 1 error, got %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("want 1 doc, got %d", len(docs))
	}
	empty, err := ParseRecords(strings.NewReader("  \n"))
	if err != nil || len(empty) != 0 {
		t.Errorf("empty input: got %v, %v", empty, err)
	}
}

func TestIngest_LocalFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "api_docs_functions.jsonl",
		`{"page_content": "def open(self)", "metadata": {"project": "custom"}}`+"\n"+
			`{"id": "close", "page_content": "def close(self)"}`+"\n")
	st := &recordingStore{recreate: true}
	p, err := NewPipeline(st, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	var msgs []string
	sums, err := p.Ingest(context.Background(), []Source{{Location: path}}, func(m string) { msgs = append(msgs, m) })
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if st.collection != "api_docs_functions" || len(st.healed) != 1 {
		t.Errorf("collection = %q, healed = %v", st.collection, st.healed)
	}
	if len(sums) != 1 || sums[0].Records != 2 || !sums[0].Recreated {
		t.Errorf("unexpected summary: %+v", sums)
	}
	if st.ids[0] != chunkID(path, 0) || st.ids[1] != "close" {
		t.Errorf("unexpected ids: %v", st.ids)
	}
	if st.metas[0]["project"] != "custom" || st.metas[0]["doc_type"] != "api" || st.metas[1]["source"] != path {
		t.Errorf("unexpected metadata: %v", st.metas)
	}
	if len(msgs) == 0 {
		t.Error("no progress reported")
	}
}

func TestIngest_Chunking(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "notes.json", `[{"id": "long", "content": "abcdefghij"}]`)
	st := &recordingStore{}
	p, _ := NewPipeline(st, &Config{ChunkSize: 4, ChunkOverlap: 1})

	if _, err := p.Ingest(context.Background(), []Source{{Location: path, Collection: "reachy2_sdk"}}, nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	want := []string{"abcd", "defg", "ghij"}
	if strings.Join(st.texts, ",") != strings.Join(want, ",") {
		t.Errorf("chunks = %v, want %v", st.texts, want)
	}
	if st.ids[2] != "long#2" || st.metas[2]["chunk_index"] != "2" {
		t.Errorf("chunk ids/metadata wrong: %v %v", st.ids, st.metas[2])
	}
}

func TestIngest_MalformedRejectedUnlessSkipping(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "reachy2_sdk.jsonl", "{\"content\": \"ok\"}\n{bad\n")

	st := &recordingStore{}
	p, _ := NewPipeline(st, nil)
	if _, err := p.Ingest(context.Background(), []Source{{Location: path}}, nil); !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if st.texts != nil {
		t.Error("nothing may be added when a source is rejected")
	}

	p, _ = NewPipeline(st, &Config{SkipInvalid: true})
	if _, err := p.Ingest(context.Background(), []Source{{Location: path}}, nil); err != nil {
		t.Fatalf("Ingest with SkipInvalid: %v", err)
	}
	if len(st.texts) != 1 {
		t.Errorf("want 1 text added, got %d", len(st.texts))
	}
}

func TestIngest_NoCollection(t *testing.T) {
	t.Parallel()
	p, _ := NewPipeline(&recordingStore{}, nil)
	_, err := p.Ingest(context.Background(), []Source{{Location: "/tmp/docs.txt"}}, nil)
	if !errors.Is(err, rag.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestIngest_HTTPSource(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jsonl" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"content": "camera.get_frame()"}`))
	}))
	t.Cleanup(srv.Close)

	st := &recordingStore{}
	p, _ := NewPipeline(st, nil)
	if _, err := p.Ingest(context.Background(), []Source{{Location: srv.URL + "/vision-examples.jsonl"}}, nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if st.collection != "vision_examples" || len(st.texts) != 1 {
		t.Errorf("collection %q, texts %v", st.collection, st.texts)
	}

	if _, err := p.Ingest(context.Background(), []Source{{Location: srv.URL + "/missing.jsonl"}}, nil); err == nil {
		t.Error("want error for 404")
	}
}

func TestInferMetadata(t *testing.T) {
	t.Parallel()
	tests := []struct {
		source     string
		collection string
		project    string
		docType    string
	}{
		{"https://pollen-robotics.github.io/reachy2-sdk/reachy2_sdk.html", "", "reachy2-sdk", "api"},
		{"https://github.com/pollen-robotics/pollen-vision/blob/main/x.py", "", "pollen-vision", "code"},
		{"external_docs/Codebase/reachy2-tutorials.json", "reachy2_tutorials", "reachy2-tutorials", "tutorial"},
		{"/data/api_docs_classes.jsonl", "api_docs_classes", "generic", "api"},
		{"/data/vision_examples.jsonl", "vision_examples", "generic", "code"},
		{"notes.txt", "", "generic", "reference"},
	}
	for _, tc := range tests {
		got := InferMetadata(tc.source)
		if got.Collection != tc.collection || got.Project != tc.project || got.DocType != tc.docType {
			t.Errorf("InferMetadata(%q) = %+v, want {%s %s %s}", tc.source, got, tc.collection, tc.project, tc.docType)
		}
	}
}
