package ingestion

import (
	"net/url"
	"path"
	"strings"
)

// InferredMetadata holds what can be guessed about a source from its path or
// URL. CLI flags and per-record metadata take precedence.
type InferredMetadata struct {
	// Collection is the target collection, derived from the file name.
	Collection string
	// Project is the upstream project (reachy2-sdk, reachy2-docs,
	// reachy2-tutorials, pollen-vision, generic).
	Project string
	// DocType classifies the content (api, tutorial, guide, code, reference).
	DocType string
}

// projectAliases maps repository or site names to a canonical project label.
var projectAliases = map[string]string{
	"reachy2-sdk":       "reachy2-sdk",
	"reachy2_sdk":       "reachy2-sdk",
	"reachy2-docs":      "reachy2-docs",
	"reachy2-tutorials": "reachy2-tutorials",
	"pollen-vision":     "pollen-vision",
	"pollen_vision":     "pollen-vision",
}

// InferMetadata inspects a local path or URL and returns best-effort
// metadata. Unknown sources yield project "generic" and doc type "reference".
//
// Recognised patterns:
//
//	pollen-robotics.github.io/reachy2-sdk/...   API reference
//	github.com/pollen-robotics/{repo}/...       code for the named repo
//	.../api_docs_functions.jsonl                collection from the file name
func InferMetadata(source string) InferredMetadata {
	m := InferredMetadata{Project: "generic", DocType: "reference"}

	p := source
	var host string
	if u, err := url.Parse(source); err == nil && u.Scheme != "" && u.Host != "" {
		host = strings.ToLower(u.Hostname())
		p = u.Path
	}
	segments := trimSegments(strings.ToLower(p))
	if len(segments) > 0 {
		m.Collection = collectionFromFile(segments[len(segments)-1])
	}

	switch {
	case host == "pollen-robotics.github.io":
		m.DocType = "api"
		if len(segments) > 0 {
			m.Project = alias(segments[0])
		}
	case host == "github.com" || host == "raw.githubusercontent.com":
		m.DocType = "code"
		if len(segments) > 1 && segments[0] == "pollen-robotics" {
			m.Project = alias(segments[1])
		}
	default:
		for _, seg := range segments {
			if a, ok := projectAliases[strings.TrimSuffix(seg, path.Ext(seg))]; ok {
				m.Project = a
				break
			}
		}
	}

	switch {
	case strings.HasPrefix(m.Collection, "api_docs"):
		m.DocType = "api"
	case strings.Contains(m.Collection, "tutorial"):
		m.DocType = "tutorial"
	case strings.HasPrefix(m.Collection, "vision"):
		m.DocType = "code"
	}
	return m
}

func alias(name string) string {
	if a, ok := projectAliases[name]; ok {
		return a
	}
	return name
}

// collectionFromFile turns "reachy2-tutorials.json" into "reachy2_tutorials".
// Files that are not JSON or JSONL yield "".
func collectionFromFile(name string) string {
	ext := path.Ext(name)
	if ext != ".json" && ext != ".jsonl" {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSuffix(name, ext), "-", "_")
}

// trimSegments splits a path into non-empty segments.
func trimSegments(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
