package docstore

import "github.com/54b3r/reachyrag-go/internal/querytype"

// Kind selects which side of the embedding space a text is prepared for.
type Kind int

const (
	// KindDocument prepares a document for ingestion.
	KindDocument Kind = iota
	// KindQuery prepares a user query for search.
	KindQuery
)

// Instructions maps a collection name to the instruction that steers the
// embedding model toward that collection's content. The same table must be
// used for ingestion and search or the two embeddings drift apart.
type Instructions map[string]string

// Apply returns text prefixed with the collection's instruction in the form
// required by kind. Collections without an instruction get text unchanged.
func (in Instructions) Apply(collection string, kind Kind, text string) string {
	instr, ok := in[collection]
	if !ok || instr == "" {
		return text
	}
	if kind == KindQuery {
		return instr + "\n\nQuery for relevant information from this source: " + text
	}
	return instr + ":\n" + text
}

// Merge returns a copy of in with overrides applied on top. An override with
// an empty value removes the collection's instruction.
func (in Instructions) Merge(overrides map[string]string) Instructions {
	out := make(Instructions, len(in)+len(overrides))
	for k, v := range in {
		out[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// DefaultInstructions returns the shipped instruction table for the Reachy 2
// collections.
func DefaultInstructions() Instructions {
	return Instructions{
		querytype.CollectionFunctions: "Represent this OFFICIAL API function documentation for the Reachy2 SDK.\n" +
			"This collection contains standalone functions with their signatures, documentation, and implementations.\n" +
			"Use these functions for actual implementation as they are guaranteed to be part of the public API.",
		querytype.CollectionClasses: "Represent this OFFICIAL API class documentation for the Reachy2 SDK.\n" +
			"This collection contains class overviews with method summaries, and individual method documentation " +
			"with signatures and implementations.\n" +
			"Use these classes and methods for actual implementation as they are guaranteed to be part of the public API.",
		querytype.CollectionModules: "Represent this OFFICIAL module documentation for the Reachy2 SDK.\n" +
			"This collection contains high-level module documentation and organization information.\n" +
			"Use this to understand the SDK's structure and module purposes.",
		querytype.CollectionTutorials: "Represent this tutorial content which contains example code and explanations.\n" +
			"Each chunk contains either tutorial explanations or complete working code examples.\n" +
			"Tutorials may contain custom helper functions; verify methods against the official API documentation.",
		querytype.CollectionSDK: "Represent this SDK example code and implementation patterns.\n" +
			"Each chunk contains complete, working examples showing how to use the SDK.\n" +
			"Verify methods against the API documentation.",
		querytype.CollectionVision: "Represent this Vision module example code and documentation.\n" +
			"Each chunk contains complete examples of using the vision system and cameras.",
	}
}
