package querytype

// Reachy 2 documentation collections.
const (
	CollectionFunctions = "api_docs_functions"
	CollectionClasses   = "api_docs_classes"
	CollectionModules   = "api_docs_modules"
	CollectionSDK       = "reachy2_sdk"
	CollectionTutorials = "reachy2_tutorials"
	CollectionVision    = "vision_examples"
)

// DefaultProfiles returns the shipped Reachy 2 profile set in match priority
// order. Each call returns a fresh copy.
//
// Matching is first-match on substrings and "code" comes first with broad
// keywords ("use", "set", "get", "make", "move"). Most phrasings that also
// mention an error, an install step or the camera therefore classify as
// "code": "I get an exception" is code, "exception raised by the arm" is
// error. Reorder or narrow the profiles in the config file to change that.
func DefaultProfiles() []Profile {
	codeWeights := []Weight{
		{CollectionFunctions, 1.0},
		{CollectionClasses, 0.95},
		{CollectionSDK, 0.9},
		{CollectionTutorials, 0.85},
		{CollectionVision, 0.95},
		{CollectionModules, 0.7},
	}
	defaultWeights := make([]Weight, len(codeWeights))
	copy(defaultWeights, codeWeights)

	return []Profile{
		{
			Label: "code",
			Keywords: []string{
				"how to", "example", "implement", "code", "function", "method",
				"call", "use", "write", "program", "script", "create", "make",
				"control", "move", "set", "get",
			},
			Weights: codeWeights,
		},
		{
			Label: "concept",
			Keywords: []string{
				"what is", "explain", "understand", "concept", "architecture",
				"design", "overview", "describe", "definition", "mean",
			},
			Weights: []Weight{
				{CollectionModules, 1.0},
				{CollectionClasses, 0.9},
				{CollectionTutorials, 0.9},
				{CollectionSDK, 0.8},
				{CollectionVision, 0.8},
				{CollectionFunctions, 0.7},
			},
		},
		{
			Label: "error",
			Keywords: []string{
				"error", "exception", "fail", "issue", "bug", "problem",
				"wrong", "fix", "debug", "handle", "catch",
			},
			Weights: []Weight{
				{CollectionClasses, 1.0},
				{CollectionFunctions, 0.9},
				{CollectionModules, 0.8},
				{CollectionSDK, 0.8},
				{CollectionVision, 0.8},
				{CollectionTutorials, 0.7},
			},
		},
		{
			Label: "setup",
			Keywords: []string{
				"setup", "install", "configure", "initialization", "start",
				"calibrate", "prepare", "connect", "setting", "configuration",
			},
			Weights: []Weight{
				{CollectionModules, 1.0},
				{CollectionClasses, 0.9},
				{CollectionSDK, 0.9},
				{CollectionVision, 0.9},
				{CollectionFunctions, 0.8},
				{CollectionTutorials, 0.8},
			},
		},
		{
			Label: "vision",
			Keywords: []string{
				"camera", "vision", "image", "video", "detect", "recognize",
				"see", "view", "capture", "stream", "visual",
			},
			Weights: []Weight{
				{CollectionVision, 1.0},
				{CollectionModules, 0.9},
				{CollectionClasses, 0.9},
				{CollectionFunctions, 0.8},
				{CollectionTutorials, 0.8},
				{CollectionSDK, 0.7},
			},
		},
		{
			Label:   DefaultLabel,
			Weights: defaultWeights,
		},
	}
}

// MustDefaultTable builds a Table from DefaultProfiles. It panics only if the
// shipped profiles are invalid.
func MustDefaultTable() *Table {
	t, err := NewTable(DefaultProfiles())
	if err != nil {
		panic(err)
	}
	return t
}
