// Package extractor implements the three-step extraction pipeline (spec
// §4.3): prompt assembly, model call, post-processing and validation.
// Grounded on pkg/agent/prompt/builder.go's strings.Builder-based message
// composition and pkg/agent/context/investigation_formatter.go's per-file
// "--- File: name ---" section format.
package extractor

import (
	"fmt"
	"strings"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/pinax"
)

const schemaBlock = `PINAX schema (emit a single JSON object with exactly these fields):

Required:
  id           string  - leave absent, it will be generated
  title        string  - a descriptive title
  type         string  - one of: Collection, Dataset, Event, Image, InteractiveResource,
                          MovingImage, PhysicalObject, Service, Software, Sound, StillImage, Text
  creator      string or array of strings
  institution  string
  created      string  - "YYYY" or "YYYY-MM-DD"
  access_url   string  - leave absent unless you have one, it will be filled in

Optional:
  language     string  - BCP-47 tag, e.g. "en" or "en-US"
  subjects     array of strings
  description  string
  source       string
  rights       string
  place        string or array of strings

Respond with a single JSON object and nothing else.`

const collectionHeuristics = `When the input contains multiple files, default type to "Collection" and
synthesize a single collection-level title rather than reusing any one
file's title. Aggregate subjects, creators, and places across all files
instead of picking one file's values. Treat any "child_pinax_*.json" file
as a sub-collection signal: fold its subjects/creators/places into the
aggregate and let its presence reinforce the "Collection" type.`

// BuildSystemPrompt assembles the system message: schema, DCMI types,
// collection-first heuristics, and any caller-supplied custom prompt
// appended at the end (spec §4.3).
func BuildSystemPrompt(customPrompt string) string {
	var sb strings.Builder
	sb.WriteString("You are an archival cataloguer. Produce one PINAX metadata record ")
	sb.WriteString("(a Dublin-Core-derived schema) describing the given entity from its files.\n\n")
	sb.WriteString(schemaBlock)
	sb.WriteString("\n\n")
	sb.WriteString(collectionHeuristics)
	if customPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(customPrompt)
	}
	return sb.String()
}

// BuildUserPrompt assembles the user message: directory name, each file
// rendered as "--- File: <name> ---\n<content>\n", and the schema block
// repeated for convenience (spec §4.3).
func BuildUserPrompt(bundle *chunkmodel.ContextBundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Directory: %s\n\n", bundle.DirectoryName)
	for _, f := range bundle.Files {
		fmt.Fprintf(&sb, "--- File: %s ---\n%s\n", f.Name, f.Content)
	}
	sb.WriteString("\n")
	sb.WriteString(schemaBlock)
	return sb.String()
}
