package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

const extractionPreamble = `Extract structured data from the following document section. Return a single JSON object with exactly these top-level fields:

- "data": an object shaped by the JSON schema below. Fill in every field for which the section contains a value; omit fields the section does not mention.
- "metadata": an object keyed by the field names you filled in. Each entry must have:
  - "page_number": page where the value appears (integer, 0 if unknown)
  - "prominence": one of "title", "heading", "body", "footnote"
  - "format": how the value is written, e.g. "text", "number", "date", "table"
  - "confidence": how certain you are, 0.0 to 1.0

Rules:
- Extract only values actually present in the section; never invent data
- Copy values verbatim where possible, normalising only whitespace
- If the section contains nothing matching the schema, return {"data": {}, "metadata": {}}

Respond with ONLY the JSON object, no other text.`

const mergePreamble = `You are merging partial extraction results from consecutive sections of one document into a single object. Return a single JSON object with exactly these top-level fields:

- "merged_data": the reconciled object, shaped by the JSON schema below
- "reasoning": an object keyed by field name, explaining each non-trivial merge decision (which source you preferred and why)

Rules:
- Prefer values with higher confidence; break ties toward the earlier section
- Combine complementary values (e.g. list fields) rather than discarding them
- Record reasoning only for fields where the sources disagreed or were combined

Respond with ONLY the JSON object, no other text.`

// BuildExtractionPrompt produces the per-chunk extraction prompt. Prompts
// are deterministic functions of their inputs.
func BuildExtractionPrompt(chunkText string, schema map[string]any, chunkIndex, totalChunks int) string {
	var sb strings.Builder
	sb.WriteString(extractionPreamble)
	sb.WriteString("\n\n---\nSchema:\n")
	sb.WriteString(schemaJSON(schema))
	sb.WriteString("\n---\n")
	sb.WriteString(fmt.Sprintf("Section %d of %d:\n", chunkIndex+1, totalChunks))
	sb.WriteString(chunkText)
	return sb.String()
}

// BuildIntermediatePrompt produces the merge prompt over all chunk results
// accumulated so far.
func BuildIntermediatePrompt(results []ChunkResult, schema map[string]any) string {
	return buildMergePrompt(results, schema, false)
}

// BuildFinalPrompt produces the terminal merge prompt. It has the same shape
// as the intermediate one.
func BuildFinalPrompt(results []ChunkResult, schema map[string]any) string {
	return buildMergePrompt(results, schema, true)
}

func buildMergePrompt(results []ChunkResult, schema map[string]any, final bool) string {
	var sb strings.Builder
	sb.WriteString(mergePreamble)
	if final {
		sb.WriteString("\n\nThis is the final merge: the result must be complete and self-consistent.")
	}
	sb.WriteString("\n\n---\nSchema:\n")
	sb.WriteString(schemaJSON(schema))
	sb.WriteString("\n---\n")
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("Section %d result:\n", r.ChunkIndex+1))
		sb.WriteString(resultJSON(r))
		sb.WriteString("\n")
	}
	return sb.String()
}

func schemaJSON(schema map[string]any) string {
	b, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func resultJSON(r ChunkResult) string {
	b, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(b)
}
