package chunker

import "strings"

// DefaultMaxChars is the chunk size bound used when none is configured.
const DefaultMaxChars = 4000

// Split packs paragraphs into ordered chunks of at most maxChars characters.
// Paragraphs are delimited by double newlines and are never split mid-way: a
// single paragraph exceeding the limit is emitted as its own oversized
// chunk. Joining the chunks with "\n\n" preserves the input's paragraphs.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		if len(para) > maxChars {
			flush()
			chunks = append(chunks, para)
			continue
		}
		// The +2 accounts for the "\n\n" joiner.
		if current.Len() > 0 && current.Len()+2+len(para) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

// splitParagraphs splits on double-newlines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
