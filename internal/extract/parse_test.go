package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectJSON(t *testing.T) {
	obj, err := Parse(`{"data": {"title": "Report"}, "metadata": {}}`)
	require.NoError(t, err)
	data, ok := obj["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Report", data["title"])
}

func TestParseFencedBlock(t *testing.T) {
	text := "Sure, here is the extraction:\n```json\n{\"data\": {\"year\": 2024}}\n```\nLet me know if you need more."
	obj, err := Parse(text)
	require.NoError(t, err)
	data := obj["data"].(map[string]any)
	assert.Equal(t, float64(2024), data["year"])
}

func TestParseFencedBlockWithoutLanguage(t *testing.T) {
	obj, err := Parse("```\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.Equal(t, float64(1), obj["a"])
}

func TestParseBraceSpanInProse(t *testing.T) {
	text := `The extracted fields are {"data": {"note": "braces {inside} strings stay"}} as requested.`
	obj, err := Parse(text)
	require.NoError(t, err)
	data := obj["data"].(map[string]any)
	assert.Equal(t, "braces {inside} strings stay", data["note"])
}

func TestParseTrailingCommas(t *testing.T) {
	text := `here you go: {"data": {"title": "X",}}`
	obj, err := Parse(text)
	require.NoError(t, err)
	data := obj["data"].(map[string]any)
	assert.Equal(t, "X", data["title"])

	obj, err = Parse(`{"list": [1, 2, 3,], "o": {"k": "v",},}`)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, obj["list"])
}

func TestParseCommaInsideStringUntouched(t *testing.T) {
	obj, err := Parse(`{"s": "a, }", "t": "b"}`)
	require.NoError(t, err)
	assert.Equal(t, "a, }", obj["s"])
	assert.Equal(t, "b", obj["t"])
}

func TestParseMalformed(t *testing.T) {
	for _, text := range []string{
		"",
		"no json here at all",
		"{unclosed",
		"```json\nstill not json\n```",
	} {
		obj, err := Parse(text)
		assert.ErrorIs(t, err, ErrMalformedResponse, "input %q", text)
		assert.NotNil(t, obj)
		assert.Empty(t, obj)
	}
}

func testSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"authors": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
					},
				},
			},
			"meta": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"year": map[string]any{"type": "number"},
				},
			},
		},
	}
}

func TestProjectDropsUnknownKeys(t *testing.T) {
	value := map[string]any{
		"title":   "Doc",
		"invented": "should go",
		"meta":    map[string]any{"year": float64(2020), "noise": true},
	}
	got, ok := Project(value, testSchema()).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Doc", got["title"])
	assert.NotContains(t, got, "invented")
	meta := got["meta"].(map[string]any)
	assert.Equal(t, float64(2020), meta["year"])
	assert.NotContains(t, meta, "noise")
}

func TestProjectArrayItems(t *testing.T) {
	value := map[string]any{
		"authors": []any{
			map[string]any{"name": "Ada", "email": "drop@me"},
			map[string]any{"name": "Grace"},
		},
	}
	got := Project(value, testSchema()).(map[string]any)
	authors := got["authors"].([]any)
	require.Len(t, authors, 2)
	first := authors[0].(map[string]any)
	assert.Equal(t, "Ada", first["name"])
	assert.NotContains(t, first, "email")
}

func TestProjectIdempotent(t *testing.T) {
	value := map[string]any{
		"title": "Doc",
		"extra": 1,
		"authors": []any{map[string]any{"name": "Ada", "x": 2}},
	}
	once := Project(value, testSchema())
	twice := Project(once, testSchema())
	assert.Equal(t, once, twice)
}

func TestProjectNilSchemaPassesThrough(t *testing.T) {
	value := map[string]any{"anything": "goes"}
	assert.Equal(t, value, Project(value, nil))
}

func TestProjectDeepNestingBounded(t *testing.T) {
	// Build a schema and value nested deeper than the recursion bound; the
	// call must return, with layers past the bound passed through.
	schema := map[string]any{"properties": map[string]any{}}
	value := map[string]any{}
	innerSchema := schema
	innerValue := value
	for i := 0; i < maxProjectDepth+10; i++ {
		nextSchema := map[string]any{"properties": map[string]any{}}
		innerSchema["properties"].(map[string]any)["child"] = nextSchema
		nextValue := map[string]any{"stray": i}
		innerValue["child"] = nextValue
		innerSchema = nextSchema
		innerValue = nextValue
	}
	got := Project(value, schema)
	assert.NotNil(t, got)
}

func TestParseWithReasoning(t *testing.T) {
	text := `{"merged_data": {"title": "Merged", "junk": 1}, "reasoning": {"title": "kept chunk 1"}}`
	merged, reasoning, err := ParseWithReasoning(text, testSchema())
	require.NoError(t, err)
	assert.Equal(t, "Merged", merged["title"])
	assert.NotContains(t, merged, "junk")
	assert.Equal(t, "kept chunk 1", reasoning["title"])
}

func TestParseWithReasoningFallback(t *testing.T) {
	// No merged_data/reasoning envelope: the whole object is taken as merged
	// data and a synthetic reasoning note is attached.
	merged, reasoning, err := ParseWithReasoning(`{"title": "Bare"}`, testSchema())
	require.NoError(t, err)
	assert.Equal(t, "Bare", merged["title"])
	assert.Contains(t, reasoning, "fallback")
}

func TestParseWithReasoningMalformed(t *testing.T) {
	merged, reasoning, err := ParseWithReasoning("not json", testSchema())
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Empty(t, merged)
	assert.Empty(t, reasoning)
}
