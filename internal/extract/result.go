package extract

// FieldMetadata describes where and how a field's value appeared in the
// source document, as reported by the model.
type FieldMetadata struct {
	PageNumber int     `json:"page_number"`
	Prominence string  `json:"prominence"`
	Format     string  `json:"format"`
	Confidence float64 `json:"confidence"`
}

// ChunkResult is the outcome of extracting one chunk. It only lives for the
// duration of a single file's extraction pass.
type ChunkResult struct {
	ChunkIndex int                      `json:"chunk_index"`
	Data       map[string]any           `json:"data"`
	Metadata   map[string]FieldMetadata `json:"metadata"`
}
