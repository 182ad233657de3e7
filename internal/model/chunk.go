package model

import "time"

// Chunk types assigned by the chunker.
const (
	ChunkHeading     = "heading"
	ChunkCode        = "code"
	ChunkList        = "list"
	ChunkOrderedList = "ordered_list"
	ChunkParagraph   = "paragraph"
	ChunkText        = "text"
	ChunkArray       = "array"
	ChunkObject      = "object"
)

// Chunk is one segment produced by a single chunking call. Content is a
// string for text chunks and a slice or map fragment for structured ones.
type Chunk struct {
	Content  any           `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
}

// Text returns the chunk content when it is a string.
func (c Chunk) Text() (string, bool) {
	s, ok := c.Content.(string)
	return s, ok
}

// ChunkOverlap measures shared vocabulary with the previous chunk.
type ChunkOverlap struct {
	WordOverlapCount int     `json:"word_overlap_count"`
	OverlapRatio     float64 `json:"overlap_ratio"`
}

// ChunkMetadata describes a chunk's position and quality metrics.
type ChunkMetadata struct {
	ChunkIndex      int            `json:"chunk_index"`
	StartPos        int            `json:"start_pos"`
	EndPos          int            `json:"end_pos"`
	ChunkSize       int            `json:"chunk_size"`
	ChunkType       string         `json:"chunk_type"`
	TotalChunks     int            `json:"total_chunks"`
	IsFirst         bool           `json:"is_first"`
	IsLast          bool           `json:"is_last"`
	WordCount       int            `json:"word_count"`
	SentenceCount   int            `json:"sentence_count"`
	ComplexityScore float64        `json:"complexity_score"`
	PrevOverlap     *ChunkOverlap  `json:"prev_chunk_overlap,omitempty"`
	NextPreview     string         `json:"next_chunk_preview,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartIndex      int            `json:"start_index,omitempty"`
	EndIndex        int            `json:"end_index,omitempty"`
	ItemCount       int            `json:"item_count,omitempty"`
	PropertyCount   int            `json:"property_count,omitempty"`
	PropertyNames   []string       `json:"property_names,omitempty"`
	OriginalType    string         `json:"original_type,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}
