package chunker

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

// ChunkStructured chunks strings as text, slices in fixed-size item groups
// and objects in fixed-size key groups. Anything else is chunked as its
// indented JSON text. Values that cannot be encoded as JSON are rejected.
func (c *Chunker) ChunkStructured(data any, meta map[string]any) ([]model.Chunk, error) {
	if data == nil {
		return nil, nil
	}
	if s, ok := data.(string); ok {
		return c.ChunkText(s, meta), nil
	}

	// Round-trip through JSON so structs, typed slices and maps all arrive
	// in the same generic shape.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &model.InputError{Field: "data", Reason: "not JSON-serializable: " + err.Error()}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &model.InputError{Field: "data", Reason: err.Error()}
	}

	switch v := generic.(type) {
	case []any:
		return c.chunkArray(v, meta), nil
	case map[string]any:
		return c.chunkObject(v, meta), nil
	default:
		chunks := c.ChunkText(jsonIndent(v), meta)
		for i := range chunks {
			chunks[i].Metadata.OriginalType = jsonType(v)
		}
		return chunks, nil
	}
}

func (c *Chunker) chunkArray(items []any, meta map[string]any) []model.Chunk {
	per := ceilDiv(c.opts.ChunkSize, 100)
	now := c.now()
	var chunks []model.Chunk
	for i := 0; i < len(items); i += per {
		group := items[i:min(i+per, len(items))]
		chunks = append(chunks, model.Chunk{
			Content: group,
			Metadata: model.ChunkMetadata{
				ChunkIndex: i / per,
				ChunkType:  model.ChunkArray,
				StartIndex: i,
				EndIndex:   i + len(group) - 1,
				ItemCount:  len(group),
				ChunkSize:  utf8.RuneCountInString(jsonText(group)),
				CreatedAt:  now,
				Extra:      copyMeta(meta),
			},
		})
	}
	markPositions(chunks)
	return chunks
}

// chunkObject groups keys in sorted order so output is deterministic.
func (c *Chunker) chunkObject(obj map[string]any, meta map[string]any) []model.Chunk {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	per := ceilDiv(c.opts.ChunkSize, 200)
	now := c.now()
	var chunks []model.Chunk
	for i := 0; i < len(keys); i += per {
		names := keys[i:min(i+per, len(keys))]
		group := make(map[string]any, len(names))
		for _, k := range names {
			group[k] = obj[k]
		}
		chunks = append(chunks, model.Chunk{
			Content: group,
			Metadata: model.ChunkMetadata{
				ChunkIndex:    i / per,
				ChunkType:     model.ChunkObject,
				PropertyCount: len(names),
				PropertyNames: append([]string(nil), names...),
				ChunkSize:     utf8.RuneCountInString(jsonText(group)),
				CreatedAt:     now,
				Extra:         copyMeta(meta),
			},
		})
	}
	markPositions(chunks)
	return chunks
}

func markPositions(chunks []model.Chunk) {
	for i := range chunks {
		chunks[i].Metadata.TotalChunks = len(chunks)
		chunks[i].Metadata.IsFirst = i == 0
		chunks[i].Metadata.IsLast = i == len(chunks)-1
	}
}

// MergeOptions controls Merge. An empty Separator means a blank line.
type MergeOptions struct {
	IncludeMetadata bool
	Separator       string
}

// MergeMetadata aggregates the metadata of merged chunks.
type MergeMetadata struct {
	TotalChunks      int                   `json:"total_chunks"`
	MergedAt         time.Time             `json:"merged_at"`
	OriginalMetadata []model.ChunkMetadata `json:"original_metadata"`
}

// MergeResult is the reassembled text, plus metadata when requested.
type MergeResult struct {
	Text     string         `json:"text"`
	Metadata *MergeMetadata `json:"metadata,omitempty"`
}

// Merge joins chunks in chunk index order. The input slice is not
// reordered.
func (c *Chunker) Merge(chunks []model.Chunk, o MergeOptions) MergeResult {
	if len(chunks) == 0 {
		return MergeResult{}
	}
	sep := o.Separator
	if sep == "" {
		sep = "\n\n"
	}

	sorted := append([]model.Chunk(nil), chunks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Metadata.ChunkIndex < sorted[j].Metadata.ChunkIndex
	})

	parts := make([]string, len(sorted))
	for i, ch := range sorted {
		parts[i] = contentText(ch)
	}
	res := MergeResult{Text: strings.Join(parts, sep)}

	if o.IncludeMetadata {
		md := &MergeMetadata{TotalChunks: len(sorted), MergedAt: c.now()}
		for _, ch := range sorted {
			md.OriginalMetadata = append(md.OriginalMetadata, ch.Metadata)
		}
		res.Metadata = md
	}
	return res
}

// Stats summarizes a chunk batch.
type Stats struct {
	ChunkCount      int      `json:"chunk_count"`
	AvgChunkSize    int      `json:"avg_chunk_size"`
	MinChunkSize    int      `json:"min_chunk_size"`
	MaxChunkSize    int      `json:"max_chunk_size"`
	AvgWordCount    int      `json:"avg_word_count"`
	TotalCharacters int      `json:"total_characters"`
	ChunkTypes      []string `json:"chunk_types"`
}

// Stats returns nil for an empty batch. Sizes are rune counts of the text
// content, or of the JSON encoding for structured chunks.
func (c *Chunker) Stats(chunks []model.Chunk) *Stats {
	if len(chunks) == 0 {
		return nil
	}
	s := &Stats{ChunkCount: len(chunks), MinChunkSize: math.MaxInt}
	seen := make(map[string]bool)
	words := 0
	for _, ch := range chunks {
		text := contentText(ch)
		size := utf8.RuneCountInString(text)
		s.TotalCharacters += size
		s.MinChunkSize = min(s.MinChunkSize, size)
		s.MaxChunkSize = max(s.MaxChunkSize, size)

		if ch.Metadata.WordCount > 0 {
			words += ch.Metadata.WordCount
		} else {
			words += len(strings.Fields(text))
		}

		if t := ch.Metadata.ChunkType; !seen[t] {
			seen[t] = true
			s.ChunkTypes = append(s.ChunkTypes, t)
		}
	}
	s.AvgChunkSize = int(math.Round(float64(s.TotalCharacters) / float64(len(chunks))))
	s.AvgWordCount = int(math.Round(float64(words) / float64(len(chunks))))
	return s
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func jsonIndent(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(raw)
}

func jsonType(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	default:
		return "null"
	}
}
