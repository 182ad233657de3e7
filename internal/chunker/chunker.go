// Package chunker splits text and structured data into overlapping,
// metadata-tagged chunks at semantic boundaries.
package chunker

import (
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

const (
	DefaultChunkSize    = 500
	DefaultOverlap      = 50
	DefaultMinChunkSize = 100

	// breakWindow is how far either side of the raw boundary a break may move.
	breakWindow = 100
	previewLen  = 50
)

// Options configures chunking behavior.
type Options struct {
	ChunkSize         int
	Overlap           int
	MinChunkSize      int
	PreserveStructure bool
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		ChunkSize:         DefaultChunkSize,
		Overlap:           DefaultOverlap,
		MinChunkSize:      DefaultMinChunkSize,
		PreserveStructure: true,
	}
}

// Validate checks the size relationships the window loop depends on.
func (o Options) Validate() error {
	switch {
	case o.ChunkSize <= 0:
		return &model.InputError{Field: "chunk_size", Reason: "must be positive"}
	case o.Overlap < 0 || o.Overlap >= o.ChunkSize:
		return &model.InputError{Field: "overlap", Reason: "must be in [0, chunk_size)"}
	case o.MinChunkSize <= 0 || o.MinChunkSize > o.ChunkSize:
		return &model.InputError{Field: "min_chunk_size", Reason: "must be in (0, chunk_size]"}
	}
	return nil
}

// Chunker is stateless apart from its options and clock, and is safe for
// concurrent use.
type Chunker struct {
	opts Options
	now  func() time.Time
}

// Option customizes a Chunker.
type Option func(*Chunker)

// WithClock sets the source of CreatedAt, the only time-varying output.
func WithClock(now func() time.Time) Option {
	return func(c *Chunker) { c.now = now }
}

// New creates a chunker. A zero ChunkSize selects DefaultOptions.
func New(o Options, opts ...Option) (*Chunker, error) {
	if o.ChunkSize == 0 {
		o = DefaultOptions()
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	c := &Chunker{opts: o, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Options returns the chunker's configuration.
func (c *Chunker) Options() Options { return c.opts }

// Break patterns in priority order.
var breakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\n\n`),
	regexp.MustCompile(`\.\s+`),
	regexp.MustCompile(`[!?]\s+`),
	regexp.MustCompile(`;\s+`),
	regexp.MustCompile(`,\s+`),
}

var (
	headingRe     = regexp.MustCompile(`^\s*#+ `)
	listRe        = regexp.MustCompile(`(?m)^\s*[-*+] `)
	orderedListRe = regexp.MustCompile(`(?m)^\s*\d+\. `)
	sentenceEndRe = regexp.MustCompile(`[.!?]+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// Normalize converts line endings and collapses whitespace runs. Chunk
// positions are rune offsets into the normalized text.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// ChunkText splits text into overlapping chunks. Empty input yields nil.
func (c *Chunker) ChunkText(text string, meta map[string]any) []model.Chunk {
	norm := []rune(Normalize(text))
	if len(norm) == 0 {
		return nil
	}

	now := c.now()
	var chunks []model.Chunk
	step := max(c.opts.ChunkSize/4, 20)

	for start := 0; start < len(norm); {
		end := min(start+c.opts.ChunkSize, len(norm))
		if end < len(norm) && c.opts.PreserveStructure {
			end = c.findBreak(norm, start, end)
		}
		last := end >= len(norm)

		content := strings.TrimSpace(string(norm[start:end]))
		if end-start >= c.opts.MinChunkSize || last {
			chunks = append(chunks, model.Chunk{
				Content: content,
				Metadata: model.ChunkMetadata{
					ChunkIndex: len(chunks),
					StartPos:   start,
					EndPos:     end,
					ChunkSize:  utf8.RuneCountInString(content),
					ChunkType:  classify(content),
					CreatedAt:  now,
					Extra:      copyMeta(meta),
				},
			})
		}
		if last {
			break
		}

		// Never step past end, so consecutive spans leave no gap.
		start = min(max(end-c.opts.Overlap, start+step), end)
	}

	annotate(chunks)
	return chunks
}

// findBreak moves the raw boundary to the last preferred break within the
// search window, trying patterns in priority order.
func (c *Chunker) findBreak(text []rune, start, suggested int) int {
	minEnd := max(suggested-breakWindow, start+c.opts.MinChunkSize)
	maxEnd := min(suggested+breakWindow, len(text))
	if minEnd >= maxEnd {
		return suggested
	}
	segment := string(text[minEnd:maxEnd])

	for _, re := range breakPatterns {
		locs := re.FindAllStringIndex(segment, -1)
		if len(locs) == 0 {
			continue
		}
		pos := minEnd + utf8.RuneCountInString(segment[:locs[len(locs)-1][1]])
		if pos > minEnd {
			return pos
		}
	}
	return suggested
}

func classify(text string) string {
	switch {
	case headingRe.MatchString(text):
		return model.ChunkHeading
	case strings.Contains(text, "```"):
		return model.ChunkCode
	case listRe.MatchString(text):
		return model.ChunkList
	case orderedListRe.MatchString(text):
		return model.ChunkOrderedList
	case strings.Contains(text, "\n\n"):
		return model.ChunkParagraph
	default:
		return model.ChunkText
	}
}

// annotate fills in the batch-relative metadata once all chunks exist.
func annotate(chunks []model.Chunk) {
	for i := range chunks {
		m := &chunks[i].Metadata
		text, _ := chunks[i].Text()

		m.TotalChunks = len(chunks)
		m.IsFirst = i == 0
		m.IsLast = i == len(chunks)-1
		m.WordCount = len(strings.Fields(text))
		m.SentenceCount = len(sentenceEndRe.FindAllString(text, -1))
		m.ComplexityScore = complexity(text)

		if i > 0 {
			prev, _ := chunks[i-1].Text()
			m.PrevOverlap = overlap(prev, text)
		}
		if i < len(chunks)-1 {
			next, _ := chunks[i+1].Text()
			m.NextPreview = truncate(next, previewLen)
		}
	}
}

// complexity blends average word length, sentence length and lexical
// diversity, rounded to one decimal.
func complexity(text string) float64 {
	words := strings.Fields(text)
	n := max(len(words), 1)

	letters := utf8.RuneCountInString(strings.Join(words, ""))
	avgWordLen := float64(letters) / float64(n)

	sentences := max(len(sentenceEndRe.FindAllString(text, -1)), 1)
	sentenceLen := float64(utf8.RuneCountInString(text)) / float64(sentences)

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	uniqueRatio := float64(len(unique)) / float64(n)

	return math.Round((avgWordLen+sentenceLen/20+uniqueRatio*10)*10) / 10
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func overlap(a, b string) *model.ChunkOverlap {
	wa, wb := wordSet(a), wordSet(b)
	shared := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			shared++
		}
	}
	return &model.ChunkOverlap{
		WordOverlapCount: shared,
		OverlapRatio:     float64(shared) / float64(max(len(wa), len(wb), 1)),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func contentText(c model.Chunk) string {
	if s, ok := c.Text(); ok {
		return s
	}
	return jsonText(c.Content)
}
