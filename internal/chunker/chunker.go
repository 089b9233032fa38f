// Package chunker splits document text into bounded, overlapping segments
// sized for embedding calls. The splitting strategy adapts to document
// length unless the project pins an explicit chunk size.
package chunker

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/ragfactory/ingest/internal/domain/model"
)

// Strategy identifies how a document was split.
type Strategy string

const (
	// StrategySingle emits the whole document as one chunk.
	StrategySingle Strategy = "single"
	// StrategyFixed walks the text in fixed-size windows with trailing overlap.
	StrategyFixed Strategy = "fixed"
	// StrategyRecursive splits at shrinking natural boundaries (paragraph, line, word).
	StrategyRecursive Strategy = "recursive"
	// StrategySections splits at section/paragraph boundaries first, then falls
	// back to recursive splitting for oversized sections.
	StrategySections Strategy = "sections"
)

// Size tier boundaries, in characters.
const (
	smallThreshold  = 2000
	mediumThreshold = 5000
	largeThreshold  = 20000

	fixedChunkSize     = 1000
	recursiveChunkSize = 2000
	defaultOverlap     = 200
)

// sectionBoundary matches numbered headings and shouty all-caps headings at
// the start of a line, the shapes legal and government corpora actually use.
var sectionBoundary = regexp.MustCompile(`(?m)^(?:\d+\.|[A-Z][A-Z .,;-]{9,})\s*$`)

var paragraphBoundary = regexp.MustCompile(`\n\s*\n`)

// Config carries per-project overrides. Zero values select the adaptive tiers.
type Config struct {
	ChunkSize int `json:"chunk_size,omitempty"`
	Overlap   int `json:"overlap,omitempty"`
}

// Chunker splits documents according to a Config.
type Chunker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Chunker. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{
		cfg:    cfg,
		logger: logger.With("component", "chunker"),
	}
}

// Strategy returns the strategy the adaptive tiers select for a document
// of the given length. With an explicit ChunkSize override the choice is
// single below the size and fixed above it.
func (c *Chunker) Strategy(length int) Strategy {
	if c.cfg.ChunkSize > 0 {
		if length <= c.cfg.ChunkSize {
			return StrategySingle
		}
		return StrategyFixed
	}
	switch {
	case length <= smallThreshold:
		return StrategySingle
	case length <= mediumThreshold:
		return StrategyFixed
	case length <= largeThreshold:
		return StrategyRecursive
	default:
		return StrategySections
	}
}

// Chunk splits one document. Returned chunks carry contiguous ordinals from 0
// and character offsets into the original content.
func (c *Chunker) Chunk(doc *model.RawDocument) ([]model.Chunk, error) {
	content := doc.Content
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("document %q has no content", doc.ExternalID)
	}

	hash := doc.Hash()
	strategy := c.Strategy(len(content))
	c.logger.Debug("chunking document",
		"external_id", doc.ExternalID, "length", len(content), "strategy", strategy)

	size, overlap := c.sizes(strategy)

	var chunks []model.Chunk
	var err error
	switch strategy {
	case StrategySingle:
		chunks = []model.Chunk{{DocumentHash: hash, Index: 0, Text: content, Start: 0, End: len(content)}}
	case StrategyFixed:
		chunks = fixedChunks(hash, content, size, overlap)
	case StrategyRecursive:
		chunks, err = recursiveChunks(hash, content, size, overlap)
	case StrategySections:
		chunks, err = sectionChunks(hash, content, size, overlap)
	}
	if err != nil {
		return nil, fmt.Errorf("chunk document %q: %w", doc.ExternalID, err)
	}
	return chunks, nil
}

// sizes resolves the (chunk size, overlap) pair for a strategy, honoring
// project overrides.
func (c *Chunker) sizes(strategy Strategy) (int, int) {
	size := fixedChunkSize
	if strategy == StrategyRecursive || strategy == StrategySections {
		size = recursiveChunkSize
	}
	overlap := defaultOverlap
	if c.cfg.ChunkSize > 0 {
		size = c.cfg.ChunkSize
	}
	if c.cfg.Overlap > 0 {
		overlap = c.cfg.Overlap
	}
	if overlap >= size {
		overlap = size / 5
	}
	return size, overlap
}

// fixedChunks walks the content in size-char windows; each window after the
// first starts overlap chars before the previous window's end, so every chunk
// repeats the previous chunk's tail verbatim.
func fixedChunks(hash, content string, size, overlap int) []model.Chunk {
	var chunks []model.Chunk
	start := 0
	for start < len(content) {
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, model.Chunk{
			DocumentHash: hash,
			Index:        len(chunks),
			Text:         content[start:end],
			Start:        start,
			End:          end,
		})
		if end == len(content) {
			break
		}
		start = end - overlap
	}
	return chunks
}

// recursiveChunks splits at shrinking natural boundaries via the
// recursive-character splitter, then locates each piece in the original
// content to recover offsets.
func recursiveChunks(hash, content string, size, overlap int) ([]model.Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
	)
	parts, err := splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("recursive split: %w", err)
	}
	return locate(hash, content, parts, nil), nil
}

// sectionChunks cuts the content at section headings (or blank-line paragraph
// boundaries when no headings exist), emits small sections whole, and hands
// oversized sections to the recursive splitter.
func sectionChunks(hash, content string, size, overlap int) ([]model.Chunk, error) {
	bounds := splitOffsets(content)

	var chunks []model.Chunk
	for _, b := range bounds {
		section := content[b[0]:b[1]]
		if strings.TrimSpace(section) == "" {
			continue
		}
		if len(section) <= size*2 {
			chunks = append(chunks, model.Chunk{
				DocumentHash: hash,
				Index:        len(chunks),
				Text:         section,
				Start:        b[0],
				End:          b[1],
			})
			continue
		}
		sub, err := recursiveChunks(hash, section, size, overlap)
		if err != nil {
			return nil, err
		}
		for _, ch := range sub {
			ch.Index = len(chunks)
			ch.Start += b[0]
			ch.End += b[0]
			chunks = append(chunks, ch)
		}
	}
	return chunks, nil
}

// splitOffsets returns [start,end) offsets of the content's sections. Cuts
// land at section-heading starts; when the content has no headings, blank
// lines between paragraphs are used instead. Every byte of content belongs
// to exactly one section.
func splitOffsets(content string) [][2]int {
	marks := sectionBoundary.FindAllStringIndex(content, -1)
	if len(marks) < 2 {
		marks = paragraphBoundary.FindAllStringIndex(content, -1)
	}

	cuts := []int{0}
	for _, m := range marks {
		if m[0] > 0 && m[0] > cuts[len(cuts)-1] {
			cuts = append(cuts, m[0])
		}
	}
	cuts = append(cuts, len(content))

	bounds := make([][2]int, 0, len(cuts)-1)
	for i := 0; i < len(cuts)-1; i++ {
		bounds = append(bounds, [2]int{cuts[i], cuts[i+1]})
	}
	return bounds
}

// locate maps split pieces back to offsets in the original content. Pieces
// overlap, so each search starts just past the previous piece's start.
func locate(hash, content string, parts []string, chunks []model.Chunk) []model.Chunk {
	searchFrom := 0
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		start := strings.Index(content[searchFrom:], part)
		if start < 0 {
			// The splitter normalized whitespace; fall back to the search base.
			start = 0
		}
		start += searchFrom
		chunks = append(chunks, model.Chunk{
			DocumentHash: hash,
			Index:        len(chunks),
			Text:         part,
			Start:        start,
			End:          start + len(part),
		})
		if start+1 > searchFrom {
			searchFrom = start + 1
		}
	}
	return chunks
}
