package processor

import (
	"fmt"

	"github.com/xhad/docrag/internal/models"
)

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// Lookback is how far before the size limit a natural break is searched for.
	Lookback int
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 4
	}
	if config.Lookback <= 0 {
		config.Lookback = config.ChunkSize / 5
	}
	if config.Lookback > config.ChunkSize {
		config.Lookback = config.ChunkSize
	}

	return Processor{
		config: config,
	}
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// ChunkID is deterministic so that reprocessing a document overwrites its
// previous chunks instead of adding new ones.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", documentID, ordinal)
}

// Split cuts text into overlapping chunks. Every chunk after the first
// starts exactly ChunkOverlap characters before the end of the previous one,
// and the last chunk ends at the end of text.
func (p *Processor) Split(documentID, ownerID, text string) []models.Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	size, overlap := p.config.ChunkSize, p.config.ChunkOverlap
	chunks := make([]models.Chunk, 0, n/(size-overlap)+1)

	start := 0
	for {
		end := start + size
		last := end >= n
		if last {
			end = n
		} else {
			end = p.findBreak(runes, start, end)
		}

		id := ChunkID(documentID, len(chunks))
		chunks = append(chunks, models.Chunk{
			ID:          id,
			DocumentID:  documentID,
			OwnerID:     ownerID,
			Ordinal:     len(chunks),
			Content:     string(runes[start:end]),
			StartOffset: start,
			EndOffset:   end,
			IndexKey:    id,
		})

		if last {
			break
		}
		start = end - overlap
	}

	return chunks
}

// findBreak picks the cut position for a chunk starting at start whose hard
// limit is limit. It looks back at most Lookback characters and never returns
// a cut that would keep the next chunk from advancing past start.
func (p *Processor) findBreak(runes []rune, start, limit int) int {
	floor := limit - p.config.Lookback
	if lo := start + p.config.ChunkOverlap + 1; floor < lo {
		floor = lo
	}
	if floor >= limit {
		return limit
	}

	// Paragraph break: cut after the blank line.
	for i := limit - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}

	// Sentence end followed by whitespace: cut after the whitespace.
	for i := limit - 1; i > floor; i-- {
		if isSpace(runes[i]) && isSentenceEnd(runes[i-1]) {
			return i + 1
		}
	}

	// Line break, then word boundary.
	for i := limit - 1; i >= floor; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	for i := limit - 1; i >= floor; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i + 1
		}
	}

	return limit
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}

// Reassemble joins chunks back into the source text by dropping each chunk's
// overlap with its predecessor.
func Reassemble(chunks []models.Chunk) string {
	var out []rune
	prevEnd := 0
	for i, c := range chunks {
		r := []rune(c.Content)
		if i > 0 {
			skip := prevEnd - c.StartOffset
			if skip > len(r) {
				skip = len(r)
			}
			r = r[skip:]
		}
		out = append(out, r...)
		prevEnd = c.EndOffset
	}
	return string(out)
}
