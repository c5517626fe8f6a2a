package models

// Passage is retrieved text ready to be placed in a prompt. Overlapping
// chunks of one document are merged into a single passage.
type Passage struct {
	ChunkIDs    []string
	DocumentID  string
	Filename    string
	Content     string
	Score       float64
	StartOffset int
	EndOffset   int
}
