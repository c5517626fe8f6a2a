package chat

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xhad/docrag/internal/models"
)

// Matches [1], [2][3] and [1, 4].
var citationPattern = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

// Citations returns the 1-based passage numbers cited in answer, in order of
// first appearance. Numbers outside 1..n are ignored.
func Citations(answer string, n int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		for _, part := range strings.Split(m[1], ",") {
			num, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || num < 1 || num > n || seen[num] {
				continue
			}
			seen[num] = true
			out = append(out, num)
		}
	}
	return out
}

// CitedChunkIDs maps the citations in answer to the chunk IDs of the
// numbered passages, without duplicates.
func CitedChunkIDs(answer string, passages []models.Passage) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, num := range Citations(answer, len(passages)) {
		for _, id := range passages[num-1].ChunkIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
