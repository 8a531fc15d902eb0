// Package models defines the data structures shared by the embedding job client.
package models

import (
	"fmt"
	"strings"
)

// Chunk is one unit of text submitted for embedding. Chunks are supplied by the
// caller and never modified.
type Chunk struct {
	ID   string `json:"chunk_id"`
	Text string `json:"text"`
}

// ValidateChunks checks that every chunk has an ID and that IDs are unique
// within the collection.
func ValidateChunks(chunks []Chunk) error {
	seen := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("%w: chunk %d has no id", ErrInvalidChunks, i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate chunk id %q", ErrInvalidChunks, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// Partition splits chunks into consecutive groups of at most size chunks.
func Partition(chunks []Chunk, size int) [][]Chunk {
	if size <= 0 {
		size = 1
	}
	groups := make([][]Chunk, 0, (len(chunks)+size-1)/size)
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		groups = append(groups, chunks[start:end])
	}
	return groups
}
