package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mohammad-safakhou/mentor/config"
)

// charsPerToken is the rough chars-per-token factor used to map token
// budgets onto rune offsets without a tokenizer dependency.
const charsPerToken = 4

// Chunks splits content into overlapping segments bounded by the configured
// token budget, dropping segments below the minimum effective length.
// Output is deterministic for identical input and parameters.
func Chunks(text string, cfg config.IngestionConfig) []string {
	cfg = cfg.Normalize()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	size := cfg.MaxTokensPerChunk * charsPerToken
	overlap := cfg.ChunkOverlap * charsPerToken
	if overlap >= size {
		overlap = size / 10
	}

	if len(text) <= size {
		if len(text) < cfg.MinChunkSize {
			return nil
		}
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunk := text[start:end]
		if len(chunk) >= cfg.MinChunkSize {
			chunks = append(chunks, chunk)
		}
		if end == len(text) {
			break
		}
		start = end - overlap
	}
	return chunks
}

// ContentHash returns the stable identity hash for a chunk's text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
