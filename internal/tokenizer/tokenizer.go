// Package tokenizer turns lines of text into token ids. Ids are unbounded
// uint64 values; the engine reduces them modulo the vocabulary size.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-infini/internal/gguf"
	"github.com/23skdu/longbow-infini/internal/logger"
)

// Hashing splits on whitespace and hashes each word to a 64-bit id.
type Hashing struct{}

func (Hashing) Encode(text string) []uint64 {
	words := strings.Fields(text)
	ids := make([]uint64, len(words))
	for i, w := range words {
		ids[i] = xxhash.Sum64String(w)
	}
	return ids
}

// Tokenizer maps words through a GGUF vocabulary. Words missing from the
// vocabulary fall back to their hash.
type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	misses int
}

func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, fmt.Errorf("vocabulary %s: %w", path, err)
	}
	t := FromTokens(tokens)
	logger.Log.Info("Vocabulary loaded", "path", path, "tokens", len(tokens))
	return t, nil
}

func FromTokens(tokens []string) *Tokenizer {
	vocab := make(map[string]int, len(tokens))
	for i, s := range tokens {
		if _, dup := vocab[s]; !dup {
			vocab[s] = i
		}
	}
	return &Tokenizer{Tokens: tokens, Vocab: vocab}
}

func (t *Tokenizer) Encode(text string) []uint64 {
	words := strings.Fields(text)
	ids := make([]uint64, 0, len(words))

	for i, w := range words {
		// BPE vocabularies mark a leading space on non-initial words.
		candidates := []string{w}
		if i > 0 {
			candidates = []string{" " + w, "Ġ" + w, "▁" + w, w}
		}
		id, ok := t.lookup(candidates)
		if !ok {
			t.misses++
			logger.Log.Debug("Token not in vocabulary", "word", w)
			ids = append(ids, xxhash.Sum64String(w))
			continue
		}
		ids = append(ids, uint64(id))
	}
	return ids
}

func (t *Tokenizer) lookup(candidates []string) (int, bool) {
	for _, c := range candidates {
		if id, ok := t.Vocab[c]; ok {
			return id, true
		}
	}
	return 0, false
}

// Misses counts words that fell back to hashing.
func (t *Tokenizer) Misses() int { return t.misses }

func (t *Tokenizer) Decode(ids []uint64) string {
	var sb strings.Builder
	for _, id := range ids {
		if id >= uint64(len(t.Tokens)) {
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	return sb.String()
}
