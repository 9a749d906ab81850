package ai

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Tokenizer counts tokens with the provider's vocabulary.
type Tokenizer interface {
	Count(text string) int
}

type tiktokenCounter struct {
	codec tokenizer.Codec
}

func (t tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

var (
	defaultTokenizerOnce sync.Once
	defaultTokenizer     Tokenizer
	defaultTokenizerErr  error
)

// DefaultTokenizer returns the process-wide cl100k_base tokenizer (the
// gpt-3.5-turbo vocabulary). It is built on first use and shared afterwards.
func DefaultTokenizer() (Tokenizer, error) {
	defaultTokenizerOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			defaultTokenizerErr = err
			return
		}
		defaultTokenizer = tiktokenCounter{codec: codec}
	})
	return defaultTokenizer, defaultTokenizerErr
}
