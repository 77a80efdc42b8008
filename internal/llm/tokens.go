package llm

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// messageOverhead approximates the per-message framing tokens chat models add.
const messageOverhead = 4

// TokenCounter counts tokens with the cl100k_base encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounter     *TokenCounter
	defaultCounterErr  error
	defaultCounterOnce sync.Once
)

// NewTokenCounter loads the cl100k_base codec.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// DefaultTokenCounter returns a process-wide counter, loading it once.
func DefaultTokenCounter() (*TokenCounter, error) {
	defaultCounterOnce.Do(func() {
		defaultCounter, defaultCounterErr = NewTokenCounter()
	})
	return defaultCounter, defaultCounterErr
}

// Count returns the number of tokens in text. Falls back to a length estimate
// if the codec rejects the input.
func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

// CountMessage returns the token cost of a message including framing.
func (t *TokenCounter) CountMessage(m Message) int {
	return t.Count(m.Content) + messageOverhead
}

// TrimHistory keeps the newest messages whose combined cost fits budget. The
// newest message is always kept, even when it alone exceeds the budget.
// Order is preserved.
func (t *TokenCounter) TrimHistory(history []Message, budget int) []Message {
	if len(history) == 0 {
		return history
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := t.CountMessage(history[i])
		if used+cost > budget && start < len(history) {
			break
		}
		used += cost
		start = i
	}
	return history[start:]
}
