package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/glindberg2000/superagent/internal/domain"
)

// perMessageOverhead approximates the wrapping tokens each chat message
// costs on top of its content.
const perMessageOverhead = 4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of a text using cl100k_base.
// Falls back to a bytes/4 heuristic if the encoding is unavailable.
func CountTokens(text string) int {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if enc == nil {
		return len(text)/4 + 1
	}
	return len(enc.Encode(text, nil, nil))
}

// TrimToBudget drops the oldest non-system messages until the estimated
// prompt fits within budget tokens. The system message (if first) and the
// final message are always retained: the engine supplies messages in
// priority order, so truncation removes oldest history first.
func TrimToBudget(msgs []domain.Message, budget int) []domain.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Content) + perMessageOverhead
	}
	if total <= budget {
		return msgs
	}

	// Index of the first droppable message.
	start := 0
	if msgs[0].Role == domain.RoleSystem {
		start = 1
	}

	out := append([]domain.Message(nil), msgs...)
	for total > budget && len(out) > start+1 {
		dropped := out[start]
		out = append(out[:start], out[start+1:]...)
		total -= CountTokens(dropped.Content) + perMessageOverhead
	}
	return out
}
