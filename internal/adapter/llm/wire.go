package llm

import (
	"encoding/json"
	"fmt"

	"github.com/glindberg2000/superagent/internal/domain"
)

func marshalRequest(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func unmarshalOpenAIResponse(body []byte) (*domain.ChatResponse, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return fromOpenAIResponse(resp), nil
}
