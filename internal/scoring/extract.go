package scoring

import (
	"strings"

	"dartscore/internal/upstream/serving"
)

var blockedFinishReasons = map[string]struct{}{
	"content_filter":     {},
	"safety":             {},
	"blocked":            {},
	"prohibited_content": {},
}

// ExtractText pulls the reply text out of choice 0. A reply without choices
// counts as empty text.
func ExtractText(resp serving.QueryResponse) (string, error) {
	var text string
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if IsBlockedFinishReason(choice.FinishReason) {
			return "", &BlockedError{FinishReason: choice.FinishReason}
		}
		if choice.Message != nil {
			if strings.TrimSpace(choice.Message.Content) == "" && strings.TrimSpace(choice.Message.Refusal) != "" {
				return "", &RefusedError{Refusal: strings.TrimSpace(choice.Message.Refusal)}
			}
			text = choice.Message.Content
		} else {
			text = choice.Text
		}
	}

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func IsBlockedFinishReason(reason string) bool {
	_, ok := blockedFinishReasons[strings.ToLower(strings.TrimSpace(reason))]
	return ok
}
