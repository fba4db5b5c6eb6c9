package generation

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the token count of text with cl100k_base.
// Used to fill usage metadata when the backend does not report its own
// numbers; 0 on tokenizer failure.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

func estimateRequestTokens(req Request) int {
	total := EstimateTokens(req.ResumeText)
	for _, t := range req.History {
		total += EstimateTokens(t.Content)
	}
	return total
}
