package chat

import (
	"fmt"

	"LocalChat/internal/engine"
)

// UsageStats summarizes one completed generation
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	PrefillRate      float64 // tokens/sec
	DecodeRate       float64 // tokens/sec
}

// StatsFromUsage converts engine usage into UsageStats
func StatsFromUsage(u engine.Usage) UsageStats {
	return UsageStats{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		PrefillRate:      u.PrefillTokensPerSec,
		DecodeRate:       u.DecodeTokensPerSec,
	}
}

func (s UsageStats) String() string {
	return fmt.Sprintf("prompt_tokens: %d, completion_tokens: %d, prefill: %.4f tokens/sec, decoding: %.4f tokens/sec",
		s.PromptTokens, s.CompletionTokens, s.PrefillRate, s.DecodeRate)
}
