package agent

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by the runtime.
var (
	// ErrEmptyResponse indicates the model produced only reasoning and no
	// user-facing text.
	ErrEmptyResponse = errors.New("model produced no user-facing text")

	// ErrMaxIterations indicates the tool loop exceeded its iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")
)

// errorClass pairs lowercase substrings of provider error text with the
// sentence shown to users. First match wins, so narrower classes come first.
type errorClass struct {
	patterns []string
	message  string
}

var errorClasses = []errorClass{
	{
		patterns: []string{"invalid api key", "invalid x-api-key", "authentication", "unauthorized", "401", "permission denied to model"},
		message:  "The model provider rejected the configured credentials. Check the API key.",
	},
	{
		patterns: []string{"insufficient credit", "insufficient_quota", "exceeded your current quota", "billing", "payment required", "402"},
		message:  "The model provider reports the account is out of credit.",
	},
	{
		patterns: []string{"rate limit", "rate_limit", "too many requests", "429", "overloaded"},
		message:  "The model provider is rate limiting requests. Wait a moment and try again.",
	},
	{
		patterns: []string{"does not support image", "unsupported media", "unsupported modality", "image input", "vision is not"},
		message:  "The selected model cannot process this kind of attachment.",
	},
	{
		patterns: []string{"model not found", "unknown model", "model_not_found", "no such model", "does not exist or you do not have access"},
		message:  "The configured model was not found. Check the model name.",
	},
	{
		patterns: []string{"context length", "context_length", "maximum context", "context window", "prompt is too long", "too many tokens"},
		message:  "The conversation no longer fits in the model's context window.",
	},
	{
		patterns: []string{"timeout", "timed out", "deadline exceeded"},
		message:  "The model took too long to respond. Try again.",
	},
	{
		patterns: []string{"connection", "network", "dns", "refused", "unreachable", "no such host", "tls"},
		message:  "Could not reach the model provider. Check the network connection.",
	},
	{
		patterns: []string{"content filter", "content_filter", "content policy", "safety", "refused by moderation"},
		message:  "The model provider declined to answer this request.",
	},
}

// emptyResponseMessage is the user-facing sentence for EMPTY_RESPONSE.
const emptyResponseMessage = "The model returned an empty response. Try rephrasing the request."

// fallbackErrorMessage covers provider errors no class matches.
const fallbackErrorMessage = "The model request failed unexpectedly. Try again."

// ClassifyModelError maps a provider error onto a user-friendly sentence.
func ClassifyModelError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrEmptyResponse) {
		return emptyResponseMessage
	}
	text := strings.ToLower(err.Error())
	for _, class := range errorClasses {
		for _, pattern := range class.patterns {
			if strings.Contains(text, pattern) {
				return class.message
			}
		}
	}
	return fallbackErrorMessage
}
