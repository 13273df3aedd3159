package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyModelError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth", errors.New("401 Unauthorized: invalid x-api-key"), "The model provider rejected the configured credentials. Check the API key."},
		{"quota", errors.New("you exceeded your current quota"), "The model provider reports the account is out of credit."},
		{"rate limit", errors.New("429 Too Many Requests"), "The model provider is rate limiting requests. Wait a moment and try again."},
		{"overloaded", errors.New("anthropic: Overloaded"), "The model provider is rate limiting requests. Wait a moment and try again."},
		{"modality", errors.New("this model does not support image input"), "The selected model cannot process this kind of attachment."},
		{"model not found", errors.New("model_not_found: gpt-9"), "The configured model was not found. Check the model name."},
		{"context overflow", errors.New("prompt is too long: 210000 tokens"), "The conversation no longer fits in the model's context window."},
		{"timeout", errors.New("context deadline exceeded"), "The model took too long to respond. Try again."},
		{"network", errors.New("dial tcp: no such host"), "Could not reach the model provider. Check the network connection."},
		{"content filter", errors.New("blocked by content policy"), "The model provider declined to answer this request."},
		{"empty response", ErrEmptyResponse, "The model returned an empty response. Try rephrasing the request."},
		{"wrapped empty response", fmt.Errorf("run: %w", ErrEmptyResponse), "The model returned an empty response. Try rephrasing the request."},
		{"unknown", errors.New("something odd happened"), "The model request failed unexpectedly. Try again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyModelError(tt.err); got != tt.want {
				t.Errorf("ClassifyModelError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyModelErrorOrdering(t *testing.T) {
	// An auth failure that also mentions a connection should classify as auth.
	err := errors.New("connection closed: 401 authentication failed")
	if got := ClassifyModelError(err); got != "The model provider rejected the configured credentials. Check the API key." {
		t.Errorf("narrower class should win: got %q", got)
	}
}
