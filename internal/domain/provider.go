package domain

import (
	"context"
	"io"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ContextWindow is the prompt sent to the language model: a fixed system
// preamble followed by history (oldest first) and the new user entry.
type ContextWindow struct {
	System  ChatMessage
	Entries []ChatMessage
}

// Messages flattens the window into the order the backend expects.
func (w ContextWindow) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(w.Entries)+1)
	out = append(out, w.System)
	return append(out, w.Entries...)
}

// Len counts entries excluding the system preamble.
func (w ContextWindow) Len() int { return len(w.Entries) }

type CompletionRequest struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Text         string
	FinishReason string // stop | length
	Usage        Usage
	LatencyMs    int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completer is the language-model backend.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Healthy(ctx context.Context) error
}

type Transcription struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcription, error)
}

// Synthesizer renders text as speech. The caller closes the returned reader.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error)
}
