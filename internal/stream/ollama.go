package stream

import (
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/polyrelay/polyrelay/internal/translator"
)

// ollamaMessage is one NDJSON frame of the Ollama chat stream.
type ollamaMessage struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// ollamaWriter converts chat chunks into Ollama's newline-delimited JSON
// framing. Tool calls have no Ollama representation here; their text already
// flows through content.
type ollamaWriter struct {
	w     io.Writer
	flush func()
	model string

	finish string
	usage  translator.ChatUsage
}

func (o *ollamaWriter) WriteFrame(f translator.Frame) error {
	var chunk translator.ChatChunk
	if err := json.Unmarshal(f.Data, &chunk); err != nil {
		return nil
	}
	if chunk.Usage != nil {
		o.usage = *chunk.Usage
	}
	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil {
			o.finish = *choice.FinishReason
		}
		if choice.Delta == nil || choice.Delta.Content == "" {
			continue
		}
		msg := ollamaMessage{Model: o.model, CreatedAt: time.Now().UTC().Format(time.RFC3339Nano)}
		msg.Message.Role = "assistant"
		msg.Message.Content = choice.Delta.Content
		if err := o.write(msg); err != nil {
			return err
		}
	}
	return nil
}

func (o *ollamaWriter) Finish() error {
	msg := ollamaMessage{
		Model:           o.model,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Done:            true,
		DoneReason:      o.finish,
		PromptEvalCount: o.usage.PromptTokens,
		EvalCount:       o.usage.CompletionTokens,
	}
	msg.Message.Role = "assistant"
	if msg.DoneReason == "" {
		msg.DoneReason = "stop"
	}
	return o.write(msg)
}

func (o *ollamaWriter) write(msg ollamaMessage) error {
	enc, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := o.w.Write(append(enc, '\n')); err != nil {
		return err
	}
	o.flush()
	return nil
}
