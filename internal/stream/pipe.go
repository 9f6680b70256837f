// Package stream moves upstream response bytes to the client: SSE piping
// with dialect translation, non-streaming accumulation, and Ollama NDJSON
// framing.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/translator"
)

// maxSSELine bounds a single upstream SSE line.
const maxSSELine = 4 * 1024 * 1024

// stage is one translation hop with its per-stream state.
type stage struct {
	t  *translator.Translator
	st *translator.State
}

// resolveStages builds the wire→client translation chain, going through the
// chat dialect when no direct edge exists. Ollama clients always terminate at
// the chat dialect; the NDJSON writer does the final framing.
func resolveStages(reg *translator.Registry, from, to translator.Format, model string) ([]stage, error) {
	target := to
	if to == translator.FormatOllama {
		target = translator.FormatOpenAIChat
	}

	if t, err := reg.Lookup(from, target); err == nil && t.Response != nil {
		return []stage{{t: t, st: translator.NewState(model)}}, nil
	}

	first, err := reg.Lookup(from, translator.FormatOpenAIChat)
	if err != nil || first.Response == nil {
		return nil, fmt.Errorf("no response translation from %s to %s", from, to)
	}
	second, err := reg.Lookup(translator.FormatOpenAIChat, target)
	if err != nil || second.Response == nil {
		return nil, fmt.Errorf("no response translation from %s to %s", from, to)
	}
	return []stage{
		{t: first, st: translator.NewState(model)},
		{t: second, st: translator.NewState(model)},
	}, nil
}

// runStages pushes one upstream chunk through the chain.
func runStages(stages []stage, chunk []byte) ([]translator.Frame, error) {
	frames := []translator.Frame{{Data: chunk}}
	for _, s := range stages {
		var next []translator.Frame
		for _, f := range frames {
			out, err := s.t.Response(f.Data, s.st)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		frames = next
	}
	return frames, nil
}

// flushStages drains trailing frames when the upstream ends: each stage's
// flush output still passes through the stages after it.
func flushStages(stages []stage) ([]translator.Frame, error) {
	var out []translator.Frame
	for i, s := range stages {
		if s.t.Flush == nil {
			continue
		}
		frames, err := s.t.Flush(s.st)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			carried := []translator.Frame{f}
			for _, later := range stages[i+1:] {
				var next []translator.Frame
				for _, c := range carried {
					got, err := later.t.Response(c.Data, later.st)
					if err != nil {
						return nil, err
					}
					next = append(next, got...)
				}
				carried = next
			}
			out = append(out, carried...)
		}
	}
	return out, nil
}

// frameWriter serializes client-dialect frames.
type frameWriter interface {
	WriteFrame(f translator.Frame) error
	Finish() error
}

// Pipe streams an upstream SSE body to the client, translating from the wire
// dialect to the client dialect. Invalid data lines are dropped rather than
// failing the stream.
func Pipe(w io.Writer, body io.Reader, from, to translator.Format, reg *translator.Registry, model string) error {
	stages, err := resolveStages(reg, from, to, model)
	if err != nil {
		return err
	}

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	var fw frameWriter
	if to == translator.FormatOllama {
		fw = &ollamaWriter{w: w, flush: flush, model: model}
	} else {
		fw = &sseWriter{w: w, flush: flush, dialect: to}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

scan:
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			payload, ok = strings.CutPrefix(line, "data:")
		}
		if !ok || payload == "" {
			continue
		}
		if strings.TrimSpace(payload) == "[DONE]" {
			break scan
		}
		if !json.Valid([]byte(payload)) {
			continue
		}
		frames, err := runStages(stages, []byte(payload))
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := fw.WriteFrame(f); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}

	trailing, err := flushStages(stages)
	if err != nil {
		return err
	}
	for _, f := range trailing {
		if err := fw.WriteFrame(f); err != nil {
			return err
		}
	}
	return fw.Finish()
}

// sseWriter emits `event:`/`data:` frames. Claude and Responses dialects
// carry an event name on every frame; when the translator did not set one it
// is recovered from the payload's type field.
type sseWriter struct {
	w       io.Writer
	flush   func()
	dialect translator.Format
}

func (s *sseWriter) WriteFrame(f translator.Frame) error {
	event := f.Event
	if event == "" && (s.dialect == translator.FormatClaude || s.dialect == translator.FormatOpenAIResponses) {
		event = gjson.GetBytes(f.Data, "type").String()
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", f.Data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) Finish() error {
	if s.dialect == translator.FormatOpenAIChat {
		if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
		s.flush()
	}
	return nil
}
