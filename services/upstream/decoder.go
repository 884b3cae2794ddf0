package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// maxLineSize caps a single buffered SSE line.
const maxLineSize = 1 << 20

const doneSentinel = "[DONE]"

var (
	ErrLineTooLong    = errors.New("upstream line exceeds maximum size")
	ErrMalformedChunk = errors.New("malformed upstream chunk")
)

// ProviderError is an error object sent inside the stream by the provider.
type ProviderError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
	}
	return "provider error: " + e.Message
}

// Frame is one decoded logical unit of the upstream stream.
type Frame struct {
	Delta        string
	FinishReason string
	Done         bool // [DONE] sentinel seen
}

// chunk is an OpenAI-compatible streaming chunk
type chunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *ProviderError `json:"error,omitempty"`
}

// Decoder turns arbitrary byte chunks of an SSE body into Frames. Bytes after
// the last newline are carried over to the next Feed, so a unit split across
// reads is decoded only once it is complete. Every data line is one chunk.
type Decoder struct {
	carry []byte
	done  bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes p and returns the frames completed by it. After the end
// sentinel, further input is ignored.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.done {
		return nil, nil
	}
	d.carry = append(d.carry, p...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := d.carry[:i]
		d.carry = d.carry[i+1:]

		out, err := d.line(bytes.TrimSuffix(line, []byte("\r")))
		if err != nil {
			return frames, err
		}
		frames = append(frames, out...)
		if d.done {
			d.carry = nil
			return frames, nil
		}
	}

	if len(d.carry) > maxLineSize {
		return frames, ErrLineTooLong
	}
	return frames, nil
}

// Finish flushes what is left at end of input. A trailing line without a
// newline is complete at EOF.
func (d *Decoder) Finish() ([]Frame, error) {
	if d.done {
		return nil, nil
	}
	if len(d.carry) == 0 {
		return nil, nil
	}
	line := bytes.TrimSuffix(d.carry, []byte("\r"))
	d.carry = nil
	return d.line(line)
}

// Done reports whether the end sentinel has been decoded
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) line(line []byte) ([]Frame, error) {
	// blank separators, comments and event:/id:/retry: fields carry nothing we relay
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, nil
	}

	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return nil, nil
	}
	if string(payload) == doneSentinel {
		d.done = true
		return []Frame{{Done: true}}, nil
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if c.Error != nil {
		return nil, c.Error
	}

	var frames []Frame
	for _, choice := range c.Choices {
		f := Frame{Delta: choice.Delta.Content}
		if choice.FinishReason != nil {
			f.FinishReason = *choice.FinishReason
		}
		if f.Delta == "" && f.FinishReason == "" {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}
