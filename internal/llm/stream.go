package llm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Envelope describes how one backend frames streamed deltas.
type Envelope struct {
	// Prefix marks data lines ("data:" for SSE). Lines without it are
	// skipped. Empty means every line is a JSON document (NDJSON).
	Prefix string
	// Done is the payload that ends the stream, e.g. "[DONE]".
	Done string
	// TextPath locates the text delta in a payload.
	TextPath string
	// ErrorPath locates an in-band error message.
	ErrorPath string
	// DonePath locates a boolean that ends the stream after its line.
	DonePath string
}

var (
	openAIEnvelope    = Envelope{Prefix: "data:", Done: "[DONE]", TextPath: "choices.0.delta.content", ErrorPath: "error.message"}
	anthropicEnvelope = Envelope{Prefix: "data:", TextPath: "delta.text", ErrorPath: "error.message"}
	geminiEnvelope    = Envelope{Prefix: "data:", TextPath: "candidates.0.content.parts.0.text", ErrorPath: "error.message"}
	ollamaEnvelope    = Envelope{TextPath: "message.content", ErrorPath: "error", DonePath: "done"}
)

// Stream is a forward-only sequence of text fragments decoded from a
// response body. It is not safe for concurrent use and cannot be restarted.
type Stream struct {
	body io.ReadCloser
	r    *bufio.Reader
	env  Envelope

	cur  string
	err  error
	done bool

	// wrap classifies read and in-band errors.
	wrap func(error) error
	// finish runs once when the stream ends for any reason.
	finish    func(err error)
	closeOnce sync.Once
}

// NewStream decodes body using env. The caller must drain or Close it.
func NewStream(body io.ReadCloser, env Envelope) *Stream {
	return &Stream{body: body, r: bufio.NewReader(body), env: env}
}

// Next advances to the next non-empty fragment.
func (s *Stream) Next() bool {
	for !s.done {
		line, readErr := s.r.ReadBytes('\n')
		var text string
		if len(line) > 0 {
			var stop bool
			var err error
			text, stop, err = s.decodeLine(line)
			if err != nil {
				s.end(err)
				return false
			}
			if stop {
				s.end(nil)
			}
		}
		if readErr != nil && !s.done {
			if errors.Is(readErr, io.EOF) {
				readErr = nil
			}
			s.end(readErr)
		}
		if text != "" {
			s.cur = text
			return true
		}
	}
	return false
}

func (s *Stream) decodeLine(line []byte) (text string, stop bool, err error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return "", false, nil
	}
	payload := string(line)
	if s.env.Prefix != "" {
		if !strings.HasPrefix(payload, s.env.Prefix) {
			return "", false, nil
		}
		payload = strings.TrimPrefix(payload, s.env.Prefix)
	}
	payload = strings.TrimSpace(payload)
	if s.env.Done != "" && payload == s.env.Done {
		return "", true, nil
	}
	if !gjson.Valid(payload) {
		return "", false, nil
	}
	doc := gjson.Parse(payload)
	if s.env.ErrorPath != "" {
		if msg := doc.Get(s.env.ErrorPath); msg.Exists() && msg.String() != "" {
			return "", true, &BackendError{Type: doc.Get("error.type").String(), Message: msg.String()}
		}
	}
	if s.env.DonePath != "" && doc.Get(s.env.DonePath).Bool() {
		stop = true
	}
	return doc.Get(s.env.TextPath).String(), stop, nil
}

func (s *Stream) end(err error) {
	if err != nil && s.wrap != nil {
		err = s.wrap(err)
	}
	s.err = err
	_ = s.Close()
}

// Current returns the fragment produced by the last successful Next.
func (s *Stream) Current() string {
	return s.cur
}

// Err returns the classified error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the response body. Abandoning a stream early needs no
// further protocol exchange.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
		if s.finish != nil {
			s.finish(s.err)
		}
	})
	return err
}

// Text drains the stream and returns the concatenated fragments.
func (s *Stream) Text() (string, error) {
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Current())
	}
	return b.String(), s.Err()
}
