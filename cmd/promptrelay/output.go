package main

import (
	"io"
	"strings"

	"promptrelay/internal/security"
)

// restoringWriter writes streamed fragments with PII placeholders restored.
// A placeholder split across fragments is held back until its closing
// bracket arrives.
type restoringWriter struct {
	out     io.Writer
	s       *security.Sanitizer
	pending strings.Builder
	full    strings.Builder
}

func newRestoringWriter(out io.Writer, s *security.Sanitizer) *restoringWriter {
	return &restoringWriter{out: out, s: s}
}

func (w *restoringWriter) WriteString(fragment string) error {
	w.pending.WriteString(fragment)
	buf := w.pending.String()

	cut := len(buf)
	if open := strings.LastIndexByte(buf, '['); open >= 0 && !strings.Contains(buf[open:], "]") {
		cut = open
	}
	if cut == 0 {
		return nil
	}
	ready := w.s.Restore(buf[:cut])
	w.pending.Reset()
	w.pending.WriteString(buf[cut:])
	w.full.WriteString(ready)
	_, err := io.WriteString(w.out, ready)
	return err
}

// Flush writes whatever is still held back.
func (w *restoringWriter) Flush() error {
	if w.pending.Len() == 0 {
		return nil
	}
	rest := w.s.Restore(w.pending.String())
	w.pending.Reset()
	w.full.WriteString(rest)
	_, err := io.WriteString(w.out, rest)
	return err
}

// Text returns everything written so far, restored.
func (w *restoringWriter) Text() string {
	return w.full.String()
}
