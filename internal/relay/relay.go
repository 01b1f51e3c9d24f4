// Package relay turns the model's part-batch stream into a newline-delimited
// JSON byte stream for the HTTP client while accumulating the full reply for
// persistence.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/yuanwj/gemini-chat/internal/content"
)

// Headers sets the response headers for an NDJSON stream. Must be called
// before the first write.
func Headers(w http.ResponseWriter, chatID int64) {
	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Chat-ID", fmt.Sprintf("%d", chatID))
}

// Relay forwards part batches to one HTTP response as NDJSON lines.
type Relay struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// New constructs a Relay over the given response writer.
func New(w http.ResponseWriter) *Relay {
	r := &Relay{w: w}
	if f, ok := w.(http.Flusher); ok {
		r.flusher = f
	}
	return r
}

// Run consumes the source sequence, writing each batch as one JSON array
// line and flushing immediately, so nothing is buffered beyond the batch in
// flight. Every forwarded part is accumulated and returned once, after the
// source completes or fails, so the caller can persist the reply (or the
// partial reply) exactly once.
//
// The returned error is the provider's error, a serialization error, or a
// write error when the client went away. Callers distinguish client aborts
// with IsClientAbort.
func (r *Relay) Run(seq iter.Seq2[[]content.Part, error]) ([]content.Part, error) {
	var accumulated []content.Part
	for batch, err := range seq {
		if err != nil {
			return accumulated, err
		}
		if len(batch) == 0 {
			continue
		}
		line, err := json.Marshal(batch)
		if err != nil {
			return accumulated, fmt.Errorf("marshal batch: %w", err)
		}
		if _, err := r.w.Write(append(line, '\n')); err != nil {
			return accumulated, &clientAbortError{err: err}
		}
		if r.flusher != nil {
			r.flusher.Flush()
		}
		accumulated = append(accumulated, batch...)
	}
	return accumulated, nil
}

// clientAbortError marks a transport-level failure writing to the client.
type clientAbortError struct {
	err error
}

func (e *clientAbortError) Error() string { return "client gone: " + e.err.Error() }

func (e *clientAbortError) Unwrap() error { return e.err }

// IsClientAbort reports whether the error came from the client abandoning
// the response rather than from the provider. Aborts are not failures: the
// server stops forwarding and keeps whatever was accumulated.
func IsClientAbort(err error) bool {
	var abort *clientAbortError
	if errors.As(err, &abort) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
