// Package sse encodes relay events as server-sent events and decodes them back.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/task-relay/internal/model"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

const dataPrefix = "data: "

// Writer writes events to an HTTP response, flushing after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    bool
}

// NewWriter sets the event-stream headers on w.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteHeader sends the status line and headers.
func (sw *Writer) WriteHeader() {
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// Send writes one event. A done event writes the [DONE] marker; anything sent after it is dropped.
func (sw *Writer) Send(event model.StreamEvent) error {
	if sw.done {
		return nil
	}

	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if _, err := sw.w.Write(payload); err != nil {
		return err
	}
	sw.flusher.Flush()

	if event.Type == model.EventTypeDone {
		sw.done = true
	}
	return nil
}

// Done reports whether the terminator has been written.
func (sw *Writer) Done() bool {
	return sw.done
}

// Encode renders one event as a data frame.
func Encode(event model.StreamEvent) ([]byte, error) {
	if event.Type == model.EventTypeDone {
		return []byte(dataPrefix + model.DoneMarker + "\n\n"), nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	out := make([]byte, 0, len(dataPrefix)+len(data)+2)
	out = append(out, dataPrefix...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}
