package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
)

// ErrMalformedEvent matches any *MalformedEventError.
var ErrMalformedEvent = errors.New("malformed stream event")

// MalformedEventError reports a data frame that is not a JSON event.
type MalformedEventError struct {
	Payload string
	Err     error
}

// Error implements the error interface.
func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed stream event %q: %v", e.Payload, e.Err)
}

// Unwrap returns the decode error.
func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// Is implements error matching.
func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

const maxFrameSize = 1024 * 1024

// Reader decodes data frames from an event stream.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event. After the [DONE] marker, or when the
// stream ends, it returns io.EOF.
//
// A frame that does not decode is returned as a content event carrying
// the raw payload together with a *MalformedEventError, so callers can
// keep it as literal text.
func (r *Reader) Next() (model.StreamEvent, error) {
	if r.done {
		return model.StreamEvent{}, io.EOF
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if strings.TrimSpace(payload) == "" {
			continue
		}

		if payload == model.DoneMarker {
			r.done = true
			return model.DoneEvent(), nil
		}

		var event model.StreamEvent
		err := json.Unmarshal([]byte(payload), &event)
		if err == nil && event.Type == "" {
			err = errors.New("missing event type")
		}
		if err != nil {
			return model.ContentEvent(payload), &MalformedEventError{Payload: payload, Err: err}
		}
		return event, nil
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		return model.StreamEvent{}, err
	}
	return model.StreamEvent{}, io.EOF
}

// Transcript is the client-side view of one finished stream.
type Transcript struct {
	Content    string   `json:"content" yaml:"content"`
	Agents     []string `json:"agents,omitempty" yaml:"agents,omitempty"`
	TaskID     string   `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	AgentsUsed []string `json:"agents_used,omitempty" yaml:"agents_used,omitempty"`
	TokensUsed *int     `json:"tokens_used,omitempty" yaml:"tokens_used,omitempty"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
	Malformed  int      `json:"malformed,omitempty" yaml:"malformed,omitempty"`
	Done       bool     `json:"done" yaml:"done"`
}

// Collect reads r to the end, folding every event into a transcript.
// onEvent, if set, sees each event as it arrives.
func Collect(r io.Reader, onEvent func(model.StreamEvent)) (*Transcript, error) {
	reader := NewReader(r)
	t := &Transcript{}
	var content strings.Builder

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, ErrMalformedEvent) {
			t.Content = content.String()
			return t, err
		}
		if err != nil {
			t.Malformed++
			metrics.MalformedEventsTotal.Inc()
		}

		if onEvent != nil {
			onEvent(event)
		}

		switch event.Type {
		case model.EventTypeContent:
			content.WriteString(event.Content)
		case model.EventTypeAgents:
			t.Agents = event.Agents
		case model.EventTypeMeta:
			t.TaskID = event.TaskID
			t.AgentsUsed = event.AgentsUsed
			t.TokensUsed = event.TokensUsed
		case model.EventTypeError:
			t.Error = event.Error
		case model.EventTypeDone:
			t.Done = true
		}
	}

	t.Content = content.String()
	return t, nil
}
