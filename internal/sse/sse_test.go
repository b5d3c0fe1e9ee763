package sse

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/task-relay/internal/model"
)

func TestWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	w.WriteHeader()

	tokens := 42
	require.NoError(t, w.Send(model.ContentEvent("Job 12345")))
	require.NoError(t, w.Send(model.StreamEvent{Type: model.EventTypeMeta, TaskID: "t1", TokensUsed: &tokens}))
	require.NoError(t, w.Send(model.DoneEvent()))
	require.NoError(t, w.Send(model.ContentEvent("late")))
	assert.True(t, w.Done())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	want := `data: {"type":"content","content":"Job 12345"}` + "\n\n" +
		`data: {"type":"meta","task_id":"t1","agents_used":[],"tokens_used":42}` + "\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestReaderRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	events := []model.StreamEvent{
		model.AgentsEvent([]string{"erp-lookup"}),
		model.ContentEvent("Job 12345 is "),
		model.ContentEvent("in production."),
		model.DoneEvent(),
	}
	for _, e := range events {
		require.NoError(t, w.Send(e))
	}

	r := NewReader(strings.NewReader(rec.Body.String()))
	for _, want := range events {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReaderMalformedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("data: plain text\n\ndata: {\"type\":\"content\",\"content\":\"ok\"}\n\n"))

	event, err := r.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedEvent))
	assert.Equal(t, model.ContentEvent("plain text"), event)

	event, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", event.Content)
}

func TestCollect(t *testing.T) {
	stream := strings.Join([]string{
		`: keepalive`,
		`data: {"type":"agents","agents":["erp-lookup"]}`,
		``,
		`data: {"type":"content","content":"Job 12345 "}`,
		``,
		`data: not-json`,
		``,
		`data: {"type":"meta","task_id":"job-12345","agents_used":["erp-lookup"],"tokens_used":42}`,
		``,
		`data: [DONE]`,
		``,
		`data: {"type":"content","content":"ignored"}`,
		``,
	}, "\n")

	var seen int
	tr, err := Collect(strings.NewReader(stream), func(model.StreamEvent) { seen++ })
	require.NoError(t, err)

	assert.Equal(t, "Job 12345 not-json", tr.Content)
	assert.Equal(t, []string{"erp-lookup"}, tr.Agents)
	assert.Equal(t, "job-12345", tr.TaskID)
	require.NotNil(t, tr.TokensUsed)
	assert.Equal(t, 42, *tr.TokensUsed)
	assert.Equal(t, 1, tr.Malformed)
	assert.True(t, tr.Done)
	assert.Equal(t, 5, seen)
}

func TestCollectWithoutDone(t *testing.T) {
	tr, err := Collect(strings.NewReader(`data: {"type":"error","error":"boom"}`+"\n\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "boom", tr.Error)
	assert.False(t, tr.Done)
}
