// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestKafkaStore(t *testing.T) (*KafkaStore, *fakeWriter) {
	t.Helper()

	s, err := NewKafkaStore([]string{"localhost:9092"}, "airbear.")
	require.NoError(t, err)

	w := &fakeWriter{}
	s.writer = w

	return s, w
}

func TestKafkaStore_InsertErrorReport(t *testing.T) {
	s, w := newTestKafkaStore(t)

	r := &ErrorReport{Message: "boom", Severity: "error", Hash: "h1"}
	require.NoError(t, s.InsertErrorReport(context.Background(), r))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]

	assert.Equal(t, "airbear.client_error_reports", msg.Topic)
	assert.Equal(t, []byte("h1"), msg.Key)
	assert.Contains(t, msg.Headers, kafka.Header{Key: "table", Value: []byte(TableClientErrorReports)})

	var value map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &value))
	assert.Equal(t, "boom", value["message"])
	assert.Nil(t, value["meta"])
	assert.Contains(t, value, "received_at")
}

func TestKafkaStore_InsertSuggestion(t *testing.T) {
	s, w := newTestKafkaStore(t)

	require.NoError(t, s.InsertSuggestion(context.Background(), &Suggestion{Text: "t", Page: "p", Hash: "h2"}))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "airbear.user_suggestions", w.messages[0].Topic)
	assert.Equal(t, []byte("h2"), w.messages[0].Key)
}

func TestKafkaStore_WriteFailure(t *testing.T) {
	s, w := newTestKafkaStore(t)
	w.err = errors.New("leader not available")

	err := s.InsertSuggestion(context.Background(), &Suggestion{Text: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestKafkaStore_Close(t *testing.T) {
	s, w := newTestKafkaStore(t)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaStore_NoBrokers(t *testing.T) {
	_, err := NewKafkaStore(nil, "")
	assert.Error(t, err)
}
