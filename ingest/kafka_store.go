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
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type (
	// KafkaStore publishes each record as a JSON message on a topic
	// named after its table. Messages are keyed by hash so identical
	// reports land on the same partition and can be deduplicated
	// downstream.
	KafkaStore struct {
		writer      messageWriter
		brokers     []string
		topicPrefix string
		dialer      *kafka.Dialer
	}

	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	kafkaErrorReport struct {
		restErrorReport
		ReceivedAt time.Time `json:"received_at"`
	}

	kafkaSuggestion struct {
		restSuggestion
		ReceivedAt time.Time `json:"received_at"`
	}
)

var (
	_ Store = (*KafkaStore)(nil)
)

func NewKafkaStore(brokers []string, topicPrefix string) (*KafkaStore, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &KafkaStore{
		writer:      writer,
		brokers:     brokers,
		topicPrefix: topicPrefix,
		dialer:      &kafka.Dialer{Timeout: 5 * time.Second},
	}, nil
}

func (s *KafkaStore) Topic(table string) string {
	return s.topicPrefix + table
}

func (s *KafkaStore) InsertErrorReport(ctx context.Context, r *ErrorReport) error {
	meta, err := r.MetaJSON()
	if err != nil {
		return fmt.Errorf("cannot encode meta: %w", err)
	}
	if meta == nil {
		meta = json.RawMessage("null")
	}

	return s.publish(
		ctx,
		TableClientErrorReports,
		r.Hash,
		kafkaErrorReport{
			restErrorReport: restErrorReport{
				URL:        r.URL,
				Message:    r.Message,
				Stack:      r.Stack,
				UserAgent:  r.UserAgent,
				Severity:   r.Severity,
				Meta:       meta,
				AppVersion: r.AppVersion,
				GitSHA:     r.GitSHA,
				Hash:       r.Hash,
			},
			ReceivedAt: time.Now().UTC(),
		},
	)
}

func (s *KafkaStore) InsertSuggestion(ctx context.Context, sug *Suggestion) error {
	return s.publish(
		ctx,
		TableUserSuggestions,
		sug.Hash,
		kafkaSuggestion{
			restSuggestion: restSuggestion{
				Text: sug.Text,
				Page: sug.Page,
				Hash: sug.Hash,
			},
			ReceivedAt: time.Now().UTC(),
		},
	)
}

func (s *KafkaStore) publish(ctx context.Context, table, key string, record any) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cannot encode %s record: %w", table, err)
	}

	msg := kafka.Message{
		Topic: s.Topic(table),
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "table", Value: []byte(table)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("cannot write kafka message: %w", err)
	}

	return nil
}

// Ping dials the first reachable broker and reads its partitions.
func (s *KafkaStore) Ping(ctx context.Context) error {
	var errs []error

	for _, broker := range s.brokers {
		conn, err := s.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot dial %q: %w", broker, err))
			continue
		}

		_, err = conn.ReadPartitions()
		_ = conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot read partitions from %q: %w", broker, err))
			continue
		}

		return nil
	}

	return errors.Join(errs...)
}

func (s *KafkaStore) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("cannot close kafka writer: %w", err)
	}

	return nil
}
