package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofanout/fanout/internal/executor"
	"github.com/gofanout/fanout/internal/lg"
)

type capturingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *capturingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *capturingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishEmitsOneRecordPerResult(t *testing.T) {
	writer := &capturingWriter{}
	p := &Publisher{writer: writer, topic: "fanout.runs", lg: lg.Discard}

	results := executor.Results{
		{Host: "web1", User: "deploy", Port: 22},
		{Host: "web2", User: "deploy", Port: 2222, Err: errors.New("disk full")},
	}
	require.NoError(t, p.Publish(context.Background(), "deploy", results))
	require.Len(t, writer.messages, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &first))
	require.NoError(t, json.Unmarshal(writer.messages[1].Value, &second))

	assert.Equal(t, "deploy", first.Task)
	assert.Equal(t, "web1", first.Host)
	assert.True(t, first.OK)
	assert.Empty(t, first.Error)

	assert.Equal(t, "web2", second.Host)
	assert.Equal(t, 2222, second.Port)
	assert.False(t, second.OK)
	assert.Equal(t, "disk full", second.Error)

	// one run UUID keys the whole batch
	assert.NotEqual(t, uuid.Nil, first.RunUID)
	assert.Equal(t, first.RunUID, second.RunUID)
	assert.Equal(t, writer.messages[0].Key, writer.messages[1].Key)
	assert.Equal(t, first.RunUID[:], []byte(writer.messages[0].Key))
}

func TestPublishWrapsWriterError(t *testing.T) {
	writer := &capturingWriter{err: errors.New("broker down")}
	p := &Publisher{writer: writer, topic: "fanout.runs", lg: lg.Discard}

	err := p.Publish(context.Background(), "deploy", executor.Results{{Host: "a"}})
	assert.ErrorContains(t, err, "publish run report")
	assert.ErrorContains(t, err, "broker down")
}

func TestCloseClosesWriter(t *testing.T) {
	writer := &capturingWriter{}
	p := &Publisher{writer: writer, lg: lg.Discard}

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}
