package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/operations-engine/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_KeyedByCycle(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "operations", nil)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := CycleEvent{
		CycleID:    "cycle-1",
		Outcome:    "success",
		Statistics: model.Statistics{NetResult: decimal.NewFromInt(85), Count: 3},
		OccurredAt: at,
	}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "cycle-1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var got CycleEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, TypeCycleFinished, got.Type)
	assert.Equal(t, "success", got.Outcome)
	assert.True(t, decimal.NewFromInt(85).Equal(got.Statistics.NetResult))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newKafkaPublisher(&fakeWriter{err: boom}, "operations", nil)

	err := p.Publish(context.Background(), CycleEvent{CycleID: "c"})
	assert.ErrorIs(t, err, boom)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), CycleEvent{}))
	assert.NoError(t, p.Close())
}
