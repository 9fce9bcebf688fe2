package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberwatch/internal/ingest"
	"emberwatch/internal/models"
	"emberwatch/internal/storage"
)

func ptr[T any](v T) *T { return &v }

type recordingHook struct {
	mu       sync.Mutex
	readings []models.Reading
	panics   bool
}

func (h *recordingHook) OnReadingRecorded(_ context.Context, r models.Reading) {
	h.mu.Lock()
	h.readings = append(h.readings, r)
	h.mu.Unlock()
	if h.panics {
		panic("alerting broke")
	}
}

func newMemory(t *testing.T) *storage.Memory {
	t.Helper()
	m := storage.NewMemory()
	m.PutNode(models.Node{ID: 1, Name: "n1", APIKey: "key-1", Active: true})
	m.PutNode(models.Node{ID: 2, Name: "n2", APIKey: "key-2", Active: true})
	m.PutSensor(models.Sensor{ID: 10, Type: "temp"})
	m.PutSensor(models.Sensor{ID: 11, Type: "co2"})
	m.Attach(1, 10)
	m.Attach(1, 11)
	return m
}

var fixedNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestRecordPersistsAndNotifies(t *testing.T) {
	mem := newMemory(t)
	hook := &recordingHook{}
	rec := ingest.NewRecorder(ingest.RecorderConfig{Store: mem, Hook: hook, Now: func() time.Time { return fixedNow }})

	r, err := rec.Record(context.Background(), ingest.SourceHTTP, 1, ingest.Submission{SensorID: 11, Value: ptr(412.0)})
	require.NoError(t, err)

	assert.NotZero(t, r.ID)
	assert.Equal(t, models.SensorGasLevel, r.SensorType, "type comes from the sensor record")
	assert.Equal(t, fixedNow, r.Timestamp)

	require.Len(t, mem.Readings(), 1)
	require.Len(t, hook.readings, 1)
	assert.Equal(t, r, hook.readings[0])
}

func TestRecordParsesTimestamp(t *testing.T) {
	mem := newMemory(t)
	rec := ingest.NewRecorder(ingest.RecorderConfig{Store: mem})

	r, err := rec.Record(context.Background(), ingest.SourceKafka, 1, ingest.Submission{
		SensorID:  10,
		Value:     ptr(21.5),
		Timestamp: "2024-01-15T10:30:00+02:00",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC), r.Timestamp)
}

func TestRecordRejections(t *testing.T) {
	tests := []struct {
		name   string
		nodeID int64
		sub    ingest.Submission
		want   error
	}{
		{"missing sensor", 1, ingest.Submission{Value: ptr(1.0)}, ingest.ErrMissingSensor},
		{"missing value", 1, ingest.Submission{SensorID: 10}, ingest.ErrMissingValue},
		{"not attached", 2, ingest.Submission{SensorID: 10, Value: ptr(1.0)}, ingest.ErrSensorNotAttached},
		{"unknown sensor", 1, ingest.Submission{SensorID: 99, Value: ptr(1.0)}, ingest.ErrSensorNotAttached},
		{"too high", 1, ingest.Submission{SensorID: 10, Value: ptr(10000.5)}, models.ErrValueOutOfRange},
		{"too low", 1, ingest.Submission{SensorID: 10, Value: ptr(-100.5)}, models.ErrValueOutOfRange},
		{"bad timestamp", 1, ingest.Submission{SensorID: 10, Value: ptr(1.0), Timestamp: "yesterday"}, models.ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemory(t)
			hook := &recordingHook{}
			rec := ingest.NewRecorder(ingest.RecorderConfig{Store: mem, Hook: hook})

			_, err := rec.Record(context.Background(), ingest.SourceHTTP, tt.nodeID, tt.sub)
			require.Error(t, err)
			assert.ErrorIs(t, err, ingest.ErrRejected)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, mem.Readings())
			assert.Empty(t, hook.readings)
		})
	}
}

func TestRecordBoundaryValuesAccepted(t *testing.T) {
	mem := newMemory(t)
	rec := ingest.NewRecorder(ingest.RecorderConfig{Store: mem})

	for _, v := range []float64{-100, 0, 10000} {
		_, err := rec.Record(context.Background(), ingest.SourceHTTP, 1, ingest.Submission{SensorID: 10, Value: ptr(v)})
		assert.NoError(t, err, "value %v", v)
	}
	assert.Len(t, mem.Readings(), 3)
}

type failingStore struct {
	*storage.Memory
}

func (f failingStore) InsertReading(context.Context, *models.Reading) error {
	return errors.New("connection refused")
}

func TestRecordStorageFailureIsNotARejection(t *testing.T) {
	hook := &recordingHook{}
	rec := ingest.NewRecorder(ingest.RecorderConfig{Store: failingStore{newMemory(t)}, Hook: hook})

	_, err := rec.Record(context.Background(), ingest.SourceHTTP, 1, ingest.Submission{SensorID: 10, Value: ptr(1.0)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ingest.ErrRejected)
	assert.Empty(t, hook.readings)
}

func TestRecordSurvivesHookPanic(t *testing.T) {
	mem := newMemory(t)
	rec := ingest.NewRecorder(ingest.RecorderConfig{Store: mem, Hook: &recordingHook{panics: true}})

	var err error
	require.NotPanics(t, func() {
		_, err = rec.Record(context.Background(), ingest.SourceHTTP, 1, ingest.Submission{SensorID: 10, Value: ptr(30.0)})
	})
	assert.NoError(t, err)
	assert.Len(t, mem.Readings(), 1)
}
