package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/ukydev/transit-ingestion/internal/ingest"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

// MockAdder is a mock implementation of Adder
type MockAdder struct {
	mock.Mock
}

func (m *MockAdder) Add(ctx context.Context, e models.GPSEvent) (ingest.Result, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(ingest.Result), args.Error(1)
}

const validPayload = `{"fleet_number":"BUS-001","latitude":37.77,"longitude":-122.41,"recorded_at":"2024-01-15T10:30:00Z"}`

func TestFleetFromTopic(t *testing.T) {
	assert.Equal(t, "BUS-001", FleetFromTopic("fleet/BUS-001/gps"))
	assert.Equal(t, "", FleetFromTopic("fleet/BUS-001/status"))
	assert.Equal(t, "", FleetFromTopic("gps"))
	assert.Equal(t, "", FleetFromTopic("fleet/a/b/gps"))
}

func TestHandleMessage_Valid(t *testing.T) {
	acc := &MockAdder{}
	acc.On("Add", mock.Anything, mock.MatchedBy(func(e models.GPSEvent) bool {
		return e.FleetNumber == "BUS-001" && e.Latitude == 37.77
	})).Return(ingest.Result{Status: ingest.StatusBatched, Count: 1, Key: "BUS-001"}, nil)

	s := NewSubscriber(Options{}, validation.New(), acc)
	s.HandleMessage(context.Background(), "fleet/BUS-001/gps", []byte(validPayload))
	acc.AssertExpectations(t)
}

func TestHandleMessage_Dropped(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"invalid json", "fleet/BUS-001/gps", `{"fleet_number":`},
		{"out of range", "fleet/BUS-001/gps", `{"fleet_number":"BUS-001","latitude":95,"longitude":0,"recorded_at":"2024-01-15T10:30:00Z"}`},
		{"mismatched fleet", "fleet/BUS-002/gps", validPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := &MockAdder{}
			s := NewSubscriber(Options{}, validation.New(), acc)
			s.HandleMessage(context.Background(), tt.topic, []byte(tt.payload))
			acc.AssertNotCalled(t, "Add", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleMessage_FlushFailureIsAbsorbed(t *testing.T) {
	acc := &MockAdder{}
	acc.On("Add", mock.Anything, mock.Anything).Return(ingest.Result{}, ingest.ErrFlush)

	s := NewSubscriber(Options{}, validation.New(), acc)
	assert.NotPanics(t, func() {
		s.HandleMessage(context.Background(), "other/topic", []byte(validPayload))
	})
	acc.AssertNumberOfCalls(t, "Add", 1)
}

func TestStop_NotStarted(t *testing.T) {
	s := NewSubscriber(Options{}, validation.New(), &MockAdder{})
	assert.NotPanics(t, s.Stop)
}

func TestClientOptions(t *testing.T) {
	s := NewSubscriber(Options{BrokerURL: "tcp://broker:1883", ClientID: "ingest-1", Topic: "fleet/+/gps", QoS: 1},
		validation.New(), &MockAdder{})

	opts := s.clientOptions(context.Background())

	assert.False(t, opts.Order, "handlers must not be serialized across fleets")
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, "ingest-1", opts.ClientID)
	if assert.Len(t, opts.Servers, 1) {
		assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	}
}

// gateAdder parks every Add for one fleet until release is closed.
type gateAdder struct {
	fleet   string
	started chan struct{}
	release chan struct{}
}

func (a *gateAdder) Add(_ context.Context, e models.GPSEvent) (ingest.Result, error) {
	if e.FleetNumber == a.fleet {
		close(a.started)
		<-a.release
	}
	return ingest.Result{Status: ingest.StatusBatched, Count: 1, Key: e.FleetNumber}, nil
}

func TestHandleMessage_SlowFleetDoesNotBlockOthers(t *testing.T) {
	acc := &gateAdder{fleet: "BUS-001", started: make(chan struct{}), release: make(chan struct{})}
	s := NewSubscriber(Options{}, validation.New(), acc)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		s.HandleMessage(context.Background(), "fleet/BUS-001/gps", []byte(validPayload))
	}()
	<-acc.started

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		s.HandleMessage(context.Background(), "fleet/BUS-002/gps",
			[]byte(`{"fleet_number":"BUS-002","latitude":37.77,"longitude":-122.41,"recorded_at":"2024-01-15T10:30:00Z"}`))
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("message for BUS-002 waited on the BUS-001 flush")
	}

	close(acc.release)
	<-slowDone
}
