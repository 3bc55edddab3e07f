package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishToAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish("analysis", &AnalysisFailedData{Source: "prices.csv", Error: "boom"})

	for _, ch := range []<-chan Event{a, b} {
		e := receive(t, ch)
		assert.Equal(t, AnalysisFailed, e.Type)
		assert.Equal(t, "analysis", e.Module)
		assert.False(t, e.Timestamp.IsZero())
		data, ok := e.Data.(*AnalysisFailedData)
		require.True(t, ok)
		assert.Equal(t, "boom", data.Error)
	}
}

func TestBus_PublishDoesNotBlock(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("test", &RunDeletedData{RunID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, unsub := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())

	unsub()
	unsub()
	assert.Equal(t, 0, bus.Subscribers())

	_, ok := <-ch
	assert.False(t, ok, "channel is closed after unsubscribe")

	bus.Publish("test", &RunDeletedData{RunID: "x"})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, unsub := bus.Subscribe(1)

	bus.Close()
	_, ok := <-ch
	assert.False(t, ok)
	unsub()

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	bus.Publish("test", &RunDeletedData{RunID: "x"})
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, unsub := bus.Subscribe(100)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				bus.Publish("test", &JobStatusData{Job: "analysis", Status: "completed"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 50)
}

func TestEvent_JSON(t *testing.T) {
	sharpe := 1.25
	e := Event{
		Type:      AnalysisCompleted,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Module:    "analysis",
		Data: &AnalysisCompletedData{
			RunID:   "run-1",
			Periods: 250,
			Portfolios: []PortfolioSummary{
				{Policy: "max_sharpe", Weights: map[string]float64{"AAA": 1}, SharpeRatio: &sharpe},
				{Policy: "equal_weight", Weights: map[string]float64{"AAA": 1}},
			},
		},
	}

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "ANALYSIS_COMPLETED", decoded["type"])
	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, "run-1", data["run_id"])
	portfolios := data["portfolios"].([]interface{})
	assert.Equal(t, 1.25, portfolios[0].(map[string]interface{})["sharpe_ratio"])
	assert.Nil(t, portfolios[1].(map[string]interface{})["sharpe_ratio"])
}

func TestJobStatusData_EventType(t *testing.T) {
	assert.Equal(t, JobStarted, (&JobStatusData{Status: "started"}).EventType())
	assert.Equal(t, JobCompleted, (&JobStatusData{Status: "completed"}).EventType())
	assert.Equal(t, JobFailed, (&JobStatusData{Status: "failed"}).EventType())
	assert.Equal(t, AnalysisStarted, (&AnalysisStartedData{}).EventType())
}
