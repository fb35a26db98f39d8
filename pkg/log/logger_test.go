package log

import (
	"sync"
	"testing"
	"time"
)

func TestNoopLoggerIsZeroValue(t *testing.T) {
	var logger NoopLogger
	logger.Log(Event{})
	logger.Log(Event{Frame: &FrameEvent{Opcode: 2, PayloadLen: 3}})
}

func TestRecorderCollectsConcurrently(t *testing.T) {
	rec := &Recorder{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Log(Event{Timestamp: time.Now(), Layer: LayerTCP})
		}()
	}
	wg.Wait()

	if got := len(rec.Events()); got != 8 {
		t.Fatalf("recorded %d events, want 8", got)
	}

	rec.Reset()
	if got := len(rec.Events()); got != 0 {
		t.Errorf("after Reset got %d events", got)
	}
}

func TestMultiLoggerCallsAllAndSkipsNil(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	multi := NewMultiLogger(a, nil, b)

	multi.Log(Event{ConnectionID: "x"})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("events: a=%d b=%d, want 1 each", len(a.Events()), len(b.Events()))
	}
}
