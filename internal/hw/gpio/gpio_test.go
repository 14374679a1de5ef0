package gpio

import (
	"testing"
	"time"
)

func TestParseEdge(t *testing.T) {
	cases := []struct {
		in   string
		want Edge
	}{
		{"", FallingEdge},
		{"falling", FallingEdge},
		{"rising", RisingEdge},
	}
	for _, tc := range cases {
		got, err := ParseEdge(tc.in)
		if err != nil {
			t.Errorf("ParseEdge(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseEdge(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseEdge("both"); err == nil {
		t.Error("expected error for unknown edge")
	}
}

func TestEdge_IdlePullIsOpposite(t *testing.T) {
	if FallingEdge.IdlePull() != PullUp {
		t.Error("falling edge should idle with pull-up")
	}
	if RisingEdge.IdlePull() != PullDown {
		t.Error("rising edge should idle with pull-down")
	}
}

func TestSubscription_CancelIdempotent(t *testing.T) {
	calls := 0
	sub := NewSubscription(func() { calls++ })
	sub.Cancel()
	sub.Cancel()
	if calls != 1 {
		t.Errorf("cancel called %d times, want 1", calls)
	}

	var nilSub *Subscription
	nilSub.Cancel() // must not panic
}

func waitEvent(t *testing.T, ch <-chan EdgeEvent) EdgeEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for edge")
	}
	return EdgeEvent{}
}

func TestMockDriver_SimulateEdgeMatchesPolarity(t *testing.T) {
	m := NewMockDriver()
	_ = m.SetPull(24, PullUp)

	events := make(chan EdgeEvent, 4)
	sub, err := m.WatchEdge(24, FallingEdge, func(e EdgeEvent) { events <- e })
	if err != nil {
		t.Fatalf("WatchEdge: %v", err)
	}
	defer sub.Cancel()

	m.SimulateEdge(24, Low)  // falling: delivered
	m.SimulateEdge(24, High) // rising: ignored
	m.SimulateEdge(24, Low)  // falling: delivered

	for i := 0; i < 2; i++ {
		evt := waitEvent(t, events)
		if evt.Pin != 24 || evt.Level != Low {
			t.Errorf("event %d = %+v, want pin 24 low", i, evt)
		}
	}
	select {
	case evt := <-events:
		t.Errorf("unexpected extra event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMockDriver_CancelStopsDelivery(t *testing.T) {
	m := NewMockDriver()
	events := make(chan EdgeEvent, 4)
	sub, _ := m.WatchEdge(5, RisingEdge, func(e EdgeEvent) { events <- e })

	if m.Watching(5) != 1 {
		t.Fatalf("watching = %d, want 1", m.Watching(5))
	}
	sub.Cancel()
	if m.Watching(5) != 0 {
		t.Fatalf("watching after cancel = %d, want 0", m.Watching(5))
	}

	m.SimulateEdge(5, High)
	select {
	case <-events:
		t.Error("no event expected after cancel")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMockDriver_CouplePulses(t *testing.T) {
	m := NewMockDriver()
	_ = m.SetPull(24, PullUp)
	m.CouplePulses(21, 3, 24)

	events := make(chan EdgeEvent, 8)
	sub, _ := m.WatchEdge(24, FallingEdge, func(e EdgeEvent) { events <- e })
	defer sub.Cancel()

	for i := 0; i < 6; i++ {
		_ = m.WritePin(21, High)
		_ = m.WritePin(21, Low)
	}

	waitEvent(t, events)
	waitEvent(t, events)
	select {
	case evt := <-events:
		t.Errorf("expected exactly 2 edges for 6 pulses, got extra %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}

	level, _ := m.ReadPin(24)
	if level != High {
		t.Error("trigger line should be back at its idle level")
	}
}

func TestMockDriver_CloseCancelsWatches(t *testing.T) {
	m := NewMockDriver()
	sub, _ := m.WatchEdge(7, FallingEdge, func(EdgeEvent) {})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sub.Cancel() // must not panic after Close
	if m.Watching(7) != 0 {
		t.Error("Close should drop all watches")
	}
}
