package progress

import "testing"

func TestPhaseReportsWithinOffsetSpan(t *testing.T) {
	var bus Bus
	ch := bus.Subscribe()

	phase := NewPhase(&bus, "purge", 0.0, 0.75)
	phase.Report(0.5)

	ev := <-ch
	if ev.Phase != "purge" {
		t.Errorf("got phase %q, want %q", ev.Phase, "purge")
	}
	want := 0.0 + 0.5*0.75
	if ev.Fraction != want {
		t.Errorf("got fraction %v, want %v", ev.Fraction, want)
	}
}

func TestCompactSpanIsTrailingQuarter(t *testing.T) {
	offset, span := CompactSpan(0.0, 1.0)
	if offset != 0.75 || span != 0.25 {
		t.Errorf("got (%v, %v), want (0.75, 0.25)", offset, span)
	}
}

func TestPublishDoesNotBlockOnFullChannel(t *testing.T) {
	var bus Bus
	ch := bus.Subscribe()
	phase := NewPhase(&bus, "compact", 0, 1)

	// Publish far more events than the channel buffer holds; Publish
	// must never block regardless of whether anyone is draining ch.
	for i := 0; i < 1000; i++ {
		phase.Report(float64(i) / 1000)
	}

	// At least one buffered event should be readable.
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count == 0 {
				t.Error("expected at least one buffered event to survive")
			}
			return
		}
	}
}
