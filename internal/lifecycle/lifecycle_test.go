package lifecycle

import (
	"testing"
	"time"
)

func TestCurrent_DefaultServing(t *testing.T) {
	Reset()
	if Current() != PhaseServing || Draining() {
		t.Errorf("Current() = %v, want serving", Current())
	}
	if !DrainStarted().IsZero() {
		t.Errorf("DrainStarted() = %v, want zero", DrainStarted())
	}
}

func TestBeginDrain_KeepsFirstStart(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first := time.Unix(1_700_000_000, 0)
	BeginDrain(first)
	BeginDrain(first.Add(time.Minute))

	if !Draining() {
		t.Fatal("Draining() = false after BeginDrain")
	}
	if !DrainStarted().Equal(first) {
		t.Errorf("DrainStarted() = %v, want %v", DrainStarted(), first)
	}
}

func TestReset(t *testing.T) {
	BeginDrain(time.Now())
	Reset()
	if Draining() {
		t.Error("Draining() = true after Reset")
	}
}

func TestPhase_String(t *testing.T) {
	if PhaseServing.String() != "serving" || PhaseDraining.String() != "draining" || Phase(7).String() != "unknown" {
		t.Error("unexpected Phase strings")
	}
}
