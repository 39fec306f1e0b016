package job

import "testing"

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("send-report", []byte(`{"report_id":"R1"}`))
	b := DeriveKey("send-report", []byte(`{"report_id":"R1"}`))
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}
}

func TestDeriveKeySeparatesTypeAndPayload(t *testing.T) {
	// "ab" + "c" must not collide with "a" + "bc".
	a := DeriveKey("ab", []byte("c"))
	b := DeriveKey("a", []byte("bc"))
	if a == b {
		t.Error("type/payload boundary is ambiguous")
	}
	if DeriveKey("x", []byte("1")) == DeriveKey("y", []byte("1")) {
		t.Error("different types collided")
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []State{StateSucceeded, StateDeadLettered, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []State{StatePending, StateInFlight, StateFailed}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if got := ParsePriority(p.String()); got != p {
			t.Errorf("ParsePriority(%q) = %v, want %v", p.String(), got, p)
		}
	}
	if ParsePriority("bogus") != PriorityNormal {
		t.Error("unknown priority should default to normal")
	}
}
