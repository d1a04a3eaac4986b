package availability

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStartTimesStepsHourly(t *testing.T) {
	start := at(tuesday, 9, 0)
	end := at(tuesday, 12, 30)

	got := StartTimes(start, end, 90*time.Minute, SlotStep)
	if len(got) != 3 {
		t.Fatalf("expected 3 starts, got %d", len(got))
	}
	if !got[2].Equal(at(tuesday, 11, 0)) {
		t.Fatalf("expected last start 11:00, got %s", got[2].Format(time.RFC3339))
	}
	if StartTimes(start, start.Add(30*time.Minute), time.Hour, SlotStep) != nil {
		t.Fatalf("expected no starts when the session does not fit")
	}
}

func TestGenerateSlotsTalliesProviders(t *testing.T) {
	windows := []Window{
		{ProviderID: "a", Start: at(monday, 9, 0), End: at(monday, 12, 0)},
		{ProviderID: "b", Start: at(monday, 10, 0), End: at(monday, 12, 0)},
	}
	slots := GenerateSlots(monday, time.UTC, windows, []int{60, 180})

	if got := slots.Count(60, "09:00"); got != 1 {
		t.Fatalf("09:00: got %d want 1", got)
	}
	if got := slots.Count(60, "11:00"); got != 2 {
		t.Fatalf("11:00: got %d want 2", got)
	}
	if got := clocks(slots[180]); !equalStrings(got, []string{"09:00"}) {
		t.Fatalf("180: got %v", got)
	}
}

func TestGenerateSlotsOmitsClassesThatDoNotFit(t *testing.T) {
	windows := []Window{{ProviderID: "a", Start: at(monday, 9, 0), End: at(monday, 11, 0)}}
	slots := GenerateSlots(monday, time.UTC, windows, DurationClasses)
	if got := slots.Durations(); !equalInts(got, []int{60, 90, 120}) {
		t.Fatalf("unexpected classes %v", got)
	}
}

func TestSlotJSONTuple(t *testing.T) {
	in := Slots{60: {{Time: "09:00", Count: 2}, {Time: "10:00", Count: 1}}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"60":[["09:00",2],["10:00",1]]}` {
		t.Fatalf("unexpected encoding %s", b)
	}

	var out Slots
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count(60, "09:00") != 2 || out.Count(60, "10:00") != 1 {
		t.Fatalf("round trip lost counts: %+v", out)
	}
}

func TestSlotJSONRejectsBadTuple(t *testing.T) {
	var s Slot
	for _, raw := range []string{`["9am",1]`, `["09:00"]`, `{"time":"09:00"}`} {
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestNormalizeDropsEmpty(t *testing.T) {
	s := Slots{
		60:  {{Time: "10:00", Count: 1}, {Time: "09:00", Count: 0}, {Time: "08:00", Count: 2}},
		120: {{Time: "09:00", Count: -1}},
	}
	n := s.Normalize()
	if _, ok := n[120]; ok {
		t.Fatalf("expected empty class removed")
	}
	if got := clocks(n[60]); !equalStrings(got, []string{"08:00", "10:00"}) {
		t.Fatalf("unexpected normalized slots %v", got)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
