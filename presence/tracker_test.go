package presence

import (
	"errors"
	"testing"

	"github.com/dotside-studios/tagbridge/nfc"
)

// tagSample builds a present sample with a minimal NDEF text record so
// decoding succeeds.
func tagSample(uid string) nfc.Sample {
	msg := []byte{0xD1, 0x01, 0x04, 'T', 0x02, 'e', 'n', 'a'}
	mem := append([]byte{0x03, byte(len(msg))}, msg...)
	mem = append(mem, 0xFE)
	return nfc.Sample{Present: true, UID: uid, Memory: mem, Capacity: len(mem)}
}

func absentSample() nfc.Sample {
	return nfc.Sample{}
}

func unavailableSample() nfc.Sample {
	return nfc.Sample{Err: nfc.NewReaderUnavailableError("Poll", errors.New("pcscd down"))}
}

func transientSample() nfc.Sample {
	return nfc.Sample{Err: nfc.NewTransientReadError("Poll", errors.New("status word 6300"))}
}

// observeAll feeds samples and collects every emitted transition.
func observeAll(t *Tracker, samples ...nfc.Sample) []Transition {
	var all []Transition
	for _, s := range samples {
		all = append(all, t.Observe(s)...)
	}
	return all
}

func TestTrackerImmediatePresence(t *testing.T) {
	tracker := NewTracker(Config{})

	transitions := tracker.Observe(tagSample("04AA"))
	if len(transitions) != 1 {
		t.Fatalf("Observe() emitted %d transitions, want 1", len(transitions))
	}
	tr := transitions[0]
	if tr.Kind != KindPresence || !tr.State.Present {
		t.Fatalf("transition = %+v, want present", tr)
	}
	if tr.State.Tag.UID != "04AA" {
		t.Errorf("UID = %q, want 04AA", tr.State.Tag.UID)
	}
	if len(tr.State.Tag.Records) != 1 {
		t.Errorf("records = %d, want 1", len(tr.State.Tag.Records))
	}
}

func TestTrackerSameTagEmitsNothing(t *testing.T) {
	tracker := NewTracker(Config{})
	tracker.Observe(tagSample("04AA"))

	transitions := observeAll(tracker, tagSample("04AA"), tagSample("04AA"), tagSample("04AA"))
	if len(transitions) != 0 {
		t.Errorf("repeated presence emitted %d transitions, want 0", len(transitions))
	}
}

func TestTrackerAbsenceDebounced(t *testing.T) {
	tracker := NewTracker(Config{AbsentDebounce: 3})
	tracker.Observe(tagSample("04AA"))

	// Two empty cycles stay below the threshold.
	transitions := observeAll(tracker, absentSample(), absentSample())
	if len(transitions) != 0 {
		t.Fatalf("sub-threshold absence emitted %d transitions, want 0", len(transitions))
	}
	if !tracker.State().Present {
		t.Fatal("state flipped to absent before the debounce threshold")
	}

	// The third confirms removal.
	transitions = tracker.Observe(absentSample())
	if len(transitions) != 1 || transitions[0].State.Present {
		t.Fatalf("transitions = %+v, want single absent", transitions)
	}
	if transitions[0].State.Tag != nil {
		t.Error("absent state still carries a tag")
	}
}

func TestTrackerBlipSuppressed(t *testing.T) {
	tracker := NewTracker(Config{AbsentDebounce: 3})
	tracker.Observe(tagSample("04AA"))

	// K-1 empty cycles, then the tag reads again: no transitions at all.
	transitions := observeAll(tracker, absentSample(), absentSample(), tagSample("04AA"))
	if len(transitions) != 0 {
		t.Errorf("blip emitted %d transitions, want 0", len(transitions))
	}
	if !tracker.State().Present {
		t.Error("blip lost the present state")
	}
}

func TestTrackerTagSwap(t *testing.T) {
	tracker := NewTracker(Config{})
	tracker.Observe(tagSample("04AA"))

	transitions := tracker.Observe(tagSample("04BB"))
	if len(transitions) != 2 {
		t.Fatalf("swap emitted %d transitions, want 2", len(transitions))
	}
	if transitions[0].State.Present {
		t.Error("first swap transition must be absent")
	}
	if !transitions[1].State.Present || transitions[1].State.Tag.UID != "04BB" {
		t.Errorf("second swap transition = %+v, want present 04BB", transitions[1])
	}
}

func TestTrackerReaderOutage(t *testing.T) {
	tracker := NewTracker(Config{UnavailableThreshold: 5})
	tracker.Observe(tagSample("04AA"))

	var transitions []Transition
	for i := 0; i < 10; i++ {
		transitions = append(transitions, tracker.Observe(unavailableSample())...)
	}
	if len(transitions) != 1 || transitions[0].Kind != KindReaderOffline {
		t.Fatalf("outage emitted %+v, want single reader-offline", transitions)
	}
	if !tracker.State().Present {
		t.Fatal("outage cleared the presence state")
	}

	// Recovery with the tag still on the reader: online event, no presence
	// change.
	transitions = tracker.Observe(tagSample("04AA"))
	if len(transitions) != 1 || transitions[0].Kind != KindReaderOnline {
		t.Fatalf("recovery emitted %+v, want single reader-online", transitions)
	}
}

func TestTrackerShortOutageSilent(t *testing.T) {
	tracker := NewTracker(Config{UnavailableThreshold: 5})

	transitions := observeAll(tracker,
		unavailableSample(), unavailableSample(), unavailableSample(), unavailableSample(),
		absentSample())
	if len(transitions) != 0 {
		t.Errorf("sub-threshold outage emitted %d transitions, want 0", len(transitions))
	}
}

func TestTrackerTransientErrorsIgnored(t *testing.T) {
	tracker := NewTracker(Config{AbsentDebounce: 3})
	tracker.Observe(tagSample("04AA"))

	// A transient failure mid-debounce neither confirms nor resets removal.
	transitions := observeAll(tracker,
		absentSample(), transientSample(), absentSample())
	if len(transitions) != 0 {
		t.Fatalf("transient run emitted %d transitions, want 0", len(transitions))
	}

	transitions = tracker.Observe(absentSample())
	if len(transitions) != 1 || transitions[0].State.Present {
		t.Fatalf("transitions = %+v, want confirmed absent", transitions)
	}
}

func TestTrackerMidReadRemovalKeepsFullDebounceWindow(t *testing.T) {
	tracker := NewTracker(Config{AbsentDebounce: 3})
	tracker.Observe(tagSample("04AA"))

	// A read that fails because the card was pulled mid-exchange surfaces
	// as a transient sample. It must not count as the first absence cycle.
	transitions := observeAll(tracker,
		transientSample(), absentSample(), absentSample())
	if len(transitions) != 0 {
		t.Fatalf("removal emitted %d transitions after two empty cycles, want 0", len(transitions))
	}
	if !tracker.State().Present {
		t.Fatal("state flipped to absent before three empty cycles")
	}

	transitions = tracker.Observe(absentSample())
	if len(transitions) != 1 || transitions[0].State.Present {
		t.Fatalf("transitions = %+v, want confirmed absent on the third empty cycle", transitions)
	}
}

func TestTrackerTagWithoutMemory(t *testing.T) {
	tracker := NewTracker(Config{})

	transitions := tracker.Observe(nfc.Sample{Present: true, UID: "04CC"})
	if len(transitions) != 1 || !transitions[0].State.Present {
		t.Fatalf("transitions = %+v, want immediate present", transitions)
	}
	if len(transitions[0].State.Tag.Records) != 0 {
		t.Errorf("records = %d, want 0 for a tag without readable memory",
			len(transitions[0].State.Tag.Records))
	}
}

func TestTrackerDecodeRetryThenDegraded(t *testing.T) {
	tracker := NewTracker(Config{DecodeRetryLimit: 5})
	malformed := nfc.Sample{
		Present:  true,
		UID:      "04DD",
		Memory:   []byte{0x03, 0x20, 0x01, 0xFE}, // length past capacity
		Capacity: 4,
	}

	// Four failing cycles stay silent.
	for i := 0; i < 4; i++ {
		if transitions := tracker.Observe(malformed); len(transitions) != 0 {
			t.Fatalf("cycle %d emitted %+v, want none", i, transitions)
		}
	}

	// The fifth exhausts the retry budget and reports identifier only.
	transitions := tracker.Observe(malformed)
	if len(transitions) != 1 || !transitions[0].State.Present {
		t.Fatalf("transitions = %+v, want degraded present", transitions)
	}
	tag := transitions[0].State.Tag
	if tag.UID != "04DD" || len(tag.Records) != 0 {
		t.Errorf("degraded tag = %+v, want UID only", tag)
	}
}

func TestTrackerDecodeRetryResetOnRemoval(t *testing.T) {
	tracker := NewTracker(Config{AbsentDebounce: 1, DecodeRetryLimit: 5})
	malformed := nfc.Sample{
		Present:  true,
		UID:      "04DD",
		Memory:   []byte{0x03, 0x20, 0x01, 0xFE},
		Capacity: 4,
	}

	observeAll(tracker, malformed, malformed, malformed, malformed)
	tracker.Observe(absentSample())

	// A fresh insertion starts a fresh retry budget.
	if transitions := tracker.Observe(malformed); len(transitions) != 0 {
		t.Errorf("first cycle after reset emitted %+v, want none", transitions)
	}
}

func TestTrackerReinsertion(t *testing.T) {
	tracker := NewTracker(Config{AbsentDebounce: 2})
	tracker.Observe(tagSample("04AA"))
	observeAll(tracker, absentSample(), absentSample())

	transitions := tracker.Observe(tagSample("04AA"))
	if len(transitions) != 1 || !transitions[0].State.Present {
		t.Fatalf("reinsertion emitted %+v, want present", transitions)
	}
	if transitions[0].State.Tag.UID != "04AA" {
		t.Errorf("UID = %q, want 04AA", transitions[0].State.Tag.UID)
	}
}
