// Package presence turns the noisy per-cycle reader samples into a stable
// presence signal: immediate on tag arrival, debounced on removal, and
// insulated from transient read errors and reader outages.
package presence

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/dotside-studios/tagbridge/nfc"
)

// State is the externally visible presence state. Tag is nil when no tag is
// present.
type State struct {
	Present bool
	Tag     *nfc.Tag
}

// TransitionKind discriminates the events a Tracker emits.
type TransitionKind int

const (
	// KindPresence is a confirmed presence change; Transition.State holds
	// the new state.
	KindPresence TransitionKind = iota

	// KindReaderOffline means the reader has been unreachable for the
	// configured number of consecutive cycles.
	KindReaderOffline

	// KindReaderOnline means the reader answered again after an offline
	// period.
	KindReaderOnline
)

// Transition is one emitted event. State is only meaningful for
// KindPresence.
type Transition struct {
	Kind  TransitionKind
	State State
}

// Default thresholds, in poll cycles.
const (
	DefaultAbsentDebounce       = 3
	DefaultDecodeRetryLimit     = 5
	DefaultUnavailableThreshold = 5
)

// Config holds the Tracker thresholds. Zero values select the defaults.
type Config struct {
	// AbsentDebounce is the number of consecutive absent samples required
	// before a removal is confirmed.
	AbsentDebounce int

	// DecodeRetryLimit is the number of consecutive cycles a tag's memory
	// may fail to decode before the tag is reported present anyway,
	// identifier only.
	DecodeRetryLimit int

	// UnavailableThreshold is the number of consecutive unreachable-reader
	// cycles before the reader is declared offline.
	UnavailableThreshold int
}

// Tracker is the presence state machine. It is not safe for concurrent use;
// the supervisor feeds it from a single goroutine.
type Tracker struct {
	cfg   Config
	state State

	absentStreak      int
	unavailableStreak int
	readerOffline     bool

	// decodeUID and decodeFailures track a tag whose memory keeps failing
	// to decode, so the retry budget applies per insertion.
	decodeUID      string
	decodeFailures int
}

// NewTracker creates a Tracker with the given thresholds, substituting
// defaults for zero values.
func NewTracker(cfg Config) *Tracker {
	if cfg.AbsentDebounce <= 0 {
		cfg.AbsentDebounce = DefaultAbsentDebounce
	}
	if cfg.DecodeRetryLimit <= 0 {
		cfg.DecodeRetryLimit = DefaultDecodeRetryLimit
	}
	if cfg.UnavailableThreshold <= 0 {
		cfg.UnavailableThreshold = DefaultUnavailableThreshold
	}
	return &Tracker{cfg: cfg}
}

// State returns the current confirmed presence state.
func (t *Tracker) State() State {
	return t.state
}

// ReaderOffline reports whether the reader is currently declared offline.
func (t *Tracker) ReaderOffline() bool {
	return t.readerOffline
}

// Observe feeds one poll sample into the state machine and returns the
// transitions it confirms, in order. Most cycles return none.
func (t *Tracker) Observe(sample nfc.Sample) []Transition {
	if sample.Err != nil {
		return t.observeError(sample.Err)
	}

	var transitions []Transition

	t.unavailableStreak = 0
	if t.readerOffline {
		t.readerOffline = false
		log.Info("Reader reachable again")
		transitions = append(transitions, Transition{Kind: KindReaderOnline})
	}

	if sample.Present {
		transitions = append(transitions, t.observePresent(sample)...)
	} else {
		transitions = append(transitions, t.observeAbsent()...)
	}
	return transitions
}

func (t *Tracker) observeError(err error) []Transition {
	if !nfc.IsReaderUnavailable(err) {
		// Transient read failures carry no presence information; the
		// current state and all streaks stand.
		log.WithField("code", nfc.GetErrorCode(err)).Debugf("Transient poll failure: %v", err)
		return nil
	}

	t.unavailableStreak++
	if t.readerOffline || t.unavailableStreak < t.cfg.UnavailableThreshold {
		return nil
	}

	t.readerOffline = true
	log.Warnf("Reader unreachable for %d cycles, declaring it offline", t.unavailableStreak)
	return []Transition{{Kind: KindReaderOffline}}
}

func (t *Tracker) observePresent(sample nfc.Sample) []Transition {
	t.absentStreak = 0

	uid := strings.ToUpper(sample.UID)
	if t.state.Present && t.state.Tag.UID == uid {
		// Same tag still on the reader; nothing to decode or report.
		return nil
	}

	var transitions []Transition
	if t.state.Present {
		// Direct swap without an observed gap. Report the removal first so
		// consumers always see alternating states.
		log.Infof("Tag %s replaced by %s", t.state.Tag.UID, uid)
		t.state = State{}
		t.resetDecode()
		transitions = append(transitions, Transition{Kind: KindPresence, State: t.state})
	}

	tag, err := nfc.DecodeTag(uid, sample.Memory, sample.Capacity)
	if err != nil {
		if t.decodeUID != uid {
			t.decodeUID = uid
			t.decodeFailures = 0
		}
		t.decodeFailures++
		if t.decodeFailures < t.cfg.DecodeRetryLimit {
			log.Debugf("Tag %s memory undecodable (attempt %d): %v", uid, t.decodeFailures, err)
			return transitions
		}
		// Give up on the payload but still report the tag by identifier.
		log.Warnf("Tag %s memory undecodable after %d attempts, reporting identifier only: %v",
			uid, t.decodeFailures, err)
		tag = &nfc.Tag{UID: uid, Capacity: sample.Capacity}
	}

	t.resetDecode()
	t.state = State{Present: true, Tag: tag}
	log.Infof("Tag %s present (%d records)", tag.UID, len(tag.Records))
	return append(transitions, Transition{Kind: KindPresence, State: t.state})
}

func (t *Tracker) observeAbsent() []Transition {
	t.resetDecode()

	if !t.state.Present {
		t.absentStreak = 0
		return nil
	}

	t.absentStreak++
	if t.absentStreak < t.cfg.AbsentDebounce {
		return nil
	}

	log.Infof("Tag %s absent after %d empty cycles", t.state.Tag.UID, t.absentStreak)
	t.state = State{}
	t.absentStreak = 0
	return []Transition{{Kind: KindPresence, State: t.state}}
}

func (t *Tracker) resetDecode() {
	t.decodeUID = ""
	t.decodeFailures = 0
}
