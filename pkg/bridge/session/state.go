package session

import (
	"time"
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Event is model output surfaced to the caller. One Event is emitted per
// inbound content message or go-away notice.
type Event struct {
	Text             string
	Audio            []byte
	MIMEType         string
	InputTranscript  string
	OutputTranscript string
	TurnComplete     bool
	// Interrupted means the user barged in; buffered playback should be
	// discarded.
	Interrupted bool
	// GoAway is set when the backend announced it will disconnect.
	GoAway         bool
	GoAwayTimeLeft time.Duration
}

func (e Event) empty() bool {
	return e.Text == "" && len(e.Audio) == 0 && e.InputTranscript == "" && e.OutputTranscript == "" &&
		!e.TurnComplete && !e.Interrupted && !e.GoAway
}
