package transcript

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of the listening session.
type State int

const (
	Idle       State = iota // never started, or cleared
	Listening               // a recognition session is open or opening
	Restarting              // waiting out a restart or edit debounce
	Stopped                 // stopped by the user or a terminal engine error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal moves of the session state machine.
var transitions = map[State][]State{
	Idle:       {Listening, Stopped, Idle},
	Listening:  {Listening, Restarting, Stopped, Idle},
	Restarting: {Listening, Restarting, Stopped, Idle},
	Stopped:    {Listening, Stopped, Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is a copy of the three-part transcript.
type Snapshot struct {
	Base    string // finalized narration up to the last checkpoint
	Session string // finalized narration of the current session, not yet checkpointed
	Interim string // provisional recognition, replaced on every event
}

// Text returns the authoritative text: base, session and interim joined with
// a single space wherever neither side already supplies whitespace.
func (s Snapshot) Text() string {
	return joinParts(s.Base, s.Session, s.Interim)
}

func joinParts(parts ...string) string {
	var b strings.Builder
	last := byte(0)
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 && !isSpace(last) && !isSpace(p[0]) {
			b.WriteByte(' ')
		}
		b.WriteString(p)
		last = p[len(p)-1]
	}
	return b.String()
}

// appendFinal bakes a final chunk onto base with one normalizing space.
func appendFinal(base, chunk string) string {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return base
	}
	if base != "" && !isSpace(base[len(base)-1]) {
		base += " "
	}
	return base + chunk
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
