package story

import (
	"errors"
	"fmt"

	"github.com/lukasbauer/storyreel/internal/illustrate"
	"github.com/lukasbauer/storyreel/internal/scene"
	"github.com/lukasbauer/storyreel/internal/segment"
	"github.com/lukasbauer/storyreel/internal/stt"
	"github.com/lukasbauer/storyreel/internal/transcript"
)

// Outbound message types.
const (
	TypeTranscript = "transcript"
	TypeScene      = "scene"
	TypeSegmenting = "segmenting"
	TypeError      = "error"
)

// Message is pushed to the narrator's client.
type Message struct {
	Type    string       `json:"type"`
	Text    string       `json:"text,omitempty"`
	State   string       `json:"state,omitempty"`
	Trigger string       `json:"trigger,omitempty"`
	Scene   *scene.Scene `json:"scene,omitempty"`
	Kind    string       `json:"kind,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Command is sent by the narrator's client.
type Command struct {
	Type string `json:"type"` // start, stop, edit, clear, segment
	Text string `json:"text,omitempty"`
}

// ErrUnknownCommand rejects a command type the session does not know.
var ErrUnknownCommand = errors.New("story: unknown command")

// Apply runs one client command on the loop.
func (s *Session) Apply(cmd Command) error {
	switch cmd.Type {
	case "start":
		s.Start()
	case "stop":
		s.Stop()
	case "edit":
		s.Edit(cmd.Text)
	case "clear":
		s.Clear()
	case "segment":
		return s.Segment()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return nil
}

// ErrorKind maps an error to the stable kind string clients switch on.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, transcript.ErrRecognizerUnavailable):
		return "recognizer_unavailable"
	case errors.Is(err, stt.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, segment.ErrTooShort), errors.Is(err, illustrate.ErrInputTooShort):
		return "too_short"
	case errors.Is(err, segment.ErrInFlight):
		return "in_flight"
	case errors.Is(err, ErrUnknownCommand):
		return "bad_command"
	default:
		return "illustration_failed"
	}
}

// ErrorMessage builds the outbound message for err.
func ErrorMessage(err error) Message {
	return Message{Type: TypeError, Kind: ErrorKind(err), Message: err.Error()}
}
