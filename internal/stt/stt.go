// Package stt talks to live speech recognition engines.
package stt

import (
	"context"
	"errors"
)

// Result is one hypothesis from the engine. Interim results for the same
// stretch of speech replace each other until a final one arrives.
type Result struct {
	Text        string
	Confidence  float64
	IsFinal     bool
	SpeechFinal bool // engine saw the end of an utterance
}

var (
	// ErrNoSpeech ends a session that heard nothing for too long. Listening
	// may continue with a new session.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrPermissionDenied means the engine refused the session. Retrying
	// will not help.
	ErrPermissionDenied = errors.New("stt: permission denied")
)

// Stream is one open recognition session. Results and Errors are closed by
// Close; an error on Errors means the session is over.
type Stream interface {
	Send(ctx context.Context, audio []byte) error
	Results() <-chan Result
	Errors() <-chan error
	Close() error
}

// Recognizer opens recognition sessions.
type Recognizer interface {
	Open(ctx context.Context) (Stream, error)
}

type RecognizerFunc func(ctx context.Context) (Stream, error)

func (f RecognizerFunc) Open(ctx context.Context) (Stream, error) { return f(ctx) }
