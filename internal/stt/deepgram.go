package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

var deepgramDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

type DeepgramConfig struct {
	APIKey         string
	URL            string // defaults to the public streaming endpoint
	Language       string
	Model          string
	SampleRate     int    // 0 lets Deepgram sniff containerized audio (webm/opus)
	Encoding       string // empty for containerized audio
	Channels       int
	Punctuate      bool
	Endpointing    int // ms of silence before a final, 0 for Deepgram's default
	UtteranceEndMs int
	Logger         *log.Logger
}

func (cfg DeepgramConfig) listenURL() string {
	base := cfg.URL
	if base == "" {
		base = deepgramWSURL
	}

	q := url.Values{}
	q.Set("interim_results", "true")
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	setString := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setInt := func(k string, v int) {
		if v > 0 {
			q.Set(k, strconv.Itoa(v))
		}
	}
	setString("model", cfg.Model)
	setString("language", cfg.Language)
	setString("encoding", cfg.Encoding)
	setInt("sample_rate", cfg.SampleRate)
	setInt("channels", cfg.Channels)
	setInt("endpointing", cfg.Endpointing)
	setInt("utterance_end_ms", cfg.UtteranceEndMs)
	return base + "?" + q.Encode()
}

// DeepgramRecognizer opens a fresh Deepgram stream per recognition session.
type DeepgramRecognizer struct {
	Config DeepgramConfig
}

func (r DeepgramRecognizer) Open(ctx context.Context) (Stream, error) {
	return DialDeepgram(ctx, r.Config)
}

// ForAudio returns a copy of r configured for the client's audio format.
// An empty encoding lets Deepgram sniff containerized audio.
func (r DeepgramRecognizer) ForAudio(encoding string, sampleRate int) Recognizer {
	r.Config.Encoding = encoding
	r.Config.SampleRate = sampleRate
	if encoding == "" {
		r.Config.SampleRate = 0
	}
	return r
}

// DeepgramStream is one live Deepgram websocket.
type DeepgramStream struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	results  chan Result
	errs     chan error
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

// DialDeepgram opens a streaming session. A 401 or 403 during the handshake
// is reported as ErrPermissionDenied.
func DialDeepgram(ctx context.Context, cfg DeepgramConfig) (*DeepgramStream, error) {
	header := http.Header{"Authorization": []string{"Token " + cfg.APIKey}}
	conn, resp, err := deepgramDialer.DialContext(ctx, cfg.listenURL(), header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("deepgram handshake %s: %w", resp.Status, ErrPermissionDenied)
			}
			return nil, fmt.Errorf("deepgram handshake %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &DeepgramStream{
		conn:     conn,
		logger:   logger,
		results:  make(chan Result, 100),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func (s *DeepgramStream) Send(_ context.Context, audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return errors.New("deepgram: stream closed")
	default:
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *DeepgramStream) Results() <-chan Result { return s.results }
func (s *DeepgramStream) Errors() <-chan error   { return s.errs }

// Close asks Deepgram to end the stream, drops the socket and closes both
// channels once the reader has exited. Pending interim text is lost.
func (s *DeepgramStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()

		err = s.conn.Close()
		<-s.readDone
		close(s.results)
		close(s.errs)
	})
	return err
}

// classifyReadError maps Deepgram's close frames onto the session error kinds.
// NET-0001 means Deepgram got no audio for its timeout window.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case strings.Contains(ce.Text, "NET-0001"):
			return fmt.Errorf("%s: %w", ce.Text, ErrNoSpeech)
		case ce.Code == websocket.ClosePolicyViolation:
			return fmt.Errorf("%s: %w", ce.Text, ErrPermissionDenied)
		}
	}
	return fmt.Errorf("deepgram read: %w", err)
}

type deepgramMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Channel   struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// decodeResult turns one server message into a Result. ok is false for
// messages that carry nothing for the consumer. An empty final is kept
// since it retires the interim before it.
func decodeResult(m deepgramMessage) (r Result, ok bool) {
	if m.Type != "Results" {
		return Result{}, false
	}
	r = Result{IsFinal: m.IsFinal, SpeechFinal: m.SpeechFinal}
	if alts := m.Channel.Alternatives; len(alts) > 0 {
		r.Text = alts[0].Transcript
		r.Confidence = alts[0].Confidence
	}
	if r.Text == "" && !r.IsFinal {
		return Result{}, false
	}
	return r, true
}

func (s *DeepgramStream) read() {
	defer close(s.readDone)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			case s.errs <- classifyReadError(err):
			default:
			}
			return
		}

		var m deepgramMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Printf("deepgram: unparseable message: %v", err)
			continue
		}
		if m.Type == "Metadata" {
			s.logger.Printf("deepgram: stream open (request %s)", m.RequestID)
			continue
		}
		r, ok := decodeResult(m)
		if !ok {
			continue
		}

		select {
		case <-s.done:
			return
		case s.results <- r:
		}
	}
}
