// Package deepgram provides a Deepgram-backed upstream client using the
// Deepgram streaming WebSocket API. It implements the upstream.Client
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/voicewire/sttrelay/pkg/upstream"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000

	// defaultConnectTimeout bounds a dial when the caller's context carries
	// no deadline of its own.
	defaultConnectTimeout = 10 * time.Second

	// writeTimeout bounds individual frame writes so a stalled socket cannot
	// wedge the caller.
	writeTimeout = 10 * time.Second
)

// Control frames understood by the Deepgram streaming API.
var (
	keepAliveFrame   = []byte(`{"type":"KeepAlive"}`)
	closeStreamFrame = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Deepgram Client.
type Option func(*Client)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(c *Client) {
		c.language = language
	}
}

// WithSampleRate sets the client-level default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(c *Client) {
		c.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL. Intended for tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// Client implements upstream.Client backed by the Deepgram streaming API.
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect opens a streaming transcription connection with Deepgram. It
// respects cfg.SampleRate, cfg.Language, cfg.Model, and cfg.Channels; zero
// values fall back to the client-level defaults.
func (c *Client) Connect(ctx context.Context, cfg upstream.StreamConfig) (upstream.Conn, error) {
	wsURL, err := c.buildURL(cfg)
	if err != nil {
		return nil, &upstream.Error{Message: "build URL: " + err.Error(), Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.apiKey)

	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		uerr := &upstream.Error{Message: "dial: " + err.Error(), Err: err}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			uerr.Status = resp.StatusCode
		}
		return nil, uerr
	}

	cc := &conn{
		ws:     ws,
		events: make(chan upstream.Event, 64),
		done:   make(chan struct{}),
	}
	cc.ready.Store(true)

	go cc.readLoop()

	return cc, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (c *Client) buildURL(cfg upstream.StreamConfig) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = c.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = c.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = c.sampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- connection ----

// deepgramMessage is the JSON envelope received on the Deepgram socket. The
// Type field discriminates: "Results", "Metadata", "SpeechStarted",
// "UtteranceEnd".
type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// conn is a live Deepgram streaming connection. It implements upstream.Conn.
type conn struct {
	ws     *websocket.Conn
	events chan upstream.Event

	ready atomic.Bool
	done  chan struct{}
	once  sync.Once
}

// SendAudio writes a binary PCM frame to Deepgram.
func (s *conn) SendAudio(chunk []byte) error {
	return s.write(websocket.MessageBinary, chunk)
}

// KeepAlive sends the Deepgram keepalive control frame.
func (s *conn) KeepAlive() error {
	return s.write(websocket.MessageText, keepAliveFrame)
}

// Finalize sends the CloseStream terminator, asking Deepgram to flush
// in-flight audio and respond with a Metadata message. The connection itself
// stays open until Deepgram closes it or Close is called.
func (s *conn) Finalize() error {
	return s.write(websocket.MessageText, closeStreamFrame)
}

// Ready reports whether the socket currently accepts frames.
func (s *conn) Ready() bool {
	return s.ready.Load()
}

// Events returns the ordered event stream.
func (s *conn) Events() <-chan upstream.Event {
	return s.events
}

// Close tears the connection down. Safe to call more than once.
func (s *conn) Close() error {
	s.once.Do(func() {
		s.ready.Store(false)
		close(s.done)
		_ = s.ws.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

// write sends one frame, bounded by writeTimeout.
func (s *conn) write(typ websocket.MessageType, data []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: connection is closed")
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.ws.Write(ctx, typ, data); err != nil {
		return &upstream.Error{Message: "write: " + err.Error(), Err: err}
	}
	return nil
}

// readLoop receives JSON messages from Deepgram and dispatches them as events.
// It owns the events channel: the terminal close event is always the last
// value delivered before the channel is closed.
func (s *conn) readLoop() {
	defer close(s.events)

	for {
		_, msg, err := s.ws.Read(context.Background())
		if err != nil {
			s.ready.Store(false)
			s.dispatchReadError(err)
			return
		}

		if ev, ok := parseMessage(msg); ok {
			s.emit(ev)
		}
	}
}

// dispatchReadError converts a read failure into the terminal event sequence:
// an optional error event followed by the close event.
func (s *conn) dispatchReadError(err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		s.emit(upstream.Event{
			Kind:   upstream.EventClose,
			Code:   int(ce.Code),
			Reason: ce.Reason,
		})
		return
	}

	select {
	case <-s.done:
		// Local close; report a normal closure.
		s.emit(upstream.Event{Kind: upstream.EventClose, Code: int(websocket.StatusNormalClosure)})
	default:
		s.emit(upstream.Event{
			Kind: upstream.EventError,
			Err:  &upstream.Error{Message: err.Error(), Err: err},
		})
		s.emit(upstream.Event{Kind: upstream.EventClose, Code: int(websocket.StatusAbnormalClosure)})
	}
}

// emit delivers ev unless the consumer is gone.
func (s *conn) emit(ev upstream.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
		// Consumer stopped reading; drop the event rather than block.
		// The terminal close still gets through because Close drains via
		// channel closure.
		select {
		case s.events <- ev:
		default:
		}
	}
}

// parseMessage parses a raw Deepgram WebSocket message into an Event.
// Returns (Event, true) on success, or (zero, false) if the message should be
// ignored.
func parseMessage(data []byte) (upstream.Event, bool) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return upstream.Event{}, false
	}

	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return upstream.Event{}, false
		}
		alt := msg.Channel.Alternatives[0]
		return upstream.Event{
			Kind: upstream.EventTranscript,
			Transcript: upstream.Transcript{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				IsFinal:    msg.IsFinal,
			},
		}, true
	case "Metadata":
		return upstream.Event{Kind: upstream.EventMetadata}, true
	case "SpeechStarted":
		return upstream.Event{Kind: upstream.EventSpeechStarted}, true
	case "UtteranceEnd":
		return upstream.Event{Kind: upstream.EventUtteranceEnd}, true
	default:
		return upstream.Event{}, false
	}
}

// Ensure conn implements upstream.Conn at compile time.
var _ upstream.Conn = (*conn)(nil)
