// Package stream owns the live connection to the detection service.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"vehicle-monitor/internal/detection"
	"vehicle-monitor/internal/domain/anpr"
	"vehicle-monitor/internal/pubsub"
)

// Config is the connection policy.
type Config struct {
	ReconnectAttempts int
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Millisecond
	}
	return c
}

// State is an immutable view of the session. Frame holds the decoded image
// of the latest video_frame and must not be modified.
type State struct {
	Generation  uint64
	Status      anpr.StreamStatus
	CameraIndex string
	Frame       []byte
	FPS         float64
	Snapshot    anpr.Snapshot
	Err         error
}

// Session drives one camera stream at a time through
// Idle, Connecting, Streaming, Error and Stopped.
//
// Every background step captures the generation it was started under and
// drops its result once Start or Stop has moved the generation on.
type Session struct {
	dialer Dialer
	cfg    Config
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}

	updates *pubsub.Broker[State]
}

func NewSession(dialer Dialer, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		dialer:  dialer,
		cfg:     cfg.withDefaults(),
		log:     log,
		state:   State{Status: anpr.StatusIdle},
		updates: pubsub.New[State](0),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe delivers every state change until cancel is called.
func (s *Session) Subscribe() (<-chan State, func()) {
	return s.updates.Subscribe()
}

// publishLocked must be called with s.mu held.
func (s *Session) publishLocked() {
	s.updates.Publish(s.state)
}

// Start connects and asks the service to stream cameraIndex. It returns
// at once; progress is reported through Subscribe.
func (s *Session) Start(cameraIndex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != anpr.StatusIdle {
		return anpr.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.state = State{
		Generation:  s.state.Generation + 1,
		Status:      anpr.StatusConnecting,
		CameraIndex: cameraIndex,
	}
	s.publishLocked()

	s.log.Info().
		Uint64("generation", s.state.Generation).
		Str("camera_index", cameraIndex).
		Msg("starting detection stream")

	go s.run(ctx, s.state.Generation, cameraIndex, s.done)
	return nil
}

// Stop releases the connection and returns to Idle. Calling it on an idle
// or stopping session does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state.Status == anpr.StatusIdle || s.state.Status == anpr.StatusStopped {
		s.mu.Unlock()
		return
	}

	s.state.Generation++
	gen := s.state.Generation
	t := s.transport
	s.transport = nil
	cancel := s.cancel
	s.cancel = nil

	s.state.Status = anpr.StatusStopped
	s.state.Frame = nil
	s.state.FPS = 0
	s.state.Snapshot = anpr.Snapshot{}
	s.publishLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Emit(anpr.EventStopVideo, nil); err != nil {
			s.log.Warn().Err(err).Uint64("generation", gen).Msg("failed to send stop_video")
		}
		if err := t.Close(); err != nil {
			s.log.Debug().Err(err).Uint64("generation", gen).Msg("transport close")
		}
	}

	s.mu.Lock()
	if s.state.Generation == gen {
		s.state.Status = anpr.StatusIdle
		s.publishLocked()
	}
	s.mu.Unlock()

	s.log.Info().Uint64("generation", gen).Msg("detection stream stopped")
}

// Wait blocks until the background loop of the current run has exited.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the session and ends all subscriptions.
func (s *Session) Close() {
	s.Stop()
	s.Wait()
	s.updates.Close()
}

func (s *Session) run(ctx context.Context, gen uint64, cameraIndex string, done chan struct{}) {
	defer close(done)

	for {
		t, err := s.connect(ctx, gen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(gen, err)
			return
		}

		if !s.attach(gen, t) {
			_ = t.Close()
			return
		}

		if err := t.Emit(anpr.EventStartVideo, anpr.StartCommand{CameraIndex: cameraIndex}); err != nil {
			s.log.Warn().Err(err).Uint64("generation", gen).Msg("failed to send start_video")
			if !s.detach(gen, t) {
				return
			}
			continue
		}
		if !s.setStatus(gen, anpr.StatusStreaming) {
			return
		}

		if !s.consume(ctx, gen, t) {
			return
		}
		if !s.detach(gen, t) {
			return
		}
	}
}

// connect dials with the bounded reconnect policy.
func (s *Session) connect(ctx context.Context, gen uint64) (Transport, error) {
	var (
		attempt   int
		transport Transport
	)

	backoff := retry.WithMaxRetries(uint64(s.cfg.ReconnectAttempts-1), retry.NewConstant(s.cfg.ReconnectDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptID := uuid.NewString()

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()

		t, err := s.dialer.Dial(dialCtx)
		if err != nil {
			s.log.Warn().
				Err(err).
				Uint64("generation", gen).
				Int("attempt", attempt).
				Str("attempt_id", attemptID).
				Msg("stream connect attempt failed")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(err)
		}

		s.log.Debug().
			Uint64("generation", gen).
			Int("attempt", attempt).
			Str("attempt_id", attemptID).
			Msg("stream connected")
		transport = t
		return nil
	})
	if err != nil {
		return nil, &anpr.TransportError{Attempts: attempt, Err: err}
	}
	return transport, nil
}

func (s *Session) attach(gen uint64, t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Generation != gen {
		return false
	}
	s.transport = t
	return true
}

// detach drops a dead transport and goes back to Connecting.
func (s *Session) detach(gen uint64, t Transport) bool {
	_ = t.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Generation != gen {
		return false
	}
	s.transport = nil
	s.state.Status = anpr.StatusConnecting
	s.state.Frame = nil
	s.state.FPS = 0
	s.state.Snapshot = anpr.Snapshot{}
	s.publishLocked()
	return true
}

func (s *Session) setStatus(gen uint64, status anpr.StreamStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Generation != gen {
		return false
	}
	s.state.Status = status
	s.publishLocked()
	return true
}

// fail records a connection failure the reconnect policy could not fix.
// The session stays in Error until the caller stops it.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Generation != gen {
		return
	}
	s.state.Status = anpr.StatusError
	s.state.Err = err
	s.transport = nil
	s.publishLocked()

	s.log.Error().Err(err).Uint64("generation", gen).Msg("detection stream unavailable")
}

// consume handles inbound events in arrival order. It returns true when
// the connection dropped and a reconnect should follow.
func (s *Session) consume(ctx context.Context, gen uint64, t Transport) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-t.Messages():
			if !ok {
				s.log.Warn().
					Err(t.Err()).
					Uint64("generation", gen).
					Msg("stream disconnected, reconnecting")
				return ctx.Err() == nil
			}

			switch msg.Event {
			case anpr.EventVideoFrame:
				s.handleFrame(gen, msg.Data)
			case anpr.EventVideoError:
				s.handleStreamError(gen, msg.Data)
				return false
			default:
				s.log.Debug().Str("event", msg.Event).Msg("ignoring stream event")
			}
		}
	}
}

func (s *Session) handleFrame(gen uint64, data json.RawMessage) {
	var payload anpr.FramePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Uint64("generation", gen).Msg("dropping undecodable video_frame")
		return
	}

	frame, err := decodeFrame(payload.EntranceFrame)
	if err != nil {
		s.log.Warn().Err(err).Uint64("generation", gen).Msg("video_frame has no usable image")
		frame = nil
	}
	snapshot := detection.Select(payload.EntranceDetections)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Generation != gen || s.state.Status != anpr.StatusStreaming {
		return
	}
	s.state.Frame = frame
	s.state.FPS = payload.FPS
	s.state.Snapshot = snapshot
	s.publishLocked()
}

func (s *Session) handleStreamError(gen uint64, data json.RawMessage) {
	var payload anpr.VideoError
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	cause := &anpr.StreamError{Message: payload.Error}

	s.mu.Lock()
	if s.state.Generation != gen {
		s.mu.Unlock()
		return
	}
	s.state.Status = anpr.StatusError
	s.state.Err = cause
	s.publishLocked()
	s.mu.Unlock()

	s.log.Error().Err(cause).Uint64("generation", gen).Msg("detection service reported an error")
	s.Stop()
}

var errNoFrame = errors.New("frame is empty")

// decodeFrame accepts bare base64 or a data URL.
func decodeFrame(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ","); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	if encoded == "" {
		return nil, errNoFrame
	}
	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return frame, nil
}
