package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/goofish"
	"github.com/dotsetgreg/fishagent/pkg/logger"
)

var (
	ErrTransport        = errors.New("transport failure")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrNotActive        = errors.New("session is not active")
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateRegistering
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// TokenSource issues the short-lived access token used for registration.
type TokenSource interface {
	GetToken(ctx context.Context, deviceID string) (string, error)
}

type SessionConfig struct {
	URL               string
	Header            http.Header
	SelfID            string
	DeviceID          string
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	RegistrationDelay time.Duration
	// TickInterval is the heartbeat check period; one second by default.
	TickInterval time.Duration
}

// Session is one connection attempt: connect, register, run the receive
// and heartbeat loops until either fails, then close. A Session is never
// reused.
type Session struct {
	cfg     SessionConfig
	dialer  Dialer
	tokens  TokenSource
	codec   *goofish.Codec
	handler EventHandler
	now     func() time.Time

	state         atomic.Int32
	reachedActive atomic.Bool
	conn          Conn
	monitor       *HeartbeatMonitor
	started       atomic.Bool
}

func NewSession(cfg SessionConfig, dialer Dialer, tokens TokenSource, codec *goofish.Codec, handler EventHandler) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		tokens:  tokens,
		codec:   codec,
		handler: handler,
		now:     time.Now,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ReachedActive reports whether the handshake completed on this attempt.
func (s *Session) ReachedActive() bool {
	return s.reachedActive.Load()
}

func (s *Session) setState(state SessionState) {
	prev := SessionState(s.state.Swap(int32(state)))
	if prev != state {
		logger.DebugCF("session", "State change", map[string]any{"from": prev.String(), "to": state.String()})
	}
}

func (s *Session) SelfID() string {
	return s.cfg.SelfID
}

// SendText frames text as a chat message into conversation cid.
func (s *Session) SendText(_ context.Context, cid, toUserID, text string) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	return s.write(s.codec.BuildSendMessage(cid, toUserID, s.cfg.SelfID, text))
}

func (s *Session) write(frame goofish.OutboundFrame) error {
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.LWP, err)
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Run drives the session to Closed and returns why it ended. It returns
// ctx.Err() when the caller cancelled.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session already run")
	}
	defer s.setState(StateClosed)

	s.setState(StateConnecting)
	conn, err := s.dialer.Dial(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}
	s.conn = conn

	if err := s.register(ctx); err != nil {
		_ = conn.Close()
		return err
	}

	s.monitor = NewHeartbeatMonitor(s.cfg.HeartbeatInterval, s.cfg.HeartbeatGrace, s.now())
	s.setState(StateActive)
	s.reachedActive.Store(true)
	logger.InfoCF("session", "Session active", map[string]any{"self": s.cfg.SelfID})

	activeCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.heartbeatLoop(activeCtx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.receiveLoop(activeCtx); err != nil {
			errCh <- err
		}
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.setState(StateClosing)
	cancel()
	if closeErr := conn.Close(); closeErr != nil {
		logger.DebugCF("session", "Close error", map[string]any{"error": closeErr.Error()})
	}
	wg.Wait()
	return err
}

func (s *Session) register(ctx context.Context) error {
	s.setState(StateRegistering)

	token, err := s.tokens.GetToken(ctx, s.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("fetch access token: %w", err)
	}
	if err := s.write(s.codec.BuildRegistration(s.cfg.DeviceID, token)); err != nil {
		return err
	}

	if s.cfg.RegistrationDelay > 0 {
		timer := time.NewTimer(s.cfg.RegistrationDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if err := s.write(s.codec.BuildSyncAck()); err != nil {
		return err
	}
	logger.InfoC("session", "Registration sent")
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := s.now()
		decision := s.monitor.OnTick(now)
		if decision.Send {
			frame, mid := s.codec.BuildHeartbeat()
			if err := s.write(frame); err != nil {
				return err
			}
			logger.DebugCF("session", "Heartbeat sent", map[string]any{"mid": mid})
		}
		if decision.Dead {
			logger.WarnCF("session", "Heartbeat response timed out", map[string]any{
				"last_ack": s.monitor.LastAcked().Format(time.RFC3339),
			})
			return ErrHeartbeatTimeout
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		if err := s.handleFrame(ctx, raw); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handleFrame acks, detects heartbeat responses and dispatches the first
// sync record. Only transport errors are returned.
func (s *Session) handleFrame(ctx context.Context, raw []byte) error {
	frame, err := goofish.DecodeFrame(raw)
	if err != nil {
		logger.DebugCF("session", "Dropping undecodable frame", map[string]any{"error": err.Error()})
		return nil
	}

	if goofish.IsHeartbeatAck(frame) {
		s.monitor.OnAck(s.now())
		return nil
	}
	if _, ok := frame.MID(); ok {
		if err := s.write(s.codec.BuildAck(frame)); err != nil {
			return err
		}
	}

	record, ok := goofish.FirstSyncRecord(frame)
	if !ok {
		return nil
	}
	payload, err := s.codec.DecodePayload(record)
	if err != nil {
		logger.WarnCF("session", "Dropping undecodable payload", map[string]any{"error": err.Error()})
		return nil
	}
	return s.dispatch(ctx, goofish.Classify(payload))
}

func (s *Session) dispatch(ctx context.Context, ev goofish.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("session", "Event handler panicked", map[string]any{
				"kind":  ev.Kind().String(),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			err = nil
		}
	}()

	// In-flight collaborator calls finish even if the session starts
	// closing; their sends then fail on the closed transport.
	if err := s.handler.HandleEvent(context.WithoutCancel(ctx), s, ev); err != nil {
		if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotActive) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}
