package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/config"
	"github.com/dotsetgreg/fishagent/pkg/goofish"
	"github.com/dotsetgreg/fishagent/pkg/logger"
)

const (
	goofishOrigin       = "https://www.goofish.com"
	goofishAcceptLang   = "zh-CN,zh;q=0.9,en;q=0.8"
	tokenFailureHintMin = 3
)

type GoofishOptions struct {
	Config    config.GoofishConfig
	CookieStr string
	SelfID    string
	Tokens    TokenSource
	Handler   EventHandler
	// Dialer and Decrypter default to the websocket dialer and a decrypter
	// that rejects encrypted payloads.
	Dialer    Dialer
	Decrypter goofish.Decrypter
}

// GoofishChannel keeps one marketplace chat session alive for the process
// lifetime.
type GoofishChannel struct {
	*BaseChannel
	supervisor *ReconnectSupervisor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewGoofishChannel(opts GoofishOptions) (*GoofishChannel, error) {
	if opts.SelfID == "" {
		return nil, fmt.Errorf("goofish channel requires the account user id (unb cookie)")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("goofish channel requires a token source")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("goofish channel requires an event handler")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}
	codec := goofish.NewCodec(opts.Decrypter)

	header := http.Header{}
	header.Set("Cookie", opts.CookieStr)
	header.Set("Origin", goofishOrigin)
	header.Set("User-Agent", codec.UserAgent)
	header.Set("Accept-Language", goofishAcceptLang)

	sessionCfg := SessionConfig{
		URL:               opts.Config.WSURL,
		Header:            header,
		SelfID:            opts.SelfID,
		DeviceID:          goofish.DeviceID(opts.SelfID),
		HeartbeatInterval: opts.Config.HeartbeatInterval(),
		HeartbeatGrace:    opts.Config.HeartbeatGrace(),
		RegistrationDelay: opts.Config.RegistrationDelay(),
	}
	factory := func() *Session {
		return NewSession(sessionCfg, dialer, opts.Tokens, codec, opts.Handler)
	}

	return &GoofishChannel{
		BaseChannel: NewBaseChannel("goofish"),
		supervisor:  NewReconnectSupervisor(factory, opts.Config.ReconnectDelay()),
	}, nil
}

// Start launches the reconnect loop in the background.
func (c *GoofishChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("goofish channel already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.setRunning(true)

	go func() {
		defer close(done)
		defer c.setRunning(false)
		c.supervisor.Run(runCtx)
	}()
	logger.InfoC("goofish", "Goofish channel started")
	return nil
}

// Stop cancels the supervisor and waits for the current session to close,
// or for ctx to expire.
func (c *GoofishChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		logger.InfoC("goofish", "Goofish channel stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop goofish channel: %w", ctx.Err())
	}
}

func (c *GoofishChannel) IsActive() bool {
	return c.supervisor.Active()
}

// ReconnectSupervisor runs sessions back to back: whenever one closes for
// any reason other than shutdown, it waits a fixed delay and starts a new
// one. There is no retry cap.
type ReconnectSupervisor struct {
	newSession func() *Session
	delay      time.Duration

	current  atomic.Pointer[Session]
	attempts atomic.Int64
}

func NewReconnectSupervisor(newSession func() *Session, delay time.Duration) *ReconnectSupervisor {
	return &ReconnectSupervisor{newSession: newSession, delay: delay}
}

// Active reports whether the current session is registered and live.
func (s *ReconnectSupervisor) Active() bool {
	session := s.current.Load()
	return session != nil && session.State() == StateActive
}

// Attempts is the number of sessions started so far.
func (s *ReconnectSupervisor) Attempts() int64 {
	return s.attempts.Load()
}

func (s *ReconnectSupervisor) Run(ctx context.Context) {
	failures := 0
	tokenFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		session := s.newSession()
		s.current.Store(session)
		attempt := s.attempts.Add(1)
		logger.InfoCF("goofish", "Connecting", map[string]any{"attempt": attempt})

		err := session.Run(ctx)
		if ctx.Err() != nil {
			logger.InfoC("goofish", "Session closed for shutdown")
			return
		}

		if session.ReachedActive() {
			failures, tokenFailures = 0, 0
		}
		failures++
		if errors.Is(err, goofish.ErrAPI) {
			tokenFailures++
		}

		fields := map[string]any{
			"error":    errString(err),
			"failures": failures,
			"retry_in": s.delay.String(),
		}
		logger.WarnCF("goofish", "Session ended, reconnecting", fields)
		if tokenFailures >= tokenFailureHintMin {
			logger.ErrorCF("goofish", "Access token keeps failing; cookies may have expired, refresh them with `fishagent cookies`", map[string]any{
				"token_failures": tokenFailures,
			})
		}

		if !sleepCtx(ctx, s.delay) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
