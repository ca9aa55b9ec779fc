package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/goofish"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type wireFrame struct {
	LWP     string            `json:"lwp"`
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
}

func (c *fakeConn) frames() []wireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireFrame, 0, len(c.writes))
	for _, raw := range c.writes {
		var f wireFrame
		_ = json.Unmarshal(raw, &f)
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) countLWP(lwp string) int {
	n := 0
	for _, f := range c.frames() {
		if f.LWP == lwp {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials atomic.Int32
	hdr   http.Header
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.hdr = header
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetToken(context.Context, string) (string, error) {
	return s.token, s.err
}

type recordingHandler struct {
	mu     sync.Mutex
	events []goofish.Event
	fn     func(ctx context.Context, r Replier, ev goofish.Event) error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, r Replier, ev goofish.Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, r, ev)
	}
	return nil
}

func (h *recordingHandler) received() []goofish.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]goofish.Event(nil), h.events...)
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		URL:               "wss://gateway.test/",
		SelfID:            "seller1",
		DeviceID:          "DEV-seller1",
		HeartbeatInterval: time.Hour,
		HeartbeatGrace:    time.Hour,
		TickInterval:      5 * time.Millisecond,
	}
}

func syncPushFrame(mid string, payload string) []byte {
	data := base64.StdEncoding.EncodeToString([]byte(payload))
	frame := map[string]any{
		"lwp":     "/s/para",
		"headers": map[string]any{"mid": mid, "sid": "s-1"},
		"body": map[string]any{
			"syncPushPackage": map[string]any{
				"data": []any{map[string]any{"data": data}},
			},
		},
	}
	raw, _ := json.Marshal(frame)
	return raw
}

const chatPayload = `{"1":{"2":"55501@goofish","5":1700000000000,"10":{"reminderContent":"在吗","reminderTitle":"buyer","senderUserId":"buyer1","reminderUrl":"fleamarket://message_chat?itemId=123"}}}`

type runResult struct {
	err error
}

func startSession(t *testing.T, s *Session) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: s.Run(ctx)} }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitResult(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSession_HandshakeThenActive(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})
	assert.Equal(t, StateConnecting, s.State())

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)
	assert.True(t, s.ReachedActive())

	frames := dialer.last().frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "/reg", frames[0].LWP)
	assert.Equal(t, "tok", frames[0].Headers["token"])
	assert.Equal(t, "DEV-seller1", frames[0].Headers["did"])
	assert.Equal(t, "/r/SyncStatus/ackDiff", frames[1].LWP)

	cancel()
	err := waitResult(t, done)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, dialer.last().isClosed())
}

func TestSession_DialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.ReachedActive())
}

func TestSession_TokenFailureClosesConnection(t *testing.T) {
	dialer := &fakeDialer{}
	tokenErr := errors.Join(goofish.ErrAPI, errors.New("FAIL_SYS_SESSION_EXPIRED"))
	s := NewSession(testSessionConfig(), dialer, staticTokens{err: tokenErr}, goofish.NewCodec(nil), &recordingHandler{})

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, goofish.ErrAPI)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, dialer.last().isClosed())
	assert.Empty(t, dialer.last().frames())
}

func TestSession_RunOnlyOnce(t *testing.T) {
	s := NewSession(testSessionConfig(), &fakeDialer{err: errors.New("x")}, staticTokens{}, goofish.NewCodec(nil), &recordingHandler{})
	_ = s.Run(context.Background())
	assert.Error(t, s.Run(context.Background()))
}

func TestSession_AcksAndDispatchesSyncPush(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), handler)

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)

	conn := dialer.last()
	conn.inbound <- syncPushFrame("42 0", chatPayload)

	require.Eventually(t, func() bool { return len(handler.received()) == 1 }, time.Second, time.Millisecond)
	chat, ok := handler.received()[0].(goofish.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "在吗", chat.Text)
	assert.Equal(t, "55501", chat.ConversationID)

	var ack *wireFrame
	for _, f := range conn.frames() {
		if f.Code == 200 {
			f := f
			ack = &f
		}
	}
	require.NotNil(t, ack)
	assert.Equal(t, "42 0", ack.Headers["mid"])
	assert.Equal(t, "s-1", ack.Headers["sid"])

	cancel()
	_ = waitResult(t, done)
}

func TestSession_HeartbeatResponseIsNotAcked(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), handler)

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)

	conn := dialer.last()
	conn.inbound <- []byte(`{"code":200,"headers":{"mid":"7 0"}}`)
	conn.inbound <- []byte(`not json`)
	conn.inbound <- syncPushFrame("8 0", chatPayload)

	require.Eventually(t, func() bool { return len(handler.received()) == 1 }, time.Second, time.Millisecond)
	acks := 0
	for _, f := range conn.frames() {
		if f.Code == 200 {
			acks++
			assert.Equal(t, "8 0", f.Headers["mid"])
		}
	}
	assert.Equal(t, 1, acks)
	assert.Equal(t, StateActive, s.State())

	cancel()
	_ = waitResult(t, done)
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatGrace = 10 * time.Millisecond
	dialer := &fakeDialer{}
	s := NewSession(cfg, dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	assert.Equal(t, StateClosed, s.State())
	assert.GreaterOrEqual(t, dialer.last().countLWP("/!"), 1)
}

func TestSession_HeartbeatAcksKeepSessionAlive(t *testing.T) {
	cfg := testSessionConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatGrace = 15 * time.Millisecond
	dialer := &fakeDialer{}
	s := NewSession(cfg, dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)

	conn := dialer.last()
	stop := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			conn.inbound <- []byte(`{"code":200,"headers":{"mid":"hb"}}`)
		}
	}
	assert.Equal(t, StateActive, s.State())
	assert.GreaterOrEqual(t, conn.countLWP("/!"), 2)

	cancel()
	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
}

func TestSession_ReadErrorEndsSession(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})

	_, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)
	_ = dialer.last().Close()

	err := waitResult(t, done)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_HandlerErrorEndsSession(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{fn: func(ctx context.Context, r Replier, ev goofish.Event) error {
		return errors.New("send reply: broken pipe")
	}}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), handler)

	_, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)
	dialer.last().inbound <- syncPushFrame("1 0", chatPayload)

	assert.ErrorIs(t, waitResult(t, done), ErrTransport)
}

func TestSession_HandlerPanicIsContained(t *testing.T) {
	dialer := &fakeDialer{}
	calls := atomic.Int32{}
	handler := &recordingHandler{fn: func(ctx context.Context, r Replier, ev goofish.Event) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), handler)

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)
	conn := dialer.last()
	conn.inbound <- syncPushFrame("1 0", chatPayload)
	conn.inbound <- syncPushFrame("2 0", chatPayload)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateActive, s.State())

	cancel()
	_ = waitResult(t, done)
}

func TestSession_SendText(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{fn: func(ctx context.Context, r Replier, ev goofish.Event) error {
		chat := ev.(goofish.ChatMessage)
		return r.SendText(ctx, chat.ConversationID, chat.SenderID, "在的")
	}}
	s := NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), handler)

	assert.ErrorIs(t, s.SendText(context.Background(), "c", "u", "x"), ErrNotActive)

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, time.Millisecond)
	conn := dialer.last()
	conn.inbound <- syncPushFrame("1 0", chatPayload)

	require.Eventually(t, func() bool {
		return conn.countLWP("/r/MessageSend/sendByReceiverScope") == 1
	}, time.Second, time.Millisecond)

	cancel()
	_ = waitResult(t, done)
	assert.ErrorIs(t, s.SendText(context.Background(), "c", "u", "x"), ErrNotActive)
}

func TestSession_RegistrationDelayHonoursCancel(t *testing.T) {
	cfg := testSessionConfig()
	cfg.RegistrationDelay = time.Hour
	dialer := &fakeDialer{}
	s := NewSession(cfg, dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})

	cancel, done := startSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateRegistering && dialer.last() != nil && dialer.last().countLWP("/reg") == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
	assert.False(t, s.ReachedActive())
	assert.Equal(t, 0, dialer.last().countLWP("/r/SyncStatus/ackDiff"))
}

func TestSupervisor_ReconnectsAfterFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	factory := func() *Session {
		return NewSession(testSessionConfig(), dialer, staticTokens{token: "tok"}, goofish.NewCodec(nil), &recordingHandler{})
	}
	sup := NewReconnectSupervisor(factory, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(finished)
	}()

	require.Eventually(t, func() bool { return dialer.dials.Load() >= 3 }, time.Second, time.Millisecond)
	assert.False(t, sup.Active())
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.GreaterOrEqual(t, sup.Attempts(), int64(3))
}

func TestSupervisor_ShutdownDuringDelay(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	factory := func() *Session {
		return NewSession(testSessionConfig(), dialer, staticTokens{}, goofish.NewCodec(nil), &recordingHandler{})
	}
	sup := NewReconnectSupervisor(factory, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(finished)
	}()
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop during reconnect delay")
	}
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestGoofishChannel_StartStop(t *testing.T) {
	dialer := &fakeDialer{}
	ch, err := NewGoofishChannel(GoofishOptions{
		CookieStr: "unb=seller1; _m_h5_tk=abc_1",
		SelfID:    "seller1",
		Tokens:    staticTokens{token: "tok"},
		Handler:   &recordingHandler{},
		Dialer:    dialer,
	})
	require.NoError(t, err)
	assert.Equal(t, "goofish", ch.Name())
	assert.False(t, ch.IsRunning())

	require.NoError(t, ch.Start(context.Background()))
	assert.Error(t, ch.Start(context.Background()))
	require.Eventually(t, ch.IsActive, time.Second, time.Millisecond)
	assert.True(t, ch.IsRunning())

	dialer.mu.Lock()
	hdr := dialer.hdr
	dialer.mu.Unlock()
	assert.Equal(t, "unb=seller1; _m_h5_tk=abc_1", hdr.Get("Cookie"))
	assert.Equal(t, "https://www.goofish.com", hdr.Get("Origin"))
	assert.True(t, strings.Contains(hdr.Get("User-Agent"), "DingTalk"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Stop(ctx))
	assert.False(t, ch.IsRunning())
	assert.False(t, ch.IsActive())
	assert.NoError(t, ch.Stop(ctx))
}

func TestNewGoofishChannel_Validation(t *testing.T) {
	_, err := NewGoofishChannel(GoofishOptions{Tokens: staticTokens{}, Handler: &recordingHandler{}})
	assert.Error(t, err)
	_, err = NewGoofishChannel(GoofishOptions{SelfID: "s", Handler: &recordingHandler{}})
	assert.Error(t, err)
	_, err = NewGoofishChannel(GoofishOptions{SelfID: "s", Tokens: staticTokens{}})
	assert.Error(t, err)
}
