package channels

import (
	"context"
	"sync/atomic"

	"github.com/dotsetgreg/fishagent/pkg/goofish"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	// IsActive reports whether a live, registered session exists right now.
	IsActive() bool
}

// Replier sends text into a conversation on the live session.
type Replier interface {
	SelfID() string
	SendText(ctx context.Context, cid, toUserID, text string) error
}

// EventHandler processes one classified event. A returned error means the
// transport failed and ends the session; every other failure is handled
// inside.
type EventHandler interface {
	HandleEvent(ctx context.Context, r Replier, ev goofish.Event) error
}

type EventHandlerFunc func(ctx context.Context, r Replier, ev goofish.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, r Replier, ev goofish.Event) error {
	return f(ctx, r, ev)
}

type BaseChannel struct {
	running atomic.Bool
	name    string
}

func NewBaseChannel(name string) *BaseChannel {
	return &BaseChannel{name: name}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
