package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus fans conversation turns out to observers. Publishing never
// blocks the session for longer than publishTimeout; turns are dropped
// and counted instead.
type MessageBus struct {
	inbound  chan TurnEvent
	outbound chan TurnEvent
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

const (
	publishTimeout = 100 * time.Millisecond
	bufferSize     = 100
)

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan TurnEvent, bufferSize),
		outbound: make(chan TurnEvent, bufferSize),
	}
}

// PublishInbound and PublishOutbound are no-ops on a nil bus.
func (mb *MessageBus) PublishInbound(ev TurnEvent) {
	if mb == nil {
		return
	}
	ev.Direction = DirectionInbound
	mb.publish(mb.inbound, ev, &mb.dropped.inbound)
}

func (mb *MessageBus) PublishOutbound(ev TurnEvent) {
	if mb == nil {
		return
	}
	ev.Direction = DirectionOutbound
	mb.publish(mb.outbound, ev, &mb.dropped.outbound)
}

func (mb *MessageBus) publish(ch chan TurnEvent, ev TurnEvent, dropped *atomic.Uint64) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case ch <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case ch <- ev:
		case <-timer.C:
			dropped.Add(1)
		}
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (TurnEvent, bool) {
	return consume(ctx, mb.inbound)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (TurnEvent, bool) {
	return consume(ctx, mb.outbound)
}

func consume(ctx context.Context, ch chan TurnEvent) (TurnEvent, bool) {
	select {
	case ev, ok := <-ch:
		if !ok {
			return TurnEvent{}, false
		}
		return ev, true
	case <-ctx.Done():
		return TurnEvent{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	if mb == nil {
		return 0
	}
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	if mb == nil {
		return 0
	}
	return mb.dropped.outbound.Load()
}
