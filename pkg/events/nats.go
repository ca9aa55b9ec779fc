// Package events forwards conversation turns from the message bus to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/bus"
	"github.com/dotsetgreg/fishagent/pkg/logger"
	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink drains both bus directions and publishes each turn as JSON on
// <subject>.<direction>.
type Sink struct {
	bus     *bus.MessageBus
	pub     Publisher
	subject string
	closeFn func()
}

// Connect dials the NATS server and returns a sink bound to mb.
func Connect(url, subject string, mb *bus.MessageBus) (*Sink, error) {
	nc, err := nats.Connect(url,
		nats.Name("fishagent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnCF("events", "NATS disconnected", map[string]any{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.InfoCF("events", "NATS reconnected", map[string]any{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	logger.InfoCF("events", "Connected to NATS", map[string]any{"url": url, "subject": subject})

	sink := NewSink(nc, subject, mb)
	sink.closeFn = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return sink, nil
}

func NewSink(pub Publisher, subject string, mb *bus.MessageBus) *Sink {
	subject = strings.TrimRight(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = "fishagent.turns"
	}
	return &Sink{bus: mb, pub: pub, subject: subject}
}

// Run publishes until ctx is cancelled or the bus closes.
func (s *Sink) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drain(ctx, s.bus.ConsumeInbound)
	}()
	go func() {
		defer wg.Done()
		s.drain(ctx, s.bus.SubscribeOutbound)
	}()
	wg.Wait()
}

func (s *Sink) drain(ctx context.Context, next func(context.Context) (bus.TurnEvent, bool)) {
	for {
		ev, ok := next(ctx)
		if !ok {
			return
		}
		if err := s.publish(ev); err != nil {
			logger.WarnCF("events", "Failed to publish turn", map[string]any{
				"error":     err.Error(),
				"direction": string(ev.Direction),
				"cid":       ev.ConversationID,
			})
		}
	}
}

func (s *Sink) publish(ev bus.TurnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return s.pub.Publish(s.Subject(ev.Direction), data)
}

func (s *Sink) Subject(dir bus.Direction) string {
	return s.subject + "." + string(dir)
}

func (s *Sink) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}
