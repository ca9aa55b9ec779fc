package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/fishagent/pkg/bus"
	"github.com/dotsetgreg/fishagent/pkg/channels"
	"github.com/dotsetgreg/fishagent/pkg/conversation"
	"github.com/dotsetgreg/fishagent/pkg/goofish"
	"github.com/dotsetgreg/fishagent/pkg/logger"
	"github.com/dotsetgreg/fishagent/pkg/providers"
)

const (
	VoiceUnsupportedReply = "你好这边听不了语音哈，不好意思，能不能发成文字内容"
	ImageWaitReply        = "稍等，让我看看哈~"

	imageTurnPrefix   = "[图片] "
	imagePromptPrefix = "这是一张图片，内容是："

	defaultStaleAfter = 5 * time.Minute
)

type ReplyGenerator interface {
	Generate(ctx context.Context, text, itemDesc string, history []conversation.Turn) (providers.Reply, error)
}

type ImageDescriber interface {
	Describe(ctx context.Context, imageURL string) (string, error)
}

type ListingFetcher interface {
	GetItemInfo(ctx context.Context, itemID string) (*goofish.ItemInfo, error)
}

// Pipeline turns classified events into conversation turns and replies.
// Events are handled one at a time by the caller; each step that must be
// observed before the next event (store writes, sends) completes before
// HandleEvent returns.
type Pipeline struct {
	store      conversation.Store
	replies    ReplyGenerator
	vision     ImageDescriber
	listings   ListingFetcher
	bus        *bus.MessageBus
	staleAfter time.Duration
	now        func() time.Time
}

type PipelineOptions struct {
	Store    conversation.Store
	Replies  ReplyGenerator
	Vision   ImageDescriber
	Listings ListingFetcher
	// Bus is optional; turns are published to it for observers.
	Bus        *bus.MessageBus
	StaleAfter time.Duration
}

var _ channels.EventHandler = (*Pipeline)(nil)

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline requires a conversation store")
	}
	if opts.Replies == nil {
		return nil, fmt.Errorf("pipeline requires a reply generator")
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Pipeline{
		store:      opts.Store,
		replies:    opts.Replies,
		vision:     opts.Vision,
		listings:   opts.Listings,
		bus:        opts.Bus,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

// HandleEvent routes one event. Only send failures are returned.
func (p *Pipeline) HandleEvent(ctx context.Context, r channels.Replier, ev goofish.Event) error {
	switch e := ev.(type) {
	case goofish.ChatMessage:
		return p.handleChat(ctx, r, e)
	case goofish.ImageMessage:
		return p.handleImage(ctx, r, e)
	case goofish.VoiceMessage:
		return p.handleVoice(ctx, r, e)
	case goofish.TypingIndicator:
		logger.DebugCF("agent", "Typing indicator", map[string]any{"peer": e.PeerTag})
	case goofish.Unclassified:
		if e.Tag != "" {
			logger.DebugCF("agent", "Dropping unsupported message type", map[string]any{"tag": e.Tag})
		}
	}
	return nil
}

func (p *Pipeline) isSelf(r channels.Replier, senderID string) bool {
	return senderID != "" && senderID == r.SelfID()
}

func (p *Pipeline) handleChat(ctx context.Context, r channels.Replier, msg goofish.ChatMessage) error {
	fields := map[string]any{"cid": msg.ConversationID, "sender": msg.SenderID, "item": msg.ListingID}

	if age := p.now().Sub(time.UnixMilli(msg.CreateTime)); age > p.staleAfter {
		fields["age"] = age.Round(time.Second).String()
		logger.DebugCF("agent", "Dropping stale message", fields)
		return nil
	}
	if p.isSelf(r, msg.SenderID) {
		logger.DebugCF("agent", "Ignoring own message", fields)
		return nil
	}
	if msg.ListingID == "" {
		fields["text"] = msg.Text
		logger.WarnCF("agent", "Message has no listing id, dropping", fields)
		return nil
	}

	key := conversation.Key{UserID: msg.SenderID, ListingID: msg.ListingID}
	itemDesc := p.describeListing(ctx, msg.ListingID)

	logger.InfoCF("agent", "Buyer message received", map[string]any{
		"user": msg.SenderName, "item": msg.ListingID, "text": msg.Text,
	})
	if err := p.store.Append(ctx, key, conversation.RoleUser, msg.Text); err != nil {
		logger.ErrorCF("agent", "Failed to store buyer turn", map[string]any{"error": err.Error(), "key": key.String()})
		return nil
	}
	p.publishInbound(goofish.KindChat, msg.Envelope, msg.Text)

	return p.respond(ctx, r, msg.Envelope, key, msg.Text, itemDesc)
}

func (p *Pipeline) handleImage(ctx context.Context, r channels.Replier, msg goofish.ImageMessage) error {
	if p.isSelf(r, msg.SenderID) {
		return nil
	}
	fields := map[string]any{"cid": msg.ConversationID, "sender": msg.SenderID, "item": msg.ListingID}

	if err := p.send(ctx, r, msg.Envelope, ImageWaitReply, ""); err != nil {
		return err
	}
	if msg.ListingID == "" {
		logger.WarnCF("agent", "Image has no listing id, not describing", fields)
		return nil
	}
	key := conversation.Key{UserID: msg.SenderID, ListingID: msg.ListingID}
	if err := p.store.Append(ctx, key, conversation.RoleAssistant, ImageWaitReply); err != nil {
		logger.ErrorCF("agent", "Failed to store wait reply", map[string]any{"error": err.Error(), "key": key.String()})
	}

	if msg.Image == nil || msg.Image.URL == "" {
		logger.WarnCF("agent", "Image event carried no picture", fields)
		return nil
	}
	if p.vision == nil {
		logger.WarnCF("agent", "No image describer configured", fields)
		return nil
	}

	itemDesc := p.describeListing(ctx, msg.ListingID)

	desc, err := p.vision.Describe(ctx, msg.Image.URL)
	desc = strings.TrimSpace(desc)
	if err != nil || desc == "" {
		if err != nil {
			fields["error"] = err.Error()
		}
		fields["url"] = msg.Image.URL
		logger.ErrorCF("agent", "Image description failed", fields)
		return nil
	}
	logger.InfoCF("agent", "Image described", map[string]any{"item": msg.ListingID, "description": desc})

	if err := p.store.Append(ctx, key, conversation.RoleUser, imageTurnPrefix+desc); err != nil {
		logger.ErrorCF("agent", "Failed to store image turn", map[string]any{"error": err.Error(), "key": key.String()})
		return nil
	}
	p.publishInbound(goofish.KindImage, msg.Envelope, imageTurnPrefix+desc)

	return p.respond(ctx, r, msg.Envelope, key, imagePromptPrefix+desc, itemDesc)
}

func (p *Pipeline) handleVoice(ctx context.Context, r channels.Replier, msg goofish.VoiceMessage) error {
	if p.isSelf(r, msg.SenderID) {
		return nil
	}
	if err := p.send(ctx, r, msg.Envelope, VoiceUnsupportedReply, ""); err != nil {
		return err
	}
	if msg.ListingID == "" {
		return nil
	}
	key := conversation.Key{UserID: msg.SenderID, ListingID: msg.ListingID}
	if err := p.store.Append(ctx, key, conversation.RoleAssistant, VoiceUnsupportedReply); err != nil {
		logger.ErrorCF("agent", "Failed to store voice reply", map[string]any{"error": err.Error(), "key": key.String()})
	}
	return nil
}

// respond generates a reply for text against the stored history, records
// it, and sends it.
func (p *Pipeline) respond(ctx context.Context, r channels.Replier, env goofish.Envelope, key conversation.Key, text, itemDesc string) error {
	history, err := p.store.History(ctx, key)
	if err != nil {
		logger.ErrorCF("agent", "Failed to load history", map[string]any{"error": err.Error(), "key": key.String()})
		return nil
	}

	reply, err := p.replies.Generate(ctx, text, itemDesc, history)
	if err != nil {
		logger.ErrorCF("agent", "Reply generation failed", map[string]any{"error": err.Error(), "key": key.String()})
		return nil
	}
	if strings.TrimSpace(reply.Text) == "" {
		logger.WarnCF("agent", "Reply generator returned nothing", map[string]any{"key": key.String()})
		return nil
	}

	if reply.Intent == providers.IntentPrice {
		count, err := p.store.IncrementBargain(ctx, key)
		if err != nil {
			logger.ErrorCF("agent", "Failed to increment bargain count", map[string]any{"error": err.Error(), "key": key.String()})
		} else {
			logger.InfoCF("agent", "Bargain turn", map[string]any{"user": env.SenderName, "item": key.ListingID, "count": count})
		}
	}

	if err := p.store.Append(ctx, key, conversation.RoleAssistant, reply.Text); err != nil {
		logger.ErrorCF("agent", "Failed to store reply", map[string]any{"error": err.Error(), "key": key.String()})
	}
	logger.InfoCF("agent", "Replying", map[string]any{"item": key.ListingID, "intent": reply.Intent, "reply": reply.Text})
	return p.send(ctx, r, env, reply.Text, reply.Intent)
}

func (p *Pipeline) send(ctx context.Context, r channels.Replier, env goofish.Envelope, text, intent string) error {
	if err := r.SendText(ctx, env.ConversationID, env.SenderID, text); err != nil {
		return fmt.Errorf("send reply to %s: %w", env.ConversationID, err)
	}
	p.bus.PublishOutbound(bus.TurnEvent{
		Kind:           "reply",
		ConversationID: env.ConversationID,
		UserID:         env.SenderID,
		ListingID:      env.ListingID,
		Text:           text,
		Intent:         intent,
		At:             p.now(),
	})
	return nil
}

func (p *Pipeline) publishInbound(kind goofish.EventKind, env goofish.Envelope, text string) {
	p.bus.PublishInbound(bus.TurnEvent{
		Kind:           kind.String(),
		ConversationID: env.ConversationID,
		UserID:         env.SenderID,
		ListingID:      env.ListingID,
		Text:           text,
		At:             p.now(),
	})
}

// describeListing fetches listing metadata, falling back to the
// placeholder on any failure.
func (p *Pipeline) describeListing(ctx context.Context, listingID string) string {
	if p.listings == nil {
		return goofish.ListingPlaceholder
	}
	info, err := p.listings.GetItemInfo(ctx, listingID)
	if err != nil {
		logger.WarnCF("agent", "Failed to fetch listing", map[string]any{"item": listingID, "error": err.Error()})
		return goofish.ListingPlaceholder
	}
	return info.Describe()
}
