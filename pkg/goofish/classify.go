package goofish

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type EventKind int

const (
	KindUnclassified EventKind = iota
	KindChat
	KindImage
	KindVoice
	KindTyping
)

func (k EventKind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindImage:
		return "image"
	case KindVoice:
		return "voice"
	case KindTyping:
		return "typing"
	default:
		return "unclassified"
	}
}

// Event is one classified conversation event.
type Event interface {
	Kind() EventKind
}

// Envelope holds the routing fields shared by chat, image and voice events.
type Envelope struct {
	SenderID       string
	SenderName     string
	ConversationID string
	ListingURL     string
	ListingID      string
}

type ChatMessage struct {
	Envelope
	Text       string
	CreateTime int64 // unix ms
}

type ImageMessage struct {
	Envelope
	// Image is nil when the event announced an image but carried no picture.
	Image *ImageInfo
}

type ImageInfo struct {
	URL    string
	Width  int
	Height int
	Type   string
}

type VoiceMessage struct {
	Envelope
}

type TypingIndicator struct {
	PeerTag string
}

// Unclassified carries the bracket tag of special messages we do not
// handle (video, location, ...), or nothing.
type Unclassified struct {
	Tag string
}

func (ChatMessage) Kind() EventKind     { return KindChat }
func (ImageMessage) Kind() EventKind    { return KindImage }
func (VoiceMessage) Kind() EventKind    { return KindVoice }
func (TypingIndicator) Kind() EventKind { return KindTyping }
func (Unclassified) Kind() EventKind    { return KindUnclassified }

const (
	voiceMarker = "语音"
	imageTag    = "图片"
)

// Classify maps a decoded payload onto exactly one event variant. The
// first matching rule wins: bracket tag, voice marker, image payload,
// chat reminder, typing status.
func Classify(event map[string]any) Event {
	msg := lookupMap(event, "1")
	notice := lookupMap(msg, "10")

	if tag, ok := bracketTag(notice); ok {
		switch {
		case tag == imageTag:
			return ImageMessage{Envelope: envelopeOf(msg, notice), Image: extractImage(msg)}
		case strings.Contains(tag, voiceMarker):
			return VoiceMessage{Envelope: envelopeOf(msg, notice)}
		default:
			return Unclassified{Tag: tag}
		}
	}

	if strings.Contains(lookupString(notice, "detailNotice"), voiceMarker) ||
		strings.Contains(lookupString(notice, "reminderContent"), voiceMarker) {
		return VoiceMessage{Envelope: envelopeOf(msg, notice)}
	}

	if img := extractImage(msg); img != nil {
		return ImageMessage{Envelope: envelopeOf(msg, notice), Image: img}
	}

	if text := lookupString(notice, "reminderContent"); text != "" {
		created, _ := toInt64(msg["5"])
		return ChatMessage{
			Envelope:   envelopeOf(msg, notice),
			Text:       text,
			CreateTime: created,
		}
	}

	if peer, ok := typingPeer(event); ok {
		return TypingIndicator{PeerTag: peer}
	}

	return Unclassified{}
}

// ListingIDFromURL extracts the itemId query parameter.
func ListingIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil {
		if id := u.Query().Get("itemId"); id != "" {
			return id
		}
	}
	// Some reminder urls are not parseable; scan for the parameter.
	_, after, ok := strings.Cut(raw, "itemId=")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(after, "&")
	return id
}

func envelopeOf(msg, notice map[string]any) Envelope {
	cid, _, _ := strings.Cut(lookupString(msg, "2"), "@")
	listingURL := lookupString(notice, "reminderUrl")
	return Envelope{
		SenderID:       lookupString(notice, "senderUserId"),
		SenderName:     lookupString(notice, "reminderTitle"),
		ConversationID: cid,
		ListingURL:     listingURL,
		ListingID:      ListingIDFromURL(listingURL),
	}
}

func bracketTag(notice map[string]any) (string, bool) {
	for _, field := range []string{"detailNotice", "reminderContent"} {
		s := lookupString(notice, field)
		if len(s) >= 2 && strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

// extractImage reads the first picture of the image detail at 1.6.3.5,
// which is usually a JSON document embedded as a string.
func extractImage(msg map[string]any) *ImageInfo {
	var detail map[string]any
	switch v := lookupMap(lookupMap(msg, "6"), "3")["5"].(type) {
	case string:
		parsed, err := parseObject([]byte(v))
		if err != nil {
			return nil
		}
		detail = parsed
	case map[string]any:
		detail = v
	default:
		return nil
	}

	pics, _ := lookupMap(detail, "image")["pics"].([]any)
	if len(pics) == 0 {
		return nil
	}
	pic, ok := pics[0].(map[string]any)
	if !ok {
		return nil
	}
	info := &ImageInfo{
		URL:  lookupString(pic, "url"),
		Type: lookupString(pic, "type"),
	}
	if info.URL == "" {
		return nil
	}
	if w, ok := toInt64(pic["width"]); ok {
		info.Width = int(w)
	}
	if h, ok := toInt64(pic["height"]); ok {
		info.Height = int(h)
	}
	return info
}

func typingPeer(event map[string]any) (string, bool) {
	list, ok := event["1"].([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", false
	}
	peer, ok := first["1"].(string)
	if !ok || !strings.Contains(peer, "@"+DefaultRealm) {
		return "", false
	}
	return peer, true
}

func lookupMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func lookupString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}
