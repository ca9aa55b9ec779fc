// Package goofish implements the framing of the marketplace chat gateway:
// inbound frame and payload decoding, event classification, and the
// outbound frames the session engine writes.
package goofish

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultRealm     = "goofish"
	DefaultAppKey    = "444e9908a51d1cb236a27862abc769c9"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36 DingTalk(2.1.5) OS(Windows/10) Browser(Chrome/133.0.0.0) DingWeb/2.1.5 IMPaaS DingWeb/2.1.5"

	capabilities = "im:3,au:3,sy:6"

	lwpRegister  = "/reg"
	lwpSyncAck   = "/r/SyncStatus/ackDiff"
	lwpSend      = "/r/MessageSend/sendByReceiverScope"
	lwpHeartbeat = "/!"
)

// ackHeaders are copied from an inbound frame into its ack when present.
var ackHeaders = []string{"sid", "app-key", "ua", "dt"}

// Decrypter turns an encrypted sync payload into plaintext JSON.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type DecrypterFunc func(ciphertext string) (string, error)

func (f DecrypterFunc) Decrypt(ciphertext string) (string, error) { return f(ciphertext) }

type unavailableDecrypter struct{}

func (unavailableDecrypter) Decrypt(string) (string, error) { return "", ErrDecryptUnavailable }

// InboundFrame is one decoded top-level frame read from the gateway.
type InboundFrame struct {
	LWP     string
	Code    int
	HasCode bool
	Headers map[string]any
	Body    any
}

// Header returns a header value rendered as a string.
func (f *InboundFrame) Header(name string) (string, bool) {
	v, ok := f.Headers[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

func (f *InboundFrame) MID() (string, bool) {
	return f.Header("mid")
}

// OutboundFrame is a frame ready to be JSON-encoded onto the wire.
type OutboundFrame struct {
	LWP     string            `json:"lwp,omitempty"`
	Code    int               `json:"code,omitempty"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body,omitempty"`
}

func (f OutboundFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

type SendMessage struct {
	UUID                 string            `json:"uuid"`
	CID                  string            `json:"cid"`
	ConversationType     int               `json:"conversationType"`
	Content              MessageContent    `json:"content"`
	RedPointPolicy       int               `json:"redPointPolicy"`
	Extension            map[string]string `json:"extension"`
	Ctx                  map[string]string `json:"ctx"`
	MTags                map[string]string `json:"mtags"`
	MsgReadStatusSetting int               `json:"msgReadStatusSetting"`
}

type MessageContent struct {
	ContentType int           `json:"contentType"`
	Custom      CustomContent `json:"custom"`
}

type CustomContent struct {
	Type int    `json:"type"`
	Data string `json:"data"`
}

type ReceiverScope struct {
	ActualReceivers []string `json:"actualReceivers"`
}

type textContent struct {
	ContentType int `json:"contentType"`
	Text        struct {
		Text string `json:"text"`
	} `json:"text"`
}

type syncStatus struct {
	Pipeline    string `json:"pipeline"`
	TooLong2Tag string `json:"tooLong2Tag"`
	Channel     string `json:"channel"`
	Topic       string `json:"topic"`
	HighPts     int64  `json:"highPts"`
	Pts         int64  `json:"pts"`
	Seq         int64  `json:"seq"`
	Timestamp   int64  `json:"timestamp"`
}

type Codec struct {
	Realm     string
	AppKey    string
	UserAgent string
	Decrypter Decrypter
	Now       func() time.Time
}

// NewCodec returns a codec with gateway defaults. A nil decrypter leaves
// encrypted payloads undecodable.
func NewCodec(decrypter Decrypter) *Codec {
	if decrypter == nil {
		decrypter = unavailableDecrypter{}
	}
	return &Codec{
		Realm:     DefaultRealm,
		AppKey:    DefaultAppKey,
		UserAgent: DefaultUserAgent,
		Decrypter: decrypter,
		Now:       time.Now,
	}
}

// DecodeFrame parses one raw websocket message.
func DecodeFrame(raw []byte) (*InboundFrame, error) {
	top, err := parseObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}
	headers, ok := top["headers"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing headers", ErrFrameDecode)
	}

	frame := &InboundFrame{Headers: headers, Body: top["body"]}
	frame.LWP, _ = top["lwp"].(string)
	if n, ok := top["code"].(json.Number); ok {
		if code, err := n.Int64(); err == nil {
			frame.Code = int(code)
			frame.HasCode = true
		}
	}
	return frame, nil
}

// IsHeartbeatAck reports whether the frame is a response to one of our
// own requests (heartbeat or otherwise).
func IsHeartbeatAck(frame *InboundFrame) bool {
	if frame == nil || !frame.HasCode || frame.Code != 200 {
		return false
	}
	_, ok := frame.MID()
	return ok
}

// IsSyncPackage reports whether body.syncPushPackage.data is non-empty.
func IsSyncPackage(frame *InboundFrame) bool {
	return len(syncRecords(frame)) > 0
}

// FirstSyncRecord returns the first payload record of a sync package.
func FirstSyncRecord(frame *InboundFrame) (map[string]any, bool) {
	records := syncRecords(frame)
	if len(records) == 0 {
		return nil, false
	}
	record, ok := records[0].(map[string]any)
	return record, ok
}

func syncRecords(frame *InboundFrame) []any {
	if frame == nil {
		return nil
	}
	body, ok := frame.Body.(map[string]any)
	if !ok {
		return nil
	}
	pkg, ok := body["syncPushPackage"].(map[string]any)
	if !ok {
		return nil
	}
	data, _ := pkg["data"].([]any)
	return data
}

// DecodePayload turns a sync record into an event mapping. The record's
// data is tried as base64-encoded JSON first and only then passed through
// the decrypter; the gateway mixes both encodings without a discriminant.
func (c *Codec) DecodePayload(record map[string]any) (map[string]any, error) {
	data, ok := record["data"].(string)
	if !ok || data == "" {
		return nil, fmt.Errorf("%w: record has no data", ErrPayloadDecode)
	}

	if event, err := decodePlain(data); err == nil {
		return event, nil
	}

	plain, err := c.Decrypter.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrPayloadDecode, err)
	}
	event, err := parseObject([]byte(plain))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypted payload: %v", ErrPayloadDecode, err)
	}
	return event, nil
}

func decodePlain(data string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("payload is not utf-8")
	}
	return parseObject(raw)
}

func parseObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not a json object")
	}
	return obj, nil
}

// BuildAck acknowledges an inbound frame, echoing its mid verbatim.
func (c *Codec) BuildAck(frame *InboundFrame) OutboundFrame {
	mid, ok := frame.MID()
	if !ok {
		mid = GenerateMID()
	}
	headers := map[string]string{"mid": mid}
	for _, name := range ackHeaders {
		if v, ok := frame.Header(name); ok {
			headers[name] = v
		}
	}
	return OutboundFrame{Code: 200, Headers: headers}
}

// BuildSendMessage frames a text reply into conversation cid.
func (c *Codec) BuildSendMessage(cid, toUserID, selfUserID, text string) OutboundFrame {
	inner := textContent{ContentType: 1}
	inner.Text.Text = text
	innerJSON, _ := json.Marshal(inner)

	msg := SendMessage{
		UUID:             GenerateUUID(),
		CID:              c.address(cid),
		ConversationType: 1,
		Content: MessageContent{
			ContentType: 101,
			Custom: CustomContent{
				Type: 1,
				Data: base64.StdEncoding.EncodeToString(innerJSON),
			},
		},
		Extension:            map[string]string{"extJson": "{}"},
		Ctx:                  map[string]string{"appVersion": "1.0", "platform": "web"},
		MTags:                map[string]string{},
		MsgReadStatusSetting: 1,
	}
	scope := ReceiverScope{ActualReceivers: []string{c.address(toUserID), c.address(selfUserID)}}

	return OutboundFrame{
		LWP:     lwpSend,
		Headers: map[string]string{"mid": GenerateMID()},
		Body:    []any{msg, scope},
	}
}

// BuildRegistration is the first handshake frame after connect.
func (c *Codec) BuildRegistration(deviceID, token string) OutboundFrame {
	return OutboundFrame{
		LWP: lwpRegister,
		Headers: map[string]string{
			"cache-header": "app-key token ua wv",
			"app-key":      c.AppKey,
			"token":        token,
			"ua":           c.UserAgent,
			"dt":           "j",
			"wv":           capabilities,
			"sync":         "0,0;0;0;",
			"did":          deviceID,
			"mid":          GenerateMID(),
		},
	}
}

// BuildSyncAck is the second handshake frame; it marks the sync position
// at the current wall clock.
func (c *Codec) BuildSyncAck() OutboundFrame {
	ms := c.Now().UnixMilli()
	return OutboundFrame{
		LWP:     lwpSyncAck,
		Headers: map[string]string{"mid": GenerateMID()},
		Body: []any{syncStatus{
			Pipeline:    "sync",
			TooLong2Tag: "PNM,1",
			Channel:     "sync",
			Topic:       "sync",
			Pts:         ms * 1000,
			Timestamp:   ms,
		}},
	}
}

// BuildHeartbeat returns a keep-alive frame and its mid.
func (c *Codec) BuildHeartbeat() (OutboundFrame, string) {
	mid := GenerateMID()
	return OutboundFrame{LWP: lwpHeartbeat, Headers: map[string]string{"mid": mid}}, mid
}

func (c *Codec) address(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return id + "@" + c.Realm
}
