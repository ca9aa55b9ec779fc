package goofish

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDecrypter struct {
	calls  int
	result string
	err    error
}

func (d *countingDecrypter) Decrypt(string) (string, error) {
	d.calls++
	return d.result, d.err
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"code":200,"headers":{"mid":"12 0","sid":"s1"},"body":{"x":1}}`))
	require.NoError(t, err)
	assert.True(t, frame.HasCode)
	assert.Equal(t, 200, frame.Code)
	mid, ok := frame.MID()
	assert.True(t, ok)
	assert.Equal(t, "12 0", mid)

	for _, raw := range []string{`not json`, `[1,2]`, `null`, `{"body":{}}`, `{"headers":"x"}`} {
		_, err := DecodeFrame([]byte(raw))
		assert.ErrorIs(t, err, ErrFrameDecode, raw)
	}
}

func TestIsSyncPackage(t *testing.T) {
	cases := map[string]bool{
		`{"headers":{},"body":{"syncPushPackage":{"data":[{"data":"x"}]}}}`: true,
		`{"headers":{},"body":{"syncPushPackage":{"data":[]}}}`:             false,
		`{"headers":{},"body":{"syncPushPackage":{}}}`:                      false,
		`{"headers":{}}`:                                                     false,
		`{"headers":{},"body":[1]}`:                                          false,
	}
	for raw, want := range cases {
		frame, err := DecodeFrame([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, IsSyncPackage(frame), raw)
	}
}

func TestIsHeartbeatAck(t *testing.T) {
	ack, _ := DecodeFrame([]byte(`{"code":200,"headers":{"mid":"1 0"}}`))
	push, _ := DecodeFrame([]byte(`{"lwp":"/s/sync","headers":{"mid":"1 0"}}`))
	noMid, _ := DecodeFrame([]byte(`{"code":200,"headers":{}}`))

	assert.True(t, IsHeartbeatAck(ack))
	assert.False(t, IsHeartbeatAck(push))
	assert.False(t, IsHeartbeatAck(noMid))
}

func TestDecodePayload_PlainPathSkipsDecrypt(t *testing.T) {
	dec := &countingDecrypter{}
	codec := NewCodec(dec)

	event, err := codec.DecodePayload(map[string]any{"data": b64(`{"1":{"5":1700000000000}}`)})
	require.NoError(t, err)
	assert.Equal(t, 0, dec.calls)
	assert.Contains(t, event, "1")
}

func TestDecodePayload_FallsBackToDecryptOnce(t *testing.T) {
	dec := &countingDecrypter{result: `{"1":{"10":{"reminderContent":"hi"}}}`}
	codec := NewCodec(dec)

	// valid base64, but decodes to bytes that are not JSON
	event, err := codec.DecodePayload(map[string]any{"data": b64("\x93\x01\x02")})
	require.NoError(t, err)
	assert.Equal(t, 1, dec.calls)
	assert.Contains(t, event, "1")

	dec.calls = 0
	_, err = codec.DecodePayload(map[string]any{"data": "!!not-base64!!"})
	require.NoError(t, err)
	assert.Equal(t, 1, dec.calls)
}

func TestDecodePayload_BothPathsFail(t *testing.T) {
	dec := &countingDecrypter{result: "still not json"}
	_, err := NewCodec(dec).DecodePayload(map[string]any{"data": "%%%"})
	assert.ErrorIs(t, err, ErrPayloadDecode)
	assert.Equal(t, 1, dec.calls)

	dec = &countingDecrypter{err: errors.New("boom")}
	_, err = NewCodec(dec).DecodePayload(map[string]any{"data": "%%%"})
	assert.ErrorIs(t, err, ErrPayloadDecode)

	_, err = NewCodec(nil).DecodePayload(map[string]any{"data": "%%%"})
	assert.ErrorIs(t, err, ErrPayloadDecode)

	_, err = NewCodec(nil).DecodePayload(map[string]any{"other": 1})
	assert.ErrorIs(t, err, ErrPayloadDecode)
}

func TestBuildAck_EchoesMidAndPresentHeaders(t *testing.T) {
	codec := NewCodec(nil)

	withSid, _ := DecodeFrame([]byte(`{"headers":{"mid":"777 0","sid":"abc","app-key":"k","ua":"u","dt":"j","other":"x"}}`))
	ack := codec.BuildAck(withSid)
	assert.Equal(t, 200, ack.Code)
	assert.Equal(t, map[string]string{"mid": "777 0", "sid": "abc", "app-key": "k", "ua": "u", "dt": "j"}, ack.Headers)

	noSid, _ := DecodeFrame([]byte(`{"headers":{"mid":"778 0"}}`))
	ack = codec.BuildAck(noSid)
	assert.Equal(t, map[string]string{"mid": "778 0"}, ack.Headers)

	raw, err := ack.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":200,"headers":{"mid":"778 0"}}`, string(raw))
}

func TestBuildSendMessage(t *testing.T) {
	codec := NewCodec(nil)

	a := codec.BuildSendMessage("55501", "buyer1", "seller1", "你好")
	b := codec.BuildSendMessage("55501", "buyer1", "seller1", "你好")
	assert.NotEqual(t, a.Headers["mid"], b.Headers["mid"])

	body := a.Body.([]any)
	msg := body[0].(SendMessage)
	scope := body[1].(ReceiverScope)
	assert.NotEqual(t, msg.UUID, b.Body.([]any)[0].(SendMessage).UUID)
	assert.Equal(t, "55501@goofish", msg.CID)
	assert.Equal(t, 1, msg.ConversationType)
	assert.Equal(t, 101, msg.Content.ContentType)
	assert.Equal(t, []string{"buyer1@goofish", "seller1@goofish"}, scope.ActualReceivers)

	inner, err := base64.StdEncoding.DecodeString(msg.Content.Custom.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"contentType":1,"text":{"text":"你好"}}`, string(inner))

	raw, err := a.Encode()
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "/r/MessageSend/sendByReceiverScope", wire["lwp"])
}

func TestBuildHandshakeFrames(t *testing.T) {
	codec := NewCodec(nil)
	codec.Now = func() time.Time { return time.UnixMilli(1700000000123) }

	reg := codec.BuildRegistration("DEV-1", "tok")
	assert.Equal(t, "/reg", reg.LWP)
	assert.Equal(t, "tok", reg.Headers["token"])
	assert.Equal(t, "DEV-1", reg.Headers["did"])
	assert.Equal(t, DefaultAppKey, reg.Headers["app-key"])
	assert.Equal(t, "im:3,au:3,sy:6", reg.Headers["wv"])

	syncAck := codec.BuildSyncAck()
	raw, err := syncAck.Encode()
	require.NoError(t, err)
	var wire struct {
		LWP  string `json:"lwp"`
		Body []struct {
			Pts       int64 `json:"pts"`
			Timestamp int64 `json:"timestamp"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "/r/SyncStatus/ackDiff", wire.LWP)
	require.Len(t, wire.Body, 1)
	assert.Equal(t, int64(1700000000123), wire.Body[0].Timestamp)
	assert.Equal(t, int64(1700000000123000), wire.Body[0].Pts)

	hb, mid := codec.BuildHeartbeat()
	assert.Equal(t, "/!", hb.LWP)
	assert.Equal(t, mid, hb.Headers["mid"])
}
