package ccs

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/ccsctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownstreamRoundTrip(t *testing.T) {
	testlog.Start(t)
	ttl := int64(10000)
	idle := true
	tests := []struct {
		name   string
		msg    Downstream
		absent []string
	}{
		{
			name: "all delivery hints",
			msg: Downstream{
				To:             "dev1",
				MessageID:      "m-1",
				Payload:        map[string]string{"message": "Simple sample message"},
				CollapseKey:    "sample",
				TimeToLive:     &ttl,
				DelayWhileIdle: &idle,
			},
		},
		{
			name:   "no delivery hints",
			msg:    Downstream{To: "dev2", MessageID: "m-2", Payload: map[string]string{"a": "1", "b": ""}},
			absent: []string{"collapse_key", "time_to_live", "delay_while_idle"},
		},
		{
			name:   "no payload",
			msg:    Downstream{To: "dev3", MessageID: "m-3"},
			absent: []string{"data", "collapse_key", "time_to_live", "delay_while_idle"},
		},
	}

	codec := JSONCodec{}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := codec.Encode(tc.msg.Attributes())
			require.NoError(t, err)
			require.NotContains(t, string(encoded), "null")
			for _, key := range tc.absent {
				assert.NotContains(t, string(encoded), `"`+key+`"`)
			}

			attrs, err := codec.Decode(encoded)
			require.NoError(t, err)
			got, err := DecodeDownstream(attrs)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestDelayWhileIdleFalseIsSerialized(t *testing.T) {
	testlog.Start(t)
	idle := false
	encoded, err := JSONCodec{}.Encode(Downstream{To: "d", MessageID: "m", DelayWhileIdle: &idle}.Attributes())
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"delay_while_idle":false`)
}

func TestEncodeIsDeterministic(t *testing.T) {
	testlog.Start(t)
	encoded, err := JSONCodec{}.Encode(BuildAck("dev1", "m-1"))
	require.NoError(t, err)
	assert.Equal(t, `{"message_id":"m-1","message_type":"ack","to":"dev1"}`, string(encoded))
}

func TestAckAndNackDifferOnlyInMessageType(t *testing.T) {
	testlog.Start(t)
	ack := BuildAck("dev1", "m-7")
	nack := BuildNack("dev1", "m-7")

	assert.Equal(t, "ack", ack["message_type"])
	assert.Equal(t, "nack", nack["message_type"])
	assert.NotEqual(t, ack["message_type"], nack["message_type"])

	delete(ack, "message_type")
	delete(nack, "message_type")
	assert.Equal(t, ack, nack)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	testlog.Start(t)
	for _, payload := range []string{"", "   ", "null", "42", `"text"`, `[1,2]`, `{"from":`, `{"a":1}{`} {
		_, err := JSONCodec{}.Decode([]byte(payload))
		require.Error(t, err, "payload %q", payload)
		assert.True(t, errors.Is(err, ErrDecode), "payload %q: %v", payload, err)
	}
}

func TestDecodeMessage(t *testing.T) {
	testlog.Start(t)
	attrs, err := JSONCodec{}.Decode([]byte(`{"from":"dev1","category":"com.example","message_id":"up-1","data":{"action":"ECHO","count":3,"flag":true}}`))
	require.NoError(t, err)

	msg, err := DecodeMessage(attrs)
	require.NoError(t, err)
	assert.Equal(t, "dev1", msg.From)
	assert.Equal(t, "com.example", msg.Category)
	assert.Equal(t, "up-1", msg.MessageID)
	assert.Equal(t, map[string]string{"action": "ECHO", "count": "3", "flag": "true"}, msg.Payload)

	action, ok := msg.Action()
	assert.True(t, ok)
	assert.Equal(t, "ECHO", action)
}

func TestDecodeMessageRequiresFields(t *testing.T) {
	testlog.Start(t)
	tests := map[string]string{
		"missing from":       `{"message_id":"up-1"}`,
		"missing message_id": `{"from":"dev1"}`,
		"empty from":         `{"from":" ","message_id":"up-1"}`,
		"numeric from":       `{"from":7,"message_id":"up-1"}`,
		"data not an object": `{"from":"dev1","message_id":"up-1","data":"x"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			attrs, err := JSONCodec{}.Decode([]byte(payload))
			require.NoError(t, err)
			_, err = DecodeMessage(attrs)
			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr), "got %v", err)
			assert.True(t, strings.HasPrefix(err.Error(), "ccs: decode failed"))
		})
	}
}

func TestDecodeReceipt(t *testing.T) {
	testlog.Start(t)
	attrs, err := JSONCodec{}.Decode([]byte(`{"message_type":"nack","from":"dev1","message_id":"m-1","error":"DEVICE_UNREGISTERED"}`))
	require.NoError(t, err)
	r, err := DecodeReceipt(attrs)
	require.NoError(t, err)
	assert.Equal(t, Receipt{Type: ReceiptNack, MessageID: "m-1", From: "dev1", Error: "DEVICE_UNREGISTERED"}, r)

	_, err = DecodeReceipt(map[string]any{"message_type": "control", "message_id": "m-2"})
	assert.ErrorIs(t, err, ErrDecode)
}
