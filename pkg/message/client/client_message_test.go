package client

import (
	"testing"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinRoom struct {
	Room string `json:"room"`
}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		codec    Codec
		msg      any
		expected []byte
	}{
		{
			name:     "tcp null reply",
			codec:    TcpCodec(nil),
			msg:      nil,
			expected: []byte{0x00, 0x00, 0x00, 0x07, 0x01, 0x00, 0x03, 'n', 'u', 'l', 'l'},
		},
		{
			name:     "websocket null reply",
			codec:    WebsocketCodec(nil),
			msg:      nil,
			expected: []byte{0x01, 0x00, 0x03, 'n', 'u', 'l', 'l'},
		},
		{
			name:     "nil raw bytes reply null",
			codec:    WebsocketCodec(nil),
			msg:      []byte(nil),
			expected: []byte{0x01, 0x00, 0x03, 'n', 'u', 'l', 'l'},
		},
		{
			name:     "empty raw bytes pass through",
			codec:    WebsocketCodec(nil),
			msg:      []byte{},
			expected: []byte{0x01, 0x00, 0x03},
		},
		{
			name:     "raw bytes pass through",
			codec:    WebsocketCodec(nil),
			msg:      []byte{0xFF},
			expected: []byte{0x01, 0x00, 0x03, 0xFF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.codec.EncodeFrame(3, tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	codec := TcpCodec(nil)

	out, err := codec.EncodeFrame(42, map[string]any{"room": "lobby"})
	require.NoError(t, err)

	// The TCP connector strips the length prefix before handing the frame over.
	frame, err := codec.DecodeFrame(out[4:])
	require.NoError(t, err)
	assert.Equal(t, uint16(42), frame.CommandId)
	assert.JSONEq(t, `{"room":"lobby"}`, string(frame.Payload))
}

func TestDecodeFrameErrors(t *testing.T) {
	codec := WebsocketCodec(nil)

	_, err := codec.DecodeFrame([]byte{0x01, 0x00})
	var underflow *errors.Underflow
	assert.ErrorAs(t, err, &underflow)

	_, err = codec.DecodeFrame([]byte{0x09, 0x00, 0x01})
	var invalid *errors.InvalidEnumValue
	assert.ErrorAs(t, err, &invalid)
}

func TestDecodeMessage(t *testing.T) {
	messages := CreateMessages()
	require.NoError(t, messages.Register(3, func() any { return &joinRoom{} }))
	codec := WebsocketCodec(messages)

	typed, err := codec.DecodeMessage(3, []byte(`{"room":"lobby"}`))
	require.NoError(t, err)
	assert.Equal(t, &joinRoom{Room: "lobby"}, typed)

	generic, err := codec.DecodeMessage(4, []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, generic)

	empty, err := codec.DecodeMessage(3, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = codec.DecodeMessage(3, []byte(`{`))
	assert.Error(t, err)
}

func TestRegisterCollision(t *testing.T) {
	messages := CreateMessages()
	require.NoError(t, messages.Register(1, func() any { return &joinRoom{} }))

	err := messages.Register(1, func() any { return &joinRoom{} })
	var collision *errors.NameCollision
	assert.ErrorAs(t, err, &collision)
}

func TestForTransport(t *testing.T) {
	assert.True(t, ForTransport(TransportKind_Tcp, nil).(*ClientMessageSerializer).LengthPrefixed)
	assert.False(t, ForTransport(TransportKind_Websocket, nil).(*ClientMessageSerializer).LengthPrefixed)
	assert.True(t, ForTransport("quic", nil).(*ClientMessageSerializer).LengthPrefixed)
}
