// Package client is the wire codec for frames exchanged with game clients.
//
// A client frame body is `u8 kind | u16 commandId | payload`, payload being JSON. The TCP
// connector delimits frames with a u32 length prefix, which the TCP codec writes on encode
// and the connector strips on read; WebSocket frames carry the body alone.
package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
)

type ClientMessageType uint8

const (
	ClientMessageType_Message ClientMessageType = 0x1
)

type Frame struct {
	CommandId uint16
	Payload   []byte
}

type Codec interface {
	DecodeFrame(data []byte) (*Frame, error)
	EncodeFrame(commandId uint16, msg any) ([]byte, error)
	DecodeMessage(commandId uint16, payload []byte) (any, error)
}

type TransportKind string

const (
	TransportKind_Tcp       TransportKind = "tcp"
	TransportKind_Websocket TransportKind = "ws"
)

// ForTransport returns the default codec for a connector kind. Unknown kinds get the TCP
// codec.
func ForTransport(kind TransportKind, messages *Messages) Codec {
	if kind == TransportKind_Websocket {
		return WebsocketCodec(messages)
	}
	return TcpCodec(messages)
}

func TcpCodec(messages *Messages) *ClientMessageSerializer {
	return &ClientMessageSerializer{LengthPrefixed: true, Messages: messages}
}

func WebsocketCodec(messages *Messages) *ClientMessageSerializer {
	return &ClientMessageSerializer{LengthPrefixed: false, Messages: messages}
}

type ClientMessageSerializer struct {
	LengthPrefixed bool
	Messages       *Messages
}

func (s *ClientMessageSerializer) DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < 3 {
		return nil, &errors.Underflow{
			MessageName: "ClientFrame",
			MsgSize:     len(data),
			MinimumSize: 3,
		}
	}

	if ClientMessageType(data[0]) != ClientMessageType_Message {
		return nil, &errors.InvalidEnumValue{
			EnumName: "ClientFrame::Kind",
			IntValue: data[0],
		}
	}

	return &Frame{
		CommandId: binary.BigEndian.Uint16(data[1:3]),
		Payload:   data[3:],
	}, nil
}

func (s *ClientMessageSerializer) EncodeFrame(commandId uint16, msg any) ([]byte, error) {
	payload, err := s.messages().Encode(msg)
	if err != nil {
		return nil, err
	}

	bodyLen := 3 + len(payload)
	if uint64(bodyLen) > math.MaxUint32 {
		return nil, &errors.Overflow{
			MessageName: "ClientFrame",
			Size:        bodyLen,
			MaximumSize: math.MaxUint32,
		}
	}

	out := make([]byte, 0, 4+bodyLen)
	if s.LengthPrefixed {
		out = binary.BigEndian.AppendUint32(out, uint32(bodyLen))
	}
	out = append(out, uint8(ClientMessageType_Message))
	out = binary.BigEndian.AppendUint16(out, commandId)
	return append(out, payload...), nil
}

func (s *ClientMessageSerializer) DecodeMessage(commandId uint16, payload []byte) (any, error) {
	return s.messages().Decode(commandId, payload)
}

func (s *ClientMessageSerializer) messages() *Messages {
	if s.Messages == nil {
		return defaultMessages
	}
	return s.Messages
}

//
// JSON message bodies

var defaultMessages = CreateMessages()

// Messages maps command ids to the Go types their JSON payloads decode into. Commands
// without a registered type decode into generic JSON values.
type Messages struct {
	mut_prototypes sync.RWMutex
	prototypes     map[uint16]func() any
}

func CreateMessages() *Messages {
	return &Messages{
		mut_prototypes: sync.RWMutex{},
		prototypes:     make(map[uint16]func() any),
	}
}

func (m *Messages) Register(commandId uint16, prototype func() any) error {
	m.mut_prototypes.Lock()
	defer m.mut_prototypes.Unlock()

	if _, has := m.prototypes[commandId]; has {
		return &errors.NameCollision{
			CollisionContext: "Messages::Register",
			Name:             fmt.Sprintf("%d", commandId),
		}
	}
	m.prototypes[commandId] = prototype
	return nil
}

func (m *Messages) Decode(commandId uint16, payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	m.mut_prototypes.RLock()
	prototype, has := m.prototypes[commandId]
	m.mut_prototypes.RUnlock()

	if !has {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decoding command %d: %w", commandId, err)
		}
		return v, nil
	}

	v := prototype()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decoding command %d: %w", commandId, err)
	}
	return v, nil
}

// Encode marshals msg. A nil msg, including a nil []byte, encodes as JSON null; any other
// []byte msg is sent as is.
func (m *Messages) Encode(msg any) ([]byte, error) {
	if raw, ok := msg.([]byte); ok {
		if raw == nil {
			return []byte("null"), nil
		}
		return raw, nil
	}
	return json.Marshal(msg)
}
