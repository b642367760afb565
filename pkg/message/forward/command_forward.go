// Package forward encodes the command-forward frame a frontend sends to the backend that
// owns a command:
//
//	[0:4)   u32 frameLength = 5 + sessionLen + payloadLen
//	[4]     u8  frame type (CommandForward)
//	[5:7)   u16 sessionLen
//	[7:7+sessionLen)                  serialized session
//	[7+sessionLen:9+sessionLen)       u16 commandId
//	[9+sessionLen:end)                payload
package forward

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/backend"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/wire"
)

const headerSize = 9

type CommandForward struct {
	Session   []byte
	CommandId uint16
	Payload   []byte
}

func Serialize(msg *CommandForward) ([]byte, error) {
	if len(msg.Session) > math.MaxUint16 {
		return nil, &errors.Overflow{
			MessageName: "CommandForward::Session",
			Size:        len(msg.Session),
			MaximumSize: math.MaxUint16,
		}
	}
	frameLength := uint64(5 + len(msg.Session) + len(msg.Payload))
	if frameLength > math.MaxUint32 {
		return nil, &errors.Overflow{
			MessageName: "CommandForward::Payload",
			Size:        len(msg.Payload),
			MaximumSize: math.MaxUint32 - 5 - len(msg.Session),
		}
	}

	out := make([]byte, 0, headerSize+len(msg.Session)+len(msg.Payload))
	out = binary.BigEndian.AppendUint32(out, uint32(frameLength))
	out = append(out, uint8(backend.FrameType_CommandForward))
	out = binary.BigEndian.AppendUint16(out, uint16(len(msg.Session)))
	out = append(out, msg.Session...)
	out = binary.BigEndian.AppendUint16(out, msg.CommandId)
	return append(out, msg.Payload...), nil
}

// Parse decodes a complete frame, length prefix included.
func Parse(frame []byte) (*CommandForward, error) {
	r := wire.NewReader("CommandForward", frame)

	frameLength := r.Uint32()
	frameType := r.Uint8()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if declared := int(frameLength); r.Remaining()+1 < declared {
		return nil, &errors.Underflow{
			MessageName: "CommandForward::FrameLength",
			MsgSize:     len(frame),
			MinimumSize: declared + 4,
		}
	} else if r.Remaining()+1 > declared {
		return nil, &errors.Overflow{
			MessageName: "CommandForward::FrameLength",
			Size:        len(frame),
			MaximumSize: declared + 4,
		}
	}
	if backend.FrameType(frameType) != backend.FrameType_CommandForward {
		return nil, &errors.InvalidEnumValue{
			EnumName: "CommandForward::FrameType",
			IntValue: frameType,
		}
	}

	session := r.Bytes()
	commandId := r.Uint16()
	payload := r.Rest()
	if r.Err() != nil {
		return nil, r.Err()
	}

	return &CommandForward{
		Session:   session,
		CommandId: commandId,
		Payload:   payload,
	}, nil
}
