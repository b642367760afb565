package backend

import "github.com/sessamekesh/spanreed-frontend/pkg/errors"

// FrameType is the tag byte following the length prefix on the RPC channel.
type FrameType uint8

const (
	FrameType_CommandForward FrameType = 0x01
	FrameType_PushToUids     FrameType = 0x02
	FrameType_ApplySession   FrameType = 0x03
	FrameType_Register       FrameType = 0x04
	FrameType_Heartbeat      FrameType = 0x05
)

// GetFrameType reads the tag of an inbound frame whose length prefix was already stripped.
func GetFrameType(data []byte) (FrameType, error) {
	if len(data) < 1 {
		return 0, &errors.Underflow{
			MessageName: "BackendFrame",
			MsgSize:     0,
			MinimumSize: 1,
		}
	}

	switch t := FrameType(data[0]); t {
	case FrameType_CommandForward, FrameType_PushToUids, FrameType_ApplySession, FrameType_Register, FrameType_Heartbeat:
		return t, nil
	}

	return 0, &errors.InvalidEnumValue{
		EnumName: "BackendFrame::FrameType",
		IntValue: data[0],
	}
}

func (t FrameType) String() string {
	switch t {
	case FrameType_CommandForward:
		return "command_forward"
	case FrameType_PushToUids:
		return "push_to_uids"
	case FrameType_ApplySession:
		return "apply_session"
	case FrameType_Register:
		return "register"
	case FrameType_Heartbeat:
		return "heartbeat"
	}
	return "unknown"
}
