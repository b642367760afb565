package backend

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/wire"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
)

//
// Backend -> frontend. Inbound frames arrive with the length prefix already stripped, so
// byte 0 is the frame type tag.

// ParseApplySession decodes `tag | session snapshot`.
func ParseApplySession(data []byte) (*session.Snapshot, error) {
	if len(data) < 1 {
		return nil, &errors.Underflow{
			MessageName: "ApplySession",
			MsgSize:     0,
			MinimumSize: 1,
		}
	}
	snapshot, err := session.ParseSnapshot(data[1:])
	if err != nil {
		return nil, err
	}
	if snapshot.Uid == "" {
		return nil, &errors.MissingFieldError{
			MessageName: "ApplySession",
			FieldName:   "Uid",
		}
	}
	return snapshot, nil
}

type PushToUids struct {
	Uids    []string
	Message []byte
}

// ParsePushToUids decodes `tag | u16 uidListLen | uid list | raw message`.
func ParsePushToUids(data []byte) (*PushToUids, error) {
	r := wire.NewReader("PushToUids", data)
	r.Uint8()
	uidListLen := int(r.Uint16())
	uidList := r.Next(uidListLen)
	message := r.Rest()
	if r.Err() != nil {
		return nil, r.Err()
	}

	lr := wire.NewReader("PushToUids::Uids", uidList)
	uids := lr.StringList()
	if lr.Err() != nil {
		return nil, lr.Err()
	}

	return &PushToUids{
		Uids:    uids,
		Message: message,
	}, nil
}

//
// Builders for the same frames, complete with length prefix. Backends embedding this
// package use them; the frontend uses them in tests.

func SerializeApplySession(snapshot *session.Snapshot) ([]byte, error) {
	body, err := session.EncodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	return frame(FrameType_ApplySession, body)
}

func SerializePushToUids(msg *PushToUids) ([]byte, error) {
	uidList, err := wire.AppendStringList(nil, "PushToUids::Uids", msg.Uids)
	if err != nil {
		return nil, err
	}
	if len(uidList) > math.MaxUint16 {
		return nil, &errors.Overflow{
			MessageName: "PushToUids::Uids",
			Size:        len(uidList),
			MaximumSize: math.MaxUint16,
		}
	}

	body := make([]byte, 0, 2+len(uidList)+len(msg.Message))
	body = binary.BigEndian.AppendUint16(body, uint16(len(uidList)))
	body = append(body, uidList...)
	body = append(body, msg.Message...)
	return frame(FrameType_PushToUids, body)
}

//
// Frontend -> backend channel housekeeping.

type Register struct {
	NodeId     string
	ServerType string
}

func SerializeRegister(msg *Register) ([]byte, error) {
	body, err := wire.AppendString(nil, "Register::NodeId", msg.NodeId)
	if err != nil {
		return nil, err
	}
	body, err = wire.AppendString(body, "Register::ServerType", msg.ServerType)
	if err != nil {
		return nil, err
	}
	return frame(FrameType_Register, body)
}

func ParseRegister(data []byte) (*Register, error) {
	r := wire.NewReader("Register", data)
	r.Uint8()
	nodeId := r.String()
	serverType := r.String()
	if r.Err() != nil {
		return nil, r.Err()
	}
	return &Register{NodeId: nodeId, ServerType: serverType}, nil
}

func SerializeHeartbeat() []byte {
	return []byte{0x00, 0x00, 0x00, 0x01, uint8(FrameType_Heartbeat)}
}

func frame(frameType FrameType, body []byte) ([]byte, error) {
	if uint64(len(body))+1 > math.MaxUint32 {
		return nil, &errors.Overflow{
			MessageName: "BackendFrame",
			Size:        len(body),
			MaximumSize: math.MaxUint32 - 1,
		}
	}
	out := make([]byte, 0, 5+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)+1))
	out = append(out, uint8(frameType))
	return append(out, body...), nil
}
