package handlers

type ClientMessageType uint8

const (
	ClientMessageType_Open ClientMessageType = iota
	ClientMessageType_Data
	ClientMessageType_Close
)

func (t ClientMessageType) String() string {
	switch t {
	case ClientMessageType_Open:
		return "open"
	case ClientMessageType_Data:
		return "data"
	case ClientMessageType_Close:
		return "close"
	}
	return "unknown"
}

type ClientMessage struct {
	MessageType ClientMessageType
	Connection  ClientConnection
	Data        []byte

	// Telemetry
	RecvTimestamp int64
}
