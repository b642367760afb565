package handlers

// BackendFrame is one frame received from a backend node, length prefix stripped, so
// Data[0] is the frame type.
type BackendFrame struct {
	NodeId string
	Data   []byte

	// Telemetry
	RecvTimestamp int64
}
