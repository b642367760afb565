package handlers

// BackendMessageHandler is the channel the RPC channel publishes inbound backend frames on.
type BackendMessageHandler struct {
	Name                 string
	GetNowTimestamp      func() int64
	IncomingFrameChannel chan<- BackendFrame
}
