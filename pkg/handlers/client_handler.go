package handlers

import "context"

// ClientConnection is one client endpoint as seen by the frontend. Send and Close hand off
// to the transport without blocking and are safe from any goroutine.
type ClientConnection interface {
	Id() uint32
	RemoteAddress() string
	Send(data []byte)
	Close()
}

// ClientMessageHandler is the channel a client transport publishes connection events on.
// All events share one channel so that a connection's open, messages and close reach the
// frontend in the order the transport saw them.
type ClientMessageHandler struct {
	Name            string
	GetNextClientId func() uint32
	GetNowTimestamp func() int64

	IncomingMessageChannel chan<- ClientMessage
}

// Open, Message and Closed block until the event is queued; they return false if ctx ends
// first.
func (h *ClientMessageHandler) Open(ctx context.Context, conn ClientConnection) bool {
	return h.publish(ctx, ClientMessage{
		MessageType: ClientMessageType_Open,
		Connection:  conn,
	})
}

func (h *ClientMessageHandler) Message(ctx context.Context, conn ClientConnection, data []byte) bool {
	return h.publish(ctx, ClientMessage{
		MessageType: ClientMessageType_Data,
		Connection:  conn,
		Data:        data,
	})
}

func (h *ClientMessageHandler) Closed(ctx context.Context, conn ClientConnection) bool {
	return h.publish(ctx, ClientMessage{
		MessageType: ClientMessageType_Close,
		Connection:  conn,
	})
}

func (h *ClientMessageHandler) publish(ctx context.Context, msg ClientMessage) bool {
	if h.GetNowTimestamp != nil {
		msg.RecvTimestamp = h.GetNowTimestamp()
	}

	select {
	case <-ctx.Done():
		return false
	case h.IncomingMessageChannel <- msg:
		return true
	}
}
