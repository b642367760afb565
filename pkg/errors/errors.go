package errors

import "fmt"

//
// Parsing

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type Overflow struct {
	MessageName string
	Size        int
	MaximumSize int
}

func (e *Overflow) Error() string {
	return fmt.Sprintf("Message field overflowed (type=%s), size %d exceeds maximum %d", e.MessageName, e.Size, e.MaximumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

//
// Connection lifecycle (protocol violations, the connection is closed)

type AlreadyRegistered struct {
	RemoteAddress string
}

func (e *AlreadyRegistered) Error() string {
	return fmt.Sprintf("Client %s has already been registered", e.RemoteAddress)
}

type NotRegistered struct {
	RemoteAddress string
}

func (e *NotRegistered) Error() string {
	return fmt.Sprintf("Cannot handle message from %s before it is registered", e.RemoteAddress)
}

//
// Routing misses (the message is dropped, the connection stays open)

type UnknownCommand struct {
	CommandId     uint16
	RemoteAddress string
}

func (e *UnknownCommand) Error() string {
	return fmt.Sprintf("Route index out of range, commandId=%d (client %s)", e.CommandId, e.RemoteAddress)
}

type InvalidRoute struct {
	Route string
}

func (e *InvalidRoute) Error() string {
	return fmt.Sprintf("Invalid route '%s', expected serverType.handler.method", e.Route)
}

type MissingHandler struct {
	Handler string
	Method  string
}

func (e *MissingHandler) Error() string {
	return fmt.Sprintf("No local handler for %s.%s", e.Handler, e.Method)
}

type NoBackend struct {
	ServerType    string
	RemoteAddress string
}

func (e *NoBackend) Error() string {
	return fmt.Sprintf("Has no backend server of type %s (client %s)", e.ServerType, e.RemoteAddress)
}

type UnknownNode struct {
	NodeId        string
	RemoteAddress string
}

func (e *UnknownNode) Error() string {
	return fmt.Sprintf("Has no backend server named %s (client %s)", e.NodeId, e.RemoteAddress)
}

type FrontendTarget struct {
	NodeId        string
	RemoteAddress string
}

func (e *FrontendTarget) Error() string {
	return fmt.Sprintf("Cannot send message to frontend server %s (client %s)", e.NodeId, e.RemoteAddress)
}

//
// Handler failures (logged, the connection stays open)

type HandlerFailure struct {
	Route         string
	RemoteAddress string
	Panic         any
	Stack         []byte
	Err           error
}

func (e *HandlerFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("Handler %s panicked (client %s): %v", e.Route, e.RemoteAddress, e.Panic)
	}
	return fmt.Sprintf("Handler %s failed (client %s): %v", e.Route, e.RemoteAddress, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// DispatchPanic is a panic raised outside a handler while decoding or routing a message,
// e.g. by a custom router or codec.
type DispatchPanic struct {
	RemoteAddress string
	Panic         any
	Stack         []byte
}

func (e *DispatchPanic) Error() string {
	return fmt.Sprintf("Dispatch panicked (client %s): %v", e.RemoteAddress, e.Panic)
}

type SendFailure struct {
	NodeId string
	Err    error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("RPC send to %s failed: %v", e.NodeId, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

//
// RPC channel

type NotConnected struct {
	NodeId string
}

func (e *NotConnected) Error() string {
	return fmt.Sprintf("No live RPC connection to node %s", e.NodeId)
}

type QueueFull struct {
	NodeId string
	Length int
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("Outgoing RPC queue for node %s is full (%d frames)", e.NodeId, e.Length)
}
