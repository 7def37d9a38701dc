// Package message defines the native-mode wire protocol: a tagged union of
// messages wrapped in a MessageFrame, serialized with a deterministic
// big-endian binary encoding and length-prefixed on the wire.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags the union variant carried by a Frame. The values are part of the
// wire format and must not be reordered.
type Type uint8

const (
	TypeHandshake Type = iota
	TypeHandshakeResponse
	TypeText
	TypeBinary
	TypeBroadcast
	TypeDirectMessage
	TypePing
	TypePong
	TypeListClients
	TypeClientList
	TypeClose
	TypeError
	TypeSubscribe
	TypeUnsubscribe
	TypeServerPush
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHandshakeResponse:
		return "handshake_response"
	case TypeText:
		return "text"
	case TypeBinary:
		return "binary"
	case TypeBroadcast:
		return "broadcast"
	case TypeDirectMessage:
		return "direct_message"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeListClients:
		return "list_clients"
	case TypeClientList:
		return "client_list"
	case TypeClose:
		return "close"
	case TypeError:
		return "error"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeServerPush:
		return "server_push"
	default:
		return "unknown"
	}
}

// Application error codes carried by Error messages.
const (
	ErrCodeProtocolError    uint16 = 1000
	ErrCodeInvalidMessage   uint16 = 1001
	ErrCodeClientNotFound   uint16 = 1002
	ErrCodePermissionDenied uint16 = 1003
	ErrCodeServerError      uint16 = 1004
	ErrCodeRateLimited      uint16 = 1005
)

// Close codes follow RFC 6455 numbering.
const (
	CloseNormalClosure   uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupportedData uint16 = 1003
	ClosePolicyViolation uint16 = 1008
	CloseMessageTooBig   uint16 = 1009
	CloseInternalError   uint16 = 1011
)

// Body is one variant of the message union.
type Body interface {
	Type() Type
}

// Handshake opens a native session. ClientName may be empty.
type Handshake struct {
	ClientName      string
	ProtocolVersion string
}

// HandshakeResponse is the server's reply to a Handshake. Reason is empty
// when the handshake was accepted.
type HandshakeResponse struct {
	ClientID   uuid.UUID
	ServerName string
	Accepted   bool
	Reason     string
}

type Text struct {
	Content   string
	Timestamp uint64
}

type Binary struct {
	Data      []byte
	Timestamp uint64
}

type Broadcast struct {
	From      uuid.UUID
	Content   string
	Timestamp uint64
}

type DirectMessage struct {
	From      uuid.UUID
	To        uuid.UUID
	Content   string
	Timestamp uint64
}

type Ping struct {
	Timestamp uint64
}

type Pong struct {
	Timestamp uint64
}

type ListClients struct{}

// ClientInfo describes one admitted session in a ClientList reply.
type ClientInfo struct {
	ID          uuid.UUID
	Name        string
	ConnectedAt uint64
	LastSeen    uint64
}

type ClientList struct {
	Clients []ClientInfo
}

type Close struct {
	Code   uint16
	Reason string
}

type Error struct {
	Code    uint16
	Message string
}

type Subscribe struct {
	Topics []string
}

type Unsubscribe struct {
	Topics []string
}

// ServerPush is a server-originated message delivered to topic subscribers.
type ServerPush struct {
	Topic     string
	Content   string
	Timestamp uint64
}

func (Handshake) Type() Type         { return TypeHandshake }
func (HandshakeResponse) Type() Type { return TypeHandshakeResponse }
func (Text) Type() Type              { return TypeText }
func (Binary) Type() Type            { return TypeBinary }
func (Broadcast) Type() Type         { return TypeBroadcast }
func (DirectMessage) Type() Type     { return TypeDirectMessage }
func (Ping) Type() Type              { return TypePing }
func (Pong) Type() Type              { return TypePong }
func (ListClients) Type() Type       { return TypeListClients }
func (ClientList) Type() Type        { return TypeClientList }
func (Close) Type() Type             { return TypeClose }
func (Error) Type() Type             { return TypeError }
func (Subscribe) Type() Type         { return TypeSubscribe }
func (Unsubscribe) Type() Type       { return TypeUnsubscribe }
func (ServerPush) Type() Type        { return TypeServerPush }

// Frame wraps a Body with its delivery envelope. Priority and RequireAck are
// serialized for wire compatibility but are not consulted for delivery.
type Frame struct {
	ID         uuid.UUID
	Priority   uint8
	RequireAck bool
	Body       Body
}

const defaultPriority = 128

// New wraps body in a frame with a fresh id and default priority.
func New(body Body) *Frame {
	return &Frame{
		ID:       uuid.New(),
		Priority: defaultPriority,
		Body:     body,
	}
}

// Now returns the current unix timestamp in seconds.
func Now() uint64 {
	return uint64(time.Now().Unix())
}

// String renders a one-line description of the frame body for log lines.
func (f *Frame) String() string {
	switch m := f.Body.(type) {
	case Handshake:
		name := m.ClientName
		if name == "" {
			name = "Anonymous"
		}
		return fmt.Sprintf("Handshake(%s)", name)
	case HandshakeResponse:
		if m.Accepted {
			return "HandshakeResponse(OK)"
		}
		return "HandshakeResponse(Failed)"
	case Text:
		content := m.Content
		if len(content) > 50 {
			content = content[:50] + "..."
		}
		return fmt.Sprintf("Text(%s)", content)
	case Binary:
		return fmt.Sprintf("Binary(%d bytes)", len(m.Data))
	case Broadcast:
		return fmt.Sprintf("Broadcast(%s)", m.Content)
	case DirectMessage:
		return fmt.Sprintf("DirectMessage(%s)", m.Content)
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case ListClients:
		return "ListClients"
	case ClientList:
		return fmt.Sprintf("ClientList(%d clients)", len(m.Clients))
	case Close:
		return fmt.Sprintf("Close(%d: %s)", m.Code, m.Reason)
	case Error:
		return fmt.Sprintf("Error(%d: %s)", m.Code, m.Message)
	case Subscribe:
		return fmt.Sprintf("Subscribe(%d topics)", len(m.Topics))
	case Unsubscribe:
		return fmt.Sprintf("Unsubscribe(%d topics)", len(m.Topics))
	case ServerPush:
		return fmt.Sprintf("ServerPush(%s)", m.Topic)
	default:
		return "Unknown"
	}
}
