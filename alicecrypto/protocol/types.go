package protocol

import "fmt"

// MessageType is the "type" field of every envelope.
type MessageType uint8

const (
	MessageTypeHandshakeInit  MessageType = 1
	MessageTypeHandshakeReply MessageType = 2
	MessageTypeHandshakeError MessageType = 3
	MessageTypeChatMessage    MessageType = 4
	MessageTypeChatReply      MessageType = 5
	MessageTypeChatError      MessageType = 6
	MessageTypeComputeSum     MessageType = 7
	MessageTypeComputeResult  MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHandshakeInit:
		return "HANDSHAKE_INIT"
	case MessageTypeHandshakeReply:
		return "HANDSHAKE_REPLY"
	case MessageTypeHandshakeError:
		return "HANDSHAKE_ERROR"
	case MessageTypeChatMessage:
		return "CHAT_MESSAGE"
	case MessageTypeChatReply:
		return "CHAT_REPLY"
	case MessageTypeChatError:
		return "CHAT_ERROR"
	case MessageTypeComputeSum:
		return "COMPUTE_SUM"
	case MessageTypeComputeResult:
		return "COMPUTE_RESULT"
	default:
		return "UNKNOWN"
	}
}

// ParseMessageType returns 0 for names it does not know.
func ParseMessageType(name string) MessageType {
	for t := MessageTypeHandshakeInit; t <= MessageTypeComputeResult; t++ {
		if t.String() == name {
			return t
		}
	}
	return 0
}

func (t MessageType) MarshalText() ([]byte, error) {
	if t.String() == "UNKNOWN" {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	*t = ParseMessageType(string(b))
	return nil
}
